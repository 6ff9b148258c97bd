// Package ring implements the hardware-visible descriptor ring.
//
// A Ring is a power-of-two array of 16-byte descriptors plus two software
// cursors: NextToUse, the next descriptor software may fill, and
// NextToClean, the next descriptor waiting for the device. The tail register
// tells the device how far software has filled the ring.
//
// Cursors are owned by a single poll context and are not synchronized.
// Descriptor words and the tail register are shared with the device and are
// always accessed atomically. When a ring is shared between several poll
// contexts (more queue pairs than physical TX rings) it is created with
// WithLock and writers bracket descriptor writes with Lock/Unlock.
package ring

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/romshark/afxdp-zc-go/desc"
)

var ErrInvalidCount = errors.New("ring count must be a power of two >= 1")

type Option func(*Ring)

// WithLock makes Lock and Unlock guard the ring.
func WithLock() Option {
	return func(r *Ring) { r.mu = new(sync.Mutex) }
}

type Ring struct {
	count uint32

	// words holds two words per descriptor.
	words []atomic.Uint64

	nextToUse   uint32
	nextToClean uint32

	tail       atomic.Uint32
	tailWrites atomic.Uint64
	doorbell   atomic.Pointer[func()]

	mu *sync.Mutex
}

// New creates a ring of count descriptors.
func New(count uint32, opts ...Option) (*Ring, error) {
	if count == 0 || count&(count-1) != 0 {
		return nil, ErrInvalidCount
	}
	r := &Ring{
		count: count,
		words: make([]atomic.Uint64, 2*count),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Ring) Count() uint32 { return r.count }

func (r *Ring) NextToUse() uint32 { return r.nextToUse }

func (r *Ring) NextToClean() uint32 { return r.nextToClean }

// Locked reports whether the ring was created WithLock.
func (r *Ring) Locked() bool { return r.mu != nil }

// Next returns the index following i.
func (r *Ring) Next(i uint32) uint32 {
	i++
	if i == r.count {
		return 0
	}
	return i
}

// Unused returns the number of descriptors software may still claim.
// One descriptor is always left unused so that a full ring is
// distinguishable from an empty one.
func (r *Ring) Unused() uint32 {
	ntc, ntu := r.nextToClean, r.nextToUse
	var base uint32
	if ntc <= ntu {
		base = r.count
	}
	return base + ntc - ntu - 1
}

// Pending returns the number of descriptors between NextToClean and
// NextToUse.
func (r *Ring) Pending() uint32 {
	return (r.nextToUse - r.nextToClean) & (r.count - 1)
}

// SetNextToUse moves the fill cursor to i.
func (r *Ring) SetNextToUse(i uint32) { r.nextToUse = i & (r.count - 1) }

// AdvanceUse moves the fill cursor by one and returns the new value.
func (r *Ring) AdvanceUse() uint32 {
	r.nextToUse = r.Next(r.nextToUse)
	return r.nextToUse
}

// SetNextToClean moves the clean cursor to i.
func (r *Ring) SetNextToClean(i uint32) { r.nextToClean = i & (r.count - 1) }

// AdvanceClean moves the clean cursor by one and returns the new value.
func (r *Ring) AdvanceClean() uint32 {
	r.nextToClean = r.Next(r.nextToClean)
	return r.nextToClean
}

// Reset clears all descriptors and rewinds both cursors and the tail.
func (r *Ring) Reset() {
	for i := range r.words {
		r.words[i].Store(0)
	}
	r.nextToUse, r.nextToClean = 0, 0
	r.tail.Store(0)
}

// LoadAddr atomically loads word0 of descriptor i.
func (r *Ring) LoadAddr(i uint32) uint64 { return r.words[2*(i&(r.count-1))].Load() }

// StoreAddr atomically stores word0 of descriptor i.
func (r *Ring) StoreAddr(i uint32, v uint64) { r.words[2*(i&(r.count-1))].Store(v) }

// LoadWB atomically loads word1 of descriptor i. Fields of a written-back
// descriptor other than word1 may only be trusted after this load observed
// the completion.
func (r *Ring) LoadWB(i uint32) uint64 { return r.words[2*(i&(r.count-1))+1].Load() }

// StoreWB atomically stores word1 of descriptor i.
func (r *Ring) StoreWB(i uint32, v uint64) { r.words[2*(i&(r.count-1))+1].Store(v) }

// Descriptor returns the wire form of descriptor i.
func (r *Ring) Descriptor(i uint32) [desc.Size]byte {
	var b [desc.Size]byte
	_ = desc.Encode(b[:], r.LoadAddr(i), r.LoadWB(i))
	return b
}

// WriteTail publishes v to the device. All descriptor stores made before
// WriteTail are visible to a device that loads the tail.
func (r *Ring) WriteTail(v uint32) {
	r.tail.Store(v)
	r.tailWrites.Add(1)
	if fn := r.doorbell.Load(); fn != nil {
		(*fn)()
	}
}

func (r *Ring) Tail() uint32 { return r.tail.Load() }

// TailWrites returns the number of tail updates since creation.
func (r *Ring) TailWrites() uint64 { return r.tailWrites.Load() }

// SetDoorbell registers fn to be called after every tail write.
// A nil fn removes the doorbell.
func (r *Ring) SetDoorbell(fn func()) {
	if fn == nil {
		r.doorbell.Store(nil)
		return
	}
	r.doorbell.Store(&fn)
}

func (r *Ring) Lock() {
	if r.mu != nil {
		r.mu.Lock()
	}
}

func (r *Ring) Unlock() {
	if r.mu != nil {
		r.mu.Unlock()
	}
}
