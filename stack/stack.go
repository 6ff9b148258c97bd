// Package stack is the delivery target for packets the engine passes up.
//
// A Backlog stands in for a network stack's per-queue input: it has a fixed
// number of packet buffers and a FIFO of delivered packets.
package stack

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var ErrEmpty = errors.New("backlog is empty")

// Packet is a copy of a received frame owned by the stack.
type Packet struct {
	Data  []byte
	Meta  []byte
	Queue uint32

	buf []byte
}

// Len returns the length of Data.
func (p *Packet) Len() int { return len(p.Data) }

// Backlog is safe for concurrent use.
type Backlog struct {
	bufSize int

	mu        sync.Mutex
	free      []*Packet
	delivered *queue.Queue
}

// NewBacklog creates a backlog of n packets, each able to hold bufSize bytes
// of data plus metadata.
func NewBacklog(n, bufSize int) *Backlog {
	b := &Backlog{
		bufSize:   bufSize,
		free:      make([]*Packet, n),
		delivered: queue.New(),
	}
	for i := range b.free {
		b.free[i] = &Packet{buf: make([]byte, bufSize)}
	}
	return b
}

// Reserve raises the largest packet the backlog holds to at least bufSize
// bytes. Packet buffers grow on their next Alloc.
func (b *Backlog) Reserve(bufSize int) {
	b.mu.Lock()
	b.bufSize = max(b.bufSize, bufSize)
	b.mu.Unlock()
}

// MaxLen returns the largest metadata plus data length Alloc accepts.
func (b *Backlog) MaxLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufSize
}

// Alloc returns an empty packet able to hold size bytes of data after
// metaLen bytes of metadata, or nil if none is free or the request does not
// fit.
func (b *Backlog) Alloc(metaLen, size int) *Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	if metaLen+size > b.bufSize {
		return nil
	}
	n := len(b.free)
	if n == 0 {
		return nil
	}
	p := b.free[n-1]
	b.free = b.free[:n-1]
	if len(p.buf) < metaLen+size {
		p.buf = make([]byte, b.bufSize)
	}
	p.Meta = p.buf[:metaLen]
	p.Data = p.buf[metaLen : metaLen+size]
	return p
}

// Deliver appends p to the delivered FIFO.
func (b *Backlog) Deliver(p *Packet) {
	b.mu.Lock()
	b.delivered.Add(p)
	b.mu.Unlock()
}

// Next removes the oldest delivered packet.
func (b *Backlog) Next() (*Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delivered.Length() == 0 {
		return nil, ErrEmpty
	}
	return b.delivered.Remove().(*Packet), nil
}

// Free returns p to the backlog.
func (b *Backlog) Free(p *Packet) {
	p.Data, p.Meta = nil, nil
	b.mu.Lock()
	b.free = append(b.free, p)
	b.mu.Unlock()
}

// Drain frees every delivered packet and returns how many there were.
func (b *Backlog) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.delivered.Length()
	for b.delivered.Length() > 0 {
		p := b.delivered.Remove().(*Packet)
		p.Data, p.Meta = nil, nil
		b.free = append(b.free, p)
	}
	return n
}

// Len returns the number of delivered packets waiting in the FIFO.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered.Length()
}

// Available returns the number of free packets.
func (b *Backlog) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.free)
}
