// Package nic simulates the hardware side of the engine's descriptor rings:
// a device that receives frames into armed RX descriptors, transmits
// descriptors up to the TX tail, writes back status words and raises
// interrupts.
package nic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/desc"
	"github.com/romshark/afxdp-zc-go/engine"
)

var (
	ErrNoQueue   = errors.New("queue is not attached")
	ErrNoBuffers = errors.New("not enough armed RX descriptors")
	ErrEmpty     = errors.New("empty frame")
)

// Wire carries transmitted frames. Frames are copies owned by the wire.
type Wire interface {
	Transmit(qid uint16, frame []byte)
}

// WireFunc adapts a function to Wire.
type WireFunc func(qid uint16, frame []byte)

func (f WireFunc) Transmit(qid uint16, frame []byte) { f(qid, frame) }

// Loopback returns a wire that receives every transmitted frame on queue
// route(qid) of d. Frames that find no RX descriptor are dropped.
func Loopback(d *Device, route func(qid uint16) uint16) Wire {
	return WireFunc(func(qid uint16, frame []byte) {
		_ = d.Receive(route(qid), frame)
	})
}

// Stats counts device events.
type Stats struct {
	RXFrames  uint64
	RXMissed  uint64
	TXFrames  uint64
	TXDropped uint64
	TXFaults  uint64
	IRQs      uint64
}

type hwQueue struct {
	// mu serializes descriptor processing of the queue.
	mu     sync.Mutex
	rings  engine.QueueRings
	rxHead uint32
	txHead uint32
}

// Device is a simulated NIC. It implements engine.Device.
type Device struct {
	iommu *IOMMU
	wire  Wire

	irq     atomic.Pointer[func(int)]
	carrier atomic.Bool

	mu     sync.RWMutex
	queues map[uint16]*hwQueue

	doorbell chan struct{}

	rxFrames, rxMissed            atomic.Uint64
	txFrames, txDropped, txFaults atomic.Uint64
	irqs                          atomic.Uint64
}

var _ engine.Device = (*Device)(nil)

// New creates a device with carrier up. A nil wire discards transmitted
// frames.
func New(iommu *IOMMU, wire Wire) *Device {
	d := &Device{
		iommu:    iommu,
		wire:     wire,
		queues:   make(map[uint16]*hwQueue),
		doorbell: make(chan struct{}, 1),
	}
	d.carrier.Store(true)
	return d
}

// SetWire replaces the wire. It must not be called while transmitting.
func (d *Device) SetWire(w Wire) { d.wire = w }

func (d *Device) IOMMU() *IOMMU { return d.iommu }

func (d *Device) Mapper() afxdp.Mapper { return d.iommu }

func (d *Device) SetIRQHandler(fn func(vector int)) {
	d.irq.Store(&fn)
}

func (d *Device) raise(vector int) {
	d.irqs.Add(1)
	if fn := d.irq.Load(); fn != nil {
		(*fn)(vector)
	}
}

func (d *Device) ring() {
	select {
	case d.doorbell <- struct{}{}:
	default:
	}
}

func (d *Device) AttachQueue(q engine.QueueRings) {
	hq := &hwQueue{rings: q}
	if q.TX != nil {
		q.TX.SetDoorbell(d.ring)
	}
	d.mu.Lock()
	d.queues[q.ID] = hq
	d.mu.Unlock()
}

func (d *Device) DetachQueue(qid uint16) {
	d.mu.Lock()
	hq := d.queues[qid]
	delete(d.queues, qid)
	d.mu.Unlock()
	if hq == nil {
		return
	}
	// Wait for descriptor processing in progress.
	hq.mu.Lock()
	if hq.rings.TX != nil {
		hq.rings.TX.SetDoorbell(nil)
	}
	hq.mu.Unlock()
}

func (d *Device) queue(qid uint16) *hwQueue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.queues[qid]
}

func (d *Device) Rearm(eics uint64) {
	for v := 0; v < 64; v++ {
		if eics&(1<<v) != 0 {
			d.raise(v)
		}
	}
}

func (d *Device) CarrierOK() bool { return d.carrier.Load() }

// SetCarrier changes the link state. Bringing the link up interrupts every
// attached queue so that pending transmits resume.
func (d *Device) SetCarrier(up bool) {
	if d.carrier.Swap(up) == up || !up {
		return
	}
	d.mu.RLock()
	vectors := make([]int, 0, len(d.queues))
	for _, q := range d.queues {
		vectors = append(vectors, q.rings.Vector)
	}
	d.mu.RUnlock()
	for _, v := range vectors {
		d.raise(v)
	}
}

// Receive writes frame into the RX descriptors of queue qid, splitting it
// across descriptors of RXBufLen bytes, and raises the queue's interrupt.
// The frame is dropped if not enough descriptors are armed.
func (d *Device) Receive(qid uint16, frame []byte) error {
	if len(frame) == 0 {
		return ErrEmpty
	}
	q := d.queue(qid)
	if q == nil {
		d.rxMissed.Add(1)
		return ErrNoQueue
	}

	q.mu.Lock()
	err := q.receive(d.iommu, frame)
	vector := q.rings.Vector
	q.mu.Unlock()
	if err != nil {
		d.rxMissed.Add(1)
		return err
	}
	d.rxFrames.Add(1)
	d.raise(vector)
	return nil
}

func (q *hwQueue) receive(iommu *IOMMU, frame []byte) error {
	r, bufLen := q.rings.RX, q.rings.RXBufLen
	if bufLen == 0 {
		return ErrNoBuffers
	}
	need := (uint32(len(frame)) + bufLen - 1) / bufLen
	armed := (r.Tail() - q.rxHead) & (r.Count() - 1)
	if armed < need {
		return ErrNoBuffers
	}

	for len(frame) > 0 {
		n := min(uint32(len(frame)), bufLen)
		i := q.rxHead
		buf, err := iommu.Translate(r.LoadAddr(i), int(n))
		if err != nil {
			return err
		}
		copy(buf, frame[:n])
		frame = frame[n:]

		status := desc.RXStatDD
		if len(frame) == 0 {
			status |= desc.RXStatEOP
		}
		r.StoreAddr(i, 0)
		r.StoreWB(i, desc.MakeRXWriteBack(status, uint16(n), 0).Raw())
		q.rxHead = r.Next(i)
	}
	return nil
}

// Transmit sends every descriptor of queue qid up to the TX tail, writes
// back DD status and raises the queue's interrupt. It returns the number
// of descriptors processed.
func (d *Device) Transmit(qid uint16) int {
	q := d.queue(qid)
	if q == nil {
		return 0
	}

	q.mu.Lock()
	r := q.rings.TX
	if r == nil {
		q.mu.Unlock()
		return 0
	}
	var frames [][]byte
	n := 0
	for tail := r.Tail(); q.txHead != tail; q.txHead = r.Next(q.txHead) {
		i := q.txHead
		cmd, _ := desc.SplitTXWord(r.LoadWB(i))
		buf, err := d.iommu.Translate(r.LoadAddr(i), int(cmd.Len()))
		switch {
		case err != nil:
			d.txFaults.Add(1)
		case !d.carrier.Load():
			d.txDropped.Add(1)
		default:
			frames = append(frames, append([]byte(nil), buf...))
		}
		if cmd.ReportStatus() {
			r.StoreWB(i, desc.TXWriteBackWord(desc.TXStatDD))
		}
		n++
	}
	vector := q.rings.Vector
	q.mu.Unlock()

	d.txFrames.Add(uint64(len(frames)))
	if d.wire != nil {
		for _, f := range frames {
			d.wire.Transmit(qid, f)
		}
	}
	if n > 0 {
		d.raise(vector)
	}
	return n
}

// TransmitAll runs Transmit on every attached queue.
func (d *Device) TransmitAll() int {
	d.mu.RLock()
	ids := make([]uint16, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	n := 0
	for _, id := range ids {
		n += d.Transmit(id)
	}
	return n
}

// Run transmits whenever a TX tail is written, until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.doorbell:
			d.TransmitAll()
		}
	}
}

func (d *Device) Stats() Stats {
	return Stats{
		RXFrames:  d.rxFrames.Load(),
		RXMissed:  d.rxMissed.Load(),
		TXFrames:  d.txFrames.Load(),
		TXDropped: d.txDropped.Load(),
		TXFaults:  d.txFaults.Load(),
		IRQs:      d.irqs.Load(),
	}
}
