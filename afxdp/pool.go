package afxdp

import (
	"sync"
	"sync/atomic"
)

// Owner identifies who currently holds a frame.
type Owner uint8

const (
	// OwnerApp means the application holds the frame: it sits in the fill
	// ring, the RX ring, or the application's own hands.
	OwnerApp Owner = iota
	// OwnerPool means the frame is on the pool's free list.
	OwnerPool
	// OwnerRX means the frame is armed in an RX descriptor or being
	// dispatched by the poll loop.
	OwnerRX
	// OwnerTX means the frame is in flight on a TX descriptor.
	OwnerTX
)

func (o Owner) String() string {
	switch o {
	case OwnerApp:
		return "app"
	case OwnerPool:
		return "pool"
	case OwnerRX:
		return "rx"
	case OwnerTX:
		return "tx"
	}
	return "unknown"
}

// WakeupFlags selects the direction of a wakeup request.
type WakeupFlags uint32

const (
	WakeupRX WakeupFlags = 1 << 0
	WakeupTX WakeupFlags = 1 << 1
)

// Waker is implemented by the engine a socket is bound to.
type Waker interface {
	Wakeup(qid uint16, flags WakeupFlags) error
}

// Mapper makes packet memory addressable by a device.
type Mapper interface {
	// Map makes mem addressable and returns its device base address.
	Map(mem []byte) (base uint64, err error)
	Unmap(base uint64) error
	// SyncForCPU makes device writes to [dma, dma+n) visible to the CPU.
	SyncForCPU(dma uint64, n int)
	// SyncForDevice makes CPU writes to [dma, dma+n) visible to the device.
	SyncForDevice(dma uint64, n int)
}

// Desc is an entry of the RX and TX rings. Addr is an offset into the UMEM.
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// Buff is the handle of one UMEM frame. Buffs are preallocated, one per
// frame, and recycled; they are never allocated on the data path.
type Buff struct {
	pool *Pool
	addr uint64

	// Offsets relative to addr.
	data     uint32
	dataEnd  uint32
	dataMeta uint32

	owner Owner
}

// Addr returns the UMEM address of the frame.
func (b *Buff) Addr() uint64 { return b.addr }

func (b *Buff) Pool() *Pool { return b.pool }

// Owner returns the current holder of the frame.
func (b *Buff) Owner() Owner {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.owner
}

// Data returns the packet bytes.
func (b *Buff) Data() []byte {
	base := b.addr
	return b.pool.umem.mem[base+uint64(b.data) : base+uint64(b.dataEnd)]
}

// Meta returns the metadata bytes preceding the packet.
func (b *Buff) Meta() []byte {
	base := b.addr
	return b.pool.umem.mem[base+uint64(b.dataMeta) : base+uint64(b.data)]
}

func (b *Buff) Len() uint32 { return b.dataEnd - b.data }

// SetLen sets the packet length, clamped to the end of the frame.
func (b *Buff) SetLen(n uint32) {
	b.dataEnd = min(b.data+n, b.pool.umem.frameSize)
}

// SetMetaLen reserves n bytes of metadata in front of the packet, clamped to
// the headroom.
func (b *Buff) SetMetaLen(n uint32) {
	b.dataMeta = b.data - min(n, b.data)
}

// Offset returns the UMEM address of the first packet byte.
func (b *Buff) Offset() uint64 { return b.addr + uint64(b.data) }

func (b *Buff) reset(headroom uint32) {
	b.data = headroom
	b.dataEnd = headroom
	b.dataMeta = headroom
}

// PoolStats counts conditions observed by the pool.
type PoolStats struct {
	// FillInvalid counts fill ring entries that were out of range or
	// referenced a frame the pool does not consider the application's.
	FillInvalid uint64
	// TXInvalid counts TX ring descriptors that were out of range.
	TXInvalid uint64
	// RXQueueFull counts redirects rejected because the RX ring was full.
	RXQueueFull uint64
	// AllocFailed counts allocations with both free list and fill ring empty.
	AllocFailed uint64
	// DoubleFree counts frees of frames already on the free list.
	DoubleFree uint64
}

// Pool is the driver side of a UMEM: it hands frames to the receive path,
// takes them back, supplies transmit descriptors and publishes completions.
//
// Alloc and Free may be called from any poll context. The ring methods
// (Receive, Flush, PeekTXDesc, TXRelease, TXCompleted) must be called from
// the poll context of the queue the pool is attached to.
type Pool struct {
	umem       *UMEM
	headroom   uint32
	queueID    uint32
	needWakeup bool

	buffs []Buff

	// mu guards free, fq and Buff.owner.
	mu   sync.Mutex
	free []*Buff
	fq   *consumer[uint64]

	fill *queue[uint64]
	rxq  *queue[Desc]
	txq  *queue[Desc]
	comp *queue[uint64]

	rx *producer[Desc]
	tx *consumer[Desc]
	cq *producer[uint64]

	mapper  Mapper
	dmaBase uint64
	mapRefs int

	rxReady chan struct{}

	fillInvalid atomic.Uint64
	txInvalid   atomic.Uint64
	rxQueueFull atomic.Uint64
	allocFailed atomic.Uint64
	doubleFree  atomic.Uint64
}

func newPool(
	umem *UMEM, conf Config,
	fill *queue[uint64], rxq, txq *queue[Desc], comp *queue[uint64],
) *Pool {
	p := &Pool{
		umem:       umem,
		headroom:   conf.Headroom,
		queueID:    conf.QueueID,
		needWakeup: !conf.NoNeedWakeup,
		buffs:      make([]Buff, umem.numFrames),
		free:       make([]*Buff, 0, umem.numFrames),
		fill:       fill,
		rxq:        rxq,
		txq:        txq,
		comp:       comp,
		fq:         newConsumer(fill),
		rx:         newProducer(rxq),
		tx:         newConsumer(txq),
		cq:         newProducer(comp),
		rxReady:    make(chan struct{}, 1),
	}
	for i := range p.buffs {
		p.buffs[i] = Buff{
			pool:  p,
			addr:  uint64(i) * uint64(umem.frameSize),
			owner: OwnerApp,
		}
	}
	return p
}

func (p *Pool) UMEM() *UMEM { return p.umem }

// QueueID returns the queue the pool's socket is bound to.
func (p *Pool) QueueID() uint32 { return p.queueID }

func (p *Pool) Headroom() uint32 { return p.headroom }

// RXFrameSize returns the number of bytes a device may write into a frame.
func (p *Pool) RXFrameSize() uint32 { return p.umem.frameSize - p.headroom }

// UsesNeedWakeup reports whether the application relies on need-wakeup flags
// instead of wakeups after every ring update.
func (p *Pool) UsesNeedWakeup() bool { return p.needWakeup }

// lookup returns the Buff of the frame containing addr, or nil.
func (p *Pool) lookup(addr uint64) *Buff {
	i := addr / uint64(p.umem.frameSize)
	if i >= uint64(len(p.buffs)) {
		return nil
	}
	return &p.buffs[i]
}

// Alloc returns a frame ready to be armed in an RX descriptor, or nil if
// none is available. Recycled frames are preferred over the fill ring.
func (p *Pool) Alloc() *Buff {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buff
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		for b == nil {
			got, idx := p.fq.peek(1)
			if got == 0 {
				p.allocFailed.Add(1)
				return nil
			}
			addr := p.fq.get(idx)
			p.fq.release()
			c := p.lookup(addr)
			if c == nil || c.owner != OwnerApp {
				p.fillInvalid.Add(1)
				continue
			}
			b = c
		}
	}
	b.reset(p.headroom)
	b.owner = OwnerRX
	return b
}

// Free returns b to the free list.
func (p *Pool) Free(b *Buff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.owner == OwnerPool {
		p.doubleFree.Add(1)
		return
	}
	b.owner = OwnerPool
	p.free = append(p.free, b)
}

// MarkTX records that b was placed on a TX descriptor.
func (p *Pool) MarkTX(b *Buff) {
	p.mu.Lock()
	b.owner = OwnerTX
	p.mu.Unlock()
}

// DMAMap maps the UMEM with m. Mapping again with the same Mapper only
// takes another reference.
func (p *Pool) DMAMap(m Mapper) error {
	if p.mapRefs > 0 {
		if p.mapper != m {
			return ErrMapped
		}
		p.mapRefs++
		return nil
	}
	base, err := m.Map(p.umem.mem)
	if err != nil {
		return err
	}
	p.mapper, p.dmaBase, p.mapRefs = m, base, 1
	return nil
}

// DMAUnmap drops a reference taken by DMAMap.
func (p *Pool) DMAUnmap() error {
	if p.mapRefs == 0 {
		return nil
	}
	p.mapRefs--
	if p.mapRefs > 0 {
		return nil
	}
	err := p.mapper.Unmap(p.dmaBase)
	p.mapper, p.dmaBase = nil, 0
	return err
}

// Mapped reports whether the UMEM is currently DMA mapped.
func (p *Pool) Mapped() bool { return p.mapRefs > 0 }

// DMA returns the device address of b's packet data.
func (p *Pool) DMA(b *Buff) uint64 { return p.dmaBase + b.Offset() }

// RawDMA returns the device address of UMEM address addr.
func (p *Pool) RawDMA(addr uint64) uint64 { return p.dmaBase + addr }

// SyncForCPU makes the device's writes to b's data visible to the CPU.
func (p *Pool) SyncForCPU(b *Buff) {
	if p.mapper != nil {
		p.mapper.SyncForCPU(p.DMA(b), int(b.Len()))
	}
}

func (p *Pool) SyncForDevice(dma uint64, n uint32) {
	if p.mapper != nil {
		p.mapper.SyncForDevice(dma, int(n))
	}
}

// Receive places b on the application's RX ring. ErrNoBufs means the ring
// is full and b is still owned by the caller.
func (p *Pool) Receive(qid uint32, b *Buff) error {
	if b.pool != p || qid != p.queueID {
		return ErrForeignBuff
	}
	idx, ok := p.rx.reserve(1)
	if !ok {
		p.rxQueueFull.Add(1)
		return ErrNoBufs
	}
	p.rx.set(idx, Desc{Addr: b.Offset(), Len: b.Len()})
	p.mu.Lock()
	b.owner = OwnerApp
	p.mu.Unlock()
	return nil
}

// RXSpace reports whether Receive could place another frame.
func (p *Pool) RXSpace() bool { return p.rx.free(1) > 0 }

// Flush publishes frames placed by Receive and wakes a waiting socket.
func (p *Pool) Flush() {
	if p.rx.cachedProd == p.rxq.prod.Load() {
		return
	}
	p.rx.submit()
	select {
	case p.rxReady <- struct{}{}:
	default:
	}
}

// PeekTXDesc takes the next valid descriptor from the TX ring and reserves
// a completion slot for it. Invalid descriptors are skipped and counted.
// It returns false if the TX ring is empty or the completion ring is full.
func (p *Pool) PeekTXDesc() (Desc, bool) {
	for {
		got, idx := p.tx.peek(1)
		if got == 0 {
			return Desc{}, false
		}
		d := p.tx.get(idx)
		if d.Len == 0 || !p.umem.contains(d.Addr, d.Len) {
			p.txInvalid.Add(1)
			p.tx.release()
			continue
		}
		cidx, ok := p.cq.reserve(1)
		if !ok {
			p.tx.cancel(1)
			return Desc{}, false
		}
		p.cq.set(cidx, d.Addr)
		return d, true
	}
}

// TXRelease hands descriptors taken by PeekTXDesc back to the application.
func (p *Pool) TXRelease() { p.tx.release() }

// TXCompleted publishes n completions reserved by PeekTXDesc.
func (p *Pool) TXCompleted(n uint32) {
	if n == 0 {
		return
	}
	p.cq.submitN(n)
}

// CompletionSpace reports whether the completion ring can take another
// entry.
func (p *Pool) CompletionSpace() bool { return p.cq.free(1) > 0 }

// TXPending returns the number of descriptors waiting on the TX ring.
func (p *Pool) TXPending() uint32 { return p.txq.pending() }

// FillPending returns the number of addresses waiting on the fill ring.
func (p *Pool) FillPending() uint32 { return p.fill.pending() }

func (p *Pool) SetRXNeedWakeup()   { p.fill.setFlag(ringNeedWakeup) }
func (p *Pool) ClearRXNeedWakeup() { p.fill.clearFlag(ringNeedWakeup) }
func (p *Pool) SetTXNeedWakeup()   { p.txq.setFlag(ringNeedWakeup) }
func (p *Pool) ClearTXNeedWakeup() { p.txq.clearFlag(ringNeedWakeup) }

func (p *Pool) RXNeedsWakeup() bool { return p.fill.hasFlag(ringNeedWakeup) }
func (p *Pool) TXNeedsWakeup() bool { return p.txq.hasFlag(ringNeedWakeup) }

// FreeCount returns the length of the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Owners returns how many frames each owner holds.
func (p *Pool) Owners() map[Owner]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[Owner]int, 4)
	for i := range p.buffs {
		m[p.buffs[i].owner]++
	}
	return m
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		FillInvalid: p.fillInvalid.Load(),
		TXInvalid:   p.txInvalid.Load(),
		RXQueueFull: p.rxQueueFull.Load(),
		AllocFailed: p.allocFailed.Load(),
		DoubleFree:  p.doubleFree.Load(),
	}
}
