package engine

import (
	"errors"
	"sync/atomic"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/desc"
	"github.com/romshark/afxdp-zc-go/ring"
)

// RXRing is an RX descriptor ring together with the frames armed in it.
type RXRing struct {
	r *ring.Ring

	// buffs[i] is the frame armed in descriptor i.
	buffs []*afxdp.Buff
	// discard[i] marks descriptor i as the continuation of a packet
	// that spans descriptors.
	discard []bool

	pool atomic.Pointer[afxdp.Pool]
}

func newRXRing(count uint32) (*RXRing, error) {
	r, err := ring.New(count)
	if err != nil {
		return nil, err
	}
	return &RXRing{
		r:       r,
		buffs:   make([]*afxdp.Buff, count),
		discard: make([]bool, count),
	}, nil
}

// Ring returns the descriptor ring.
func (rx *RXRing) Ring() *ring.Ring { return rx.r }

// allocBuffers arms count descriptors starting at NextToUse with frames
// from the pool. It stops early and reports false when the pool runs dry.
// The tail is written once if anything was armed.
func (rx *RXRing) allocBuffers(count uint32) bool {
	if count == 0 {
		return true
	}
	pool := rx.pool.Load()
	if pool == nil {
		return false
	}

	r := rx.r
	i := r.NextToUse()
	armed := uint32(0)
	ok := true
	for ; count > 0; count-- {
		b := pool.Alloc()
		if b == nil {
			ok = false
			break
		}
		rx.buffs[i] = b
		r.StoreAddr(i, pool.DMA(b))
		armed++
		i = r.Next(i)

		// Clear the length for the next_to_use descriptor.
		r.StoreWB(i, desc.RXWriteBack(r.LoadWB(i)).WithLength(0).Raw())
	}

	if armed > 0 {
		r.SetNextToUse(i)
		r.WriteTail(i)
	}
	return ok
}

// cleanRing returns every armed frame to its pool.
func (rx *RXRing) cleanRing() {
	for i, b := range rx.buffs {
		if b != nil {
			b.Pool().Free(b)
			rx.buffs[i] = nil
		}
		rx.discard[i] = false
	}
}

// cleanRXIRQ processes up to budget received packets. It returns the
// number of packets processed and whether the pass hit resource
// exhaustion.
func (a *Adapter) cleanRXIRQ(qp *QueuePair, budget int) (int, bool) {
	rx := qp.rx
	pool := rx.pool.Load()
	if budget <= 0 || pool == nil {
		return 0, false
	}

	r := rx.r
	cleaned := r.Unused()
	var (
		totalPackets, totalBytes int
		discards, allocFailed    uint64
		failure                  bool
		xmit                     xdpResult
	)

loop:
	for totalPackets < budget {
		// Return some buffers to hardware, one at a time is too slow.
		if cleaned >= a.conf.RXBufferWrite {
			if !rx.allocBuffers(cleaned) {
				failure = true
			}
			cleaned = 0
		}

		ntc := r.NextToClean()
		// Loading the write-back word orders every later read of the
		// descriptor and its frame after the device's write.
		wb := desc.RXWriteBack(r.LoadWB(ntc))
		size := wb.Length()
		if size == 0 {
			break
		}

		b := rx.buffs[ntc]
		if !wb.Status().Has(desc.RXStatEOP) {
			pool.Free(b)
			rx.buffs[ntc] = nil
			rx.discard[ntc] = false
			rx.discard[r.AdvanceClean()] = true
			discards++
			continue
		}
		if rx.discard[ntc] {
			pool.Free(b)
			rx.buffs[ntc] = nil
			rx.discard[ntc] = false
			r.AdvanceClean()
			discards++
			continue
		}

		b.SetLen(uint32(size))
		pool.SyncForCPU(b)

		switch res := a.runXDP(qp, b); res {
		case resultTX, resultRedir:
			xmit |= res
		case resultExit:
			failure = true
			break loop
		case resultConsumed:
			pool.Free(b)
		case resultPass:
			n, err := a.passUp(qp, b)
			if errors.Is(err, errStackFull) {
				allocFailed++
				break loop
			}
			if err != nil {
				// No stack buffer will ever hold it.
				qp.stats.xdpDrop.Add(1)
				n = int(size)
			}
			pool.Free(b)
			rx.buffs[ntc] = nil
			cleaned++
			r.AdvanceClean()
			totalPackets++
			totalBytes += n
			continue
		}

		rx.buffs[ntc] = nil
		totalPackets++
		totalBytes += int(size)
		cleaned++
		r.AdvanceClean()
	}

	if xmit&resultRedir != 0 {
		a.redirect.Flush(qp.id)
	}
	if xmit&resultTX != 0 {
		x := a.xdpRing(qp.id)
		x.r.Lock()
		x.r.WriteTail(x.r.NextToUse())
		x.r.Unlock()
	}

	st := &qp.stats
	st.rxPackets.Add(uint64(totalPackets))
	st.rxBytes.Add(uint64(totalBytes))
	st.rxDiscards.Add(discards)
	st.allocRXBuffFailed.Add(allocFailed)

	if pool.UsesNeedWakeup() {
		if failure || r.NextToClean() == r.NextToUse() {
			pool.SetRXNeedWakeup()
		} else {
			pool.ClearRXNeedWakeup()
		}
	}
	return totalPackets, failure
}

// rxWorkPending reports whether a poll of qp could make progress right
// now. It is checked after the RX need-wakeup flag was set so that work
// the application published before seeing the flag is not left behind.
func (a *Adapter) rxWorkPending(qp *QueuePair, pool *afxdp.Pool) bool {
	r := qp.rx.r
	if r.Unused() >= a.conf.RXBufferWrite &&
		(pool.FillPending() > 0 || pool.FreeCount() > 0) {
		return true
	}
	ntc := r.NextToClean()
	if ntc == r.NextToUse() {
		return false
	}
	return desc.RXWriteBack(r.LoadWB(ntc)).Length() != 0 && pool.RXSpace()
}

var (
	errStackFull     = errors.New("no free stack buffer")
	errStackTooSmall = errors.New("packet exceeds the largest stack buffer")
)

// passUp copies b into a stack packet, padded to the minimum frame
// length. It returns the delivered length. errStackFull is transient,
// errStackTooSmall is not.
func (a *Adapter) passUp(qp *QueuePair, b *afxdp.Buff) (int, error) {
	data, meta := b.Data(), b.Meta()
	size := max(len(data), minFrameLen)
	if len(meta)+size > a.stack.MaxLen() {
		return 0, errStackTooSmall
	}
	p := a.stack.Alloc(len(meta), size)
	if p == nil {
		return 0, errStackFull
	}
	copy(p.Meta, meta)
	n := copy(p.Data, data)
	clear(p.Data[n:])
	p.Queue = uint32(qp.id)
	a.stack.Deliver(p)
	return size, nil
}
