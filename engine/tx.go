package engine

import (
	"sync/atomic"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/desc"
	"github.com/romshark/afxdp-zc-go/ring"
)

type txBuffer struct {
	bytecount uint32
	// buff is the frame of a TX verdict. It is nil for frames the
	// pool's application submitted.
	buff *afxdp.Buff
}

// TXRing is an XDP TX descriptor ring. It carries frames sent back by TX
// verdicts and frames submitted through the pool of its owning queue pair.
type TXRing struct {
	r    *ring.Ring
	info []txBuffer

	pool     atomic.Pointer[afxdp.Pool]
	disabled atomic.Bool
	owner    *QueuePair
}

func newTXRing(count uint32, opts ...ring.Option) (*TXRing, error) {
	r, err := ring.New(count, opts...)
	if err != nil {
		return nil, err
	}
	x := &TXRing{
		r:    r,
		info: make([]txBuffer, count),
	}
	x.disabled.Store(true)
	return x, nil
}

// Ring returns the descriptor ring.
func (x *TXRing) Ring() *ring.Ring { return x.r }

// xmitZC moves up to budget descriptors from pool's TX ring onto x. It
// returns false if it stopped for lack of descriptors or left submitted
// work behind, and the number of descriptors written.
func (a *Adapter) xmitZC(x *TXRing, pool *afxdp.Pool, budget int) (bool, int) {
	r := x.r
	r.Lock()
	defer r.Unlock()

	workDone := true
	sent := 0
	for sent < budget {
		if r.Unused() == 0 {
			workDone = false
			break
		}
		if !a.dev.CarrierOK() {
			break
		}
		d, ok := pool.PeekTXDesc()
		if !ok {
			break
		}

		dma := pool.RawDMA(d.Addr)
		pool.SyncForDevice(dma, d.Len)

		i := r.NextToUse()
		x.info[i] = txBuffer{bytecount: d.Len}
		r.StoreAddr(i, dma)
		r.StoreWB(i, desc.TXWord(desc.MakeTXCmdTypeLen(d.Len), desc.MakeTXOlinfo(d.Len)))
		r.AdvanceUse()
		sent++
	}

	if sent > 0 {
		r.WriteTail(r.NextToUse())
		pool.TXRelease()
	}
	if sent == budget && pool.TXPending() > 0 {
		workDone = false
	}
	return workDone, sent
}

// cleanXDPTXIRQ reclaims completed descriptors of x, then submits more
// from the pool. It reports whether all TX work is complete.
func (a *Adapter) cleanXDPTXIRQ(qp *QueuePair, x *TXRing) bool {
	r := x.r
	r.Lock()
	ntc, ntu := r.NextToClean(), r.NextToUse()
	r.Unlock()

	var packets, bytes uint64
	var xskFrames uint32
	for ntc != ntu {
		if !desc.TXWriteBackStatus(r.LoadWB(ntc)).Done() {
			break
		}
		bi := &x.info[ntc]
		packets++
		bytes += uint64(bi.bytecount)
		if bi.buff != nil {
			bi.buff.Pool().Free(bi.buff)
			bi.buff = nil
		} else {
			xskFrames++
		}
		ntc = r.Next(ntc)
	}

	r.Lock()
	r.SetNextToClean(ntc)
	r.Unlock()

	st := &qp.stats
	st.txPackets.Add(packets)
	st.txBytes.Add(bytes)

	pool := x.pool.Load()
	if pool == nil {
		return true
	}
	if xskFrames > 0 {
		pool.TXCompleted(xskFrames)
		st.txCompletedXSK.Add(uint64(xskFrames))
	}

	limit := a.conf.TXWorkLimit
	done, sent := a.xmitZC(x, pool, limit)
	if !pool.UsesNeedWakeup() {
		return done
	}

	if (sent > 0 || packets > 0) && (done || sent == limit) {
		pool.ClearTXNeedWakeup()
		// Submitted descriptors raise a completion interrupt. Without
		// them another pass must run to decide on the flag.
		return done && sent > 0
	}
	pool.SetTXNeedWakeup()
	return !a.txWorkPending(x, pool)
}

// txWorkPending reports whether xmitZC could submit something right now.
func (a *Adapter) txWorkPending(x *TXRing, pool *afxdp.Pool) bool {
	if pool.TXPending() == 0 || !pool.CompletionSpace() || !a.dev.CarrierOK() {
		return false
	}
	x.r.Lock()
	defer x.r.Unlock()
	return x.r.Unused() > 0
}

// cleanTXRing drops every outstanding descriptor of a quiesced ring.
// Frames of TX verdicts go back to their pools, frames submitted through
// the pool are reported as completed.
func (a *Adapter) cleanTXRing(x *TXRing) {
	r := x.r
	r.Lock()
	defer r.Unlock()

	var xskFrames uint32
	for ntc, ntu := r.NextToClean(), r.NextToUse(); ntc != ntu; ntc = r.Next(ntc) {
		bi := &x.info[ntc]
		if bi.buff != nil {
			bi.buff.Pool().Free(bi.buff)
			bi.buff = nil
		} else {
			xskFrames++
		}
	}
	r.SetNextToClean(r.NextToUse())

	if pool := x.pool.Load(); pool != nil && xskFrames > 0 {
		pool.TXCompleted(xskFrames)
		x.owner.stats.txCompletedXSK.Add(uint64(xskFrames))
	}
}
