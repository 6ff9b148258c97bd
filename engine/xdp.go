package engine

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/desc"
	"github.com/romshark/afxdp-zc-go/verdict"
)

// xdpResult is what the RX loop does with a frame after the verdict.
type xdpResult uint8

const (
	// resultPass copies the frame to the stack.
	resultPass xdpResult = 0
	// resultConsumed frees the frame.
	resultConsumed xdpResult = 1 << iota
	// resultTX means the frame sits on an XDP TX ring.
	resultTX
	// resultRedir means the redirect target owns the frame.
	resultRedir
	// resultExit stops the RX loop, leaving the frame in its descriptor.
	resultExit
)

// runXDP runs the verdict program on b and performs the TX and redirect
// side effects. Ownership of b moves only for resultTX and resultRedir.
func (a *Adapter) runXDP(qp *QueuePair, b *afxdp.Buff) xdpResult {
	prog := a.program()
	if prog == nil {
		return resultPass
	}

	qp.xctx.Data, qp.xctx.Meta = b.Data(), b.Meta()
	act := prog.Run(&qp.xctx)
	qp.xctx.Data, qp.xctx.Meta = nil, nil

	st := &qp.stats
	switch act {
	case verdict.Redirect:
		err := a.redirect.Redirect(qp.id, b)
		if err == nil {
			st.xdpRedirect.Add(1)
			return resultRedir
		}
		if errors.Is(err, afxdp.ErrNoBufs) && b.Pool().UsesNeedWakeup() {
			st.xdpExit.Add(1)
			return resultExit
		}
		st.xdpRedirectFailed.Add(1)
		return resultConsumed
	case verdict.Pass:
		st.xdpPass.Add(1)
		return resultPass
	case verdict.TX:
		if a.xmitXDPRing(a.xdpRing(qp.id), b) {
			st.xdpTX.Add(1)
			return resultTX
		}
		st.xdpTXFailed.Add(1)
		return resultConsumed
	case verdict.Drop:
		st.xdpDrop.Add(1)
		return resultConsumed
	case verdict.Aborted:
		st.xdpAborted.Add(1)
		return resultConsumed
	default:
		st.xdpInvalid.Add(1)
		if a.invalidWarned.CompareAndSwap(false, true) {
			a.log.WithFields(logrus.Fields{
				"queue":  qp.id,
				"action": act,
			}).Warn("XDP program returned an invalid action, dropping")
		}
		return resultConsumed
	}
}

// xmitXDPRing places b on x without copying. The tail is left for the
// caller to write. It reports false if x is disabled or full.
func (a *Adapter) xmitXDPRing(x *TXRing, b *afxdp.Buff) bool {
	x.r.Lock()
	defer x.r.Unlock()

	if x.disabled.Load() || x.r.Unused() == 0 {
		return false
	}

	pool := b.Pool()
	n := b.Len()
	dma := pool.DMA(b)
	pool.SyncForDevice(dma, n)
	pool.MarkTX(b)

	i := x.r.NextToUse()
	x.info[i] = txBuffer{bytecount: n, buff: b}
	x.r.StoreAddr(i, dma)
	x.r.StoreWB(i, desc.TXWord(desc.MakeTXCmdTypeLen(n), desc.MakeTXOlinfo(n)))
	x.r.AdvanceUse()
	return true
}
