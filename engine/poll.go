package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/afxdp-zc-go/verdict"
)

// QueuePair is one RX ring and, if the device has enough, one XDP TX ring
// served by a single poll context.
type QueuePair struct {
	id     uint16
	vector int
	rx     *RXRing
	// xdp is the XDP TX ring owned by the queue pair, nil if
	// id >= TXRings.
	xdp  *TXRing
	napi *napi

	// xctx is reused for every verdict.
	xctx  verdict.Context
	stats queueCounters
}

func (qp *QueuePair) ID() uint16 { return qp.id }

func (qp *QueuePair) RX() *RXRing { return qp.rx }

// XDP returns the owned XDP TX ring or nil.
func (qp *QueuePair) XDP() *TXRing { return qp.xdp }

// QueuePair returns queue pair qid or nil.
func (a *Adapter) QueuePair(qid uint16) *QueuePair {
	if int(qid) >= len(a.qps) {
		return nil
	}
	return a.qps[qid]
}

// poll runs one pass over qp's rings. It returns the RX work done and
// whether all work is complete; an incomplete pass must be polled again.
func (a *Adapter) poll(qp *QueuePair, budget int) (int, bool) {
	complete := true
	if qp.xdp != nil && !a.cleanXDPTXIRQ(qp, qp.xdp) {
		complete = false
	}
	if budget <= 0 {
		return 0, complete
	}

	n, failure := a.cleanRXIRQ(qp, budget)
	if n >= budget {
		complete = false
	}
	if pool := qp.rx.pool.Load(); pool != nil {
		if pool.UsesNeedWakeup() {
			if pool.RXNeedsWakeup() && a.rxWorkPending(qp, pool) {
				complete = false
			}
		} else if failure {
			complete = false
		}
	}

	if !complete {
		return budget, false
	}
	return min(n, budget-1), true
}

// runPoll polls qp, whose poll context the caller owns, and passes the
// poll context on.
func (a *Adapter) runPoll(qp *QueuePair) int {
	work, done := a.poll(qp, a.conf.Budget)
	if !done || !qp.napi.complete() {
		qp.napi.handOff()
	}
	return work
}

// Poll runs one pass of qid's poll context on the calling goroutine. An
// incomplete pass stays scheduled for the next Poll or for Run.
func (a *Adapter) Poll(qid uint16) (int, error) {
	if int(qid) >= len(a.qps) {
		return 0, &QueueError{Op: "poll", Queue: qid, Err: ErrInvalidQueue}
	}
	if !a.up.Load() {
		return 0, &QueueError{Op: "poll", Queue: qid, Err: ErrNetDown}
	}
	qp := a.qps[qid]
	select {
	case <-qp.napi.kick:
	default:
		if !qp.napi.schedulePrep() {
			return 0, &QueueError{Op: "poll", Queue: qid, Err: ErrBusy}
		}
	}
	return a.runPoll(qp), nil
}

// Scheduled reports whether qid has a poll pending or running.
func (a *Adapter) Scheduled(qid uint16) bool {
	if int(qid) >= len(a.qps) {
		return false
	}
	return a.qps[qid].napi.state.Load()&napiSched != 0
}

// Run polls every queue pair whenever it is scheduled, one goroutine per
// queue pair, until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, qp := range a.qps {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-qp.napi.kick:
					a.runPoll(qp)
				}
			}
		})
	}
	return g.Wait()
}
