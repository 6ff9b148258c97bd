package engine

import (
	"errors"
	"fmt"

	"github.com/romshark/afxdp-zc-go/afxdp"
)

// ErrPoolAttached is returned when enabling a pool on a queue that
// already has one.
var ErrPoolAttached = errors.New("queue already has a pool")

// Pool returns the pool enabled on qid, or nil.
func (a *Adapter) Pool(qid uint16) *afxdp.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(qid) >= len(a.pools) {
		return nil
	}
	return a.pools[qid]
}

// running reports whether queue pairs with a pool run in zero-copy mode.
func (a *Adapter) running() bool {
	return a.up.Load() && a.program() != nil
}

// SetupPool enables pool on qid, or disables the pool of qid if pool is
// nil.
func (a *Adapter) SetupPool(pool *afxdp.Pool, qid uint16) error {
	if pool == nil {
		return a.DisablePool(qid)
	}
	return a.EnablePool(pool, qid)
}

// EnablePool attaches pool to queue pair qid and switches it to zero-copy
// mode, restarting the queue pair if it is running.
func (a *Adapter) EnablePool(pool *afxdp.Pool, qid uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enablePool(pool, qid); err != nil {
		return &QueueError{Op: "enable pool", Queue: qid, Err: err}
	}
	a.queueLog(qid).Info("zero-copy pool enabled")
	return nil
}

func (a *Adapter) enablePool(pool *afxdp.Pool, qid uint16) error {
	q := int(qid)
	switch {
	case q >= len(a.qps):
		return ErrInvalidQueue
	case q >= a.conf.RealRXQueues, q >= a.conf.RealTXQueues:
		return fmt.Errorf("%w: %d active RX and %d active TX queues",
			ErrInvalidQueue, a.conf.RealRXQueues, a.conf.RealTXQueues)
	case a.qps[qid].xdp == nil:
		return fmt.Errorf("%w: no XDP TX ring for queue", ErrInvalidQueue)
	case a.pools[qid] != nil:
		return ErrPoolAttached
	case pool.QueueID() != uint32(qid):
		return fmt.Errorf("%w: %d", ErrPoolQueue, pool.QueueID())
	}

	if err := pool.DMAMap(a.dev.Mapper()); err != nil {
		return fmt.Errorf("mapping pool: %w", err)
	}
	if a.backlog != nil {
		a.backlog.Reserve(int(pool.UMEM().FrameSize()))
	}

	qp := a.qps[qid]
	running := a.running()
	if running {
		a.ringDisable(qp)
	}
	a.zc |= 1 << qid
	a.pools[qid] = pool
	if !running {
		return nil
	}

	a.ringEnable(qp)
	// Kick the poll context so that receiving starts.
	if err := a.Wakeup(qid, afxdp.WakeupRX); err != nil {
		a.ringDisable(qp)
		a.zc &^= 1 << qid
		a.pools[qid] = nil
		a.ringEnable(qp)
		return errors.Join(err, pool.DMAUnmap())
	}
	return nil
}

// DisablePool detaches the pool of qid. In-flight frames are returned to
// the pool before it is unmapped.
func (a *Adapter) DisablePool(qid uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.disablePool(qid); err != nil {
		return &QueueError{Op: "disable pool", Queue: qid, Err: err}
	}
	a.queueLog(qid).Info("zero-copy pool disabled")
	return nil
}

func (a *Adapter) disablePool(qid uint16) error {
	if int(qid) >= len(a.qps) {
		return ErrInvalidQueue
	}
	pool := a.pools[qid]
	if pool == nil {
		return ErrNoPool
	}

	qp := a.qps[qid]
	running := a.running()
	if running {
		a.ringDisable(qp)
	}
	a.zc &^= 1 << qid
	a.pools[qid] = nil
	err := pool.DMAUnmap()
	if running {
		a.ringEnable(qp)
	}
	if err != nil {
		return fmt.Errorf("unmapping pool: %w", err)
	}
	return nil
}

// Wakeup schedules the poll context of qid. The application calls it when
// the pool's need-wakeup flag asks for it. flags selects the directions
// the caller is waiting on; a poll always serves both.
func (a *Adapter) Wakeup(qid uint16, flags afxdp.WakeupFlags) error {
	if err := a.wakeup(qid); err != nil {
		return &QueueError{Op: "wakeup", Queue: qid, Err: err}
	}
	return nil
}

func (a *Adapter) wakeup(qid uint16) error {
	if !a.up.Load() {
		return ErrNetDown
	}
	if a.program() == nil {
		return ErrNoProgram
	}
	if int(qid) >= len(a.xdpRings) {
		return ErrInvalidQueue
	}
	x := a.xdpRings[qid]
	if x.disabled.Load() {
		return ErrTXDisabled
	}
	if x.pool.Load() == nil {
		return ErrNoPool
	}

	qp := x.owner
	if !qp.napi.ifScheduledMarkMissed() {
		a.dev.Rearm(1 << uint(qp.vector))
	}
	return nil
}

var _ afxdp.Waker = (*Adapter)(nil)

// ringDisable quiesces queue pair qp and returns every frame it holds.
// The caller owns qp's poll context afterwards.
func (a *Adapter) ringDisable(qp *QueuePair) {
	if qp.xdp != nil {
		qp.xdp.disabled.Store(true)
	}
	a.dev.DetachQueue(qp.id)
	qp.napi.disable()

	if qp.xdp != nil {
		a.cleanTXRing(qp.xdp)
	}
	qp.rx.cleanRing()
}

// ringEnable rebinds qp to its pool, hands its rings to the device, fills
// the RX ring and releases the poll context.
func (a *Adapter) ringEnable(qp *QueuePair) {
	var pool *afxdp.Pool
	if a.program() != nil && a.zc&(1<<qp.id) != 0 {
		pool = a.pools[qp.id]
	}

	qp.rx.pool.Store(pool)
	qp.rx.r.Reset()
	q := QueueRings{ID: qp.id, Vector: qp.vector, RX: qp.rx.r}
	if pool != nil {
		q.RXBufLen = pool.RXFrameSize()
		if a.conf.RXBufLen != 0 {
			q.RXBufLen = min(q.RXBufLen, a.conf.RXBufLen)
		}
	}
	if x := qp.xdp; x != nil {
		x.pool.Store(pool)
		x.r.Lock()
		x.r.Reset()
		x.r.Unlock()
		q.TX = x.r
	}
	a.dev.AttachQueue(q)

	if pool != nil && !qp.rx.allocBuffers(qp.rx.r.Unused()) {
		a.queueLog(qp.id).Warn("not enough frames to fill the RX ring")
	}
	if qp.xdp != nil {
		qp.xdp.disabled.Store(false)
	}
	qp.napi.enable()
	qp.stats.restarts.Add(1)
}
