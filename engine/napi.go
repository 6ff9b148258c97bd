package engine

import (
	"runtime"
	"sync/atomic"
)

const (
	// napiSched is held by whoever owns the right to poll: a pending or
	// running poll, or a disabled queue pair.
	napiSched = 1 << iota
	// napiMissed records a schedule attempt made while napiSched was held.
	napiMissed
	// napiDisable refuses new schedules.
	napiDisable
)

// napi serializes polls of one queue pair. Ownership of napiSched is passed
// around as a token: the scheduler that sets the bit either polls itself or
// hands the token to a poller through kick. A token sits in kick only while
// napiSched is set and nobody is polling.
type napi struct {
	state atomic.Uint32
	kick  chan struct{}
}

// newNAPI returns a disabled napi owned by the caller.
func newNAPI() *napi {
	n := &napi{kick: make(chan struct{}, 1)}
	n.state.Store(napiSched | napiDisable)
	return n
}

// schedulePrep tries to take napiSched. If it is already held the attempt
// is recorded as missed. It reports whether the caller now owns a poll.
func (n *napi) schedulePrep() bool {
	for {
		s := n.state.Load()
		if s&napiDisable != 0 {
			return false
		}
		ns := s | napiSched
		if s&napiSched != 0 {
			ns |= napiMissed
		}
		if n.state.CompareAndSwap(s, ns) {
			return s&napiSched == 0
		}
	}
}

// schedule takes napiSched and hands the poll to a poller.
func (n *napi) schedule() {
	if n.schedulePrep() {
		n.handOff()
	}
}

// handOff passes an owned poll to whoever receives from kick.
func (n *napi) handOff() {
	select {
	case n.kick <- struct{}{}:
	default:
		// Unreachable while the token invariant holds.
	}
}

// ifScheduledMarkMissed marks a held napiSched as missed so that the
// current owner polls once more. It reports false if nobody owns a poll.
func (n *napi) ifScheduledMarkMissed() bool {
	for {
		s := n.state.Load()
		if s&napiSched == 0 {
			return false
		}
		if s&napiMissed != 0 || n.state.CompareAndSwap(s, s|napiMissed) {
			return true
		}
	}
}

// complete releases napiSched after a poll that finished its work. If a
// schedule was missed meanwhile the owner keeps napiSched and must poll
// again; complete then reports false.
func (n *napi) complete() bool {
	for {
		s := n.state.Load()
		if s&napiMissed != 0 {
			if n.state.CompareAndSwap(s, s&^napiMissed) {
				return false
			}
			continue
		}
		if n.state.CompareAndSwap(s, s&^napiSched) {
			return true
		}
	}
}

// disable stops new polls and waits for a running one to finish. On
// return the caller owns napiSched. Disabling a disabled napi is a no-op.
func (n *napi) disable() {
	for {
		s := n.state.Load()
		if s&napiDisable != 0 {
			return
		}
		if n.state.CompareAndSwap(s, s|napiDisable) {
			break
		}
	}
	for {
		s := n.state.Load()
		if s&napiSched == 0 && n.state.CompareAndSwap(s, s|napiSched) {
			break
		}
		select {
		case <-n.kick:
			// A pending poll that nobody picked up; take its token.
			n.state.And(^uint32(napiMissed))
			return
		default:
		}
		runtime.Gosched()
	}
}

// enable releases a queue pair owned through disable.
func (n *napi) enable() {
	n.state.Store(0)
}
