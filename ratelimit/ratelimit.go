// Package ratelimit paces packet producers to a packets-per-second rate.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer limits to pps packets per second on average.
// A nil Pacer allows everything.
type Pacer struct {
	lim   *rate.Limiter
	burst int
}

// New creates a pacer for pps packets per second.
// If pps == 0, pacing is disabled and New returns nil.
func New(pps uint64) *Pacer {
	if pps == 0 {
		return nil
	}
	// Bursts of ~10ms of packets. At least 32, at most 1024.
	burst := int(min(max(pps/100, 32), 1024))
	return &Pacer{
		lim:   rate.NewLimiter(rate.Limit(pps), burst),
		burst: burst,
	}
}

// Burst returns the largest batch Allow accepts.
func (p *Pacer) Burst() int {
	if p == nil {
		return 0
	}
	return p.burst
}

// Allow reports whether n packets may be sent now, taking them from the
// budget if so. It never blocks.
func (p *Pacer) Allow(n int) bool {
	return p.allowAt(time.Now(), n)
}

func (p *Pacer) allowAt(t time.Time, n int) bool {
	if p == nil || n <= 0 {
		return true
	}
	return p.lim.AllowN(t, n)
}

// Wait blocks until n packets are allowed or ctx is done. Batches larger
// than the burst are waited for in parts.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	if p == nil {
		return nil
	}
	for n > 0 {
		k := min(n, p.burst)
		if err := p.lim.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
