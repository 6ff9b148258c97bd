package afxdp

import (
	"sync/atomic"
)

// ringNeedWakeup is set in a queue's flags word when the consumer of that
// queue must be prompted explicitly to make progress.
const ringNeedWakeup = 1 << 0

// queue is a single-producer single-consumer ring shared between the
// application and the engine. It mirrors the AF_XDP ring layout: a producer
// index, a consumer index, a flags word and a power-of-two entry array.
// Indices run freely and are masked on access.
type queue[T any] struct {
	prod    atomic.Uint32
	cons    atomic.Uint32
	flags   atomic.Uint32
	mask    uint32
	size    uint32
	entries []T
}

func newQueue[T any](size uint32) (*queue[T], error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrRingSize
	}
	return &queue[T]{
		mask:    size - 1,
		size:    size,
		entries: make([]T, size),
	}, nil
}

func (q *queue[T]) setFlag(f uint32) {
	q.flags.Or(f)
}

func (q *queue[T]) clearFlag(f uint32) {
	q.flags.And(^f)
}

func (q *queue[T]) hasFlag(f uint32) bool {
	return q.flags.Load()&f != 0
}

// pending returns the number of entries published but not yet consumed.
func (q *queue[T]) pending() uint32 {
	return q.prod.Load() - q.cons.Load()
}

// producer is the producing side of a queue. It maintains cached indices to
// reduce atomic traffic; cachedCons is kept size ahead of the real consumer
// so that free space is a single subtraction.
type producer[T any] struct {
	q          *queue[T]
	cachedProd uint32
	cachedCons uint32
}

func newProducer[T any](q *queue[T]) *producer[T] {
	return &producer[T]{q: q, cachedCons: q.size}
}

// free returns the number of free entries, refreshing the consumer index
// only when fewer than n are known to be free.
func (p *producer[T]) free(n uint32) uint32 {
	if free := p.cachedCons - p.cachedProd; free >= n {
		return free
	}
	p.cachedCons = p.q.cons.Load() + p.q.size
	return p.cachedCons - p.cachedProd
}

// reserve reserves n entries. If n entries are not free none are reserved.
func (p *producer[T]) reserve(n uint32) (idx uint32, ok bool) {
	if p.free(n) < n {
		return 0, false
	}
	idx = p.cachedProd
	p.cachedProd += n
	return idx, true
}

func (p *producer[T]) set(idx uint32, v T) {
	p.q.entries[idx&p.q.mask] = v
}

// cancel gives back the last n reserved entries.
func (p *producer[T]) cancel(n uint32) {
	p.cachedProd -= n
}

// submit publishes all reserved entries to the consumer.
func (p *producer[T]) submit() {
	p.q.prod.Store(p.cachedProd)
}

// submitN publishes the next n reserved-but-unpublished entries.
func (p *producer[T]) submitN(n uint32) {
	p.q.prod.Store(p.q.prod.Load() + n)
}

// consumer is the consuming side of a queue.
type consumer[T any] struct {
	q          *queue[T]
	cachedProd uint32
	cachedCons uint32
}

func newConsumer[T any](q *queue[T]) *consumer[T] {
	return &consumer[T]{q: q}
}

// avail returns the number of entries available to consume, capped by n.
func (c *consumer[T]) avail(n uint32) uint32 {
	entries := c.cachedProd - c.cachedCons
	if entries == 0 {
		c.cachedProd = c.q.prod.Load()
		entries = c.cachedProd - c.cachedCons
	}
	return min(entries, n)
}

// peek claims up to n entries and returns how many were claimed and the
// index of the first one. Claimed entries are returned to the producer by
// release.
func (c *consumer[T]) peek(n uint32) (got, idx uint32) {
	got = c.avail(n)
	idx = c.cachedCons
	c.cachedCons += got
	return got, idx
}

func (c *consumer[T]) get(idx uint32) T {
	return c.q.entries[idx&c.q.mask]
}

// cancel un-claims the last n peeked entries.
func (c *consumer[T]) cancel(n uint32) {
	c.cachedCons -= n
}

// release hands all claimed entries back to the producer.
func (c *consumer[T]) release() {
	c.q.cons.Store(c.cachedCons)
}
