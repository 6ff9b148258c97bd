// Package engine moves packets between descriptor rings and zero-copy
// buffer pools.
//
// An Adapter owns a set of queue pairs. Each queue pair has an RX
// descriptor ring and, when enough physical rings exist, an XDP TX ring.
// A queue pair with a pool attached receives straight into pool frames,
// runs the verdict program on every packet and transmits frames the pool's
// application submits, all without copying.
//
// All ring processing of one queue pair happens in its poll context, which
// runs at most once at a time. Poll contexts are scheduled by device
// interrupts and by Wakeup, and are driven either by Run or by Poll.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/ring"
	"github.com/romshark/afxdp-zc-go/stack"
	"github.com/romshark/afxdp-zc-go/verdict"
)

// MaxQueues is the number of interrupt vectors a device can rearm at once.
const MaxQueues = 64

const (
	DefaultRingSize      = 512
	DefaultRXBufferWrite = 16
	DefaultTXWorkLimit   = 256
	DefaultBudget        = 64

	// minFrameLen is the shortest Ethernet frame handed to the stack.
	minFrameLen = 60
)

var (
	ErrNetDown      = errors.New("adapter is down")
	ErrNoProgram    = errors.New("no XDP program attached")
	ErrInvalidQueue = errors.New("queue index out of range")
	ErrTXDisabled   = errors.New("XDP TX ring is disabled")
	ErrNoPool       = errors.New("no pool attached to queue")
	ErrPoolQueue    = errors.New("pool is bound to a different queue")
	ErrBusy         = errors.New("queue is already being polled")
	ErrConfig       = errors.New("invalid configuration")
)

// QueueError reports a failed operation on one queue pair.
type QueueError struct {
	Op    string
	Queue uint16
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s queue %d: %v", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

type Config struct {
	// Queues is the number of queue pairs.
	Queues int `yaml:"queues" toml:"queues"`
	// RealRXQueues and RealTXQueues are the queue counts negotiated with
	// the stack. Pools may only be attached below both.
	RealRXQueues int `yaml:"real-rx-queues" toml:"real-rx-queues"`
	RealTXQueues int `yaml:"real-tx-queues" toml:"real-tx-queues"`
	// TXRings is the number of physical XDP TX rings. Queue pairs beyond
	// it share rings, which are then locked.
	TXRings int `yaml:"tx-rings" toml:"tx-rings"`

	RXRingSize uint32 `yaml:"rx-ring-size" toml:"rx-ring-size"`
	TXRingSize uint32 `yaml:"tx-ring-size" toml:"tx-ring-size"`

	// RXBufferWrite is the number of free RX descriptors that triggers a
	// refill during a poll.
	RXBufferWrite uint32 `yaml:"rx-buffer-write" toml:"rx-buffer-write"`
	// TXWorkLimit bounds descriptors submitted per poll.
	TXWorkLimit int `yaml:"tx-work-limit" toml:"tx-work-limit"`
	// Budget bounds packets received per poll.
	Budget int `yaml:"budget" toml:"budget"`
	// RXBufLen caps the buffer length the device may write per
	// descriptor. Zero means the pool's frame size.
	RXBufLen uint32 `yaml:"rx-buf-len" toml:"rx-buf-len"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Queues == 0 {
		c.Queues = 1
	}
	if c.RealRXQueues == 0 {
		c.RealRXQueues = c.Queues
	}
	if c.RealTXQueues == 0 {
		c.RealTXQueues = c.Queues
	}
	if c.TXRings == 0 {
		c.TXRings = c.Queues
	}
	if c.RXRingSize == 0 {
		c.RXRingSize = DefaultRingSize
	}
	if c.TXRingSize == 0 {
		c.TXRingSize = DefaultRingSize
	}
	if c.RXBufferWrite == 0 {
		c.RXBufferWrite = DefaultRXBufferWrite
	}
	if c.TXWorkLimit == 0 {
		c.TXWorkLimit = DefaultTXWorkLimit
	}
	if c.Budget == 0 {
		c.Budget = DefaultBudget
	}

	switch {
	case c.Queues < 0 || c.Queues > MaxQueues:
		return fmt.Errorf("%w: queues must be in [1,%d], got %d",
			ErrConfig, MaxQueues, c.Queues)
	case c.TXRings < 0 || c.TXRings > c.Queues:
		return fmt.Errorf("%w: tx-rings must be in [1,%d], got %d",
			ErrConfig, c.Queues, c.TXRings)
	case c.RealRXQueues < 0 || c.RealRXQueues > c.Queues,
		c.RealTXQueues < 0 || c.RealTXQueues > c.Queues:
		return fmt.Errorf("%w: real queue counts must not exceed %d",
			ErrConfig, c.Queues)
	case c.RXBufferWrite >= c.RXRingSize:
		return fmt.Errorf("%w: rx-buffer-write %d must be below rx-ring-size %d",
			ErrConfig, c.RXBufferWrite, c.RXRingSize)
	case c.TXWorkLimit < 0 || c.Budget < 0:
		return fmt.Errorf("%w: negative budget", ErrConfig)
	}
	return nil
}

// QueueRings describes the rings of one queue pair to the device.
type QueueRings struct {
	ID     uint16
	Vector int
	RX     *ring.Ring
	// RXBufLen is the number of bytes the device may write per RX
	// descriptor. Zero means the queue has no buffers to receive into.
	RXBufLen uint32
	// TX is the queue pair's XDP TX ring, nil if it owns none.
	TX *ring.Ring
}

// Device is the hardware side of the rings.
type Device interface {
	// SetIRQHandler registers the function called on every interrupt.
	SetIRQHandler(fn func(vector int))
	AttachQueue(q QueueRings)
	// DetachQueue stops all descriptor processing of a queue. When it
	// returns the device no longer touches the queue's rings.
	DetachQueue(qid uint16)
	// Rearm raises a software interrupt for every vector set in eics.
	Rearm(eics uint64)
	CarrierOK() bool
	Mapper() afxdp.Mapper
}

// Stack receives packets passed up by the verdict program.
type Stack interface {
	// Alloc returns a packet able to hold size bytes of data after
	// metaLen bytes of metadata, or nil.
	Alloc(metaLen, size int) *stack.Packet
	// MaxLen is the largest metaLen+size Alloc can ever satisfy. Longer
	// packets are dropped instead of retried.
	MaxLen() int
	Deliver(p *stack.Packet)
}

// Redirector receives frames redirected by the verdict program.
type Redirector interface {
	// Redirect takes ownership of b unless it returns an error.
	// afxdp.ErrNoBufs signals a target that is temporarily full.
	Redirect(qid uint16, b *afxdp.Buff) error
	// Flush publishes frames redirected during one poll.
	Flush(qid uint16)
}

type Option func(*Adapter)

func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithStack delivers passed packets to s. Without it they go to a
// Backlog, see Adapter.Backlog.
func WithStack(s Stack) Option {
	return func(a *Adapter) { a.stack = s }
}

func WithRedirect(r Redirector) Option {
	return func(a *Adapter) { a.redirect = r }
}

type programRef struct{ p verdict.Program }

// Adapter is a set of queue pairs on one device.
type Adapter struct {
	conf     Config
	dev      Device
	log      logrus.FieldLogger
	stack    Stack
	redirect Redirector
	// backlog is the stack when none was given.
	backlog *stack.Backlog

	qps      []*QueuePair
	xdpRings []*TXRing

	up   atomic.Bool
	prog atomic.Pointer[programRef]

	// mu serializes the control path.
	mu sync.Mutex
	// zc has a bit set for every queue pair in zero-copy mode.
	zc    uint64
	pools []*afxdp.Pool

	invalidWarned atomic.Bool
}

// New creates an administratively down adapter.
func New(conf Config, dev Device, opts ...Option) (*Adapter, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	a := &Adapter{
		conf:  conf,
		dev:   dev,
		pools: make([]*afxdp.Pool, conf.Queues),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = logrus.StandardLogger()
	}
	if a.stack == nil {
		// Sized by EnablePool.
		a.backlog = stack.NewBacklog(int(conf.RXRingSize), 0)
		a.stack = a.backlog
	}
	if a.redirect == nil {
		a.redirect = poolRedirector{a}
	}

	var ropts []ring.Option
	if conf.Queues > conf.TXRings {
		ropts = append(ropts, ring.WithLock())
	}
	a.xdpRings = make([]*TXRing, conf.TXRings)
	for i := range a.xdpRings {
		r, err := newTXRing(conf.TXRingSize, ropts...)
		if err != nil {
			return nil, fmt.Errorf("creating XDP TX ring %d: %w", i, err)
		}
		a.xdpRings[i] = r
	}

	a.qps = make([]*QueuePair, conf.Queues)
	for i := range a.qps {
		rx, err := newRXRing(conf.RXRingSize)
		if err != nil {
			return nil, fmt.Errorf("creating RX ring %d: %w", i, err)
		}
		qp := &QueuePair{
			id:     uint16(i),
			vector: i,
			rx:     rx,
			napi:   newNAPI(),
		}
		qp.xctx.Queue = uint32(i)
		if i < conf.TXRings {
			qp.xdp = a.xdpRings[i]
			qp.xdp.owner = qp
		}
		a.qps[i] = qp
	}

	dev.SetIRQHandler(a.irq)
	return a, nil
}

func (a *Adapter) Config() Config { return a.conf }

// Backlog returns the backlog passed packets are delivered to, or nil if
// the adapter was created WithStack. Its owner must drain it, a full
// backlog stalls every queue that passes packets.
func (a *Adapter) Backlog() *stack.Backlog { return a.backlog }

// Queues returns the number of queue pairs.
func (a *Adapter) Queues() int { return len(a.qps) }

func (a *Adapter) program() verdict.Program {
	if r := a.prog.Load(); r != nil {
		return r.p
	}
	return nil
}

// xdpRing returns the XDP TX ring used for TX verdicts of qid.
func (a *Adapter) xdpRing(qid uint16) *TXRing {
	return a.xdpRings[int(qid)%len(a.xdpRings)]
}

func (a *Adapter) queueLog(qid uint16) logrus.FieldLogger {
	return a.log.WithField("queue", qid)
}

// Up brings every queue pair up.
func (a *Adapter) Up() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.up.Load() {
		return nil
	}
	for _, qp := range a.qps {
		a.ringEnable(qp)
	}
	a.up.Store(true)
	a.log.WithField("queues", len(a.qps)).Info("adapter up")
	return a.kickZC()
}

// Down quiesces every queue pair and returns all in-flight frames to their
// pools.
func (a *Adapter) Down() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.up.Load() {
		return
	}
	a.up.Store(false)
	for _, qp := range a.qps {
		a.ringDisable(qp)
	}
	a.log.Info("adapter down")
}

// IsUp reports the administrative state.
func (a *Adapter) IsUp() bool { return a.up.Load() }

// SetProgram replaces the verdict program. Switching between no program
// and a program restarts the queue pairs so that pools are bound or
// unbound.
func (a *Adapter) SetProgram(p verdict.Program) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ref *programRef
	if p != nil {
		ref = &programRef{p}
	}
	old := a.prog.Swap(ref)
	if !a.up.Load() || (old == nil) == (ref == nil) {
		return nil
	}
	for _, qp := range a.qps {
		a.ringDisable(qp)
	}
	for _, qp := range a.qps {
		a.ringEnable(qp)
	}
	a.log.WithField("attached", p != nil).Info("XDP program changed")
	if ref == nil {
		return nil
	}
	return a.kickZC()
}

// kickZC schedules every zero-copy queue pair so that receiving starts.
func (a *Adapter) kickZC() error {
	var errs []error
	for _, qp := range a.qps {
		if a.zc&(1<<qp.id) == 0 || a.program() == nil {
			continue
		}
		if err := a.Wakeup(qp.id, afxdp.WakeupRX); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// irq is the device interrupt handler.
func (a *Adapter) irq(vector int) {
	if vector < 0 || vector >= len(a.qps) {
		return
	}
	a.qps[vector].napi.schedule()
}

// poolRedirector redirects frames to the pool attached to the receiving
// queue.
type poolRedirector struct{ a *Adapter }

func (r poolRedirector) Redirect(qid uint16, b *afxdp.Buff) error {
	p := r.a.qps[qid].rx.pool.Load()
	if p == nil {
		return ErrNoPool
	}
	return p.Receive(uint32(qid), b)
}

func (r poolRedirector) Flush(qid uint16) {
	if p := r.a.qps[qid].rx.pool.Load(); p != nil {
		p.Flush()
	}
}
