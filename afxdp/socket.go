// Package afxdp implements zero-copy sockets over a UMEM shared with a
// packet engine.
//
// Terminology mapping (engine ↔ application):
//
//   - FQ ring: UMEM addresses the application provides for RX.
//   - RX ring: packets delivered from the engine to the application.
//   - TX ring: descriptors the application sends.
//   - CQ ring: completed TX frames returned by the engine.
//
// The application side of the rings is the Socket, the engine side is the
// Pool.
package afxdp

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= FillSize + TxSize")
	ErrRingSize          = errors.New("ring size must be a power of two")
	ErrFrameSize         = errors.New("FrameSize must be a power of two > Headroom")
	ErrNoBufs            = errors.New("no space in RX ring")
	ErrForeignBuff       = errors.New("frame does not belong to this pool and queue")
	ErrMapped            = errors.New("UMEM is mapped by another device")
	ErrTXRingFull        = errors.New("TX ring is full")
	ErrFillRingFull      = errors.New("fill ring is full")
	ErrNotBound          = errors.New("socket is not bound")
	ErrClosed            = errors.New("socket is closed")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultHeadroom           = 256
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultFillRingSize       = DefaultRxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64 // TX batching
)

type Config struct {
	// QueueID identifies the queue pair to bind to.
	QueueID uint32 `yaml:"queue-id" toml:"queue-id"`
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32 `yaml:"num-frames" toml:"num-frames"`
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32 `yaml:"frame-size" toml:"frame-size"`
	// Headroom is reserved in front of received packets for metadata.
	Headroom uint32 `yaml:"headroom" toml:"headroom"`
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32 `yaml:"fill-size" toml:"fill-size"`
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32 `yaml:"rx-size" toml:"rx-size"`
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32 `yaml:"tx-size" toml:"tx-size"`
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32 `yaml:"cq-size" toml:"cq-size"`
	// BatchSize controls TX and completion processing batch size.
	BatchSize uint32 `yaml:"batch-size" toml:"batch-size"`
	// NoNeedWakeup makes every ring update prompt the engine instead of
	// only those made while the engine asked for it.
	NoNeedWakeup bool `yaml:"no-need-wakeup" toml:"no-need-wakeup"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Headroom == 0 {
		c.Headroom = DefaultHeadroom
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.FillSize == 0 {
		c.FillSize = c.RxSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FrameSize&(c.FrameSize-1) != 0 || c.Headroom >= c.FrameSize {
		return ErrFrameSize
	}
	for _, n := range [...]uint32{c.FillSize, c.RxSize, c.TxSize, c.CqSize} {
		if n&(n-1) != 0 {
			return fmt.Errorf("%w: %d", ErrRingSize, n)
		}
	}
	if c.NumFrames < c.TxSize+c.FillSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Frame represents a borrowed UMEM frame.
type Frame struct {
	// Buf points directly into the UMEM region and can be written to
	// without additional copying.
	Buf []byte

	// Addr is the UMEM address of Buf[0]. Received frames are returned by
	// passing it to Release, frames obtained with NextFrame are sent by
	// passing it to Submit.
	Addr uint64
}

// Socket is the application side of a zero-copy queue.
//
// WARNING: Socket is not safe for concurrent use. The receive side
// (Receive, Release, ReleaseBatch, Wait) and the transmit side (NextFrame,
// Submit, SubmitBatch, FlushTx, PollCompletions) may each be driven by one
// goroutine.
type Socket struct {
	conf Config
	umem *UMEM
	pool *Pool

	rx *consumer[Desc]
	fq *producer[uint64]
	tx *producer[Desc]
	cq *consumer[uint64]

	freeFrames []uint64
	freeCount  uint32

	waker  Waker
	closed chan struct{}
}

// NewSocket allocates the UMEM and rings and populates the fill ring with
// the first FillSize frames. The remaining frames are available for
// transmission through NextFrame.
func NewSocket(conf Config) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fill, err := newQueue[uint64](conf.FillSize)
	if err != nil {
		return nil, fmt.Errorf("making FQ queue: %w", err)
	}
	rxq, err := newQueue[Desc](conf.RxSize)
	if err != nil {
		return nil, fmt.Errorf("making RX queue: %w", err)
	}
	txq, err := newQueue[Desc](conf.TxSize)
	if err != nil {
		return nil, fmt.Errorf("making TX queue: %w", err)
	}
	comp, err := newQueue[uint64](conf.CqSize)
	if err != nil {
		return nil, fmt.Errorf("making CQ queue: %w", err)
	}

	umem, err := newUMEM(conf.NumFrames, conf.FrameSize)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		conf:   conf,
		umem:   umem,
		pool:   newPool(umem, conf, fill, rxq, txq, comp),
		rx:     newConsumer(rxq),
		fq:     newProducer(fill),
		tx:     newProducer(txq),
		cq:     newConsumer(comp),
		closed: make(chan struct{}),
	}

	{ // Populate FQ with initial UMEM frames.
		idx, _ := s.fq.reserve(conf.FillSize)
		for i := range conf.FillSize {
			s.fq.set(idx+i, uint64(i)*uint64(conf.FrameSize))
		}
		s.fq.submit()
	}

	// Local free-frame pool.
	s.freeFrames = make([]uint64, conf.NumFrames)
	for i := conf.FillSize; i < conf.NumFrames; i++ {
		s.freeFrames[s.freeCount] = uint64(i) * uint64(conf.FrameSize)
		s.freeCount++
	}
	return s, nil
}

// Bind connects the socket to the engine serving its queue.
// It must be called before the pool is attached.
func (s *Socket) Bind(w Waker) { s.waker = w }

// Pool returns the engine side of the socket.
func (s *Socket) Pool() *Pool { return s.pool }

func (s *Socket) Config() Config { return s.conf }

// Close releases the UMEM. The pool must have been detached from the
// engine.
func (s *Socket) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	var errs []error
	if s.pool.Mapped() {
		errs = append(errs, errors.New("closing socket with mapped UMEM"))
	}
	if err := s.umem.close(); err != nil {
		errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
	}
	return errors.Join(errs...)
}

// NeedsWakeup reports whether the engine asked to be woken for any of the
// given directions.
func (s *Socket) NeedsWakeup(flags WakeupFlags) bool {
	if !s.pool.needWakeup {
		return true
	}
	return (flags&WakeupRX != 0 && s.pool.RXNeedsWakeup()) ||
		(flags&WakeupTX != 0 && s.pool.TXNeedsWakeup())
}

// Wakeup prompts the engine to process the given directions.
func (s *Socket) Wakeup(flags WakeupFlags) error {
	if s.waker == nil {
		return ErrNotBound
	}
	return s.waker.Wakeup(uint16(s.conf.QueueID), flags)
}

// Wait blocks until the RX ring has new frames or the timeout expires.
// Returns nil when frames arrived OR when the timeout expires.
// If the engine asked for it, the engine is woken first.
func (s *Socket) Wait(timeoutMS int) error {
	if s.rx.avail(1) > 0 {
		return nil
	}
	if s.NeedsWakeup(WakeupRX) {
		if err := s.Wakeup(WakeupRX); err != nil {
			return err
		}
	}
	t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer t.Stop()
	select {
	case <-s.pool.rxReady:
	case <-t.C:
	case <-s.closed:
		return ErrClosed
	}
	return nil
}

// Receive retrieves up to len(buf) frames from the RX ring.
// Returned frames reference UMEM and must be returned via Release.
func (s *Socket) Receive(buf []Frame) []Frame {
	frames := buf[:0]
	n, idx := s.rx.peek(uint32(len(buf)))
	if n == 0 {
		return frames
	}
	for i := range n {
		d := s.rx.get(idx + i)
		frames = append(frames, Frame{
			Buf:  s.umem.mem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		})
	}
	s.rx.release()
	return frames
}

// Release returns a received frame to the fill queue for reuse.
func (s *Socket) Release(frame Frame) error {
	idx, ok := s.fq.reserve(1)
	if !ok {
		return ErrFillRingFull
	}
	s.fq.set(idx, frame.Addr)
	s.fq.submit()
	return s.kickRX()
}

// ReleaseBatch returns frames to the fill queue with a single publish.
func (s *Socket) ReleaseBatch(frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	idx, ok := s.fq.reserve(uint32(len(frames)))
	if !ok {
		return ErrFillRingFull
	}
	for i, f := range frames {
		s.fq.set(idx+uint32(i), f.Addr)
	}
	s.fq.submit()
	return s.kickRX()
}

func (s *Socket) kickRX() error {
	if !s.NeedsWakeup(WakeupRX) {
		return nil
	}
	return s.Wakeup(WakeupRX)
}

// NextFrame returns a writable UMEM buffer and its address.
// A zero-value frame indicates that no frame is currently available and the
// caller should retry after PollCompletions().
func (s *Socket) NextFrame() Frame {
	if s.freeCount == 0 {
		// Try to reclaim some completions.
		s.PollCompletions(s.conf.BatchSize)
		if s.freeCount == 0 {
			return Frame{}
		}
	}

	s.freeCount--
	addr := s.freeFrames[s.freeCount]
	return Frame{
		Buf:  s.umem.mem[addr : addr+uint64(s.conf.FrameSize)],
		Addr: addr,
	}
}

// Submit places the frame on the TX ring. It becomes visible to the engine
// with the next FlushTx.
func (s *Socket) Submit(addr uint64, length uint32) error {
	idx, ok := s.tx.reserve(1)
	if !ok {
		return ErrTXRingFull
	}
	s.tx.set(idx, Desc{Addr: addr, Len: length})
	return nil
}

// SubmitBatch places all frames on the TX ring or none of them.
func (s *Socket) SubmitBatch(addrs []uint64, lens []uint32) (int, error) {
	n := min(len(addrs), len(lens))
	if n == 0 {
		return 0, nil
	}
	idx, ok := s.tx.reserve(uint32(n))
	if !ok {
		return 0, ErrTXRingFull
	}
	for i := range n {
		s.tx.set(idx+uint32(i), Desc{Addr: addrs[i], Len: lens[i]})
	}
	return n, nil
}

// FlushTx publishes submitted descriptors and wakes the engine if it asked
// for it.
func (s *Socket) FlushTx() error {
	s.tx.submit()
	if !s.NeedsWakeup(WakeupTX) {
		return nil
	}
	return s.Wakeup(WakeupTX)
}

// TxFree returns the number of free TX ring slots.
func (s *Socket) TxFree() uint32 { return s.tx.free(s.tx.q.size) }

// FreeFrames returns the number of frames available to NextFrame.
func (s *Socket) FreeFrames() uint32 { return s.freeCount }

// PollCompletions reclaims completed frames from the engine.
// maxFrames specifies the maximum number of completed frames the caller wishes
// to reclaim in this call. The actual number processed may be lower if
// fewer completions are available. The value is also capped internally
// by BatchSize.
func (s *Socket) PollCompletions(maxFrames uint32) uint32 {
	if maxFrames == 0 {
		return 0
	}
	maxFrames = min(maxFrames, s.conf.BatchSize)

	n, idx := s.cq.peek(maxFrames)
	for i := range n {
		s.freeFrames[s.freeCount] = s.umem.frameBase(s.cq.get(idx + i))
		s.freeCount++
	}
	if n > 0 {
		s.cq.release()
	}
	return n
}
