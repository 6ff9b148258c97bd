package engine

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/desc"
	"github.com/romshark/afxdp-zc-go/stack"
	"github.com/romshark/afxdp-zc-go/verdict"
)

type fakeMapper struct {
	maps, unmaps int
}

const fakeDMABase = 1 << 32

func (m *fakeMapper) Map([]byte) (uint64, error) {
	m.maps++
	return fakeDMABase, nil
}

func (m *fakeMapper) Unmap(uint64) error {
	m.unmaps++
	return nil
}

func (m *fakeMapper) SyncForCPU(uint64, int)    {}
func (m *fakeMapper) SyncForDevice(uint64, int) {}

// fakeDevice records what the engine asks of the hardware. Descriptors are
// completed by the tests themselves.
type fakeDevice struct {
	irq      func(int)
	attached map[uint16]QueueRings
	rearms   []uint64
	carrier  bool
	mapper   fakeMapper
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{attached: make(map[uint16]QueueRings), carrier: true}
}

func (d *fakeDevice) SetIRQHandler(fn func(int)) { d.irq = fn }
func (d *fakeDevice) AttachQueue(q QueueRings)   { d.attached[q.ID] = q }
func (d *fakeDevice) DetachQueue(qid uint16)     { delete(d.attached, qid) }
func (d *fakeDevice) CarrierOK() bool            { return d.carrier }
func (d *fakeDevice) Mapper() afxdp.Mapper       { return &d.mapper }

func (d *fakeDevice) Rearm(eics uint64) {
	d.rearms = append(d.rearms, eics)
	for v := range 64 {
		if eics&(1<<v) != 0 && d.irq != nil {
			d.irq(v)
		}
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func smallConfig() Config {
	return Config{
		Queues:        1,
		RXRingSize:    8,
		TXRingSize:    8,
		RXBufferWrite: 4,
		TXWorkLimit:   16,
		Budget:        8,
	}
}

func smallSocketConfig() afxdp.Config {
	return afxdp.Config{
		NumFrames: 64,
		FrameSize: 2048,
		FillSize:  32,
		RxSize:    16,
		TxSize:    16,
		CqSize:    16,
		BatchSize: 16,
	}
}

type testEnv struct {
	t       *testing.T
	a       *Adapter
	dev     *fakeDevice
	sock    *afxdp.Socket
	qp      *QueuePair
	backlog *stack.Backlog

	// rxHead is the next RX descriptor the device completes.
	rxHead uint32
	// txHead is the next TX descriptor the device completes.
	txHead uint32
}

type envOption func(*envSetup)

type envSetup struct {
	conf    Config
	sconf   afxdp.Config
	prog    verdict.Program
	backlog *stack.Backlog
}

func withConfig(f func(*Config)) envOption {
	return func(s *envSetup) { f(&s.conf) }
}

func withSocketConfig(f func(*afxdp.Config)) envOption {
	return func(s *envSetup) { f(&s.sconf) }
}

func withBacklog(b *stack.Backlog) envOption {
	return func(s *envSetup) { s.backlog = b }
}

// newTestEnv returns a running adapter with prog attached and a pool
// enabled on queue 0.
func newTestEnv(t *testing.T, prog verdict.Program, opts ...envOption) *testEnv {
	t.Helper()
	s := envSetup{
		conf:    smallConfig(),
		sconf:   smallSocketConfig(),
		prog:    prog,
		backlog: stack.NewBacklog(16, 2048),
	}
	for _, o := range opts {
		o(&s)
	}

	dev := newFakeDevice()
	a, err := New(s.conf, dev, WithStack(s.backlog), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	sock, err := afxdp.NewSocket(s.sconf)
	if err != nil {
		t.Fatalf("NewSocket() = %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	sock.Bind(a)

	if err := a.Up(); err != nil {
		t.Fatalf("Up() = %v", err)
	}
	if err := a.SetProgram(prog); err != nil {
		t.Fatalf("SetProgram() = %v", err)
	}
	if err := a.EnablePool(sock.Pool(), 0); err != nil {
		t.Fatalf("EnablePool() = %v", err)
	}
	return &testEnv{
		t:       t,
		a:       a,
		dev:     dev,
		sock:    sock,
		qp:      a.qps[0],
		backlog: s.backlog,
	}
}

// receive completes the next armed RX descriptor with payload.
func (e *testEnv) receive(payload []byte, eop bool) {
	e.t.Helper()
	r := e.qp.rx.r
	i := e.rxHead
	b := e.qp.rx.buffs[i]
	if b == nil {
		e.t.Fatalf("RX descriptor %d is not armed", i)
	}
	copy(b.Pool().UMEM().Bytes()[b.Offset():], payload)
	status := desc.RXStatDD
	if eop {
		status |= desc.RXStatEOP
	}
	r.StoreWB(i, desc.MakeRXWriteBack(status, uint16(len(payload)), 0).Raw())
	e.rxHead = r.Next(i)
}

// complete marks the next n TX descriptors of x done.
func (e *testEnv) complete(x *TXRing, n int) {
	for range n {
		x.r.StoreWB(e.txHead, desc.TXWriteBackWord(desc.TXStatDD))
		e.txHead = x.r.Next(e.txHead)
	}
}

// submit places n frames of size bytes on the socket's TX ring.
func (e *testEnv) submit(n int, size uint32) {
	e.t.Helper()
	for range n {
		f := e.sock.NextFrame()
		if f.Buf == nil {
			e.t.Fatal("no free frame")
		}
		if err := e.sock.Submit(f.Addr, size); err != nil {
			e.t.Fatalf("Submit() = %v", err)
		}
	}
	if err := e.sock.FlushTx(); err != nil {
		e.t.Fatalf("FlushTx() = %v", err)
	}
}

func (e *testEnv) stats() QueueStats { return e.a.Stats()[0] }

func TestConfigValidateAndSetDefaults(t *testing.T) {
	var c Config
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	want := Config{
		Queues:        1,
		RealRXQueues:  1,
		RealTXQueues:  1,
		TXRings:       1,
		RXRingSize:    DefaultRingSize,
		TXRingSize:    DefaultRingSize,
		RXBufferWrite: DefaultRXBufferWrite,
		TXWorkLimit:   DefaultTXWorkLimit,
		Budget:        DefaultBudget,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		name string
		conf Config
	}{
		{"too many queues", Config{Queues: MaxQueues + 1}},
		{"more TX rings than queues", Config{Queues: 2, TXRings: 3}},
		{"real RX beyond queues", Config{Queues: 2, RealRXQueues: 3}},
		{"refill mark not below ring size", Config{RXRingSize: 16, RXBufferWrite: 16}},
		{"negative budget", Config{Budget: -1}},
	} {
		if err := tc.conf.ValidateAndSetDefaults(); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: ValidateAndSetDefaults() = %v, want %v", tc.name, err, ErrConfig)
		}
	}
}

func TestNewLocksSharedXDPRings(t *testing.T) {
	for _, tc := range []struct {
		queues, rings int
		locked        bool
	}{
		{4, 4, false},
		{4, 2, true},
	} {
		a, err := New(Config{Queues: tc.queues, TXRings: tc.rings}, newFakeDevice(),
			WithLogger(quietLogger()))
		if err != nil {
			t.Fatal(err)
		}
		if got := a.xdpRing(3).r.Locked(); got != tc.locked {
			t.Errorf("%d queues on %d rings: Locked() = %v, want %v",
				tc.queues, tc.rings, got, tc.locked)
		}
		if got, want := a.xdpRing(3), a.xdpRings[3%tc.rings]; got != want {
			t.Errorf("queue 3 uses the wrong XDP ring")
		}
		if (a.qps[3].xdp == nil) != (3 >= tc.rings) {
			t.Errorf("queue 3 owns XDP ring = %v with %d rings", a.qps[3].xdp != nil, tc.rings)
		}
	}
}

func TestAllocBuffersFullRing(t *testing.T) {
	sock, err := afxdp.NewSocket(smallSocketConfig())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	rx, err := newRXRing(8)
	if err != nil {
		t.Fatal(err)
	}
	rx.pool.Store(sock.Pool())

	if !rx.allocBuffers(0) {
		t.Error("allocBuffers(0) = false")
	}
	if got := rx.r.TailWrites(); got != 0 {
		t.Errorf("TailWrites() after allocBuffers(0) = %d, want 0", got)
	}

	if !rx.allocBuffers(8) {
		t.Fatal("allocBuffers(8) = false")
	}
	if got := rx.r.TailWrites(); got != 1 {
		t.Errorf("TailWrites() = %d, want 1", got)
	}
	if got := rx.r.NextToUse(); got != 0 {
		t.Errorf("NextToUse() = %d, want 0", got)
	}
	seen := make(map[uint64]bool)
	for i := range uint32(8) {
		b := rx.buffs[i]
		if b == nil {
			t.Fatalf("descriptor %d not armed", i)
		}
		if got, want := rx.r.LoadAddr(i), sock.Pool().DMA(b); got != want {
			t.Errorf("descriptor %d address = %#x, want %#x", i, got, want)
		}
		if seen[b.Addr()] {
			t.Errorf("frame %#x armed twice", b.Addr())
		}
		seen[b.Addr()] = true
		if got := b.Owner(); got != afxdp.OwnerRX {
			t.Errorf("frame %d owner = %v, want %v", i, got, afxdp.OwnerRX)
		}
	}
}

func TestAllocBuffersPartial(t *testing.T) {
	conf := smallSocketConfig()
	conf.FillSize = 4
	conf.RxSize = 4
	sock, err := afxdp.NewSocket(conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	rx, err := newRXRing(8)
	if err != nil {
		t.Fatal(err)
	}
	rx.pool.Store(sock.Pool())
	rx.r.StoreWB(4, desc.MakeRXWriteBack(desc.RXStatDD, 99, 0).Raw())

	if rx.allocBuffers(7) {
		t.Error("allocBuffers(7) with 4 frames = true")
	}
	if got := rx.r.NextToUse(); got != 4 {
		t.Errorf("NextToUse() = %d, want 4", got)
	}
	if got := rx.r.Tail(); got != 4 {
		t.Errorf("Tail() = %d, want 4", got)
	}
	if got := rx.r.TailWrites(); got != 1 {
		t.Errorf("TailWrites() = %d, want 1", got)
	}
	if got := desc.RXWriteBack(rx.r.LoadWB(4)).Length(); got != 0 {
		t.Errorf("length of next descriptor = %d, want 0", got)
	}
}

func TestCleanRXIRQBudget(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	for range 5 {
		e.receive(make([]byte, 64), true)
	}

	if n, failure := e.a.cleanRXIRQ(e.qp, 0); n != 0 || failure {
		t.Errorf("cleanRXIRQ(0) = %d, %v, want 0, false", n, failure)
	}
	if got := e.qp.rx.r.NextToClean(); got != 0 {
		t.Errorf("NextToClean() after budget 0 = %d, want 0", got)
	}

	for _, want := range []int{3, 2, 0} {
		if n, _ := e.a.cleanRXIRQ(e.qp, 3); n != want {
			t.Errorf("cleanRXIRQ(3) = %d, want %d", n, want)
		}
	}
	if got := e.stats().XDPDrop; got != 5 {
		t.Errorf("XDPDrop = %d, want 5", got)
	}
}

func TestCleanRXIRQDiscardsSpanningPacket(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Pass))
	free := e.sock.Pool().FreeCount()

	e.receive(make([]byte, 2048-256), false)
	e.receive(make([]byte, 100), true)

	n, failure := e.a.cleanRXIRQ(e.qp, 8)
	if n != 0 || failure {
		t.Errorf("cleanRXIRQ() = %d, %v, want 0, false", n, failure)
	}
	if got := e.qp.rx.r.NextToClean(); got != 2 {
		t.Errorf("NextToClean() = %d, want 2", got)
	}
	if got := e.sock.Pool().FreeCount(); got != free+2 {
		t.Errorf("FreeCount() = %d, want %d", got, free+2)
	}
	if got := e.backlog.Len(); got != 0 {
		t.Errorf("delivered %d packets, want 0", got)
	}
	st := e.stats()
	if st.RXDiscards != 2 || st.RXPackets != 0 || st.XDPPass != 0 {
		t.Errorf("RXDiscards, RXPackets, XDPPass = %d, %d, %d, want 2, 0, 0",
			st.RXDiscards, st.RXPackets, st.XDPPass)
	}
	if e.qp.rx.discard[2] || e.qp.rx.discard[1] {
		t.Error("discard flag left set")
	}
}

func TestCleanRXIRQDiscardsLongPacket(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))

	// One packet over three descriptors, then enough single-descriptor
	// packets to reuse every slot of the ring.
	e.receive(make([]byte, 1024), false)
	e.receive(make([]byte, 1024), false)
	e.receive(make([]byte, 100), true)
	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 0 {
		t.Errorf("cleanRXIRQ() = %d, want 0", n)
	}
	for i, d := range e.qp.rx.discard {
		if d {
			t.Errorf("discard[%d] left set after the packet ended", i)
		}
	}

	const drops = 10
	for i := range drops {
		e.receive(make([]byte, 64), true)
		if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 1 {
			t.Errorf("packet %d: cleanRXIRQ() = %d, want 1", i, n)
		}
	}
	st := e.stats()
	if st.XDPDrop != drops || st.RXDiscards != 3 {
		t.Errorf("XDPDrop, RXDiscards = %d, %d, want %d, 3",
			st.XDPDrop, st.RXDiscards, drops)
	}
}

func TestCleanRXIRQPassTooLargeForStack(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Pass),
		withSocketConfig(func(c *afxdp.Config) { c.FrameSize = 4096 }))

	e.receive(make([]byte, 3000), true)
	e.receive([]byte("next"), true)

	n, failure := e.a.cleanRXIRQ(e.qp, 8)
	if n != 2 || failure {
		t.Errorf("cleanRXIRQ() = %d, %v, want 2, false", n, failure)
	}
	if got := e.qp.rx.r.NextToClean(); got != 2 {
		t.Errorf("NextToClean() = %d, want 2", got)
	}
	p, err := e.backlog.Next()
	if err != nil {
		t.Fatalf("Next() = %v, want the packet after the oversized one", err)
	}
	if got := string(p.Data[:4]); got != "next" {
		t.Errorf("delivered %q, want %q", got, "next")
	}
	if got := e.backlog.Len(); got != 0 {
		t.Errorf("%d more packets delivered, want 0", got)
	}
	st := e.stats()
	if st.XDPDrop != 1 || st.AllocRXBuffFailed != 0 || st.RXPackets != 2 {
		t.Errorf("XDPDrop, AllocRXBuffFailed, RXPackets = %d, %d, %d, want 1, 0, 2",
			st.XDPDrop, st.AllocRXBuffFailed, st.RXPackets)
	}
	if e.qp.rx.buffs[0] != nil {
		t.Error("dropped frame still armed")
	}
}

func TestDefaultBacklogSizedByPool(t *testing.T) {
	a, err := New(smallConfig(), newFakeDevice(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if a.Backlog() == nil {
		t.Fatal("Backlog() = nil without a stack option")
	}
	sconf := smallSocketConfig()
	sconf.FrameSize = 4096
	sock, err := afxdp.NewSocket(sconf)
	if err != nil {
		t.Fatalf("NewSocket() = %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	if err := a.EnablePool(sock.Pool(), 0); err != nil {
		t.Fatalf("EnablePool() = %v", err)
	}
	if got := a.Backlog().MaxLen(); got != 4096 {
		t.Errorf("Backlog().MaxLen() = %d, want 4096", got)
	}

	e := newTestEnv(t, verdict.Const(verdict.Drop))
	if e.a.Backlog() != nil {
		t.Error("Backlog() != nil with a stack given")
	}
}

func TestCleanRXIRQPassPads(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Pass))
	payload := []byte("short frame")
	e.receive(payload, true)

	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 1 {
		t.Fatalf("cleanRXIRQ() = %d, want 1", n)
	}
	p, err := e.backlog.Next()
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, minFrameLen)
	copy(want, payload)
	if diff := cmp.Diff(want, p.Data); diff != "" {
		t.Errorf("delivered packet mismatch (-want +got):\n%s", diff)
	}
	st := e.stats()
	if st.RXBytes != minFrameLen || st.XDPPass != 1 {
		t.Errorf("RXBytes, XDPPass = %d, %d, want %d, 1", st.RXBytes, st.XDPPass, minFrameLen)
	}
	if e.qp.rx.buffs[0] != nil {
		t.Error("passed frame still armed")
	}
}

func TestCleanRXIRQPassAllocFailure(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Pass), withBacklog(stack.NewBacklog(0, 2048)))
	e.receive(make([]byte, 64), true)
	b := e.qp.rx.buffs[0]

	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 0 {
		t.Errorf("cleanRXIRQ() = %d, want 0", n)
	}
	if got := e.qp.rx.r.NextToClean(); got != 0 {
		t.Errorf("NextToClean() = %d, want 0", got)
	}
	if e.qp.rx.buffs[0] != b || b.Owner() != afxdp.OwnerRX {
		t.Error("frame left its descriptor after failed delivery")
	}
	if got := e.stats().AllocRXBuffFailed; got != 1 {
		t.Errorf("AllocRXBuffFailed = %d, want 1", got)
	}
}

func TestCleanRXIRQRefillsAtLowWaterMark(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	r := e.qp.rx.r
	tails := r.TailWrites()

	for range 3 {
		e.receive(make([]byte, 64), true)
	}
	e.a.cleanRXIRQ(e.qp, 8)
	// Three free descriptors stay below the refill mark.
	if got := r.TailWrites(); got != tails {
		t.Errorf("TailWrites() = %d, want %d", got, tails)
	}

	e.receive(make([]byte, 64), true)
	e.receive(make([]byte, 64), true)
	e.a.cleanRXIRQ(e.qp, 8)
	if got := r.TailWrites(); got != tails+1 {
		t.Errorf("TailWrites() = %d, want %d", got, tails+1)
	}
	if got := r.Unused(); got >= 4 {
		t.Errorf("Unused() = %d after refill, want < 4", got)
	}
}

func TestTXVerdictRingFull(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.TX))
	x := e.qp.xdp
	x.r.SetNextToUse(x.r.Count() - 1)
	free := e.sock.Pool().FreeCount()

	e.receive(make([]byte, 64), true)
	b := e.qp.rx.buffs[0]
	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 1 {
		t.Errorf("cleanRXIRQ() = %d, want 1", n)
	}
	st := e.stats()
	if st.XDPTXFailed != 1 || st.XDPTX != 0 {
		t.Errorf("XDPTXFailed, XDPTX = %d, %d, want 1, 0", st.XDPTXFailed, st.XDPTX)
	}
	if got := b.Owner(); got != afxdp.OwnerPool {
		t.Errorf("frame owner = %v, want %v", got, afxdp.OwnerPool)
	}
	if got := e.sock.Pool().FreeCount(); got != free+1 {
		t.Errorf("FreeCount() = %d, want %d", got, free+1)
	}
	if got := e.backlog.Len(); got != 0 {
		t.Errorf("delivered %d packets, want 0", got)
	}
	if got := x.r.TailWrites(); got != 0 {
		t.Errorf("XDP ring TailWrites() = %d, want 0", got)
	}
}

func TestTXVerdictZeroCopy(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.TX))
	x := e.qp.xdp
	var frames []*afxdp.Buff
	for i := range 3 {
		frames = append(frames, e.qp.rx.buffs[i])
		e.receive(make([]byte, 100+i), true)
	}

	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 3 {
		t.Fatalf("cleanRXIRQ() = %d, want 3", n)
	}
	if got := x.r.TailWrites(); got != 1 {
		t.Errorf("XDP ring TailWrites() = %d, want 1", got)
	}
	if got := x.r.Tail(); got != 3 {
		t.Errorf("XDP ring Tail() = %d, want 3", got)
	}
	for i, b := range frames {
		if got, want := x.r.LoadAddr(uint32(i)), e.sock.Pool().DMA(b); got != want {
			t.Errorf("descriptor %d address = %#x, want %#x", i, got, want)
		}
		cmd, olinfo := desc.SplitTXWord(x.r.LoadWB(uint32(i)))
		if cmd.Len() != uint32(100+i) || !cmd.EOP() || !cmd.ReportStatus() ||
			olinfo.PayLen() != uint32(100+i) {
			t.Errorf("descriptor %d command = %#x olinfo = %#x", i, cmd.Raw(), olinfo.Raw())
		}
		if got := b.Owner(); got != afxdp.OwnerTX {
			t.Errorf("frame %d owner = %v, want %v", i, got, afxdp.OwnerTX)
		}
	}

	e.complete(x, 3)
	if !e.a.cleanXDPTXIRQ(e.qp, x) {
		// Only reclaim progress, a second pass settles the flag.
		e.a.cleanXDPTXIRQ(e.qp, x)
	}
	for i, b := range frames {
		if got := b.Owner(); got != afxdp.OwnerPool {
			t.Errorf("frame %d owner after completion = %v, want %v", i, got, afxdp.OwnerPool)
		}
	}
	st := e.stats()
	if st.TXPackets != 3 || st.TXBytes != 303 || st.TXCompletedXSK != 0 {
		t.Errorf("TXPackets, TXBytes, TXCompletedXSK = %d, %d, %d, want 3, 303, 0",
			st.TXPackets, st.TXBytes, st.TXCompletedXSK)
	}
}

func TestRedirectDeliversToSocket(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Redirect))
	e.receive([]byte("one"), true)
	e.receive([]byte("two"), true)

	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 2 {
		t.Fatalf("cleanRXIRQ() = %d, want 2", n)
	}
	var got []string
	for _, f := range e.sock.Receive(make([]afxdp.Frame, 4)) {
		got = append(got, string(f.Buf))
	}
	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Errorf("received frames mismatch (-want +got):\n%s", diff)
	}
	if got := e.stats().XDPRedirect; got != 2 {
		t.Errorf("XDPRedirect = %d, want 2", got)
	}
}

func TestRedirectTargetFull(t *testing.T) {
	for _, tc := range []struct {
		name         string
		noNeedWakeup bool
		wantN        int
		wantFailure  bool
		wantNTC      uint32
		wantExit     uint64
		wantFailed   uint64
	}{
		{"need-wakeup stops the poll", false, 4, true, 4, 1, 0},
		{"without need-wakeup the frame is dropped", true, 5, false, 5, 0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, verdict.Const(verdict.Redirect),
				withSocketConfig(func(c *afxdp.Config) {
					c.RxSize = 4
					c.NoNeedWakeup = tc.noNeedWakeup
				}))
			for range 5 {
				e.receive(make([]byte, 64), true)
			}

			n, failure := e.a.cleanRXIRQ(e.qp, 8)
			if n != tc.wantN || failure != tc.wantFailure {
				t.Errorf("cleanRXIRQ() = %d, %v, want %d, %v", n, failure, tc.wantN, tc.wantFailure)
			}
			if got := e.qp.rx.r.NextToClean(); got != tc.wantNTC {
				t.Errorf("NextToClean() = %d, want %d", got, tc.wantNTC)
			}
			st := e.stats()
			if st.XDPExit != tc.wantExit || st.XDPRedirectFailed != tc.wantFailed {
				t.Errorf("XDPExit, XDPRedirectFailed = %d, %d, want %d, %d",
					st.XDPExit, st.XDPRedirectFailed, tc.wantExit, tc.wantFailed)
			}
			if !tc.noNeedWakeup && !e.sock.Pool().RXNeedsWakeup() {
				t.Error("RX need-wakeup not set after exhaustion")
			}
		})
	}
}

func TestInvalidVerdictDrops(t *testing.T) {
	e := newTestEnv(t, verdict.Const(9))
	e.receive(make([]byte, 64), true)
	e.receive(make([]byte, 64), true)
	b := e.qp.rx.buffs[0]

	if n, _ := e.a.cleanRXIRQ(e.qp, 8); n != 2 {
		t.Errorf("cleanRXIRQ() = %d, want 2", n)
	}
	if got := e.stats().XDPInvalid; got != 2 {
		t.Errorf("XDPInvalid = %d, want 2", got)
	}
	if got := b.Owner(); got != afxdp.OwnerPool {
		t.Errorf("frame owner = %v, want %v", got, afxdp.OwnerPool)
	}
}

func TestRXNeedWakeup(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	pool := e.sock.Pool()

	pool.SetRXNeedWakeup()
	e.receive(make([]byte, 64), true)
	e.a.cleanRXIRQ(e.qp, 8)
	if pool.RXNeedsWakeup() {
		t.Error("RX need-wakeup set after a pass that made progress")
	}
}

func TestRXNeedWakeupOutOfFrames(t *testing.T) {
	// Four frames in total, all redirected to the socket.
	e := newTestEnv(t, verdict.Const(verdict.Redirect), withSocketConfig(func(c *afxdp.Config) {
		c.FillSize = 4
	}))
	pool := e.sock.Pool()
	for range 4 {
		e.receive(make([]byte, 64), true)
	}

	n, failure := e.a.cleanRXIRQ(e.qp, 8)
	if n != 4 || !failure {
		t.Errorf("cleanRXIRQ() = %d, %v, want 4, true", n, failure)
	}
	r := e.qp.rx.r
	if r.NextToClean() != r.NextToUse() {
		t.Errorf("NextToClean() = %d, NextToUse() = %d, want equal", r.NextToClean(), r.NextToUse())
	}
	if !pool.RXNeedsWakeup() {
		t.Error("RX need-wakeup clear on an empty ring")
	}
	if e.a.rxWorkPending(e.qp, pool) {
		t.Error("rxWorkPending() = true without frames")
	}

	frames := e.sock.Receive(make([]afxdp.Frame, 4))
	if len(frames) != 4 {
		t.Fatalf("received %d frames, want 4", len(frames))
	}
	if err := e.sock.ReleaseBatch(frames); err != nil {
		t.Fatalf("ReleaseBatch() = %v", err)
	}
	if !e.a.rxWorkPending(e.qp, pool) {
		t.Error("rxWorkPending() = false with frames on the fill ring")
	}

	e.a.cleanRXIRQ(e.qp, 8)
	if got := pool.Owners()[afxdp.OwnerRX]; got != 4 {
		t.Errorf("frames owned by RX = %d, want 4", got)
	}
}

func TestXmitZC(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ringSize uint32
		pending  int
		budget   int
		carrier  bool
		wantDone bool
		wantSent int
	}{
		{"idle after batch", 16, 4, 4, true, true, 4},
		{"budget exhausted with work left", 16, 10, 4, true, false, 4},
		{"ring full", 8, 10, 16, true, false, 7},
		{"carrier down", 16, 4, 16, false, true, 0},
		{"nothing pending", 16, 0, 16, true, true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, verdict.Const(verdict.Drop), withConfig(func(c *Config) {
				c.TXRingSize = tc.ringSize
			}))
			x := e.qp.xdp
			if tc.pending > 0 {
				e.submit(tc.pending, 64)
			}
			e.dev.carrier = tc.carrier
			tails := x.r.TailWrites()

			done, sent := e.a.xmitZC(x, e.sock.Pool(), tc.budget)
			if done != tc.wantDone || sent != tc.wantSent {
				t.Errorf("xmitZC() = %v, %d, want %v, %d", done, sent, tc.wantDone, tc.wantSent)
			}
			wantTails := tails
			if tc.wantSent > 0 {
				wantTails++
			}
			if got := x.r.TailWrites(); got != wantTails {
				t.Errorf("TailWrites() = %d, want %d", got, wantTails)
			}
			if got, want := e.sock.Pool().TXPending(), uint32(tc.pending-tc.wantSent); got != want {
				t.Errorf("TXPending() = %d, want %d", got, want)
			}
		})
	}
}

func TestCleanXDPTXIRQInOrder(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	x := e.qp.xdp
	e.submit(3, 64)
	if _, sent := e.a.xmitZC(x, e.sock.Pool(), 16); sent != 3 {
		t.Fatalf("xmitZC() sent %d, want 3", sent)
	}
	free := e.sock.FreeFrames()

	// Descriptor 0 and 2 done, 1 still in flight.
	x.r.StoreWB(0, desc.TXWriteBackWord(desc.TXStatDD))
	x.r.StoreWB(2, desc.TXWriteBackWord(desc.TXStatDD))
	e.a.cleanXDPTXIRQ(e.qp, x)
	if got := x.r.NextToClean(); got != 1 {
		t.Errorf("NextToClean() = %d, want 1", got)
	}
	if got := e.sock.PollCompletions(16); got != 1 {
		t.Errorf("PollCompletions() = %d, want 1", got)
	}

	x.r.StoreWB(1, desc.TXWriteBackWord(desc.TXStatDD))
	e.a.cleanXDPTXIRQ(e.qp, x)
	if got := x.r.NextToClean(); got != 3 {
		t.Errorf("NextToClean() = %d, want 3", got)
	}
	if got := e.sock.PollCompletions(16); got != 2 {
		t.Errorf("PollCompletions() = %d, want 2", got)
	}
	if got := e.sock.FreeFrames(); got != free+3 {
		t.Errorf("FreeFrames() = %d, want %d", got, free+3)
	}
	st := e.stats()
	if st.TXPackets != 3 || st.TXCompletedXSK != 3 {
		t.Errorf("TXPackets, TXCompletedXSK = %d, %d, want 3, 3", st.TXPackets, st.TXCompletedXSK)
	}
}

func TestTXNeedWakeup(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	x := e.qp.xdp
	pool := e.sock.Pool()

	if !e.a.cleanXDPTXIRQ(e.qp, x) {
		t.Error("idle pass reported incomplete")
	}
	if !pool.TXNeedsWakeup() {
		t.Error("TX need-wakeup clear after an idle pass")
	}

	e.submit(2, 64)
	if !e.a.cleanXDPTXIRQ(e.qp, x) {
		t.Error("pass that submitted everything reported incomplete")
	}
	if pool.TXNeedsWakeup() {
		t.Error("TX need-wakeup set after a pass that submitted")
	}

	e.complete(x, 2)
	if e.a.cleanXDPTXIRQ(e.qp, x) {
		t.Error("reclaim-only pass reported complete")
	}
	if pool.TXNeedsWakeup() {
		t.Error("TX need-wakeup set after a pass that reclaimed")
	}
	if !e.a.cleanXDPTXIRQ(e.qp, x) || !pool.TXNeedsWakeup() {
		t.Error("follow-up idle pass did not set TX need-wakeup")
	}
}

func TestWakeup(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop), withConfig(func(c *Config) {
		c.Queues = 2
	}))
	e.dev.rearms = nil

	// Drain the token left by EnablePool.
	if _, err := e.a.Poll(0); err != nil {
		t.Fatal(err)
	}

	if err := e.a.Wakeup(0, afxdp.WakeupRX|afxdp.WakeupTX); err != nil {
		t.Fatalf("Wakeup() = %v", err)
	}
	if diff := cmp.Diff([]uint64{1}, e.dev.rearms); diff != "" {
		t.Errorf("rearms mismatch (-want +got):\n%s", diff)
	}
	if !e.a.Scheduled(0) {
		t.Error("queue not scheduled after Wakeup")
	}

	// Already scheduled: marked missed, no interrupt.
	if err := e.a.Wakeup(0, afxdp.WakeupRX); err != nil {
		t.Fatal(err)
	}
	if got := len(e.dev.rearms); got != 1 {
		t.Errorf("rearms = %d, want 1", got)
	}
	if e.qp.napi.state.Load()&napiMissed == 0 {
		t.Error("missed bit not set")
	}
}

func TestWakeupErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(e *testEnv)
		qid   uint16
		want  error
	}{
		{"queue out of range", func(*testEnv) {}, 2, ErrInvalidQueue},
		{"no pool", func(*testEnv) {}, 1, ErrNoPool},
		{"ring disabled", func(e *testEnv) { e.qp.xdp.disabled.Store(true) }, 0, ErrTXDisabled},
		{"no program", func(e *testEnv) { _ = e.a.SetProgram(nil) }, 0, ErrNoProgram},
		{"down", func(e *testEnv) { e.a.Down() }, 0, ErrNetDown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, verdict.Const(verdict.Drop), withConfig(func(c *Config) {
				c.Queues = 2
			}))
			tc.setup(e)
			e.dev.rearms = nil
			scheduled := e.a.Scheduled(tc.qid)

			err := e.a.Wakeup(tc.qid, afxdp.WakeupRX)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Wakeup() = %v, want %v", err, tc.want)
			}
			var qerr *QueueError
			if !errors.As(err, &qerr) || qerr.Queue != tc.qid || qerr.Op != "wakeup" {
				t.Errorf("Wakeup() error = %#v, want *QueueError for queue %d", err, tc.qid)
			}
			if len(e.dev.rearms) != 0 {
				t.Errorf("rearms = %v, want none", e.dev.rearms)
			}
			if got := e.a.Scheduled(tc.qid); got != scheduled {
				t.Errorf("Scheduled() = %v, want %v", got, scheduled)
			}
		})
	}
}

func TestEnablePoolErrors(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop), withConfig(func(c *Config) {
		c.Queues = 4
		c.RealTXQueues = 2
		c.TXRings = 3
	}))
	newPool := func(qid uint32) *afxdp.Pool {
		conf := smallSocketConfig()
		conf.QueueID = qid
		s, err := afxdp.NewSocket(conf)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s.Pool()
	}

	for _, tc := range []struct {
		name string
		pool *afxdp.Pool
		qid  uint16
		want error
	}{
		{"out of range", newPool(4), 4, ErrInvalidQueue},
		{"beyond active TX queues", newPool(2), 2, ErrInvalidQueue},
		{"already attached", newPool(0), 0, ErrPoolAttached},
		{"pool bound elsewhere", newPool(0), 1, ErrPoolQueue},
	} {
		if err := e.a.EnablePool(tc.pool, tc.qid); !errors.Is(err, tc.want) {
			t.Errorf("%s: EnablePool() = %v, want %v", tc.name, err, tc.want)
		}
		if tc.pool.Mapped() {
			t.Errorf("%s: pool left mapped", tc.name)
		}
	}

	if err := e.a.DisablePool(1); !errors.Is(err, ErrNoPool) {
		t.Errorf("DisablePool() without pool = %v, want %v", err, ErrNoPool)
	}
	if err := e.a.SetupPool(nil, 9); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("SetupPool(nil, 9) = %v, want %v", err, ErrInvalidQueue)
	}
}

func TestEnableDisablePool(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	pool := e.sock.Pool()

	if !pool.Mapped() || e.dev.mapper.maps != 1 {
		t.Errorf("pool not mapped after EnablePool")
	}
	q, ok := e.dev.attached[0]
	if !ok {
		t.Fatal("queue not attached to the device")
	}
	if q.RXBufLen != pool.RXFrameSize() {
		t.Errorf("RXBufLen = %d, want %d", q.RXBufLen, pool.RXFrameSize())
	}
	if q.TX != e.qp.xdp.r {
		t.Error("XDP ring not attached")
	}
	if got := pool.Owners()[afxdp.OwnerRX]; got != 7 {
		t.Errorf("frames owned by RX = %d, want 7", got)
	}

	// One submitted frame in flight on the XDP ring.
	e.submit(1, 64)
	e.a.xmitZC(e.qp.xdp, pool, 16)

	if err := e.a.DisablePool(0); err != nil {
		t.Fatalf("DisablePool() = %v", err)
	}
	if pool.Mapped() {
		t.Error("pool still mapped after DisablePool")
	}
	owners := pool.Owners()
	if owners[afxdp.OwnerRX] != 0 || owners[afxdp.OwnerTX] != 0 {
		t.Errorf("owners after DisablePool = %v, want no RX or TX frames", owners)
	}
	if got := e.sock.PollCompletions(16); got != 1 {
		t.Errorf("PollCompletions() after DisablePool = %d, want 1", got)
	}
	if e.qp.rx.pool.Load() != nil || e.qp.xdp.pool.Load() != nil {
		t.Error("rings still bound to the pool")
	}
	if got := e.stats().Restarts; got < 2 {
		t.Errorf("Restarts = %d, want at least 2", got)
	}
}

func TestSetProgramRebindsPools(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	pool := e.sock.Pool()

	if err := e.a.SetProgram(nil); err != nil {
		t.Fatal(err)
	}
	if e.qp.rx.pool.Load() != nil {
		t.Error("RX ring bound to pool without a program")
	}
	if got := pool.Owners()[afxdp.OwnerRX]; got != 0 {
		t.Errorf("frames owned by RX without a program = %d, want 0", got)
	}

	if err := e.a.SetProgram(verdict.Const(verdict.Pass)); err != nil {
		t.Fatal(err)
	}
	if e.qp.rx.pool.Load() != pool {
		t.Error("RX ring not rebound to pool")
	}
}

func TestNAPI(t *testing.T) {
	n := newNAPI()
	if n.schedulePrep() {
		t.Error("schedulePrep() on disabled napi = true")
	}
	n.enable()

	if n.ifScheduledMarkMissed() {
		t.Error("ifScheduledMarkMissed() on idle napi = true")
	}
	if !n.schedulePrep() {
		t.Fatal("schedulePrep() on idle napi = false")
	}
	if n.schedulePrep() {
		t.Error("second schedulePrep() = true")
	}
	if n.complete() {
		t.Error("complete() after a missed schedule = true")
	}
	if !n.complete() {
		t.Error("complete() = false")
	}
	if n.state.Load() != 0 {
		t.Errorf("state = %#x, want 0", n.state.Load())
	}

	// A pending token is taken over by disable.
	n.schedule()
	n.disable()
	if len(n.kick) != 0 {
		t.Error("token left in kick after disable")
	}
	if got := n.state.Load(); got != napiSched|napiDisable {
		t.Errorf("state = %#x, want %#x", got, napiSched|napiDisable)
	}
}

func TestPoll(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop))
	if _, err := e.a.Poll(0); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		e.receive(make([]byte, 64), true)
	}
	n, err := e.a.Poll(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Poll() = %d, want 3", n)
	}

	if !e.qp.napi.schedulePrep() {
		t.Fatal("schedulePrep() = false")
	}
	if _, err := e.a.Poll(0); !errors.Is(err, ErrBusy) {
		t.Errorf("Poll() while owned elsewhere = %v, want %v", err, ErrBusy)
	}
	if _, err := e.a.Poll(5); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("Poll(5) = %v, want %v", err, ErrInvalidQueue)
	}
}

func TestPollBudgetKeepsScheduled(t *testing.T) {
	e := newTestEnv(t, verdict.Const(verdict.Drop), withConfig(func(c *Config) {
		c.Budget = 2
	}))
	if _, err := e.a.Poll(0); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		e.receive(make([]byte, 64), true)
	}
	if n, _ := e.a.Poll(0); n != 2 {
		t.Errorf("Poll() = %d, want 2", n)
	}
	if len(e.qp.napi.kick) != 1 {
		t.Error("exhausted poll not rescheduled")
	}
	if n, _ := e.a.Poll(0); n != 1 {
		t.Errorf("second Poll() = %d, want 1", n)
	}
	if got := e.stats().RXPackets; got != 3 {
		t.Errorf("RXPackets = %d, want 3", got)
	}
}

func TestStatsTotal(t *testing.T) {
	s := Stats{
		{RXPackets: 1, TXBytes: 10, XDPDrop: 2},
		{RXPackets: 2, TXBytes: 5, Restarts: 1},
	}
	want := QueueStats{RXPackets: 3, TXBytes: 15, XDPDrop: 2, Restarts: 1}
	if diff := cmp.Diff(want, s.Total()); diff != "" {
		t.Errorf("Total() mismatch (-want +got):\n%s", diff)
	}
}
