//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/afxdp-zc-go/afxdp"
	"github.com/romshark/afxdp-zc-go/engine"
	"github.com/romshark/afxdp-zc-go/ifacestat"
	"github.com/romshark/afxdp-zc-go/nic"
	"github.com/romshark/afxdp-zc-go/ratelimit"
	"github.com/romshark/afxdp-zc-go/verdict"
)

const adapterName = "zc"

var errOutOfOrder = errors.New("out-of-order sequence")

type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxBytes     atomic.Uint64
	RxPackets   atomic.Uint64
	RxBytes     atomic.Uint64
	Passed      atomic.Uint64 // delivered to the adapter's backlog
	Elapsed     atomic.Int64  // ns

	// Test mode only.
	Verified atomic.Uint64
	Lost     atomic.Uint64
}

// queueMux runs the program of the receiving queue. Queues without one
// drop.
type queueMux []verdict.Program

func (m queueMux) Run(ctx *verdict.Context) verdict.Action {
	if int(ctx.Queue) < len(m) && m[ctx.Queue] != nil {
		return m[ctx.Queue].Run(ctx)
	}
	return verdict.Drop
}

type bench struct {
	conf    *Config
	log     logrus.FieldLogger
	dev     *nic.Device
	a       *engine.Adapter
	socks   []*afxdp.Socket
	closers []io.Closer
	stats   Stats
}

func newBench(conf *Config, log logrus.FieldLogger) (_ *bench, err error) {
	b := &bench{conf: conf, log: log}
	defer func() {
		if err != nil {
			err = errors.Join(err, b.close())
		}
	}()

	b.dev = nic.New(nic.NewIOMMU(), nil)
	b.dev.SetWire(nic.Loopback(b.dev, func(qid uint16) uint16 { return qid + 1 }))

	if b.a, err = engine.New(conf.Engine, b.dev, engine.WithLogger(log)); err != nil {
		return nil, fmt.Errorf("creating adapter: %w", err)
	}
	if err = b.a.Up(); err != nil {
		return nil, fmt.Errorf("bringing adapter up: %w", err)
	}
	prog, err := b.program()
	if err != nil {
		return nil, err
	}
	if err = b.a.SetProgram(prog); err != nil {
		return nil, fmt.Errorf("installing program: %w", err)
	}

	for q := range queuesFor(conf.Mode) {
		sc := conf.Socket
		sc.QueueID = uint32(q)
		s, err := afxdp.NewSocket(sc)
		if err != nil {
			return nil, fmt.Errorf("opening socket on queue %d: %w", q, err)
		}
		b.socks = append(b.socks, s)
		s.Bind(b.a)
		if err := b.a.EnablePool(s.Pool(), uint16(q)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// constant returns a program that always returns a, as eBPF if
// configured.
func (b *bench) constant(a verdict.Action) (verdict.Program, error) {
	if !b.conf.BPF {
		return verdict.Const(a), nil
	}
	p, err := verdict.NewConstBPF(a)
	if err != nil {
		return nil, fmt.Errorf("loading %s eBPF program: %w", a, err)
	}
	b.closers = append(b.closers, p)
	return p, nil
}

func (b *bench) program() (verdict.Program, error) {
	mux := make(queueMux, queuesFor(b.conf.Mode))
	var err error
	switch b.conf.Mode {
	case ModeRoute:
		dst, src := b.conf.routerMACs()
		mux[1] = verdict.NewRouter(map[byte]verdict.Route{
			b.conf.flow.dstIP[2]: {
				Action:     verdict.TX,
				RewriteMAC: true,
				DstMAC:     dst,
				SrcMAC:     src,
			},
		})
		mux[2], err = b.constant(verdict.Redirect)
	case ModeForward:
		if mux[1], err = b.constant(verdict.Redirect); err == nil {
			mux[3], err = b.constant(verdict.Redirect)
		}
	case ModeDrop:
		mux[1], err = b.constant(verdict.Drop)
	}
	if err != nil {
		return nil, err
	}
	return mux, nil
}

// aliases names the role of every queue in the printed counters.
func (b *bench) aliases() map[string]string {
	var roles []string
	switch b.conf.Mode {
	case ModeRoute:
		roles = []string{"sender", "router", "receiver"}
	case ModeForward:
		roles = []string{"sender", "forwarder in", "forwarder out", "receiver"}
	case ModeDrop:
		roles = []string{"sender", "drop"}
	}
	m := make(map[string]string, len(roles))
	for q, r := range roles {
		m[ifacestat.QueueName(adapterName, q)] = r
	}
	if b.conf.Link != "" {
		m[b.conf.Link] = "link"
	}
	return m
}

// close detaches every pool, takes the adapter down and releases the
// sockets.
func (b *bench) close() error {
	var errs []error
	if b.a != nil {
		for q := range b.socks {
			if err := b.a.DisablePool(uint16(q)); err != nil &&
				!errors.Is(err, engine.ErrNoPool) {
				errs = append(errs, err)
			}
		}
		b.a.Down()
	}
	for _, s := range b.socks {
		errs = append(errs, s.Close())
	}
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.socks, b.closers = nil, nil
	return errors.Join(errs...)
}

// run starts the adapter and the device, sends conf.Count packets and waits
// up to conf.Drain for them to arrive.
func (b *bench) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.a.Run(gctx) })
	g.Go(func() error { return b.dev.Run(gctx) })
	g.Go(func() error { return b.drainBacklog(gctx) })
	if b.conf.Mode == ModeForward {
		g.Go(func() error { return b.forward(gctx) })
	}
	received := make(chan struct{})
	if q := b.conf.receiverQueue(); q >= 0 {
		g.Go(func() error {
			defer close(received)
			return b.receive(gctx, b.socks[q])
		})
	} else {
		close(received)
	}
	go runStatsPrinter(gctx, &b.stats, b.conf.StatsInterval)

	err := b.send(gctx, b.socks[0])
	if err == nil {
		t := time.NewTimer(b.conf.Drain)
		select {
		case <-received:
		case <-t.C:
		case <-gctx.Done():
		}
		t.Stop()
	}
	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		return gerr
	}
	return err
}

// drainBacklog frees the packets programs pass to the stack so that
// passing queues do not stall.
func (b *bench) drainBacklog(ctx context.Context) error {
	backlog := b.a.Backlog()
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.stats.Passed.Add(uint64(backlog.Drain()))
		}
	}
}

// forward copies everything the forwarder's ingress socket receives to
// its egress socket.
func (b *bench) forward(ctx context.Context) error {
	return afxdp.RunProcessor(ctx, b.socks[1:3],
		func(p *afxdp.Packet) (int, error) {
			if p.Queue != 1 {
				return -1, nil
			}
			return 1, nil
		})
}

// kickTX wakes the engine for TX if it asked for it and waits briefly.
func kickTX(sock *afxdp.Socket) error {
	if sock.NeedsWakeup(afxdp.WakeupTX) {
		if err := sock.Wakeup(afxdp.WakeupTX); err != nil {
			return err
		}
	}
	return sock.Wait(1)
}

func (b *bench) send(ctx context.Context, sock *afxdp.Socket) error {
	conf := b.conf
	batch := conf.Sender.BatchSize
	addrs := make([]uint64, 0, batch)
	lens := make([]uint32, 0, batch)
	var seq uint32

	pacer := ratelimit.New(conf.Sender.RatePPS)
	start := time.Now()
	defer func() { b.stats.Elapsed.Store(int64(time.Since(start))) }()

	for b.stats.TxPackets.Load() < conf.Count {
		for sock.TxFree() == 0 || sock.FreeFrames() == 0 {
			if c := sock.PollCompletions(batch); c > 0 {
				b.stats.TxCompleted.Add(uint64(c))
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := kickTX(sock); err != nil {
				return fmt.Errorf("TX wait: %w", err)
			}
		}

		sendable := uint64(min(sock.TxFree(), sock.FreeFrames(), batch))
		sendable = min(sendable, conf.Count-b.stats.TxPackets.Load())
		if err := pacer.Wait(ctx, int(sendable)); err != nil {
			return err
		}

		addrs, lens = addrs[:0], lens[:0]
		var bytes uint64
		for range sendable {
			f := sock.NextFrame()
			plen := buildUDPPacket(f.Buf, &conf.flow, seq, conf.MTU)
			addrs = append(addrs, f.Addr)
			lens = append(lens, plen)
			bytes += uint64(plen)
			seq++
		}

		n, err := sock.SubmitBatch(addrs, lens)
		if err != nil {
			return fmt.Errorf("submit batch: %w", err)
		}
		if err := sock.FlushTx(); err != nil {
			return fmt.Errorf("flush tx: %w", err)
		}
		b.stats.TxPackets.Add(uint64(n))
		b.stats.TxBytes.Add(bytes)

		if c := sock.PollCompletions(uint32(n)); c > 0 {
			b.stats.TxCompleted.Add(uint64(c))
		}
	}

	for b.stats.TxCompleted.Load() < b.stats.TxPackets.Load() {
		if c := sock.PollCompletions(batch); c > 0 {
			b.stats.TxCompleted.Add(uint64(c))
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := kickTX(sock); err != nil {
			return fmt.Errorf("TX wait: %w", err)
		}
	}
	return nil
}

func (b *bench) receive(ctx context.Context, sock *afxdp.Socket) error {
	dstMAC, srcMAC := b.conf.receivedMACs()
	frames := make([]afxdp.Frame, b.conf.Receiver.BatchSize)
	var next uint64

	for ctx.Err() == nil {
		got := sock.Receive(frames)
		if len(got) == 0 {
			if err := sock.Wait(1); err != nil {
				return fmt.Errorf("RX wait: %w", err)
			}
			continue
		}

		for _, fr := range got {
			b.stats.RxPackets.Add(1)
			b.stats.RxBytes.Add(uint64(len(fr.Buf)))
			if !b.conf.Test {
				continue
			}
			seq, ok := parseSeq(fr.Buf, &b.conf.flow, dstMAC, srcMAC)
			if !ok {
				continue
			}
			if uint64(seq) < next {
				return fmt.Errorf("%w: got %d want >= %d", errOutOfOrder, seq, next)
			}
			b.stats.Lost.Add(uint64(seq) - next)
			b.stats.Verified.Add(1)
			next = uint64(seq) + 1
		}
		if err := sock.ReleaseBatch(got); err != nil {
			return fmt.Errorf("RX release: %w", err)
		}
		if b.conf.Test && next == b.conf.Count {
			return nil
		}
	}
	return ctx.Err()
}
