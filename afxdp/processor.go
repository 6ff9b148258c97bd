package afxdp

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Packet struct {
	Buf   []byte
	Addr  uint64
	Len   uint32
	Queue uint32
}

// RunProcessor receives on all sockets and calls fn for every Packet
// received. Each socket is served by its own goroutine.
// Stops listening if ctx is canceled and returns context.Canceled.
// If fn returns an error, RunProcessor stops immediately and returns it.
// If fn returns forwardTo > -1 the packet is copied to the socket at index
// forwardTo in sockets and transmitted, otherwise the packet is dropped.
// Packets are also dropped when the target has no free frame or TX slot.
func RunProcessor(
	ctx context.Context,
	sockets []*Socket,
	fn func(*Packet) (forwardTo int, err error),
) error {
	if len(sockets) == 0 {
		return nil
	}

	type target struct {
		sock  *Socket
		batch uint32

		// Multiple RX workers may forward packets to the same target.
		txLock sync.Mutex
		txAddr []uint64
		txLen  []uint32
	}

	targets := make([]*target, len(sockets))
	for i, s := range sockets {
		batch := s.conf.BatchSize
		if batch == 0 {
			batch = DefaultBatchSize
		}
		targets[i] = &target{
			sock:   s,
			batch:  batch,
			txAddr: make([]uint64, 0, batch),
			txLen:  make([]uint32, 0, batch),
		}
	}

	// reclaimLocked empties the completion ring so the engine can keep
	// transmitting. Must hold t.txLock.
	reclaimLocked := func(t *target) {
		for t.sock.PollCompletions(t.batch) > 0 {
		}
	}

	// flushLocked reclaims completions and submits pending frames. Must
	// hold t.txLock.
	flushLocked := func(t *target) error {
		reclaimLocked(t)
		if len(t.txAddr) == 0 {
			return nil
		}
		_, err := t.sock.SubmitBatch(t.txAddr, t.txLen)
		t.txAddr = t.txAddr[:0]
		t.txLen = t.txLen[:0]
		if err != nil {
			return err
		}
		return t.sock.FlushTx()
	}

	forward := func(t *target, data []byte) (bool, error) {
		t.txLock.Lock()
		defer t.txLock.Unlock()

		if t.sock.TxFree() <= uint32(len(t.txAddr)) {
			reclaimLocked(t)
			return false, nil
		}
		if t.sock.FreeFrames() == 0 {
			reclaimLocked(t)
			// If the pool is still empty after polling completions,
			// we cannot forward this packet right now without blocking.
			if t.sock.FreeFrames() == 0 {
				return false, nil
			}
		}

		frame := t.sock.NextFrame()
		if len(frame.Buf) == 0 {
			return false, nil
		}

		n := copy(frame.Buf, data)
		t.txAddr = append(t.txAddr, frame.Addr)
		t.txLen = append(t.txLen, uint32(n))

		if len(t.txAddr) >= int(t.batch) {
			return true, flushLocked(t)
		}
		return true, nil
	}

	flushPending := func(t *target) error {
		t.txLock.Lock()
		defer t.txLock.Unlock()
		return flushLocked(t)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			sock := t.sock
			rxBuf := make([]Frame, t.batch)
			usedTargets := make(map[*target]struct{})

			var p Packet
			for ctx.Err() == nil {
				frames := sock.Receive(rxBuf)
				if len(frames) == 0 {
					if err := sock.Wait(1); err != nil {
						return err
					}
					continue
				}

				clear(usedTargets)
				for _, fr := range frames {
					p.Buf = fr.Buf
					p.Addr = fr.Addr
					p.Len = uint32(len(fr.Buf))
					p.Queue = sock.conf.QueueID

					fwd, err := fn(&p)
					if err != nil {
						return err
					}
					if fwd >= 0 && fwd < len(targets) {
						dst := targets[fwd]
						ok, err := forward(dst, fr.Buf)
						if err != nil {
							return err
						}
						if ok {
							usedTargets[dst] = struct{}{}
						}
					}
				}

				if err := sock.ReleaseBatch(frames); err != nil {
					return err
				}

				for dst := range usedTargets {
					if err := flushPending(dst); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	err := g.Wait()
	for _, t := range targets {
		_ = flushPending(t)
	}
	if err != nil {
		return err
	}
	return context.Canceled
}
