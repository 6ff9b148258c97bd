// Package ifacestat takes snapshots of engine queue counters and of
// kernel link counters, computes deltas between snapshots and prints them.
package ifacestat

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/vishvananda/netlink"

	"github.com/romshark/afxdp-zc-go/engine"
)

var ErrUnknownCounter = errors.New("unknown counter")

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	XDPDrop
	XDPTX
	XDPRedirect
	XDPExit
	RxDiscards
	AllocRxBuffFailed

	numCounters
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case XDPDrop:
		return "xdp_drop"
	case XDPTX:
		return "xdp_tx"
	case XDPRedirect:
		return "xdp_redirect"
	case XDPExit:
		return "xdp_exit"
	case RxDiscards:
		return "rx_discards"
	case AllocRxBuffFailed:
		return "alloc_rx_buff_failed"
	}
	return ""
}

// ParseCounter returns the counter whose String is s.
func ParseCounter(s string) (Counter, error) {
	for c := range numCounters {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCounter, s)
}

// All returns every counter.
func All() []Counter {
	c := make([]Counter, numCounters)
	for i := range c {
		c[i] = Counter(i)
	}
	return c
}

func (c Counter) of(q engine.QueueStats) uint64 {
	switch c {
	case TxPackets:
		return q.TXPackets
	case TxBytes:
		return q.TXBytes
	case RxPackets:
		return q.RXPackets
	case RxBytes:
		return q.RXBytes
	case XDPDrop:
		return q.XDPDrop
	case XDPTX:
		return q.XDPTX
	case XDPRedirect:
		return q.XDPRedirect
	case XDPExit:
		return q.XDPExit
	case RxDiscards:
		return q.RXDiscards
	case AllocRxBuffFailed:
		return q.AllocRXBuffFailed
	}
	return 0
}

// Per-queue or per-link values.
type IfaceStats map[Counter]uint64

// Stats maps queue and link names to their values.
type Stats map[string]IfaceStats

// QueueName is the key of queue qid of an adapter named name.
func QueueName(name string, qid int) string { return fmt.Sprintf("%s/q%d", name, qid) }

// Snapshot picks counters out of every queue of s. Without counters all
// are taken.
func Snapshot(name string, s engine.Stats, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All()
	}
	out := make(Stats, len(s))
	for qid, q := range s {
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			vals[c] = c.of(q)
		}
		out[QueueName(name, qid)] = vals
	}
	return out
}

// Link reads the kernel's packet and byte counters of interface name.
func Link(name string) (IfaceStats, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up link %s: %w", name, err)
	}
	st := l.Attrs().Statistics
	if st == nil {
		return nil, fmt.Errorf("link %s reports no statistics", name)
	}
	return IfaceStats{
		TxPackets: st.TxPackets,
		TxBytes:   st.TxBytes,
		RxPackets: st.RxPackets,
		RxBytes:   st.RxBytes,
	}, nil
}

// Merge adds the entries of o to s, replacing existing ones.
func (s Stats) Merge(o Stats) Stats {
	for k, v := range o {
		s[k] = v
	}
	return s
}

// Total sums every entry of s.
func (s Stats) Total() IfaceStats {
	t := make(IfaceStats)
	for _, vals := range s {
		for c, v := range vals {
			t[c] += v
		}
	}
	return t
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for name, now := range s {
		prev := old[name]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[name] = diff
	}
	return out
}

// Print writes the packet and byte counters of every entry of s, sorted by
// name, followed by the XDP counters that are non-zero.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		stats := s[name]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[name]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", name, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s:\n", name)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		for c := XDPDrop; c < numCounters; c++ {
			if v := stats[c]; v > 0 {
				fmt.Fprintf(w, "  %-20s %s\n", c, humanize.Comma(int64(v)))
			}
		}
	}
	return nil
}
