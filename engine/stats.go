package engine

import "sync/atomic"

// QueueStats are the cumulative counters of one queue pair.
type QueueStats struct {
	RXPackets uint64
	RXBytes   uint64
	TXPackets uint64
	TXBytes   uint64

	// AllocRXBuffFailed counts packets passed up while the stack had no
	// buffer for them. They stay in their descriptor.
	AllocRXBuffFailed uint64
	// RXDiscards counts descriptors of packets that span descriptors.
	RXDiscards uint64

	XDPPass           uint64
	XDPDrop           uint64
	XDPAborted        uint64
	XDPInvalid        uint64
	XDPTX             uint64
	XDPTXFailed       uint64
	XDPRedirect       uint64
	XDPRedirectFailed uint64
	// XDPExit counts redirects that stopped a poll because the target
	// was full.
	XDPExit uint64

	// TXCompletedXSK counts completions published to pools.
	TXCompletedXSK uint64
	Restarts       uint64
}

func (s *QueueStats) add(o QueueStats) {
	s.RXPackets += o.RXPackets
	s.RXBytes += o.RXBytes
	s.TXPackets += o.TXPackets
	s.TXBytes += o.TXBytes
	s.AllocRXBuffFailed += o.AllocRXBuffFailed
	s.RXDiscards += o.RXDiscards
	s.XDPPass += o.XDPPass
	s.XDPDrop += o.XDPDrop
	s.XDPAborted += o.XDPAborted
	s.XDPInvalid += o.XDPInvalid
	s.XDPTX += o.XDPTX
	s.XDPTXFailed += o.XDPTXFailed
	s.XDPRedirect += o.XDPRedirect
	s.XDPRedirectFailed += o.XDPRedirectFailed
	s.XDPExit += o.XDPExit
	s.TXCompletedXSK += o.TXCompletedXSK
	s.Restarts += o.Restarts
}

type queueCounters struct {
	rxPackets, rxBytes atomic.Uint64
	txPackets, txBytes atomic.Uint64

	allocRXBuffFailed atomic.Uint64
	rxDiscards        atomic.Uint64

	xdpPass, xdpDrop, xdpAborted, xdpInvalid atomic.Uint64
	xdpTX, xdpTXFailed                       atomic.Uint64
	xdpRedirect, xdpRedirectFailed, xdpExit  atomic.Uint64

	txCompletedXSK atomic.Uint64
	restarts       atomic.Uint64
}

func (c *queueCounters) snapshot() QueueStats {
	return QueueStats{
		RXPackets:         c.rxPackets.Load(),
		RXBytes:           c.rxBytes.Load(),
		TXPackets:         c.txPackets.Load(),
		TXBytes:           c.txBytes.Load(),
		AllocRXBuffFailed: c.allocRXBuffFailed.Load(),
		RXDiscards:        c.rxDiscards.Load(),
		XDPPass:           c.xdpPass.Load(),
		XDPDrop:           c.xdpDrop.Load(),
		XDPAborted:        c.xdpAborted.Load(),
		XDPInvalid:        c.xdpInvalid.Load(),
		XDPTX:             c.xdpTX.Load(),
		XDPTXFailed:       c.xdpTXFailed.Load(),
		XDPRedirect:       c.xdpRedirect.Load(),
		XDPRedirectFailed: c.xdpRedirectFailed.Load(),
		XDPExit:           c.xdpExit.Load(),
		TXCompletedXSK:    c.txCompletedXSK.Load(),
		Restarts:          c.restarts.Load(),
	}
}

// Stats is a snapshot of all queue pairs, indexed by queue.
type Stats []QueueStats

// Total sums the counters of all queue pairs.
func (s Stats) Total() QueueStats {
	var t QueueStats
	for _, q := range s {
		t.add(q)
	}
	return t
}

func (a *Adapter) Stats() Stats {
	s := make(Stats, len(a.qps))
	for i, qp := range a.qps {
		s[i] = qp.stats.snapshot()
	}
	return s
}
