package verdict

import (
	"encoding/binary"
)

const (
	ethHdrLen = 14
	ipHdrMin  = 20

	etherTypeIPv4 = 0x0800
)

// Route is the outcome for packets of one 10.0.X.0/24 subnet.
type Route struct {
	Action Action
	// RewriteMAC replaces the Ethernet addresses before the verdict is
	// returned.
	RewriteMAC bool
	DstMAC     [6]byte
	SrcMAC     [6]byte
}

// Router classifies IPv4 packets by the third octet of a 10.0.X.X
// destination:
//   - a configured octet -> its Route
//   - else               -> Drop
type Router struct {
	routes [256]Route
	set    [256]bool
}

func NewRouter(routes map[byte]Route) *Router {
	r := new(Router)
	for octet, rt := range routes {
		r.routes[octet] = rt
		r.set[octet] = true
	}
	return r
}

func (r *Router) Run(ctx *Context) Action {
	buf := ctx.Data

	// Fast path: single bounds check
	if len(buf) < ethHdrLen+ipHdrMin {
		return Drop
	}
	if binary.BigEndian.Uint16(buf[12:14]) != etherTypeIPv4 {
		return Drop
	}

	ip := buf[ethHdrLen:]
	if ip[0]>>4 != 4 {
		return Drop
	}

	dst := binary.BigEndian.Uint32(ip[16:20])
	if dst&0xFFFF0000 != 0x0A000000 {
		return Drop
	}

	third := byte(dst >> 8)
	if !r.set[third] {
		return Drop
	}
	rt := &r.routes[third]
	if rt.RewriteMAC {
		copy(buf[0:6], rt.DstMAC[:])
		copy(buf[6:12], rt.SrcMAC[:])
	}
	return rt.Action
}
