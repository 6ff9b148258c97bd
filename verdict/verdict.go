// Package verdict defines the per-packet classification programs run by the
// engine's receive path.
//
// A Program sees a packet's bytes and metadata and returns a single Action.
// Programs know nothing about rings or buffer ownership; the engine performs
// the side effect the Action selects.
package verdict

import "strconv"

// Action is the verdict of a Program. Values follow XDP numbering.
type Action uint32

const (
	Aborted Action = iota
	Drop
	Pass
	TX
	Redirect
)

func (a Action) String() string {
	switch a {
	case Aborted:
		return "ABORTED"
	case Drop:
		return "DROP"
	case Pass:
		return "PASS"
	case TX:
		return "TX"
	case Redirect:
		return "REDIRECT"
	}
	return "Action(" + strconv.FormatUint(uint64(a), 10) + ")"
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool { return a <= Redirect }

// Context is the view of one packet handed to a Program.
// Programs may rewrite bytes of Data in place but must not retain Data or
// Meta after Run returns.
type Context struct {
	Data  []byte
	Meta  []byte
	Queue uint32
}

type Program interface {
	Run(ctx *Context) Action
}

// Func adapts a function to Program.
type Func func(ctx *Context) Action

func (f Func) Run(ctx *Context) Action { return f(ctx) }

// Const is a Program that always returns the same Action.
type Const Action

func (c Const) Run(*Context) Action { return Action(c) }
