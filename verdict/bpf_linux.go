//go:build linux

package verdict

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

var (
	ErrProgramNotFound = errors.New("program not found in collection")
	ErrNotXDP          = errors.New("program is not of type XDP")
)

// BPF runs a loaded XDP program against each packet through
// BPF_PROG_TEST_RUN. Packet rewrites made by the program are not copied
// back. A failed run yields Aborted.
type BPF struct {
	prog *ebpf.Program
}

// NewBPF wraps prog. The BPF takes ownership of prog.
func NewBPF(prog *ebpf.Program) (*BPF, error) {
	if prog.Type() != ebpf.XDP {
		return nil, ErrNotXDP
	}
	return &BPF{prog: prog}, nil
}

// LoadBPF loads the program called name from the ELF object at path.
func LoadBPF(path, name string) (*BPF, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}
	defer coll.Close()

	prog := coll.DetachProgram(name)
	if prog == nil {
		return nil, fmt.Errorf("%w: %q", ErrProgramNotFound, name)
	}
	b, err := NewBPF(prog)
	if err != nil {
		prog.Close()
		return nil, err
	}
	return b, nil
}

// NewConstBPF assembles an XDP program that returns a unconditionally.
func NewConstBPF(a Action) (*BPF, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xdp_const",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, int32(a)),
			asm.Return(),
		},
		License: "GPL",
	})
	if err != nil {
		return nil, fmt.Errorf("loading program: %w", err)
	}
	return &BPF{prog: prog}, nil
}

func (b *BPF) Run(ctx *Context) Action {
	ret, err := b.prog.Run(&ebpf.RunOptions{Data: ctx.Data})
	if err != nil {
		return Aborted
	}
	return Action(ret)
}

func (b *BPF) Close() error { return b.prog.Close() }
