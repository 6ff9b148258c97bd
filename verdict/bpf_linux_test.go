//go:build linux

package verdict

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

func mustConstBPF(t *testing.T, a Action) *BPF {
	t.Helper()
	b, err := NewConstBPF(a)
	if errors.Is(err, unix.EPERM) || errors.Is(err, ebpf.ErrNotSupported) {
		t.Skipf("loading BPF programs is not permitted: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	probe := ipv4Frame(0x0800, 4, [4]byte{10, 0, 0, 1})
	if _, err := b.prog.Run(&ebpf.RunOptions{Data: probe}); err != nil {
		t.Skipf("BPF test runs are not available: %v", err)
	}
	return b
}

func TestConstBPF(t *testing.T) {
	data := ipv4Frame(0x0800, 4, [4]byte{10, 0, 1, 1})
	for _, a := range []Action{Drop, Pass, TX, Redirect} {
		b := mustConstBPF(t, a)
		if got := b.Run(&Context{Data: data}); got != a {
			t.Errorf("Run() = %v, want %v", got, a)
		}
	}
}

func TestBPFRunFailureAborts(t *testing.T) {
	b := mustConstBPF(t, Pass)
	// Test runs need at least an Ethernet header.
	if got := b.Run(&Context{Data: []byte{1}}); got != Aborted {
		t.Errorf("Run() on short packet = %v, want %v", got, Aborted)
	}
}

func TestLoadBPFMissingFile(t *testing.T) {
	if _, err := LoadBPF("/nonexistent/prog.o", "xdp_prog"); err == nil {
		t.Error("LoadBPF() on missing file succeeded")
	}
}
