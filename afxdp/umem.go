package afxdp

import "fmt"

// UMEM is the packet memory shared by the application, the engine and the
// device. It is divided into NumFrames frames of FrameSize bytes.
type UMEM struct {
	mem       []byte
	frameSize uint32
	numFrames uint32
}

func newUMEM(numFrames, frameSize uint32) (*UMEM, error) {
	mem, err := mapUMEM(uintptr(numFrames) * uintptr(frameSize))
	if err != nil {
		return nil, fmt.Errorf("mapping UMEM: %w", err)
	}
	return &UMEM{mem: mem, frameSize: frameSize, numFrames: numFrames}, nil
}

func (u *UMEM) FrameSize() uint32 { return u.frameSize }

func (u *UMEM) NumFrames() uint32 { return u.numFrames }

// Bytes returns the whole region.
func (u *UMEM) Bytes() []byte { return u.mem }

// Frame returns the frame containing addr.
func (u *UMEM) Frame(addr uint64) []byte {
	base := u.frameBase(addr)
	return u.mem[base : base+uint64(u.frameSize)]
}

// frameBase rounds addr down to the start of its frame.
func (u *UMEM) frameBase(addr uint64) uint64 {
	return addr - addr%uint64(u.frameSize)
}

func (u *UMEM) contains(addr uint64, n uint32) bool {
	base := u.frameBase(addr)
	return addr < uint64(len(u.mem)) && addr+uint64(n) <= base+uint64(u.frameSize)
}

func (u *UMEM) close() error {
	if u.mem == nil {
		return nil
	}
	err := unmapUMEM(u.mem)
	u.mem = nil
	return err
}
