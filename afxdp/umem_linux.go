//go:build linux

package afxdp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapUMEM maps an anonymous, page-backed region so that frames never
// straddle pages.
func mapUMEM(length uintptr) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, err
	}
	if p := uintptr(unsafe.Pointer(&mem[0])); p%uintptr(unix.Getpagesize()) != 0 {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("UMEM is not page aligned (address 0x%x)", p)
	}
	return mem, nil
}

func unmapUMEM(mem []byte) error { return unix.Munmap(mem) }
