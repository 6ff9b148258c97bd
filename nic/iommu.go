package nic

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/romshark/afxdp-zc-go/afxdp"
)

var (
	ErrNotMapped = errors.New("address is not mapped")
	ErrFault     = errors.New("DMA access outside a mapped region")
)

// iovaBase is the first device address handed out.
const iovaBase = 1 << 32

type region struct {
	base uint64
	mem  []byte
}

// IOMMU translates device addresses to mapped memory.
type IOMMU struct {
	mu      sync.RWMutex
	regions []region // sorted by base
	next    uint64

	syncCPU atomic.Uint64
	syncDev atomic.Uint64
}

var _ afxdp.Mapper = (*IOMMU)(nil)

func NewIOMMU() *IOMMU {
	return &IOMMU{next: iovaBase}
}

// Map makes mem reachable by the device at a page-aligned address.
func (m *IOMMU) Map(mem []byte) (uint64, error) {
	if len(mem) == 0 {
		return 0, fmt.Errorf("mapping empty region: %w", ErrFault)
	}
	page := uint64(os.Getpagesize())

	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.next
	m.next += (uint64(len(mem)) + page - 1) &^ (page - 1)
	// Leave a guard page between regions.
	m.next += page
	m.regions = append(m.regions, region{base: base, mem: mem})
	return base, nil
}

func (m *IOMMU) Unmap(base uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.base == base {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %#x", ErrNotMapped, base)
}

// Translate returns the n bytes of memory at device address dma.
func (m *IOMMU) Translate(dma uint64, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].base > dma
	}) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrFault, dma)
	}
	r := m.regions[i]
	off := dma - r.base
	if off+uint64(n) > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrFault, dma, n)
	}
	return r.mem[off : off+uint64(n)], nil
}

// Mappings returns the number of mapped regions.
func (m *IOMMU) Mappings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}

func (m *IOMMU) SyncForCPU(dma uint64, n int)    { m.syncCPU.Add(1) }
func (m *IOMMU) SyncForDevice(dma uint64, n int) { m.syncDev.Add(1) }

// Syncs returns the number of CPU and device syncs so far.
func (m *IOMMU) Syncs() (cpu, dev uint64) {
	return m.syncCPU.Load(), m.syncDev.Load()
}
