package vm

import (
	"fmt"
	"sync"
	"weak"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// VmMapping is a leaf of a VMAR tree: a virtual range backed by a VMO range.
// The range and backing never change after creation.
type VmMapping struct {
	addr      VirtAddr
	size      uint64
	vmo       *VmObject
	vmoOffset uint64
	region    weak.Pointer[VmAddressRegion]
	pt        PageTable

	mu        sync.Mutex
	flags     MMUFlags // Protected by mu
	destroyed bool     // Protected by mu
}

// Addr returns the first mapped address.
func (m *VmMapping) Addr() VirtAddr { return m.addr }

// Size returns the mapped length in bytes.
func (m *VmMapping) Size() uint64 { return m.size }

// Vmo returns the backing VMO.
func (m *VmMapping) Vmo() *VmObject { return m.vmo }

// VmoOffset returns the offset into the VMO of the first mapped byte.
func (m *VmMapping) VmoOffset() uint64 { return m.vmoOffset }

// Flags returns the current permissions.
func (m *VmMapping) Flags() MMUFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Region returns the enclosing region, or nil once it is gone.
func (m *VmMapping) Region() *VmAddressRegion {
	return m.region.Value()
}

func (m *VmMapping) end() VirtAddr { return m.addr + VirtAddr(m.size) }

func (m *VmMapping) firstPage() uint64 { return m.vmoOffset >> PageShift }

func (m *VmMapping) vaddrOf(idx uint64) VirtAddr {
	return m.addr + VirtAddr((idx-m.firstPage())<<PageShift)
}

// install maps VMO page idx. Called with the VMO lock held, so it must not
// take m.mu; it reads the flags the mapping was created with.
func (m *VmMapping) install(idx uint64, paddr PhysAddr, writable bool) error {
	return m.pt.Map(m.vaddrOf(idx), paddr, pteFlags(m.flags, writable))
}

func pteFlags(flags MMUFlags, writable bool) MMUFlags {
	flags |= MMUUser
	if !writable {
		flags &^= MMUWrite
	}
	return flags
}

// invalidate drops the entries of VMO pages [first, last) that fall inside
// the mapping. They are rebuilt on the next fault.
func (m *VmMapping) invalidate(first, last uint64) {
	lo := max(first, m.firstPage())
	hi := min(last, m.firstPage()+pagesOf(m.size))
	for idx := lo; idx < hi; idx++ {
		_ = m.pt.Unmap(m.vaddrOf(idx))
	}
}

func (m *VmMapping) unmapAll() {
	for va := m.addr; va < m.end(); va += PageSize {
		_ = m.pt.Unmap(va)
	}
}

// faultLocked resolves a fault at vaddr. m.mu must be held.
func (m *VmMapping) faultLocked(vaddr VirtAddr, need MMUFlags) error {
	if m.destroyed {
		return fmt.Errorf("fault at %#x: mapping gone: %w", uint64(vaddr), zx.ErrNotFound)
	}
	if !m.flags.Contains(need &^ MMUUser) {
		faultDenials.Add(1)
		return fmt.Errorf("fault at %#x needs %s, mapping has %s: %w", uint64(vaddr), need, m.flags, zx.ErrAccessDenied)
	}
	page := VirtAddr(RoundDownPage(uint64(vaddr)))
	idx := m.firstPage() + uint64(page-m.addr)>>PageShift
	flags := m.flags
	return m.vmo.faultPage(idx, need&MMUWrite != 0, func(paddr PhysAddr, writable bool) error {
		return m.pt.Map(page, paddr, pteFlags(flags, writable))
	})
}

func (m *VmMapping) protect(flags MMUFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = flags
	m.unmapAll()
}

// destroy removes every entry and releases the VMO reference.
func (m *VmMapping) destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.unmapAll()
	m.mu.Unlock()
	m.vmo.detach(m)
}

// MappingInfo describes a mapping for inspection.
type MappingInfo struct {
	Addr      VirtAddr    `json:"addr"`
	Size      uint64      `json:"size"`
	Flags     string      `json:"flags"`
	VmoKoid   object.Koid `json:"vmo_koid"`
	VmoOffset uint64      `json:"vmo_offset"`
}

func (m *VmMapping) info() MappingInfo {
	return MappingInfo{
		Addr:      m.addr,
		Size:      m.size,
		Flags:     m.Flags().String(),
		VmoKoid:   m.vmo.ID(),
		VmoOffset: m.vmoOffset,
	}
}
