package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// PageTable is the architecture page table behind an address space. The VM
// layer never interprets entry encodings; it only maps, unmaps, and queries
// single pages.
type PageTable interface {
	// Map installs or replaces the entry for vaddr.
	Map(vaddr VirtAddr, paddr PhysAddr, flags MMUFlags) error
	// Unmap removes the entry for vaddr; zx.ErrNotFound if none exists.
	Unmap(vaddr VirtAddr) error
	Protect(vaddr VirtAddr, flags MMUFlags) error
	Query(vaddr VirtAddr) (PhysAddr, MMUFlags, error)
	// TablePhys returns the physical address identifying the table root.
	TablePhys() PhysAddr
}

type pte struct {
	paddr PhysAddr
	flags MMUFlags
}

var nextTableRoot atomic.Uint64

// SoftPageTable is a PageTable kept in a map, used for hosted address spaces.
type SoftPageTable struct {
	root PhysAddr

	mu      sync.RWMutex
	entries map[VirtAddr]pte // Protected by mu
}

// NewSoftPageTable returns an empty page table.
func NewSoftPageTable() *SoftPageTable {
	return &SoftPageTable{
		root:    PhysAddr(nextTableRoot.Add(1) << PageShift),
		entries: make(map[VirtAddr]pte),
	}
}

func checkPage(vaddr VirtAddr) error {
	if !PageAligned(uint64(vaddr)) {
		return fmt.Errorf("unaligned page address %#x: %w", uint64(vaddr), zx.ErrInvalidArgs)
	}
	return nil
}

// Map implements PageTable.
func (t *SoftPageTable) Map(vaddr VirtAddr, paddr PhysAddr, flags MMUFlags) error {
	if err := checkPage(vaddr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vaddr] = pte{paddr: paddr, flags: flags}
	return nil
}

// Unmap implements PageTable.
func (t *SoftPageTable) Unmap(vaddr VirtAddr) error {
	if err := checkPage(vaddr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[vaddr]; !ok {
		return fmt.Errorf("unmap %#x: %w", uint64(vaddr), zx.ErrNotFound)
	}
	delete(t.entries, vaddr)
	return nil
}

// Protect implements PageTable.
func (t *SoftPageTable) Protect(vaddr VirtAddr, flags MMUFlags) error {
	if err := checkPage(vaddr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vaddr]
	if !ok {
		return fmt.Errorf("protect %#x: %w", uint64(vaddr), zx.ErrNotFound)
	}
	e.flags = flags
	t.entries[vaddr] = e
	return nil
}

// Query implements PageTable.
func (t *SoftPageTable) Query(vaddr VirtAddr) (PhysAddr, MMUFlags, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[VirtAddr(RoundDownPage(uint64(vaddr)))]
	if !ok {
		return 0, 0, fmt.Errorf("query %#x: %w", uint64(vaddr), zx.ErrNotFound)
	}
	return e.paddr + PhysAddr(uint64(vaddr)&(PageSize-1)), e.flags, nil
}

// TablePhys implements PageTable.
func (t *SoftPageTable) TablePhys() PhysAddr {
	return t.root
}

// Len returns the number of installed entries.
func (t *SoftPageTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
