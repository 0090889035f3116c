package vm

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// span is an occupant of a region: a child region or a mapping.
type span interface {
	Addr() VirtAddr
	Size() uint64
}

func spanEnd(s span) VirtAddr { return s.Addr() + VirtAddr(s.Size()) }

// VmAddressRegion is a node of an address-space tree. It owns its child
// regions and mappings; children point back at it weakly.
//
// Lock order is region, then mapping, then VMO, then page table. A parent
// lock may be held while taking a child's.
type VmAddressRegion struct {
	object.Base

	addr   VirtAddr
	size   uint64
	flags  VmarFlags
	parent weak.Pointer[VmAddressRegion]
	pt     PageTable
	mem    PhysMemory

	mu        sync.Mutex
	entries   []span // Protected by mu; sorted by address, disjoint
	destroyed bool   // Protected by mu
}

// NewRootVmar creates the root region of an address space over pt.
func NewRootVmar(addr VirtAddr, size uint64, pt PageTable, mem PhysMemory) *VmAddressRegion {
	r := &VmAddressRegion{
		addr:  addr,
		size:  size,
		flags: VmarCanMapMask,
		pt:    pt,
		mem:   mem,
	}
	r.InitBase(object.SignalNone)
	return r
}

// NewUserAspace creates a root region spanning the user address space, with
// a fresh software page table over mem.
func NewUserAspace(mem PhysMemory) *VmAddressRegion {
	return NewRootVmar(UserAspaceBase, UserAspaceSize, NewSoftPageTable(), mem)
}

// Type implements object.KernelObject.
func (r *VmAddressRegion) Type() object.ObjType {
	return object.TypeVmar
}

// Addr returns the base address.
func (r *VmAddressRegion) Addr() VirtAddr { return r.addr }

// Size returns the length in bytes.
func (r *VmAddressRegion) Size() uint64 { return r.size }

// Flags returns the CAN_MAP flags granted to the region.
func (r *VmAddressRegion) Flags() VmarFlags { return r.flags }

// Parent returns the enclosing region, or nil for a root or orphan.
func (r *VmAddressRegion) Parent() *VmAddressRegion { return r.parent.Value() }

// PageTable returns the page table of the address space.
func (r *VmAddressRegion) PageTable() PageTable { return r.pt }

func (r *VmAddressRegion) end() VirtAddr { return r.addr + VirtAddr(r.size) }

// Destroyed reports whether Destroy has run.
func (r *VmAddressRegion) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *VmAddressRegion) badState() error {
	return fmt.Errorf("vmar %d destroyed: %w", r.ID(), zx.ErrBadState)
}

func checkLength(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero length: %w", zx.ErrInvalidArgs)
	}
	rounded, ok := RoundUpPage(size)
	if !ok {
		return 0, fmt.Errorf("length %#x: %w", size, zx.ErrInvalidArgs)
	}
	return rounded, nil
}

func checkAlign(align uint64) (uint64, error) {
	if align == 0 {
		return PageSize, nil
	}
	if align < PageSize || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x: %w", align, zx.ErrInvalidArgs)
	}
	return align, nil
}

func alignUp(v VirtAddr, align uint64) (VirtAddr, bool) {
	r := (uint64(v) + align - 1) &^ (align - 1)
	return VirtAddr(r), r >= uint64(v)
}

// searchLocked returns the index of the first entry ending after addr.
func (r *VmAddressRegion) searchLocked(addr VirtAddr) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return spanEnd(r.entries[i]) > addr
	})
}

func (r *VmAddressRegion) overlapsLocked(addr VirtAddr, size uint64) bool {
	i := r.searchLocked(addr)
	return i < len(r.entries) && r.entries[i].Addr() < addr+VirtAddr(size)
}

// placeLocked picks the address of a new occupant: at offset when specific,
// else the first gap that fits.
func (r *VmAddressRegion) placeLocked(specific bool, offset, size, align uint64) (VirtAddr, error) {
	if specific {
		if !PageAligned(offset) {
			return 0, fmt.Errorf("offset %#x: %w", offset, zx.ErrInvalidArgs)
		}
		if offset > r.size || size > r.size-offset {
			return 0, fmt.Errorf("[%#x, +%#x) outside vmar of size %#x: %w", offset, size, r.size, zx.ErrInvalidArgs)
		}
		addr := r.addr + VirtAddr(offset)
		if r.overlapsLocked(addr, size) {
			return 0, fmt.Errorf("[%#x, +%#x) overlaps an existing occupant: %w", uint64(addr), size, zx.ErrInvalidArgs)
		}
		return addr, nil
	}

	cursor := r.addr
	for _, e := range r.entries {
		if c, ok := alignUp(cursor, align); ok && c <= e.Addr() && uint64(e.Addr()-c) >= size {
			return c, nil
		}
		cursor = spanEnd(e)
	}
	if c, ok := alignUp(cursor, align); ok && c <= r.end() && uint64(r.end()-c) >= size {
		return c, nil
	}
	return 0, fmt.Errorf("no gap of %#x in vmar %d: %w", size, r.ID(), zx.ErrNotFound)
}

func (r *VmAddressRegion) insertLocked(s span) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Addr() >= s.Addr()
	})
	r.entries = slices.Insert(r.entries, i, s)
}

func (r *VmAddressRegion) removeLocked(s span) {
	if i := slices.Index(r.entries, s); i >= 0 {
		r.entries = slices.Delete(r.entries, i, i+1)
	}
}

// Allocate creates a child region of size bytes at the first suitably
// aligned gap. The child may map at most flags ∩ r.Flags().
func (r *VmAddressRegion) Allocate(size uint64, flags VmarFlags, align uint64) (*VmAddressRegion, error) {
	return r.allocate(false, 0, size, flags, align)
}

// AllocateAt creates a child region at offset bytes from r's base.
func (r *VmAddressRegion) AllocateAt(offset, size uint64, flags VmarFlags) (*VmAddressRegion, error) {
	return r.allocate(true, offset, size, flags, PageSize)
}

func (r *VmAddressRegion) allocate(specific bool, offset, size uint64, flags VmarFlags, align uint64) (*VmAddressRegion, error) {
	size, err := checkLength(size)
	if err != nil {
		return nil, err
	}
	if align, err = checkAlign(align); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, r.badState()
	}
	addr, err := r.placeLocked(specific, offset, size, align)
	if err != nil {
		return nil, err
	}
	child := &VmAddressRegion{
		addr:   addr,
		size:   size,
		flags:  flags & r.flags & VmarCanMapMask,
		parent: weak.Make(r),
		pt:     r.pt,
		mem:    r.mem,
	}
	child.InitBase(object.SignalNone)
	r.insertLocked(child)
	return child, nil
}

// Map maps [vmoOffset, vmoOffset+length) of vmo at the first free gap and
// returns the address. flags must be allowed by the region.
func (r *VmAddressRegion) Map(vmo *VmObject, vmoOffset, length uint64, flags MMUFlags) (VirtAddr, error) {
	return r.mapVmo(false, 0, vmo, vmoOffset, length, flags)
}

// MapAt maps at offset bytes from r's base.
func (r *VmAddressRegion) MapAt(offset uint64, vmo *VmObject, vmoOffset, length uint64, flags MMUFlags) (VirtAddr, error) {
	return r.mapVmo(true, offset, vmo, vmoOffset, length, flags)
}

func (r *VmAddressRegion) mapVmo(specific bool, offset uint64, vmo *VmObject, vmoOffset, length uint64, flags MMUFlags) (VirtAddr, error) {
	if !PageAligned(vmoOffset) {
		return 0, fmt.Errorf("vmo offset %#x: %w", vmoOffset, zx.ErrInvalidArgs)
	}
	length, err := checkLength(length)
	if err != nil {
		return 0, err
	}
	flags &^= MMUUser
	if !r.flags.MMU().Contains(flags) {
		return 0, fmt.Errorf("map %s in vmar allowing %s: %w", flags, r.flags, zx.ErrAccessDenied)
	}
	if end := vmoOffset + length; end < vmoOffset || end > vmo.Len() {
		return 0, fmt.Errorf("vmo range [%#x, +%#x) beyond size: %w", vmoOffset, length, zx.ErrInvalidArgs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return 0, r.badState()
	}
	addr, err := r.placeLocked(specific, offset, length, PageSize)
	if err != nil {
		return 0, err
	}
	m := &VmMapping{
		addr:      addr,
		size:      length,
		vmo:       vmo,
		vmoOffset: vmoOffset,
		region:    weak.Make(r),
		pt:        r.pt,
		flags:     flags,
	}
	if err := vmo.attach(m); err != nil {
		return 0, err
	}
	r.insertLocked(m)
	zap.L().Debug("vmo mapped",
		zap.Uint64("vmar", uint64(r.ID())),
		zap.Uint64("vmo", uint64(vmo.ID())),
		zap.Uint64("addr", uint64(addr)),
		zap.Uint64("len", length),
		zap.Stringer("flags", flags))
	return addr, nil
}

// collectLocked gathers the mappings inside [addr, addr+length). When the
// range lies inside a single child region it returns that child instead.
// Every touched mapping must lie wholly inside the range.
func (r *VmAddressRegion) collectLocked(addr VirtAddr, length uint64) ([]*VmMapping, *VmAddressRegion, error) {
	end := addr + VirtAddr(length)
	if addr < r.addr || end > r.end() || end < addr {
		return nil, nil, fmt.Errorf("[%#x, +%#x) outside vmar %d: %w", uint64(addr), length, r.ID(), zx.ErrInvalidArgs)
	}
	var victims []*VmMapping
	for i := r.searchLocked(addr); i < len(r.entries) && r.entries[i].Addr() < end; i++ {
		switch e := r.entries[i].(type) {
		case *VmAddressRegion:
			if e.addr <= addr && end <= e.end() {
				return nil, e, nil
			}
			return nil, nil, fmt.Errorf("range crosses child vmar %d: %w", e.ID(), zx.ErrInvalidArgs)
		case *VmMapping:
			if e.addr < addr || e.end() > end {
				return nil, nil, fmt.Errorf("range splits mapping [%#x, +%#x): %w", uint64(e.addr), e.size, zx.ErrInvalidArgs)
			}
			victims = append(victims, e)
		}
	}
	return victims, nil, nil
}

// Unmap removes every mapping inside [addr, addr+length). Partial unmapping
// of a mapping is rejected with zx.ErrInvalidArgs and leaves everything in
// place. A range inside a child region is forwarded to it.
func (r *VmAddressRegion) Unmap(addr VirtAddr, length uint64) error {
	if !PageAligned(uint64(addr)) {
		return fmt.Errorf("unmap at %#x: %w", uint64(addr), zx.ErrInvalidArgs)
	}
	length, err := checkLength(length)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return r.badState()
	}
	victims, child, err := r.collectLocked(addr, length)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if child != nil {
		r.mu.Unlock()
		return child.Unmap(addr, length)
	}
	for _, m := range victims {
		r.removeLocked(m)
		m.destroy()
	}
	r.mu.Unlock()
	return nil
}

// Protect changes the permissions of every mapping inside [addr,
// addr+length). The same whole-mapping rule as Unmap applies; at least one
// mapping must be covered.
func (r *VmAddressRegion) Protect(addr VirtAddr, length uint64, flags MMUFlags) error {
	if !PageAligned(uint64(addr)) {
		return fmt.Errorf("protect at %#x: %w", uint64(addr), zx.ErrInvalidArgs)
	}
	length, err := checkLength(length)
	if err != nil {
		return err
	}
	flags &^= MMUUser

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return r.badState()
	}
	victims, child, err := r.collectLocked(addr, length)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if child != nil {
		r.mu.Unlock()
		return child.Protect(addr, length, flags)
	}
	defer r.mu.Unlock()
	if !r.flags.MMU().Contains(flags) {
		return fmt.Errorf("protect %s in vmar allowing %s: %w", flags, r.flags, zx.ErrAccessDenied)
	}
	if len(victims) == 0 {
		return fmt.Errorf("no mapping at %#x: %w", uint64(addr), zx.ErrNotFound)
	}
	for _, m := range victims {
		m.protect(flags)
	}
	return nil
}

// HandlePageFault resolves a fault at vaddr needing the given permissions:
// it finds the covering mapping, checks its flags, commits the page through
// the VMO, and installs the entry.
func (r *VmAddressRegion) HandlePageFault(vaddr VirtAddr, need MMUFlags) error {
	pageFaults.Add(1)

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return r.badState()
	}
	i := r.searchLocked(vaddr)
	if i == len(r.entries) || r.entries[i].Addr() > vaddr {
		r.mu.Unlock()
		return fmt.Errorf("no mapping at %#x: %w", uint64(vaddr), zx.ErrNotFound)
	}
	switch e := r.entries[i].(type) {
	case *VmAddressRegion:
		r.mu.Unlock()
		return e.HandlePageFault(vaddr, need)
	case *VmMapping:
		e.mu.Lock()
		r.mu.Unlock()
		defer e.mu.Unlock()
		err := e.faultLocked(vaddr, need)
		if err != nil {
			zap.L().Warn("page fault failed",
				zap.Uint64("vaddr", uint64(vaddr)),
				zap.Stringer("need", need),
				zap.Error(err))
		}
		return err
	default:
		r.mu.Unlock()
		return fmt.Errorf("vmar %d: corrupt entry: %w", r.ID(), zx.ErrInternal)
	}
}

// Destroy tears down every descendant and removes r from its parent. Later
// operations on r fail with zx.ErrBadState.
func (r *VmAddressRegion) Destroy() error {
	if err := r.destroyTree(); err != nil {
		return err
	}
	if p := r.parent.Value(); p != nil {
		p.mu.Lock()
		p.removeLocked(r)
		p.mu.Unlock()
	}
	return nil
}

func (r *VmAddressRegion) destroyTree() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return r.badState()
	}
	r.destroyed = true
	entries := r.entries
	r.entries = nil
	for _, e := range entries {
		switch e := e.(type) {
		case *VmAddressRegion:
			_ = e.destroyTree()
		case *VmMapping:
			e.destroy()
		}
	}
	r.mu.Unlock()
	r.Cancel()
	return nil
}

// ReadMemory copies len(buf) bytes from the address space at vaddr,
// faulting pages in as needed.
func (r *VmAddressRegion) ReadMemory(vaddr VirtAddr, buf []byte) error {
	return r.access(vaddr, buf, MMURead)
}

// WriteMemory copies buf into the address space at vaddr.
func (r *VmAddressRegion) WriteMemory(vaddr VirtAddr, buf []byte) error {
	return r.access(vaddr, buf, MMUWrite)
}

func (r *VmAddressRegion) access(vaddr VirtAddr, buf []byte, need MMUFlags) error {
	if end := vaddr + VirtAddr(len(buf)); end < vaddr {
		return fmt.Errorf("user range at %#x wraps: %w", uint64(vaddr), zx.ErrInvalidArgs)
	}
	for len(buf) > 0 {
		page := VirtAddr(RoundDownPage(uint64(vaddr)))
		off := uint64(vaddr - page)
		n := min(uint64(len(buf)), PageSize-off)
		paddr, err := r.translate(page, need)
		if err != nil {
			return err
		}
		if need == MMUWrite {
			err = r.mem.WriteAt(paddr+PhysAddr(off), buf[:n])
		} else {
			err = r.mem.ReadAt(paddr+PhysAddr(off), buf[:n])
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		vaddr += VirtAddr(n)
	}
	return nil
}

// translate returns the frame behind page, faulting it in when the entry is
// missing or lacks need. A concurrent invalidation can remove the entry
// between fault and query, so this retries a few times.
func (r *VmAddressRegion) translate(page VirtAddr, need MMUFlags) (PhysAddr, error) {
	const attempts = 4
	for i := 0; i < attempts; i++ {
		paddr, flags, err := r.pt.Query(page)
		if err == nil && flags.Contains(need) {
			return paddr, nil
		}
		if err := r.HandlePageFault(page, need); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("page %#x keeps disappearing: %w", uint64(page), zx.ErrBadState)
}

// VmarInfo describes a region subtree for inspection.
type VmarInfo struct {
	Koid     object.Koid   `json:"koid"`
	Addr     VirtAddr      `json:"addr"`
	Size     uint64        `json:"size"`
	Flags    string        `json:"flags"`
	Regions  []VmarInfo    `json:"regions,omitempty"`
	Mappings []MappingInfo `json:"mappings,omitempty"`
}

// Info returns a snapshot of the subtree rooted at r.
func (r *VmAddressRegion) Info() VmarInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := VmarInfo{
		Koid:  r.ID(),
		Addr:  r.addr,
		Size:  r.size,
		Flags: r.flags.String(),
	}
	for _, e := range r.entries {
		switch e := e.(type) {
		case *VmAddressRegion:
			info.Regions = append(info.Regions, e.Info())
		case *VmMapping:
			info.Mappings = append(info.Mappings, e.info())
		}
	}
	return info
}

// FindMapping returns the mapping covering vaddr anywhere below r.
func (r *VmAddressRegion) FindMapping(vaddr VirtAddr) (*VmMapping, error) {
	r.mu.Lock()
	i := r.searchLocked(vaddr)
	if r.destroyed || i == len(r.entries) || r.entries[i].Addr() > vaddr {
		r.mu.Unlock()
		return nil, fmt.Errorf("no mapping at %#x: %w", uint64(vaddr), zx.ErrNotFound)
	}
	e := r.entries[i]
	r.mu.Unlock()
	if child, ok := e.(*VmAddressRegion); ok {
		return child.FindMapping(vaddr)
	}
	return e.(*VmMapping), nil
}
