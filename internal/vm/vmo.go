package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

type vmoKind uint8

const (
	kindPaged vmoKind = iota
	kindPhysical
)

func (k vmoKind) String() string {
	if k == kindPhysical {
		return "physical"
	}
	return "paged"
}

// pageNode holds the frames of one paged VMO, or the frozen frames of a
// hidden copy-on-write parent shared by two nodes. A present entry with a nil
// frame is an explicit zero page that hides whatever an ancestor holds.
//
// All nodes of one clone family are guarded by the family lock shared by
// their VMOs.
type pageNode struct {
	frames       map[uint64]*Frame
	parent       *pageNode
	parentOffset uint64 // in pages
	parentLimit  uint64 // pages [0, parentLimit) fall through to parent

	// Live child nodes. Only hidden nodes have children, exactly two while
	// both sides are alive, and a hidden node is never written once created.
	children []*pageNode
}

func newPageNode() *pageNode {
	return &pageNode{frames: make(map[uint64]*Frame)}
}

// lookup finds the frame backing page idx. owned reports whether the entry
// (frame or explicit zero) belongs to n itself.
func (n *pageNode) lookup(idx uint64) (f *Frame, owned bool) {
	for node := n; node != nil; node = node.parent {
		if f, ok := node.frames[idx]; ok {
			return f, node == n
		}
		if node.parent == nil || idx >= node.parentLimit {
			break
		}
		idx += node.parentOffset
	}
	return nil, false
}

func (n *pageNode) inherits(idx uint64) bool {
	return n.parent != nil && idx < n.parentLimit
}

// replaceChild swaps old for with among n's children.
func (n *pageNode) replaceChild(old, with *pageNode) {
	for i, c := range n.children {
		if c == old {
			n.children[i] = with
			return
		}
	}
	panic("vm: page node missing from its parent")
}

func (n *pageNode) removeChild(old *pageNode) {
	for i, c := range n.children {
		if c == old {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
	panic("vm: page node missing from its parent")
}

// release frees n's frames and detaches it from its hidden parent. A hidden
// parent left with one child is folded into that child; one left with none
// is released in turn.
func (n *pageNode) release() {
	for node := n; node != nil; {
		for _, f := range node.frames {
			if f != nil {
				f.Release()
			}
		}
		node.frames = nil
		p := node.parent
		node.parent = nil
		if p == nil {
			return
		}
		p.removeChild(node)
		switch len(p.children) {
		case 0:
			node = p
		case 1:
			p.children[0].collapse()
			return
		default:
			return
		}
	}
}

// collapse merges n's hidden parent, which has no other child, into n. Frames
// n can see move into n unless n already has its own entry; the rest are
// freed. n then hangs directly off its grandparent.
func (n *pageNode) collapse() {
	p := n.parent
	for pidx, f := range p.frames {
		idx := pidx - n.parentOffset
		if pidx < n.parentOffset || idx >= n.parentLimit {
			if f != nil {
				f.Release()
			}
			continue
		}
		if _, ok := n.frames[idx]; ok {
			if f != nil {
				f.Release()
			}
			continue
		}
		n.frames[idx] = f
	}
	p.frames = nil
	p.children = nil

	gp := p.parent
	p.parent = nil
	var limit uint64
	if gp != nil && p.parentLimit > n.parentOffset {
		limit = min(n.parentLimit, p.parentLimit-n.parentOffset)
	}
	if limit > 0 {
		n.parent = gp
		n.parentOffset += p.parentOffset
		n.parentLimit = limit
		gp.replaceChild(p, n)
		return
	}
	n.parent, n.parentOffset, n.parentLimit = nil, 0, 0
	if gp == nil {
		return
	}
	// n no longer sees anything of gp.
	gp.removeChild(p)
	switch len(gp.children) {
	case 0:
		gp.release()
	case 1:
		gp.children[0].collapse()
	}
}

// VmObject is a memory object: either paged (lazily committed frames with
// copy-on-write children) or physical (a fixed contiguous range).
type VmObject struct {
	object.Base

	kind  vmoKind
	clone bool
	alloc FrameAllocator
	mem   PhysMemory

	// Owning references: one for the handle set (or the creator) plus one per
	// mapping. Frames are freed when it reaches zero.
	refs atomic.Int32

	// mu is shared by a VMO and every clone created from it, so the page
	// nodes of the family change under one lock.
	mu       *sync.Mutex
	size     uint64                    // Protected by mu; page multiple
	node     *pageNode                 // Protected by mu; nil once freed
	mappings []weak.Pointer[VmMapping] // Protected by mu

	paddr  PhysAddr
	dataMu sync.Mutex // serializes physical reads and writes
}

// NewPaged creates a paged VMO of size bytes backed by the default frame pool.
func NewPaged(size uint64) (*VmObject, error) {
	return NewPagedWith(DefaultFramePool(), size)
}

// NewPagedWith creates a paged VMO backed by mem. size is rounded up to a
// page multiple. The returned reference is owned by the caller and passes to
// the handle set once the VMO is wrapped in a handle.
func NewPagedWith(mem Memory, size uint64) (*VmObject, error) {
	rounded, ok := RoundUpPage(size)
	if !ok {
		return nil, fmt.Errorf("vmo size %d: %w", size, zx.ErrOutOfRange)
	}
	v := &VmObject{
		kind:  kindPaged,
		alloc: mem,
		mem:   mem,
		mu:    new(sync.Mutex),
		size:  rounded,
		node:  newPageNode(),
	}
	v.InitBase(object.SignalNone)
	v.refs.Store(1)
	return v, nil
}

// NewPhysical creates a VMO over [paddr, paddr+pages*PageSize) of the default
// frame pool.
func NewPhysical(paddr PhysAddr, pages uint64) (*VmObject, error) {
	return NewPhysicalWith(DefaultFramePool(), paddr, pages)
}

// NewPhysicalWith creates a VMO over a fixed physical range of mem. The caller
// guarantees the range is not owned by anything else.
func NewPhysicalWith(mem PhysMemory, paddr PhysAddr, pages uint64) (*VmObject, error) {
	if !PageAligned(uint64(paddr)) {
		return nil, fmt.Errorf("physical vmo at %#x: %w", uint64(paddr), zx.ErrInvalidArgs)
	}
	if pages > (1<<52)-1 {
		return nil, fmt.Errorf("physical vmo of %d pages: %w", pages, zx.ErrOutOfRange)
	}
	v := &VmObject{
		kind:  kindPhysical,
		mem:   mem,
		mu:    new(sync.Mutex),
		size:  pages << PageShift,
		paddr: paddr,
	}
	v.InitBase(object.SignalNone)
	v.refs.Store(1)
	return v, nil
}

// Type implements object.KernelObject.
func (v *VmObject) Type() object.ObjType {
	return object.TypeVmo
}

// IsPaged reports whether the VMO owns its frames.
func (v *VmObject) IsPaged() bool {
	return v.kind == kindPaged
}

// Len returns the size in bytes.
func (v *VmObject) Len() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// OnZeroHandles drops the reference held by the handle set.
func (v *VmObject) OnZeroHandles() {
	v.unref()
}

// Release drops the creator's reference of a VMO that was never wrapped in a
// handle.
func (v *VmObject) Release() {
	v.unref()
}

func (v *VmObject) ref() {
	v.refs.Add(1)
}

func (v *VmObject) unref() {
	n := v.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("vmo %d reference underflow", v.ID()))
	}
	if n > 0 {
		return
	}
	v.mu.Lock()
	if v.node != nil {
		v.node.release()
		v.node = nil
	}
	v.mappings = nil
	v.mu.Unlock()
	v.Cancel()
	zap.L().Debug("vmo freed", zap.Uint64("koid", uint64(v.ID())))
}

func (v *VmObject) checkLocked(offset uint64, n int) error {
	if v.kind == kindPaged && v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	end := offset + uint64(n)
	if end < offset || end > v.size {
		return fmt.Errorf("vmo %d range [%#x, +%#x) beyond size %#x: %w", v.ID(), offset, n, v.size, zx.ErrInvalidArgs)
	}
	return nil
}

// Read copies len(buf) bytes starting at offset. Uncommitted pages read as
// zero.
func (v *VmObject) Read(offset uint64, buf []byte) error {
	if v.kind == kindPhysical {
		if err := v.checkPhysical(offset, len(buf)); err != nil {
			return err
		}
		v.dataMu.Lock()
		defer v.dataMu.Unlock()
		return v.mem.ReadAt(v.paddr+PhysAddr(offset), buf)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkLocked(offset, len(buf)); err != nil {
		return err
	}
	for len(buf) > 0 {
		off := offset & (PageSize - 1)
		n := min(uint64(len(buf)), PageSize-off)
		f, _ := v.node.lookup(offset >> PageShift)
		if f == nil {
			clear(buf[:n])
		} else if err := v.mem.ReadAt(f.Addr()+PhysAddr(off), buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		offset += n
	}
	return nil
}

// Write copies buf into the VMO starting at offset, committing (and breaking
// copy-on-write sharing of) every page it touches.
func (v *VmObject) Write(offset uint64, buf []byte) error {
	if v.kind == kindPhysical {
		if err := v.checkPhysical(offset, len(buf)); err != nil {
			return err
		}
		v.dataMu.Lock()
		defer v.dataMu.Unlock()
		return v.mem.WriteAt(v.paddr+PhysAddr(offset), buf)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkLocked(offset, len(buf)); err != nil {
		return err
	}
	for len(buf) > 0 {
		off := offset & (PageSize - 1)
		n := min(uint64(len(buf)), PageSize-off)
		f, _, err := v.commitLocked(offset>>PageShift, true)
		if err != nil {
			return err
		}
		if err := v.mem.WriteAt(f.Addr()+PhysAddr(off), buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		offset += n
	}
	return nil
}

func (v *VmObject) checkPhysical(offset uint64, n int) error {
	end := offset + uint64(n)
	if end < offset || end > v.size {
		return fmt.Errorf("vmo %d range [%#x, +%#x) beyond size %#x: %w", v.ID(), offset, n, v.size, zx.ErrInvalidArgs)
	}
	return nil
}

// commitLocked returns the frame for page idx. A read may share an
// ancestor's frame (owned == false); a write, or a page nobody holds, gets a
// private frame, copying the ancestor's content when there is one.
func (v *VmObject) commitLocked(idx uint64, write bool) (f *Frame, owned bool, err error) {
	f, owned = v.node.lookup(idx)
	if f != nil && (owned || !write) {
		return f, owned, nil
	}
	nf, ok := v.alloc.Alloc()
	if !ok {
		return nil, false, fmt.Errorf("commit vmo %d page %d: %w", v.ID(), idx, zx.ErrNoMemory)
	}
	if f != nil {
		var page [PageSize]byte
		if err := v.mem.ReadAt(f.Addr(), page[:]); err != nil {
			nf.Release()
			return nil, false, err
		}
		if err := v.mem.WriteAt(nf.Addr(), page[:]); err != nil {
			nf.Release()
			return nil, false, err
		}
		cowCopies.Add(1)
		// Mappings may still point at the shared frame.
		v.invalidateLocked(idx, idx+1)
	}
	v.node.frames[idx] = nf
	return nf, true, nil
}

func (v *VmObject) pageRange(offset, length uint64) (first, last uint64, err error) {
	end := offset + length
	if end < offset || end > v.size {
		return 0, 0, fmt.Errorf("vmo %d range [%#x, +%#x) beyond size %#x: %w", v.ID(), offset, length, v.size, zx.ErrOutOfRange)
	}
	last, _ = RoundUpPage(end)
	return RoundDownPage(offset) >> PageShift, last >> PageShift, nil
}

// Commit allocates private frames for every page in [offset, offset+length).
func (v *VmObject) Commit(offset, length uint64) error {
	if v.kind == kindPhysical {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	first, last, err := v.pageRange(offset, length)
	if err != nil {
		return err
	}
	for idx := first; idx < last; idx++ {
		if _, _, err := v.commitLocked(idx, true); err != nil {
			return err
		}
	}
	return nil
}

// Decommit releases the frames in [offset, offset+length). Later reads of
// those pages return zero, including in a copy-on-write child.
func (v *VmObject) Decommit(offset, length uint64) error {
	if v.kind == kindPhysical {
		return fmt.Errorf("decommit physical vmo %d: %w", v.ID(), zx.ErrNotSupported)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	first, last, err := v.pageRange(offset, length)
	if err != nil {
		return err
	}
	for idx := first; idx < last; idx++ {
		if f := v.node.frames[idx]; f != nil {
			f.Release()
		}
		if v.node.inherits(idx) {
			v.node.frames[idx] = nil
		} else {
			delete(v.node.frames, idx)
		}
	}
	v.invalidateLocked(first, last)
	return nil
}

// CreateChild returns a copy-on-write clone of [offset, offset+size). Pages
// of the clone past the end of this VMO read as zero. Writes on either side
// are never observed by the other.
func (v *VmObject) CreateChild(offset, size uint64) (*VmObject, error) {
	if v.kind == kindPhysical {
		return nil, fmt.Errorf("clone physical vmo %d: %w", v.ID(), zx.ErrNotSupported)
	}
	if !PageAligned(offset) {
		return nil, fmt.Errorf("clone offset %#x: %w", offset, zx.ErrInvalidArgs)
	}
	rounded, ok := RoundUpPage(size)
	if !ok {
		return nil, fmt.Errorf("clone size %d: %w", size, zx.ErrOutOfRange)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.node == nil {
		return nil, fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}

	// Freeze the current content in a hidden node shared by both sides.
	hidden := &pageNode{
		frames:       v.node.frames,
		parent:       v.node.parent,
		parentOffset: v.node.parentOffset,
		parentLimit:  v.node.parentLimit,
	}
	if hidden.parent != nil {
		hidden.parent.replaceChild(v.node, hidden)
	}
	pages := pagesOf(v.size)
	v.node.frames = make(map[uint64]*Frame)
	v.node.parent = hidden
	v.node.parentOffset = 0
	v.node.parentLimit = pages

	start := offset >> PageShift
	var visible uint64
	if start < pages {
		visible = pages - start
	}
	childNode := newPageNode()
	childNode.parent = hidden
	childNode.parentOffset = start
	childNode.parentLimit = min(visible, pagesOf(rounded))
	hidden.children = []*pageNode{v.node, childNode}

	// Writable entries now point at frozen frames.
	v.invalidateLocked(0, pages)

	child := &VmObject{
		kind:  kindPaged,
		clone: true,
		alloc: v.alloc,
		mem:   v.mem,
		mu:    v.mu,
		size:  rounded,
		node:  childNode,
	}
	child.InitBase(object.SignalNone)
	child.refs.Store(1)
	zap.L().Debug("vmo cloned",
		zap.Uint64("koid", uint64(v.ID())),
		zap.Uint64("child", uint64(child.ID())),
		zap.Uint64("offset", offset),
		zap.Uint64("size", rounded))
	return child, nil
}

// SetLen resizes a paged VMO. Frames past the new end are released and the
// pages read as zero if the VMO grows again.
func (v *VmObject) SetLen(size uint64) error {
	if v.kind == kindPhysical {
		return fmt.Errorf("resize physical vmo %d: %w", v.ID(), zx.ErrNotSupported)
	}
	rounded, ok := RoundUpPage(size)
	if !ok {
		return fmt.Errorf("vmo size %d: %w", size, zx.ErrOutOfRange)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	newPages, oldPages := pagesOf(rounded), pagesOf(v.size)
	if newPages < oldPages {
		for idx, f := range v.node.frames {
			if idx < newPages {
				continue
			}
			if f != nil {
				f.Release()
			}
			delete(v.node.frames, idx)
		}
		if v.node.parentLimit > newPages {
			v.node.parentLimit = newPages
		}
		v.invalidateLocked(newPages, oldPages)
	}
	v.size = rounded
	return nil
}

// CommitPage commits page idx and returns its physical address. For a
// physical VMO it is pure arithmetic.
func (v *VmObject) CommitPage(idx uint64, write bool) (PhysAddr, error) {
	var paddr PhysAddr
	err := v.faultPage(idx, write, func(p PhysAddr, _ bool) error {
		paddr = p
		return nil
	})
	return paddr, err
}

// faultPage commits page idx and calls install with its address while the
// VMO lock is held, so a concurrent copy-on-write break cannot leave a stale
// entry behind. writable is false when the frame is shared with a clone.
func (v *VmObject) faultPage(idx uint64, write bool, install func(paddr PhysAddr, writable bool) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if idx >= pagesOf(v.size) {
		return fmt.Errorf("vmo %d page %d beyond size: %w", v.ID(), idx, zx.ErrOutOfRange)
	}
	if v.kind == kindPhysical {
		return install(v.paddr+PhysAddr(idx<<PageShift), true)
	}
	if v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	f, owned, err := v.commitLocked(idx, write)
	if err != nil {
		return err
	}
	return install(f.Addr(), owned)
}

// attach records m as a mapping of v and installs entries for the pages v
// already owns. On success the mapping holds a reference to v.
func (v *VmObject) attach(m *VmMapping) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.kind == kindPaged && v.node == nil {
		return fmt.Errorf("vmo %d: %w", v.ID(), zx.ErrBadState)
	}
	first := m.vmoOffset >> PageShift
	last := first + pagesOf(m.size)
	if err := v.populateLocked(m, first, last); err != nil {
		m.unmapAll()
		return err
	}
	v.mappings = append(v.mappings, weak.Make(m))
	v.ref()
	return nil
}

func (v *VmObject) populateLocked(m *VmMapping, first, last uint64) error {
	if v.kind == kindPhysical {
		for idx := first; idx < last && idx < pagesOf(v.size); idx++ {
			if err := m.install(idx, v.paddr+PhysAddr(idx<<PageShift), true); err != nil {
				return err
			}
		}
		return nil
	}
	// Pages inherited from a clone parent are left to the fault path.
	for idx, f := range v.node.frames {
		if f == nil || idx < first || idx >= last {
			continue
		}
		if err := m.install(idx, f.Addr(), true); err != nil {
			return err
		}
	}
	return nil
}

// detach forgets m and drops the reference it held.
func (v *VmObject) detach(m *VmMapping) {
	v.mu.Lock()
	kept := v.mappings[:0]
	for _, wp := range v.mappings {
		if x := wp.Value(); x != nil && x != m {
			kept = append(kept, wp)
		}
	}
	clear(v.mappings[len(kept):])
	v.mappings = kept
	v.mu.Unlock()
	v.unref()
}

func (v *VmObject) invalidateLocked(first, last uint64) {
	for _, wp := range v.mappings {
		if m := wp.Value(); m != nil {
			m.invalidate(first, last)
		}
	}
}

// CommittedBytes returns the bytes of memory the VMO owns privately.
func (v *VmObject) CommittedBytes() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == kindPhysical {
		return v.size
	}
	if v.node == nil {
		return 0
	}
	var n uint64
	for _, f := range v.node.frames {
		if f != nil {
			n += PageSize
		}
	}
	return n
}

// VmoInfo describes a VMO for inspection.
type VmoInfo struct {
	Koid      object.Koid `json:"koid"`
	Name      string      `json:"name,omitempty"`
	Kind      string      `json:"kind"`
	Size      uint64      `json:"size"`
	Committed uint64      `json:"committed"`
	Mappings  int         `json:"mappings"`
	IsClone   bool        `json:"is_clone"`
}

// Info returns a snapshot of the VMO.
func (v *VmObject) Info() VmoInfo {
	committed := v.CommittedBytes()
	v.mu.Lock()
	defer v.mu.Unlock()
	info := VmoInfo{
		Koid:      v.ID(),
		Name:      v.Name(),
		Kind:      v.kind.String(),
		Size:      v.size,
		Committed: committed,
		IsClone:   v.clone,
	}
	for _, wp := range v.mappings {
		if wp.Value() != nil {
			info.Mappings++
		}
	}
	return info
}
