package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// FrameAllocator hands out physical page frames.
type FrameAllocator interface {
	// Alloc returns a zero-filled frame, or false when memory is exhausted.
	Alloc() (*Frame, bool)
}

// PhysMemory reads and writes physical memory by address.
type PhysMemory interface {
	ReadAt(paddr PhysAddr, buf []byte) error
	WriteAt(paddr PhysAddr, buf []byte) error
}

// Memory is the combination a paged VMO needs.
type Memory interface {
	FrameAllocator
	PhysMemory
}

// Frame is one owned physical page. It is returned to its pool exactly once.
type Frame struct {
	paddr    PhysAddr
	pool     *FramePool
	released atomic.Bool
}

// Addr returns the physical address of the frame.
func (f *Frame) Addr() PhysAddr {
	return f.paddr
}

// Release returns the frame to its pool. Releasing twice panics.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("frame %#x released twice", uint64(f.paddr)))
	}
	f.pool.free(f.paddr)
}

// FramePool is a hosted physical memory arena. Backing storage for a page is
// allocated on first touch.
type FramePool struct {
	base PhysAddr

	mu    sync.Mutex
	pages [][]byte // Protected by mu
	stack []uint32 // Protected by mu; free page indices
	inUse int      // Protected by mu
}

// NewFramePool creates an arena of n pages starting at base.
func NewFramePool(base PhysAddr, n int) *FramePool {
	p := &FramePool{
		base:  base,
		pages: make([][]byte, n),
		stack: make([]uint32, n),
	}
	// Lowest addresses are handed out first.
	for i := range p.stack {
		p.stack[i] = uint32(n - 1 - i)
	}
	return p
}

// Alloc implements FrameAllocator.
func (p *FramePool) Alloc() (*Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.stack) == 0 {
		return nil, false
	}
	idx := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	if p.pages[idx] == nil {
		p.pages[idx] = make([]byte, PageSize)
	} else {
		clear(p.pages[idx])
	}
	p.inUse++
	return &Frame{paddr: p.base + PhysAddr(idx)<<PageShift, pool: p}, true
}

func (p *FramePool) free(paddr PhysAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stack = append(p.stack, uint32((paddr-p.base)>>PageShift))
	p.inUse--
}

// ReadAt implements PhysMemory.
func (p *FramePool) ReadAt(paddr PhysAddr, buf []byte) error {
	return p.access(paddr, buf, false)
}

// WriteAt implements PhysMemory.
func (p *FramePool) WriteAt(paddr PhysAddr, buf []byte) error {
	return p.access(paddr, buf, true)
}

func (p *FramePool) access(paddr PhysAddr, buf []byte, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(buf) > 0 {
		if paddr < p.base || uint64(paddr-p.base)>>PageShift >= uint64(len(p.pages)) {
			return fmt.Errorf("physical address %#x outside arena: %w", uint64(paddr), zx.ErrOutOfRange)
		}
		idx := uint64(paddr-p.base) >> PageShift
		off := uint64(paddr) & (PageSize - 1)
		page := p.pages[idx]
		if page == nil {
			if !write {
				n := min(uint64(len(buf)), PageSize-off)
				clear(buf[:n])
				buf = buf[n:]
				paddr += PhysAddr(n)
				continue
			}
			page = make([]byte, PageSize)
			p.pages[idx] = page
		}
		var n int
		if write {
			n = copy(page[off:], buf)
		} else {
			n = copy(buf, page[off:])
		}
		buf = buf[n:]
		paddr += PhysAddr(n)
	}
	return nil
}

// Base returns the first physical address of the arena.
func (p *FramePool) Base() PhysAddr {
	return p.base
}

// Capacity returns the number of frames in the arena.
func (p *FramePool) Capacity() int {
	return len(p.pages)
}

// InUse returns the number of frames currently allocated.
func (p *FramePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Default arena parameters.
const (
	DefaultPhysBase  PhysAddr = 0x8000_0000
	DefaultPhysPages          = 16384
)

var (
	defaultPoolOnce sync.Once
	defaultPool     *FramePool
)

// InitFramePool sizes the process-wide arena. Only the first call has any
// effect; later calls return the arena that already exists.
func InitFramePool(pages int) *FramePool {
	defaultPoolOnce.Do(func() {
		if pages <= 0 {
			pages = DefaultPhysPages
		}
		defaultPool = NewFramePool(DefaultPhysBase, pages)
		zap.L().Info("frame pool initialized",
			zap.Int("pages", pages),
			zap.Uint64("base", uint64(DefaultPhysBase)))
	})
	return defaultPool
}

// DefaultFramePool returns the process-wide arena, creating it with default
// parameters if InitFramePool has not run.
func DefaultFramePool() *FramePool {
	return InitFramePool(DefaultPhysPages)
}
