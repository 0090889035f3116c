package object

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// HandleValue names a handle inside one process's handle table.
type HandleValue uint32

// InvalidHandle is never returned by a handle table.
const InvalidHandle HandleValue = 0

var liveHandles atomic.Int64

// LiveHandles reports the number of open handles across all tables and
// in-flight messages.
func LiveHandles() int64 {
	return liveHandles.Load()
}

// Handle is a capability: a shared reference to a kernel object together
// with the rights it grants. A Handle lives either in exactly one handle
// table or inside exactly one in-flight message.
type Handle struct {
	Object KernelObject
	Rights Rights

	closed atomic.Bool
	done   chan struct{} // closed with the handle
}

// NewHandle creates a capability for obj and counts it against the object.
func NewHandle(obj KernelObject, rights Rights) *Handle {
	obj.base().handles.Add(1)
	liveHandles.Add(1)
	return &Handle{Object: obj, Rights: rights, done: make(chan struct{})}
}

// Done is closed when the handle is closed or replaced. Waits made through
// the handle end with SignalHandleClosed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) markClosed() bool {
	if !h.closed.CompareAndSwap(false, true) {
		return false
	}
	if h.done != nil {
		close(h.done)
	}
	return true
}

// Duplicate returns an independent handle to the same object with rights
// narrowed to rights. The source must carry RightDuplicate and rights must
// be a subset of the source rights.
func (h *Handle) Duplicate(rights Rights) (*Handle, error) {
	if !h.Rights.Contains(RightDuplicate) {
		return nil, fmt.Errorf("duplicate %s: %w", h.Object.Type(), zx.ErrAccessDenied)
	}
	if rights == SameRights {
		rights = h.Rights
	}
	if !h.Rights.Contains(rights) {
		return nil, fmt.Errorf("duplicate %s with %s beyond %s: %w", h.Object.Type(), rights, h.Rights, zx.ErrAccessDenied)
	}
	return NewHandle(h.Object, rights), nil
}

// Close drops the capability. When the object's last handle is closed, its
// OnZeroHandles hook runs. Closing a handle twice panics.
func (h *Handle) Close() {
	if !h.markClosed() {
		panic(fmt.Sprintf("handle to koid %d closed twice", h.Object.ID()))
	}
	liveHandles.Add(-1)
	n := h.Object.base().handles.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("koid %d handle count underflow", h.Object.ID()))
	}
	if n == 0 {
		zap.L().Debug("last handle closed",
			zap.Uint64("koid", uint64(h.Object.ID())),
			zap.Stringer("type", h.Object.Type()))
		if obs, ok := h.Object.(ZeroHandlesObserver); ok {
			obs.OnZeroHandles()
		}
	}
}

// HandleInfo describes a handle for inspection.
type HandleInfo struct {
	Koid        Koid
	RelatedKoid Koid
	Type        ObjType
	Rights      Rights
}

// Info returns the basic inspection record for the handle.
func (h *Handle) Info() HandleInfo {
	info := HandleInfo{
		Koid:   h.Object.ID(),
		Type:   h.Object.Type(),
		Rights: h.Rights,
	}
	if p, ok := h.Object.(Peered); ok {
		if peer, err := p.Peer(); err == nil {
			info.RelatedKoid = peer.ID()
		}
	}
	return info
}

// CloseAll closes every handle in hs.
func CloseAll(hs []*Handle) {
	for _, h := range hs {
		h.Close()
	}
}
