package object

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// DefaultMaxHandles bounds a handle table unless configured otherwise.
const DefaultMaxHandles = 1 << 18

// HandleTable maps handle values to capabilities for one process. Values are
// allocated from the lowest free slot and reused after close.
type HandleTable struct {
	mu      sync.RWMutex
	slots   []*Handle // Protected by mu
	lowFree int       // Protected by mu; no free slot below this index
	count   int       // Protected by mu
	limit   int
}

// NewHandleTable creates an empty table holding at most limit handles. A
// non-positive limit selects DefaultMaxHandles.
func NewHandleTable(limit int) *HandleTable {
	if limit <= 0 {
		limit = DefaultMaxHandles
	}
	return &HandleTable{limit: limit}
}

func valueOf(slot int) HandleValue { return HandleValue(slot + 1) }

func slotOf(v HandleValue) int { return int(v) - 1 }

// allocLocked reserves the lowest free slot.
func (t *HandleTable) allocLocked() (int, error) {
	if t.count >= t.limit {
		return 0, fmt.Errorf("handle table full (%d): %w", t.limit, zx.ErrOutOfRange)
	}
	for i := t.lowFree; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			t.lowFree = i + 1
			return i, nil
		}
	}
	t.slots = append(t.slots, nil)
	t.lowFree = len(t.slots)
	return len(t.slots) - 1, nil
}

func (t *HandleTable) freeLocked(slot int) {
	t.slots[slot] = nil
	t.count--
	if slot < t.lowFree {
		t.lowFree = slot
	}
}

func (t *HandleTable) lookupLocked(v HandleValue) (*Handle, error) {
	slot := slotOf(v)
	if v == InvalidHandle || slot >= len(t.slots) || t.slots[slot] == nil {
		return nil, fmt.Errorf("handle %#x: %w", uint32(v), zx.ErrNotFound)
	}
	return t.slots[slot], nil
}

// Add installs h and returns its value.
func (t *HandleTable) Add(h *Handle) (HandleValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, err := t.allocLocked()
	if err != nil {
		return InvalidHandle, err
	}
	t.slots[slot] = h
	t.count++
	return valueOf(slot), nil
}

// AddMany installs every handle or none of them.
func (t *HandleTable) AddMany(hs []*Handle) ([]HandleValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count+len(hs) > t.limit {
		return nil, fmt.Errorf("handle table cannot take %d more: %w", len(hs), zx.ErrOutOfRange)
	}
	values := make([]HandleValue, len(hs))
	for i, h := range hs {
		slot, err := t.allocLocked()
		if err != nil {
			// Capacity was checked above.
			panic(err)
		}
		t.slots[slot] = h
		t.count++
		values[i] = valueOf(slot)
	}
	return values, nil
}

// Get returns the handle stored under v.
func (t *HandleTable) Get(v HandleValue) (*Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(v)
}

// Remove takes the handle out of the table without closing it.
func (t *HandleTable) Remove(v HandleValue) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.lookupLocked(v)
	if err != nil {
		return nil, err
	}
	t.freeLocked(slotOf(v))
	return h, nil
}

// RemoveMany takes every listed handle out of the table. All values are
// validated first; if any is unknown or repeated, nothing is removed.
func (t *HandleTable) RemoveMany(vs []HandleValue) ([]*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[HandleValue]struct{}, len(vs))
	hs := make([]*Handle, len(vs))
	for i, v := range vs {
		if _, dup := seen[v]; dup {
			return nil, fmt.Errorf("handle %#x listed twice: %w", uint32(v), zx.ErrInvalidArgs)
		}
		seen[v] = struct{}{}
		h, err := t.lookupLocked(v)
		if err != nil {
			return nil, err
		}
		hs[i] = h
	}
	for _, v := range vs {
		t.freeLocked(slotOf(v))
	}
	return hs, nil
}

// Transfer is one handle leaving a table for a message: moved out, or
// duplicated with Rights when Dup is set. Handle is what Value held when the
// transfer was checked.
type Transfer struct {
	Value  HandleValue
	Handle *Handle
	Dup    bool
	Rights Rights
}

// TakeTransfers performs ts under one lock and returns the outgoing handles
// in order. If any value no longer holds the handle it was checked against,
// nothing changes and the result is zx.ErrBadState. Moved values must be
// distinct.
func (t *HandleTable) TakeTransfers(ts []Transfer) ([]*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range ts {
		h, err := t.lookupLocked(tr.Value)
		if err != nil {
			return nil, err
		}
		if h != tr.Handle {
			return nil, fmt.Errorf("handle %#x replaced before transfer: %w", uint32(tr.Value), zx.ErrBadState)
		}
	}
	hs := make([]*Handle, len(ts))
	for i, tr := range ts {
		if !tr.Dup {
			hs[i] = tr.Handle
			continue
		}
		d, err := tr.Handle.Duplicate(tr.Rights)
		if err != nil {
			for j := range i {
				if ts[j].Dup {
					hs[j].Close()
				}
			}
			return nil, err
		}
		hs[i] = d
	}
	for _, tr := range ts {
		if !tr.Dup {
			t.freeLocked(slotOf(tr.Value))
		}
	}
	return hs, nil
}

// Close removes and closes the handle stored under v.
func (t *HandleTable) Close(v HandleValue) error {
	h, err := t.Remove(v)
	if err != nil {
		return err
	}
	h.Close()
	return nil
}

// Duplicate installs a copy of v with rights narrowed to rights.
func (t *HandleTable) Duplicate(v HandleValue, rights Rights) (HandleValue, error) {
	h, err := t.Get(v)
	if err != nil {
		return InvalidHandle, err
	}
	dup, err := h.Duplicate(rights)
	if err != nil {
		return InvalidHandle, err
	}
	nv, err := t.Add(dup)
	if err != nil {
		dup.Close()
		return InvalidHandle, err
	}
	return nv, nil
}

// Replace atomically swaps v for a new handle with rights narrowed to
// rights. v is invalid afterwards even if the new rights are rejected.
func (t *HandleTable) Replace(v HandleValue, rights Rights) (HandleValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.lookupLocked(v)
	if err != nil {
		return InvalidHandle, err
	}
	t.freeLocked(slotOf(v))

	if rights == SameRights {
		rights = h.Rights
	}
	if !h.Rights.Contains(rights) {
		h.Close()
		return InvalidHandle, fmt.Errorf("replace with %s beyond %s: %w", rights, h.Rights, zx.ErrAccessDenied)
	}
	slot, err := t.allocLocked()
	if err != nil {
		h.Close()
		return InvalidHandle, err
	}
	t.slots[slot] = &Handle{Object: h.Object, Rights: rights, done: make(chan struct{})}
	t.count++
	// The replacement inherits the counted reference of h.
	h.markClosed()
	return valueOf(slot), nil
}

// Transfer moves v into dst. The source must carry RightTransfer; on success
// the source entry is gone.
func (t *HandleTable) Transfer(v HandleValue, dst *HandleTable) (HandleValue, error) {
	t.mu.Lock()
	h, err := t.lookupLocked(v)
	if err != nil {
		t.mu.Unlock()
		return InvalidHandle, err
	}
	if !h.Rights.Contains(RightTransfer) {
		t.mu.Unlock()
		return InvalidHandle, fmt.Errorf("transfer handle %#x: %w", uint32(v), zx.ErrAccessDenied)
	}
	t.freeLocked(slotOf(v))
	t.mu.Unlock()

	nv, err := dst.Add(h)
	if err != nil {
		// Put it back where it was; the slot may have been reused, so take
		// whatever is lowest.
		if _, rerr := t.Add(h); rerr != nil {
			h.Close()
		}
		return InvalidHandle, err
	}
	return nv, nil
}

// Len returns the number of handles in the table.
func (t *HandleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for every handle in value order until fn returns false.
func (t *HandleTable) Range(fn func(HandleValue, *Handle) bool) {
	t.mu.RLock()
	snapshot := make([]*Handle, len(t.slots))
	copy(snapshot, t.slots)
	t.mu.RUnlock()

	for i, h := range snapshot {
		if h == nil {
			continue
		}
		if !fn(valueOf(i), h) {
			return
		}
	}
}

// CloseAll closes every handle and empties the table.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	hs := make([]*Handle, 0, t.count)
	for _, h := range t.slots {
		if h != nil {
			hs = append(hs, h)
		}
	}
	t.slots = nil
	t.count = 0
	t.lowFree = 0
	t.mu.Unlock()

	CloseAll(hs)
}

// GetObject returns the object behind v as a T.
func GetObject[T KernelObject](t *HandleTable, v HandleValue) (T, error) {
	obj, _, err := GetObjectAndRights[T](t, v)
	return obj, err
}

// GetObjectWithRights returns the object behind v as a T after checking that
// the handle carries every right in want.
func GetObjectWithRights[T KernelObject](t *HandleTable, v HandleValue, want Rights) (T, error) {
	obj, rights, err := GetObjectAndRights[T](t, v)
	if err != nil {
		return obj, err
	}
	if !rights.Contains(want) {
		var zero T
		return zero, fmt.Errorf("handle %#x has %s, needs %s: %w", uint32(v), rights, want, zx.ErrAccessDenied)
	}
	return obj, nil
}

// GetObjectAndRights returns the object behind v as a T with the handle's
// rights.
func GetObjectAndRights[T KernelObject](t *HandleTable, v HandleValue) (T, Rights, error) {
	var zero T
	h, err := t.Get(v)
	if err != nil {
		return zero, RightNone, err
	}
	obj, ok := h.Object.(T)
	if !ok {
		return zero, RightNone, fmt.Errorf("handle %#x is a %s: %w", uint32(v), h.Object.Type(), zx.ErrWrongType)
	}
	return obj, h.Rights, nil
}
