package object

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// KernelObject is implemented by every kernel object variant. Variants embed
// Base, which supplies everything but Type.
type KernelObject interface {
	ID() Koid
	Type() ObjType
	Name() string
	SetName(name string)
	Signal() Signal
	SignalSet(set Signal)
	SignalClear(clear Signal)
	SignalChange(clear, set Signal)
	WaitSignal(ctx context.Context, mask Signal) (Signal, error)
	HandleCount() int64

	base() *Base
}

// ZeroHandlesObserver is implemented by objects that react when the last
// handle referencing them is closed.
type ZeroHandlesObserver interface {
	OnZeroHandles()
}

// Peered is implemented by objects that come in pairs.
type Peered interface {
	Peer() (KernelObject, error)
}

type waitResult struct {
	signal Signal
	err    error
}

type waiter struct {
	mask Signal
	ch   chan waitResult
}

// Base carries identity and waitable state shared by every kernel object.
type Base struct {
	id Koid

	mu        sync.Mutex
	name      string    // Protected by mu
	signal    Signal    // Protected by mu
	waiters   []*waiter // Protected by mu
	destroyed bool      // Protected by mu

	handles atomic.Int64
}

// InitBase assigns a fresh koid and the initial signal state. It is called
// exactly once by each variant's constructor before the object is published.
func (b *Base) InitBase(initial Signal) {
	b.id = NewKoid()
	b.signal = initial
}

func (b *Base) base() *Base { return b }

// ID returns the object's koid.
func (b *Base) ID() Koid {
	return b.id
}

// Name returns the debug name of the object.
func (b *Base) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName sets the debug name of the object.
func (b *Base) SetName(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
}

// Signal returns a snapshot of the signal state.
func (b *Base) Signal() Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signal
}

// SignalSet raises bits and wakes matching waiters.
func (b *Base) SignalSet(set Signal) {
	b.SignalChange(SignalNone, set)
}

// SignalClear lowers bits.
func (b *Base) SignalClear(clear Signal) {
	b.SignalChange(clear, SignalNone)
}

// SignalChange lowers clear and then raises set as one transition, so a
// waiter observes either the old or the new state.
func (b *Base) SignalChange(clear, set Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.signal = (b.signal &^ clear) | set
	b.wakeLocked()
}

func (b *Base) wakeLocked() {
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if w.mask&b.signal != 0 {
			w.ch <- waitResult{signal: b.signal}
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(b.waiters); i++ {
		b.waiters[i] = nil
	}
	b.waiters = kept
}

// WaitSignal parks the caller until the signal state intersects mask. It
// returns the observed snapshot. If the object is destroyed first the result
// is zx.ErrCanceled; if ctx expires first the result is zx.ErrTimedOut (or
// zx.ErrCanceled for a plain cancellation).
func (b *Base) WaitSignal(ctx context.Context, mask Signal) (Signal, error) {
	b.mu.Lock()
	if b.signal&mask != 0 {
		s := b.signal
		b.mu.Unlock()
		return s, nil
	}
	if b.destroyed {
		s := b.signal
		b.mu.Unlock()
		return s, zx.ErrCanceled
	}
	w := &waiter{mask: mask, ch: make(chan waitResult, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.signal, r.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	removed := b.removeWaiterLocked(w)
	s := b.signal
	b.mu.Unlock()
	if !removed {
		// Woken concurrently with the deadline; the wakeup wins.
		r := <-w.ch
		return r.signal, r.err
	}
	return s, zx.FromContext(ctx)
}

func (b *Base) removeWaiterLocked(w *waiter) bool {
	for i, x := range b.waiters {
		if x == w {
			copy(b.waiters[i:], b.waiters[i+1:])
			b.waiters[len(b.waiters)-1] = nil
			b.waiters = b.waiters[:len(b.waiters)-1]
			return true
		}
	}
	return false
}

// Cancel marks the object destroyed and completes every current waiter with
// zx.ErrCanceled. Later waits fail immediately unless the signal state
// already satisfies them. Cancel is idempotent.
func (b *Base) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.destroyed = true
	for _, w := range b.waiters {
		w.ch <- waitResult{signal: b.signal, err: zx.ErrCanceled}
	}
	b.waiters = nil
}

// Canceled reports whether Cancel has run.
func (b *Base) Canceled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// HandleCount returns the number of live handles referencing the object.
func (b *Base) HandleCount() int64 {
	return b.handles.Load()
}

// WaiterCount returns the number of parked waiters.
func (b *Base) WaiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
