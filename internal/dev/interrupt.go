package dev

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// InterruptOptions select the interrupt source and its masking discipline.
type InterruptOptions uint32

const (
	InterruptVirtual               InterruptOptions = 1 << 0
	InterruptUnmaskPrewait         InterruptOptions = 1 << 1
	InterruptUnmaskPrewaitUnlocked InterruptOptions = 1 << 2
	InterruptMaskPostwait          InterruptOptions = 1 << 4
)

// InterruptState is the delivery state of an interrupt.
type InterruptState uint8

const (
	StateIdle InterruptState = iota
	StateWaiting
	StateTriggered
	StateNeedAck
	StateDestroyed
)

func (s InterruptState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateTriggered:
		return "triggered"
	case StateNeedAck:
		return "needack"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// source is the hardware side of an interrupt.
type source interface {
	mask()
	unmask()
	unregister()
}

type virtualSource struct{}

func (virtualSource) mask()       {}
func (virtualSource) unmask()     {}
func (virtualSource) unregister() {}

type eventSource struct {
	irq uint32
	ctl IRQController
}

func (s eventSource) mask()   { s.ctl.Mask(s.irq) }
func (s eventSource) unmask() { s.ctl.Unmask(s.irq) }
func (s eventSource) unregister() {
	if err := s.ctl.UnregisterDevice(s.irq); err != nil {
		zap.L().Warn("unregister irq", zap.Uint32("irq", s.irq), zap.Error(err))
	}
}

// Interrupt delivers hardware or virtual interrupts either to a direct
// waiter or, when bound, as packets on a port. A trigger that arrives while
// a port packet awaits Ack is coalesced and redelivered once on Ack.
type Interrupt struct {
	object.Base

	src   source
	flags InterruptOptions

	mu          sync.Mutex
	state       InterruptState // Protected by mu
	port        *ipc.Port      // Protected by mu
	key         uint64         // Protected by mu
	pending     bool           // Protected by mu; a trigger awaits delivery
	timestamp   int64          // Protected by mu; of the pending trigger
	packetID    uint64         // Protected by mu
	deferUnmask bool           // Protected by mu
}

// NewVirtual creates an interrupt triggered only by Trigger.
func NewVirtual(opts InterruptOptions) (*Interrupt, error) {
	if opts != InterruptVirtual {
		return nil, fmt.Errorf("virtual interrupt options %#x: %w", uint32(opts), zx.ErrInvalidArgs)
	}
	return newInterrupt(virtualSource{}, opts), nil
}

// NewEvent creates an interrupt for line irq of ctl.
func NewEvent(irq uint32, opts InterruptOptions, ctl IRQController) (*Interrupt, error) {
	if opts&InterruptVirtual != 0 {
		return nil, fmt.Errorf("event interrupt options %#x: %w", uint32(opts), zx.ErrInvalidArgs)
	}
	i := newInterrupt(eventSource{irq: irq, ctl: ctl}, opts)
	if err := ctl.RegisterDevice(irq, func() { _ = i.trigger(zx.Now()) }); err != nil {
		return nil, err
	}
	return i, nil
}

func newInterrupt(src source, opts InterruptOptions) *Interrupt {
	i := &Interrupt{src: src, flags: opts, state: StateIdle}
	i.InitBase(object.SignalNone)
	return i
}

// Type implements object.KernelObject.
func (i *Interrupt) Type() object.ObjType {
	return object.TypeInterrupt
}

// State returns the current delivery state.
func (i *Interrupt) State() InterruptState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Bind routes future deliveries to port with key. A pending trigger is
// delivered immediately.
func (i *Interrupt) Bind(port *ipc.Port, key uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateDestroyed:
		return fmt.Errorf("bind interrupt %d: %w", i.ID(), zx.ErrCanceled)
	case StateWaiting:
		return fmt.Errorf("bind interrupt %d with a waiter: %w", i.ID(), zx.ErrBadState)
	}
	if i.port != nil {
		return fmt.Errorf("interrupt %d: %w", i.ID(), zx.ErrAlreadyBound)
	}
	if i.flags&(InterruptUnmaskPrewaitUnlocked|InterruptMaskPostwait) == InterruptUnmaskPrewaitUnlocked|InterruptMaskPostwait {
		return fmt.Errorf("interrupt %d options %#x: %w", i.ID(), uint32(i.flags), zx.ErrInvalidArgs)
	}
	i.port = port
	i.key = key
	if i.state == StateTriggered {
		i.packetID = port.PushInterrupt(i.timestamp, key)
		i.pending, i.timestamp = false, 0
		i.state = StateNeedAck
		i.SignalClear(object.SignalInterrupt)
	}
	return nil
}

// Unbind detaches port. A queued, unacknowledged packet is withdrawn.
func (i *Interrupt) Unbind(port *ipc.Port) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.port == nil || i.port != port {
		return fmt.Errorf("interrupt %d not bound to port %d: %w", i.ID(), port.ID(), zx.ErrNotFound)
	}
	if i.state == StateDestroyed {
		return fmt.Errorf("unbind interrupt %d: %w", i.ID(), zx.ErrCanceled)
	}
	port.RemoveInterrupt(i.packetID)
	i.port = nil
	i.key = 0
	return nil
}

// Trigger raises a virtual interrupt stamped with timestamp.
func (i *Interrupt) Trigger(timestamp int64) error {
	if i.flags&InterruptVirtual == 0 {
		return fmt.Errorf("trigger on event interrupt %d: %w", i.ID(), zx.ErrBadState)
	}
	return i.trigger(timestamp)
}

func (i *Interrupt) trigger(timestamp int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.pending {
		i.pending, i.timestamp = true, timestamp
	}
	if i.state == StateDestroyed {
		return fmt.Errorf("trigger interrupt %d: %w", i.ID(), zx.ErrCanceled)
	}
	triggered.Add(1)
	if i.state == StateNeedAck && i.port != nil {
		// Coalesced; Ack redelivers.
		coalesced.Add(1)
		return nil
	}
	if i.port != nil {
		i.deliverLocked()
		return nil
	}
	i.state = StateTriggered
	i.SignalSet(object.SignalInterrupt)
	return nil
}

func (i *Interrupt) deliverLocked() {
	i.packetID = i.port.PushInterrupt(i.timestamp, i.key)
	if i.flags&InterruptMaskPostwait != 0 {
		i.src.mask()
	}
	i.pending, i.timestamp = false, 0
	i.state = StateNeedAck
}

// Ack acknowledges the packet on the bound port. A trigger coalesced since
// the last delivery is delivered again right away.
func (i *Interrupt) Ack() error {
	i.mu.Lock()
	if i.port == nil {
		i.mu.Unlock()
		return fmt.Errorf("ack unbound interrupt %d: %w", i.ID(), zx.ErrBadState)
	}
	if i.state == StateDestroyed {
		i.mu.Unlock()
		return fmt.Errorf("ack interrupt %d: %w", i.ID(), zx.ErrCanceled)
	}
	if i.state == StateNeedAck {
		i.unmaskPrewaitLocked()
		if i.pending {
			i.deliverLocked()
		} else {
			i.state = StateIdle
		}
	}
	deferred := i.deferUnmask
	i.deferUnmask = false
	i.mu.Unlock()

	if deferred {
		i.src.unmask()
	}
	return nil
}

func (i *Interrupt) unmaskPrewaitLocked() {
	if i.flags&InterruptUnmaskPrewait != 0 {
		i.src.unmask()
	} else if i.flags&InterruptUnmaskPrewaitUnlocked != 0 {
		i.deferUnmask = true
	}
}

// Wait blocks until the interrupt triggers and returns its timestamp. The
// interrupt then needs another Wait (or Ack once bound) before the source is
// unmasked again. Wait is not available while a port is bound.
func (i *Interrupt) Wait(ctx context.Context) (int64, error) {
	for {
		i.mu.Lock()
		if i.port != nil {
			i.mu.Unlock()
			return 0, fmt.Errorf("wait on port-bound interrupt %d: %w", i.ID(), zx.ErrBadState)
		}
		switch i.state {
		case StateDestroyed:
			i.mu.Unlock()
			return 0, fmt.Errorf("wait on interrupt %d: %w", i.ID(), zx.ErrCanceled)
		case StateTriggered:
			ts := i.timestamp
			i.pending, i.timestamp = false, 0
			i.state = StateNeedAck
			i.SignalClear(object.SignalInterrupt)
			i.mu.Unlock()
			return ts, nil
		case StateNeedAck:
			i.unmaskPrewaitLocked()
		case StateIdle:
		default:
			i.mu.Unlock()
			return 0, fmt.Errorf("interrupt %d already has a waiter: %w", i.ID(), zx.ErrBadState)
		}
		i.state = StateWaiting
		deferred := i.deferUnmask
		i.deferUnmask = false
		i.mu.Unlock()

		if deferred {
			i.src.unmask()
		}
		if _, err := i.WaitSignal(ctx, object.SignalInterrupt); err != nil {
			i.mu.Lock()
			if i.state == StateWaiting {
				i.state = StateIdle
			}
			destroyed := i.state == StateDestroyed
			i.mu.Unlock()
			if destroyed {
				return 0, fmt.Errorf("wait on interrupt %d: %w", i.ID(), zx.ErrCanceled)
			}
			return 0, err
		}
	}
}

// Destroy masks and unregisters the source and resolves any waiter with
// zx.ErrCanceled. When bound and the delivered packet was already dequeued,
// the result is zx.ErrNotFound; the interrupt is destroyed either way.
func (i *Interrupt) Destroy() error {
	i.mu.Lock()
	if i.state == StateDestroyed {
		i.mu.Unlock()
		return fmt.Errorf("interrupt %d: %w", i.ID(), zx.ErrCanceled)
	}
	i.src.mask()
	i.src.unregister()

	var err error
	if i.port != nil {
		inQueue := i.port.RemoveInterrupt(i.packetID)
		if i.state == StateNeedAck && !inQueue {
			err = fmt.Errorf("interrupt %d packet already taken: %w", i.ID(), zx.ErrNotFound)
		}
	}
	i.state = StateDestroyed
	i.SignalSet(object.SignalInterrupt)
	i.mu.Unlock()

	i.Cancel()
	return err
}

// OnZeroHandles destroys the interrupt.
func (i *Interrupt) OnZeroHandles() {
	if err := i.Destroy(); err != nil {
		zap.L().Debug("interrupt destroyed", zap.Uint64("koid", uint64(i.ID())), zap.Error(err))
	}
}
