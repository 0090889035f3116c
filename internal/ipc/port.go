package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// PacketType identifies the payload of a PortPacket.
type PacketType uint8

const (
	PacketUser PacketType = iota
	PacketSignalOne
	PacketInterrupt
)

func (t PacketType) String() string {
	switch t {
	case PacketUser:
		return "user"
	case PacketSignalOne:
		return "signal_one"
	case PacketInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("packet(%d)", uint8(t))
	}
}

// PortPacket is one delivery queued on a port.
type PortPacket struct {
	Key    uint64
	Type   PacketType
	Status zx.Status

	// PacketInterrupt
	Timestamp int64

	// PacketSignalOne
	Trigger  object.Signal
	Observed object.Signal

	// PacketUser
	User [32]byte
}

// MaxPortPackets bounds a port queue; Queue fails with zx.ErrShouldWait
// beyond it.
const MaxPortPackets = 2048

type portEntry struct {
	id     uint64
	packet PortPacket
}

// Port is a queue of packets from user code, signal observers, and bound
// interrupts.
type Port struct {
	object.Base

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []portEntry // Protected by mu
	nextID uint64      // Protected by mu
}

// NewPort creates an empty port.
func NewPort() *Port {
	p := &Port{}
	p.InitBase(object.SignalNone)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Type implements object.KernelObject.
func (p *Port) Type() object.ObjType {
	return object.TypePort
}

func (p *Port) pushLocked(pkt PortPacket) uint64 {
	p.nextID++
	p.queue = append(p.queue, portEntry{id: p.nextID, packet: pkt})
	p.SignalSet(object.SignalReadable)
	portPackets.Add(1)
	return p.nextID
}

// Queue appends a packet.
func (p *Port) Queue(pkt PortPacket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= MaxPortPackets {
		return fmt.Errorf("port %d full: %w", p.ID(), zx.ErrShouldWait)
	}
	p.pushLocked(pkt)
	return nil
}

// PushInterrupt queues an interrupt packet and returns its id for
// RemoveInterrupt. Interrupt packets are never refused.
func (p *Port) PushInterrupt(timestamp int64, key uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushLocked(PortPacket{Key: key, Type: PacketInterrupt, Timestamp: timestamp})
}

// RemoveInterrupt withdraws a queued interrupt packet. It reports whether
// the packet was still queued.
func (p *Port) RemoveInterrupt(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.queue {
		if e.id == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			if len(p.queue) == 0 {
				p.SignalClear(object.SignalReadable)
			}
			return true
		}
	}
	return false
}

func (p *Port) pop() (PortPacket, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return PortPacket{}, false
	}
	e := p.queue[0]
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.SignalClear(object.SignalReadable)
	}
	return e.packet, true
}

// Wait dequeues the oldest packet, blocking until one is available.
func (p *Port) Wait(ctx context.Context) (PortPacket, error) {
	for {
		if pkt, ok := p.pop(); ok {
			return pkt, nil
		}
		if _, err := p.WaitSignal(ctx, object.SignalReadable); err != nil {
			return PortPacket{}, err
		}
	}
}

// Len returns the number of queued packets.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// WaitAsync queues a PacketSignalOne with key once obj's signals intersect
// signals. The observation is abandoned when the port goes away.
func (p *Port) WaitAsync(obj object.KernelObject, key uint64, signals object.Signal) {
	go func() {
		observed, err := obj.WaitSignal(p.ctx, signals)
		if err != nil && errors.Is(err, zx.ErrCanceled) && p.ctx.Err() != nil {
			return
		}
		pkt := PortPacket{
			Key:      key,
			Type:     PacketSignalOne,
			Status:   zx.StatusOf(err),
			Trigger:  signals,
			Observed: observed,
		}
		if err := p.Queue(pkt); err != nil {
			zap.L().Warn("dropped signal packet",
				zap.Uint64("port", uint64(p.ID())),
				zap.Uint64("key", key),
				zap.Error(err))
		}
	}()
}

// OnZeroHandles discards queued packets and abandons pending observers.
func (p *Port) OnZeroHandles() {
	p.cancel()
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.Cancel()
}
