package syscalls

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Topic selects the record object_get_info returns.
type Topic uint32

const (
	TopicHandleValid Topic = 1
	TopicHandleBasic Topic = 2
	TopicProcess     Topic = 3
	TopicVmar        Topic = 7
	TopicThread      Topic = 10
	TopicVmo         Topic = 18
	TopicHandleCount Topic = 19
)

// HandleBasicInfo is the TopicHandleBasic record.
type HandleBasicInfo struct {
	Koid        uint64
	Rights      uint32
	Type        uint32
	RelatedKoid uint64
	_           uint32
	_           uint32
}

// ProcessInfoRecord is the TopicProcess record.
type ProcessInfoRecord struct {
	ReturnCode int64
	Started    uint8
	Exited     uint8
	_          [6]uint8
}

// VmarInfoRecord is the TopicVmar record.
type VmarInfoRecord struct {
	Base uint64
	Len  uint64
}

// ThreadInfoRecord is the TopicThread record.
type ThreadInfoRecord struct {
	State uint32
	_     uint32
}

// VmoInfoRecord is the TopicVmo record.
type VmoInfoRecord struct {
	Koid      uint64
	Size      uint64
	Committed uint64
	Flags     uint32
	Mappings  uint32
}

const (
	vmoInfoPaged uint32 = 1 << 0
	vmoInfoClone uint32 = 1 << 1
)

// SysObjectWaitOne blocks until the object behind handle raises any of
// signals or deadline passes. Closing handle from another thread ends the
// wait with CANCELED and SignalHandleClosed. The signals seen are written to
// observed either way.
func (s *Syscall) SysObjectWaitOne(handle object.HandleValue, signals object.Signal, deadline zx.Deadline, observed UserOutPtr[object.Signal]) error {
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if !h.Rights.Contains(object.RightWait) {
		return fmt.Errorf("wait on handle %#x: %w", uint32(handle), zx.ErrAccessDenied)
	}
	obj := h.Object
	var seen object.Signal
	err = s.thread.BlockingRun(task.ThreadBlockedWaitOne, deadline, func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-h.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		var werr error
		seen, werr = obj.WaitSignal(ctx, signals)
		if werr != nil && handleClosed(h) {
			seen |= object.SignalHandleClosed
			return fmt.Errorf("handle %#x closed during wait: %w", uint32(handle), zx.ErrCanceled)
		}
		return werr
	})
	if errors.Is(err, zx.ErrTimedOut) {
		seen = obj.Signal()
	}
	if werr := observed.WriteIfNotNull(seen); werr != nil && err == nil {
		return werr
	}
	return err
}

func handleClosed(h *object.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// SysObjectWaitAsync asks port to receive a signal packet with key once the
// object behind handle raises any of signals.
func (s *Syscall) SysObjectWaitAsync(handle, portHandle object.HandleValue, key uint64, signals object.Signal, options uint32) error {
	if options != 0 {
		return fmt.Errorf("wait_async options %#x: %w", options, zx.ErrInvalidArgs)
	}
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if !h.Rights.Contains(object.RightWait) {
		return fmt.Errorf("wait_async on handle %#x: %w", uint32(handle), zx.ErrAccessDenied)
	}
	port, err := object.GetObjectWithRights[*ipc.Port](s.proc.Handles(), portHandle, object.RightWrite)
	if err != nil {
		return err
	}
	port.WaitAsync(h.Object, key, signals)
	return nil
}

// allowedSignals returns the bits user code may change on obj.
func allowedSignals(obj object.KernelObject) object.Signal {
	if obj.Type() == object.TypeEvent {
		return object.EventSignals
	}
	return object.SignalUserAll
}

// SysObjectSignal clears then sets signals on the object behind handle.
func (s *Syscall) SysObjectSignal(handle object.HandleValue, clear, set object.Signal) error {
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if !h.Rights.Contains(object.RightSignal) {
		return fmt.Errorf("signal handle %#x: %w", uint32(handle), zx.ErrAccessDenied)
	}
	if (clear|set)&^allowedSignals(h.Object) != 0 {
		return fmt.Errorf("signal bits %s: %w", clear|set, zx.ErrInvalidArgs)
	}
	h.Object.SignalChange(clear, set)
	return nil
}

// SysObjectSignalPeer clears then sets user signals on the peer of the
// object behind handle.
func (s *Syscall) SysObjectSignalPeer(handle object.HandleValue, clear, set object.Signal) error {
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if !h.Rights.Contains(object.RightSignalPeer) {
		return fmt.Errorf("signal peer of handle %#x: %w", uint32(handle), zx.ErrAccessDenied)
	}
	peered, ok := h.Object.(object.Peered)
	if !ok {
		return fmt.Errorf("%s has no peer: %w", h.Object.Type(), zx.ErrNotSupported)
	}
	if (clear|set)&^object.SignalUserAll != 0 {
		return fmt.Errorf("signal bits %s: %w", clear|set, zx.ErrInvalidArgs)
	}
	peer, err := peered.Peer()
	if err != nil {
		return err
	}
	peer.SignalChange(clear, set)
	return nil
}

// SysObjectGetInfo writes the topic record of the object behind handle into
// buffer. actual and avail receive the number of records written and
// available.
func (s *Syscall) SysObjectGetInfo(handle object.HandleValue, topic Topic, buffer uint64, bufferSize int, actual, avail UserOutPtr[uint64]) error {
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if topic == TopicHandleValid {
		return nil
	}
	if topic != TopicHandleBasic && !h.Rights.Contains(object.RightInspect) {
		return fmt.Errorf("inspect handle %#x: %w", uint32(handle), zx.ErrAccessDenied)
	}

	var record any
	switch topic {
	case TopicHandleBasic:
		info := h.Info()
		record = HandleBasicInfo{
			Koid:        uint64(info.Koid),
			Rights:      uint32(info.Rights),
			Type:        uint32(info.Type),
			RelatedKoid: uint64(info.RelatedKoid),
		}
	case TopicHandleCount:
		record = uint32(h.Object.HandleCount())
	case TopicProcess:
		p, ok := h.Object.(*task.Process)
		if !ok {
			return fmt.Errorf("process info on %s: %w", h.Object.Type(), zx.ErrWrongType)
		}
		rec := ProcessInfoRecord{}
		if p.Status() != task.ProcessInit {
			rec.Started = 1
		}
		if code, err := p.ExitCode(); err == nil {
			rec.Exited = 1
			rec.ReturnCode = code
		}
		record = rec
	case TopicThread:
		t, ok := h.Object.(*task.Thread)
		if !ok {
			return fmt.Errorf("thread info on %s: %w", h.Object.Type(), zx.ErrWrongType)
		}
		record = ThreadInfoRecord{State: uint32(t.State())}
	case TopicVmar:
		r, ok := h.Object.(*vm.VmAddressRegion)
		if !ok {
			return fmt.Errorf("vmar info on %s: %w", h.Object.Type(), zx.ErrWrongType)
		}
		record = VmarInfoRecord{Base: uint64(r.Addr()), Len: r.Size()}
	case TopicVmo:
		v, ok := h.Object.(*vm.VmObject)
		if !ok {
			return fmt.Errorf("vmo info on %s: %w", h.Object.Type(), zx.ErrWrongType)
		}
		info := v.Info()
		rec := VmoInfoRecord{
			Koid:      uint64(info.Koid),
			Size:      info.Size,
			Committed: info.Committed,
			Mappings:  uint32(info.Mappings),
		}
		if v.IsPaged() {
			rec.Flags |= vmoInfoPaged
		}
		if info.IsClone {
			rec.Flags |= vmoInfoClone
		}
		record = rec
	default:
		return fmt.Errorf("info topic %d: %w", topic, zx.ErrNotSupported)
	}

	buf, err := binary.Append(nil, binary.LittleEndian, record)
	if err != nil {
		return fmt.Errorf("encode %T: %v: %w", record, err, zx.ErrInternal)
	}
	if err := avail.WriteIfNotNull(1); err != nil {
		return err
	}
	if bufferSize < len(buf) {
		_ = actual.WriteIfNotNull(0)
		return &zx.BufferTooSmallError{Bytes: len(buf)}
	}
	if err := OutPtr[byte](s, buffer).WriteArray(buf); err != nil {
		return err
	}
	return actual.WriteIfNotNull(1)
}

// SysEventCreate creates an event.
func (s *Syscall) SysEventCreate(options uint32, out UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("event options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if err := s.proc.CheckCreate(object.TypeEvent); err != nil {
		return err
	}
	return s.addHandle(object.NewEvent(), object.DefaultEventRights, out)
}
