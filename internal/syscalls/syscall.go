package syscalls

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Syscall is the kernel entry point of one thread. Each Sys* method decodes
// user arguments into calls on kernel objects and reports the result as an
// error mapping onto a zx.Status.
type Syscall struct {
	k      *Kernel
	thread *task.Thread
	proc   *task.Process
}

// Thread returns the calling thread.
func (s *Syscall) Thread() *task.Thread { return s.thread }

// Process returns the calling process.
func (s *Syscall) Process() *task.Process { return s.proc }

// Dispatch runs syscall num with raw arguments and returns its status.
func (s *Syscall) Dispatch(num Number, args [8]uint64) zx.Status {
	log := s.k.log
	if log.Core().Enabled(zap.DebugLevel) {
		log = log.With(
			zap.Stringer("trace", id.NewTraceID()),
			zap.Stringer("sys", num),
			zap.Uint64("thread", uint64(s.thread.ID())))
		log.Debug("syscall enter", zap.Uint64s("args", args[:]))
	}

	timer := monitoring.NewTimer(s.k.Metrics(), num.String())
	err := s.throttle()
	if err == nil {
		err = s.dispatch(num, args)
	}
	status := timer.Stop(err)
	if err != nil {
		log.Debug("syscall failed", zap.Stringer("status", status), zap.Error(err))
	}
	return status
}

func (s *Syscall) throttle() error {
	err := s.proc.Throttle(s.thread.Context())
	if errors.Is(err, zx.ErrShouldWait) {
		if m := s.k.Metrics(); m != nil {
			m.RecordThrottled()
		}
	}
	return err
}

func hv(a uint64) object.HandleValue { return object.HandleValue(uint32(a)) }

func (s *Syscall) dispatch(num Number, a [8]uint64) error {
	switch num {
	case SysHandleClose:
		return s.SysHandleClose(hv(a[0]))
	case SysHandleCloseMany:
		return s.SysHandleCloseMany(InPtr[object.HandleValue](s, a[0]), int(a[1]))
	case SysHandleDuplicate:
		return s.SysHandleDuplicate(hv(a[0]), object.Rights(a[1]), OutPtr[object.HandleValue](s, a[2]))
	case SysHandleReplace:
		return s.SysHandleReplace(hv(a[0]), object.Rights(a[1]), OutPtr[object.HandleValue](s, a[2]))

	case SysObjectWaitOne:
		return s.SysObjectWaitOne(hv(a[0]), object.Signal(a[1]), zx.Deadline(a[2]), OutPtr[object.Signal](s, a[3]))
	case SysObjectWaitAsync:
		return s.SysObjectWaitAsync(hv(a[0]), hv(a[1]), a[2], object.Signal(a[3]), uint32(a[4]))
	case SysObjectSignal:
		return s.SysObjectSignal(hv(a[0]), object.Signal(a[1]), object.Signal(a[2]))
	case SysObjectSignalPeer:
		return s.SysObjectSignalPeer(hv(a[0]), object.Signal(a[1]), object.Signal(a[2]))
	case SysObjectGetInfo:
		return s.SysObjectGetInfo(hv(a[0]), Topic(a[1]), a[2], int(a[3]), OutPtr[uint64](s, a[4]), OutPtr[uint64](s, a[5]))

	case SysEventCreate:
		return s.SysEventCreate(uint32(a[0]), OutPtr[object.HandleValue](s, a[1]))

	case SysChannelCreate:
		return s.SysChannelCreate(uint32(a[0]), OutPtr[object.HandleValue](s, a[1]), OutPtr[object.HandleValue](s, a[2]))
	case SysChannelRead:
		return s.SysChannelRead(hv(a[0]), uint32(a[1]), OutPtr[byte](s, a[2]), a[3], uint32(a[4]), uint32(a[5]),
			OutPtr[uint32](s, a[6]), OutPtr[uint32](s, a[7]), false)
	case SysChannelReadEtc:
		return s.SysChannelRead(hv(a[0]), uint32(a[1]), OutPtr[byte](s, a[2]), a[3], uint32(a[4]), uint32(a[5]),
			OutPtr[uint32](s, a[6]), OutPtr[uint32](s, a[7]), true)
	case SysChannelWrite:
		return s.SysChannelWrite(hv(a[0]), uint32(a[1]), InPtr[byte](s, a[2]), uint32(a[3]), InPtr[object.HandleValue](s, a[4]), uint32(a[5]))
	case SysChannelWriteEtc:
		return s.SysChannelWriteEtc(hv(a[0]), uint32(a[1]), InPtr[byte](s, a[2]), uint32(a[3]), OutPtr[HandleDisposition](s, a[4]), uint32(a[5]))
	case SysChannelCallNoretry:
		return s.SysChannelCallNoretry(hv(a[0]), uint32(a[1]), zx.Deadline(a[2]), InPtr[ChannelCallArgs](s, a[3]),
			OutPtr[uint32](s, a[4]), OutPtr[uint32](s, a[5]))

	case SysPortCreate:
		return s.SysPortCreate(uint32(a[0]), OutPtr[object.HandleValue](s, a[1]))
	case SysPortQueue:
		return s.SysPortQueue(hv(a[0]), InPtr[UserPacket](s, a[1]))
	case SysPortWait:
		return s.SysPortWait(hv(a[0]), zx.Deadline(a[1]), OutPtr[UserPacket](s, a[2]))

	case SysVmoCreate:
		return s.SysVmoCreate(a[0], uint32(a[1]), OutPtr[object.HandleValue](s, a[2]))
	case SysVmoRead:
		return s.SysVmoRead(hv(a[0]), OutPtr[byte](s, a[1]), a[2], a[3])
	case SysVmoWrite:
		return s.SysVmoWrite(hv(a[0]), InPtr[byte](s, a[1]), a[2], a[3])
	case SysVmoGetSize:
		return s.SysVmoGetSize(hv(a[0]), OutPtr[uint64](s, a[1]))
	case SysVmoSetSize:
		return s.SysVmoSetSize(hv(a[0]), a[1])
	case SysVmoOpRange:
		return s.SysVmoOpRange(hv(a[0]), VmoOp(a[1]), a[2], a[3])
	case SysVmoCreateChild:
		return s.SysVmoCreateChild(hv(a[0]), uint32(a[1]), a[2], a[3], OutPtr[object.HandleValue](s, a[4]))

	case SysVmarAllocate:
		return s.SysVmarAllocate(hv(a[0]), VmOptions(a[1]), a[2], a[3], OutPtr[object.HandleValue](s, a[4]), OutPtr[uint64](s, a[5]))
	case SysVmarMap:
		return s.SysVmarMap(hv(a[0]), VmOptions(a[1]), a[2], hv(a[3]), a[4], a[5], OutPtr[uint64](s, a[6]))
	case SysVmarUnmap:
		return s.SysVmarUnmap(hv(a[0]), a[1], a[2])
	case SysVmarProtect:
		return s.SysVmarProtect(hv(a[0]), VmOptions(a[1]), a[2], a[3])
	case SysVmarDestroy:
		return s.SysVmarDestroy(hv(a[0]))

	case SysInterruptCreate:
		return s.SysInterruptCreate(hv(a[0]), uint32(a[1]), uint32(a[2]), OutPtr[object.HandleValue](s, a[3]))
	case SysInterruptBind:
		return s.SysInterruptBind(hv(a[0]), hv(a[1]), a[2], uint32(a[3]))
	case SysInterruptAck:
		return s.SysInterruptAck(hv(a[0]))
	case SysInterruptWait:
		return s.SysInterruptWait(hv(a[0]), OutPtr[int64](s, a[1]))
	case SysInterruptTrigger:
		return s.SysInterruptTrigger(hv(a[0]), uint32(a[1]), int64(a[2]))
	case SysInterruptDestroy:
		return s.SysInterruptDestroy(hv(a[0]))

	case SysJobCreate:
		return s.SysJobCreate(hv(a[0]), uint32(a[1]), OutPtr[object.HandleValue](s, a[2]))
	case SysProcessCreate:
		return s.SysProcessCreate(hv(a[0]), InPtr[byte](s, a[1]), int(a[2]), uint32(a[3]),
			OutPtr[object.HandleValue](s, a[4]), OutPtr[object.HandleValue](s, a[5]))
	case SysProcessStart:
		return s.SysProcessStart(hv(a[0]), hv(a[1]), a[2], a[3], hv(a[4]), a[5])
	case SysProcessExit:
		return s.SysProcessExit(int64(a[0]))
	case SysThreadCreate:
		return s.SysThreadCreate(hv(a[0]), InPtr[byte](s, a[1]), int(a[2]), uint32(a[3]), OutPtr[object.HandleValue](s, a[4]))
	case SysThreadStart:
		return s.SysThreadStart(hv(a[0]), a[1], a[2], a[3], a[4])
	case SysTaskKill:
		return s.SysTaskKill(hv(a[0]))

	case SysNanosleep:
		return s.SysNanosleep(zx.Deadline(a[0]))
	case SysClockGetMonotonic:
		return s.SysClockGetMonotonic(OutPtr[int64](s, a[0]))
	case SysDebugWrite:
		return s.SysDebugWrite(InPtr[byte](s, a[0]), int(a[1]))
	}
	s.k.log.Warn("syscall unimplemented", zap.Uint32("num", uint32(num)))
	return zx.ErrBadSyscall
}
