package syscalls

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// MaxNameLen bounds object names; longer names are truncated.
const MaxNameLen = 32

// rootVmarRights are the rights of the root VMAR handle process_create
// returns.
const rootVmarRights = object.DefaultVmarRights | object.RightsIO | object.RightExecute

func (s *Syscall) readName(name UserInPtr[byte], n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("name length %d: %w", n, zx.ErrInvalidArgs)
	}
	b, err := name.ReadArray(min(n, MaxNameLen))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SysJobCreate creates a child job of parent.
func (s *Syscall) SysJobCreate(parent object.HandleValue, options uint32, out UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("job options %#x: %w", options, zx.ErrInvalidArgs)
	}
	pj, err := object.GetObjectWithRights[*task.Job](s.proc.Handles(), parent, object.RightManageJob)
	if err != nil {
		return err
	}
	job, err := task.NewJob(pj)
	if err != nil {
		return err
	}
	if err := s.addHandle(job, object.DefaultJobRights, out); err != nil {
		job.Kill()
		return err
	}
	return nil
}

// SysProcessCreate creates a process under job and returns handles to it
// and to its root VMAR. The process runs nothing until process_start.
func (s *Syscall) SysProcessCreate(jobHandle object.HandleValue, name UserInPtr[byte], nameLen int, options uint32,
	procOut, vmarOut UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("process options %#x: %w", options, zx.ErrInvalidArgs)
	}
	job, err := object.GetObjectWithRights[*task.Job](s.proc.Handles(), jobHandle, object.RightManageProcess)
	if err != nil {
		return err
	}
	n, err := s.readName(name, nameLen)
	if err != nil {
		return err
	}
	proc, err := s.k.NewProcess(job, n)
	if err != nil {
		return err
	}

	values, err := s.proc.Handles().AddMany([]*object.Handle{
		object.NewHandle(proc, object.DefaultProcessRights),
		object.NewHandle(proc.Vmar(), rootVmarRights),
	})
	if err != nil {
		proc.Kill()
		return err
	}
	if err := procOut.Write(values[0]); err != nil {
		s.closeValues(values)
		proc.Kill()
		return err
	}
	if err := vmarOut.Write(values[1]); err != nil {
		s.closeValues(values)
		proc.Kill()
		return err
	}
	return nil
}

// SysProcessStart starts the first thread of a new process at entry. The
// handle arg1 moves from the caller into the new process and its value there
// becomes the thread's first argument. Programs run on goroutines, so stack
// is accepted but unused.
func (s *Syscall) SysProcessStart(procHandle, threadHandle object.HandleValue, entry, stack uint64,
	arg1 object.HandleValue, arg2 uint64) error {
	proc, err := object.GetObjectWithRights[*task.Process](s.proc.Handles(), procHandle, object.RightWrite)
	if err != nil {
		return err
	}
	thread, err := object.GetObjectWithRights[*task.Thread](s.proc.Handles(), threadHandle, object.RightWrite)
	if err != nil {
		return err
	}
	if thread.Proc() != proc {
		return fmt.Errorf("thread %d not in process %d: %w", thread.ID(), proc.ID(), zx.ErrAccessDenied)
	}
	if proc.Status() != task.ProcessInit {
		return fmt.Errorf("process %d is %s: %w", proc.ID(), proc.Status(), zx.ErrBadState)
	}

	var moved object.HandleValue
	if arg1 != object.InvalidHandle {
		h, err := s.proc.Handles().Get(arg1)
		if err != nil {
			return err
		}
		if !h.Rights.Contains(object.RightTransfer) {
			return fmt.Errorf("transfer handle %#x: %w", uint32(arg1), zx.ErrAccessDenied)
		}
		if moved, err = s.proc.Handles().Transfer(arg1, proc.Handles()); err != nil {
			return err
		}
	}
	if err := s.k.Start(thread, entry, uint64(moved), arg2); err != nil {
		if moved != object.InvalidHandle {
			_ = proc.Handles().Close(moved)
		}
		return err
	}
	s.k.log.Debug("process start",
		zap.Uint64("koid", uint64(proc.ID())),
		zap.String("name", proc.Name()),
		zap.Uint64("stack", stack))
	return nil
}

// SysProcessExit ends the calling process with code. The calling thread is
// killed with the rest; its program should return once this does.
func (s *Syscall) SysProcessExit(code int64) error {
	s.proc.Exit(code)
	return nil
}

// SysThreadCreate creates a thread in the process. It runs nothing until
// thread_start.
func (s *Syscall) SysThreadCreate(procHandle object.HandleValue, name UserInPtr[byte], nameLen int, options uint32,
	out UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("thread options %#x: %w", options, zx.ErrInvalidArgs)
	}
	proc, err := object.GetObjectWithRights[*task.Process](s.proc.Handles(), procHandle, object.RightManageThread)
	if err != nil {
		return err
	}
	n, err := s.readName(name, nameLen)
	if err != nil {
		return err
	}
	thread, err := task.NewThread(proc, n)
	if err != nil {
		return err
	}
	if err := s.addHandle(thread, object.DefaultThreadRights, out); err != nil {
		thread.Kill()
		return err
	}
	return nil
}

// SysThreadStart starts an additional thread of an already running process.
func (s *Syscall) SysThreadStart(threadHandle object.HandleValue, entry, stack, arg1, arg2 uint64) error {
	thread, err := object.GetObjectWithRights[*task.Thread](s.proc.Handles(), threadHandle, object.RightManageThread)
	if err != nil {
		return err
	}
	if st := thread.Proc().Status(); st != task.ProcessRunning {
		return fmt.Errorf("process %d is %s: %w", thread.Proc().ID(), st, zx.ErrBadState)
	}
	s.k.log.Debug("thread start requested",
		zap.Uint64("koid", uint64(thread.ID())),
		zap.Uint64("stack", stack))
	return s.k.Start(thread, entry, arg1, arg2)
}

// SysTaskKill kills a job, process or thread.
func (s *Syscall) SysTaskKill(handle object.HandleValue) error {
	h, err := s.proc.Handles().Get(handle)
	if err != nil {
		return err
	}
	if !h.Rights.Contains(object.RightDestroy) {
		return fmt.Errorf("kill without DESTROY: %w", zx.ErrAccessDenied)
	}
	switch t := h.Object.(type) {
	case *task.Job:
		t.Kill()
	case *task.Process:
		t.Kill()
	case *task.Thread:
		t.Kill()
	default:
		return fmt.Errorf("kill %s: %w", h.Object.Type(), zx.ErrWrongType)
	}
	return nil
}
