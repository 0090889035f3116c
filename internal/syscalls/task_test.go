package syscalls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// spawn creates a child process with a main thread from inside sys and
// returns the process and thread handles.
func spawn(t *testing.T, sys *Syscall, scratch uint64, job object.HandleValue, name string) (object.HandleValue, object.HandleValue) {
	t.Helper()
	writeIn(t, sys, scratch+512, []byte(name)...)
	err := sys.SysProcessCreate(job, InPtr[byte](sys, scratch+512), len(name), 0,
		OutPtr[object.HandleValue](sys, scratch), OutPtr[object.HandleValue](sys, scratch+4))
	assert.NoError(t, err)
	proc := readOut[object.HandleValue](t, sys, scratch)

	writeIn(t, sys, scratch+512, []byte("main")...)
	assert.NoError(t, sys.SysThreadCreate(proc, InPtr[byte](sys, scratch+512), 4, 0, OutPtr[object.HandleValue](sys, scratch)))
	return proc, readOut[object.HandleValue](t, sys, scratch)
}

func TestProcessStartWithBootstrapChannel(t *testing.T) {
	k := newKernel(t, Options{})
	job := newJob(t)

	echo := k.Register("echo", func(ctx context.Context, sys *Syscall, arg1, arg2 uint64) error {
		bootstrap := object.HandleValue(arg1)
		vmo, err := k.NewVmo(vm.PageSize)
		if err != nil {
			return err
		}
		addr, err := sys.Process().Vmar().Map(vmo, 0, vm.PageSize, vm.MMURW|vm.MMUUser)
		if err != nil {
			return err
		}
		scratch := uint64(addr)
		if err := sys.SysObjectWaitOne(bootstrap, object.SignalReadable, zx.DeadlineInfinite, OutPtr[object.Signal](sys, 0)); err != nil {
			return err
		}
		err = sys.SysChannelRead(bootstrap, 0, OutPtr[byte](sys, scratch), 0, 64, 0,
			OutPtr[uint32](sys, scratch+128), OutPtr[uint32](sys, 0), false)
		if err != nil {
			return err
		}
		n, err := InPtr[uint32](sys, scratch+128).Read()
		if err != nil {
			return err
		}
		return sys.SysChannelWrite(bootstrap, 0, InPtr[byte](sys, scratch), n, InPtr[object.HandleValue](sys, 0), 0)
	})

	run(t, k, job, func(sys *Syscall, scratch uint64) {
		jh, err := sys.Process().AddHandle(object.NewHandle(job, object.DefaultJobRights))
		assert.NoError(t, err)
		proc, thread := spawn(t, sys, scratch, jh, "echo")
		_, b := channelPair(t, sys, scratch+1024)

		err = sys.SysThreadStart(thread, echo, 0, 0, 0)
		assert.ErrorIs(t, err, zx.ErrBadState, "process not started")
		assert.ErrorIs(t, sys.SysProcessStart(proc, thread, 999, 0, b, 0), zx.ErrInvalidArgs)
		_, err = sys.Process().Handles().Get(b)
		assert.ErrorIs(t, err, zx.ErrNotFound, "bootstrap handle consumed")
	})

	run(t, k, job, func(sys *Syscall, scratch uint64) {
		jh, err := sys.Process().AddHandle(object.NewHandle(job, object.DefaultJobRights))
		assert.NoError(t, err)
		proc, thread := spawn(t, sys, scratch, jh, "echo")
		a, b := channelPair(t, sys, scratch+1024)

		assert.NoError(t, sys.SysProcessStart(proc, thread, echo, 0, b, 0))
		assert.ErrorIs(t, sys.SysProcessStart(proc, thread, echo, 0, 0, 0), zx.ErrBadState)

		writeIn(t, sys, scratch+512, []byte("hello")...)
		assert.NoError(t, sys.SysChannelWrite(a, 0, InPtr[byte](sys, scratch+512), 5, InPtr[object.HandleValue](sys, 0), 0))
		assert.NoError(t, sys.SysObjectWaitOne(a, object.SignalReadable, zx.DeadlineAfter(5*time.Second), OutPtr[object.Signal](sys, 0)))
		assert.NoError(t, sys.SysChannelRead(a, 0, OutPtr[byte](sys, scratch+768), 0, 64, 0,
			OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0), false))
		got, _ := InPtr[byte](sys, scratch+768).ReadArray(5)
		assert.Equal(t, "hello", string(got))

		assert.NoError(t, sys.SysObjectWaitOne(proc, object.SignalTaskTerminated, zx.DeadlineAfter(5*time.Second), OutPtr[object.Signal](sys, 0)))
		buf := scratch + 2048
		assert.NoError(t, sys.SysObjectGetInfo(proc, TopicProcess, buf, 64, OutPtr[uint64](sys, 0), OutPtr[uint64](sys, 0)))
		info := readOut[ProcessInfoRecord](t, sys, buf)
		assert.EqualValues(t, 1, info.Started)
		assert.EqualValues(t, 1, info.Exited)
		assert.Zero(t, info.ReturnCode)
	})
}

func TestTaskKill(t *testing.T) {
	k := newKernel(t, Options{})
	job := newJob(t)
	sleeper := k.Register("sleeper", func(ctx context.Context, sys *Syscall, _, _ uint64) error {
		return sys.SysNanosleep(zx.DeadlineInfinite)
	})

	run(t, k, job, func(sys *Syscall, scratch uint64) {
		jh, err := sys.Process().AddHandle(object.NewHandle(job, object.DefaultJobRights))
		assert.NoError(t, err)
		proc, thread := spawn(t, sys, scratch, jh, "sleeper")
		assert.NoError(t, sys.SysProcessStart(proc, thread, sleeper, 0, 0, 0))

		assert.NoError(t, sys.SysHandleDuplicate(proc, object.RightWait, OutPtr[object.HandleValue](sys, scratch)))
		weak := readOut[object.HandleValue](t, sys, scratch)
		assert.ErrorIs(t, sys.SysTaskKill(weak), zx.ErrAccessDenied)

		assert.NoError(t, sys.SysEventCreate(0, OutPtr[object.HandleValue](sys, scratch)))
		ev := readOut[object.HandleValue](t, sys, scratch)
		assert.ErrorIs(t, sys.SysTaskKill(ev), zx.ErrAccessDenied, "events lack DESTROY")

		assert.NoError(t, sys.SysTaskKill(proc))
		assert.NoError(t, sys.SysObjectWaitOne(proc, object.SignalTaskTerminated, zx.DeadlineAfter(5*time.Second), OutPtr[object.Signal](sys, 0)))
		p, err := object.GetObject[*task.Process](sys.Process().Handles(), proc)
		assert.NoError(t, err)
		code, err := p.ExitCode()
		assert.NoError(t, err)
		assert.EqualValues(t, task.RetcodeKilled, code)
	})
}

func TestJobCreate(t *testing.T) {
	k := newKernel(t, Options{})
	job := newJob(t)
	run(t, k, job, func(sys *Syscall, scratch uint64) {
		out := OutPtr[object.HandleValue](sys, scratch)
		jh, err := sys.Process().AddHandle(object.NewHandle(job, object.DefaultJobRights))
		assert.NoError(t, err)

		assert.ErrorIs(t, sys.SysJobCreate(jh, 1, out), zx.ErrInvalidArgs)
		assert.NoError(t, sys.SysJobCreate(jh, 0, out))
		child := readOut[object.HandleValue](t, sys, scratch)
		cj, err := object.GetObject[*task.Job](sys.Process().Handles(), child)
		assert.NoError(t, err)
		assert.Same(t, job, cj.Parent())

		assert.NoError(t, cj.Deny(object.TypeProcess))
		writeIn(t, sys, scratch+512, []byte("denied")...)
		err = sys.SysProcessCreate(child, InPtr[byte](sys, scratch+512), 6, 0, out, OutPtr[object.HandleValue](sys, scratch+4))
		assert.ErrorIs(t, err, zx.ErrAccessDenied)

		assert.NoError(t, sys.SysHandleDuplicate(jh, object.RightWait, out))
		weak := readOut[object.HandleValue](t, sys, scratch)
		assert.ErrorIs(t, sys.SysJobCreate(weak, 0, out), zx.ErrAccessDenied)
	})
}

func TestProcessExit(t *testing.T) {
	k := newKernel(t, Options{})
	proc := run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		assert.NoError(t, sys.SysProcessExit(17))
	})
	code, err := proc.ExitCode()
	assert.NoError(t, err)
	assert.EqualValues(t, 17, code)
}

func TestNanosleepAndDebugWrite(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		start := time.Now()
		assert.NoError(t, sys.SysNanosleep(zx.DeadlineAfter(5*time.Millisecond)))
		assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
		assert.NoError(t, sys.SysNanosleep(zx.DeadlinePast))

		writeIn(t, sys, scratch, []byte("hi there")...)
		assert.NoError(t, sys.SysDebugWrite(InPtr[byte](sys, scratch), 8))
		assert.ErrorIs(t, sys.SysDebugWrite(InPtr[byte](sys, scratch), -1), zx.ErrInvalidArgs)
	})
}
