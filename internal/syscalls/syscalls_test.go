package syscalls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

const scratchSize = 16 * vm.PageSize

func newKernel(t *testing.T, opts Options) *Kernel {
	t.Helper()
	exec := task.NewExecutor(context.Background(), 0)
	t.Cleanup(exec.Shutdown)
	opts.Executor = exec
	if opts.Memory == nil {
		opts.Memory = vm.NewFramePool(0x4000_0000, 512)
	}
	opts.Logger = zap.NewNop()
	return NewKernel(opts)
}

func newJob(t *testing.T) *task.Job {
	t.Helper()
	job, err := task.NewJob(task.RootJob())
	require.NoError(t, err)
	t.Cleanup(job.Kill)
	return job
}

// run executes body on the first thread of a fresh process. scratch is the
// base of a read/write mapping body may use for user buffers.
func run(t *testing.T, k *Kernel, job *task.Job, body func(sys *Syscall, scratch uint64)) *task.Process {
	t.Helper()
	proc, err := k.NewProcess(job, t.Name())
	require.NoError(t, err)

	vmo, err := k.NewVmo(scratchSize)
	require.NoError(t, err)
	addr, err := proc.Vmar().Map(vmo, 0, scratchSize, vm.MMURW|vm.MMUUser)
	require.NoError(t, err)

	entry := k.Register(t.Name(), func(ctx context.Context, sys *Syscall, arg1, _ uint64) error {
		body(sys, arg1)
		return nil
	})
	th, err := task.NewThread(proc, "main")
	require.NoError(t, err)
	require.NoError(t, k.Start(th, entry, uint64(addr), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = proc.Wait(ctx)
	require.NoError(t, err, "process did not exit")
	return proc
}

func readOut[T any](t *testing.T, sys *Syscall, addr uint64) T {
	t.Helper()
	v, err := InPtr[T](sys, addr).Read()
	require.NoError(t, err)
	return v
}

func writeIn[T any](t *testing.T, sys *Syscall, addr uint64, vs ...T) {
	t.Helper()
	require.NoError(t, OutPtr[T](sys, addr).WriteArray(vs))
}

func TestUserPointers(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		p := OutPtr[uint64](sys, scratch)
		assert.NoError(t, p.Write(0xdead_beef))
		v, err := p.In().Read()
		assert.NoError(t, err)
		assert.EqualValues(t, 0xdead_beef, v)

		assert.NoError(t, OutPtr[uint64](sys, 0).WriteIfNotNull(1))
		assert.ErrorIs(t, OutPtr[uint64](sys, 0).Write(1), zx.ErrInvalidArgs)
		_, err = InPtr[uint32](sys, 0x10).Read()
		assert.ErrorIs(t, err, zx.ErrInvalidArgs, "unmapped address")
		_, err = InPtr[byte](sys, scratch).ReadArray(-1)
		assert.ErrorIs(t, err, zx.ErrOutOfRange)
	})
}

func TestDispatch(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		assert.Equal(t, zx.OK, sys.Dispatch(SysHandleClose, [8]uint64{0}))
		assert.Equal(t, zx.ErrBadSyscall, sys.Dispatch(numSyscalls, [8]uint64{}))
		assert.Equal(t, zx.ErrNotFound, sys.Dispatch(SysHandleClose, [8]uint64{42}))

		assert.Equal(t, zx.OK, sys.Dispatch(SysClockGetMonotonic, [8]uint64{scratch}))
		assert.Positive(t, readOut[int64](t, sys, scratch))

		assert.Equal(t, zx.OK, sys.Dispatch(SysEventCreate, [8]uint64{0, scratch}))
		h := readOut[object.HandleValue](t, sys, scratch)
		assert.NotEqual(t, object.InvalidHandle, h)
		assert.Equal(t, zx.OK, sys.Dispatch(SysHandleClose, [8]uint64{uint64(h)}))
	})
}

func TestNumberString(t *testing.T) {
	assert.Equal(t, "channel_write", SysChannelWrite.String())
	assert.Equal(t, "debug_write", SysDebugWrite.String())
	assert.Contains(t, Number(999).String(), "999")
}

func TestThrottle(t *testing.T) {
	k := newKernel(t, Options{SyscallRate: 0.001, SyscallBurst: 1})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		assert.Equal(t, zx.OK, sys.Dispatch(SysHandleClose, [8]uint64{0}))
		assert.Equal(t, zx.ErrShouldWait, sys.Dispatch(SysHandleClose, [8]uint64{0}))
	})
}

func TestStartUnknownEntry(t *testing.T) {
	k := newKernel(t, Options{})
	proc, err := k.NewProcess(newJob(t), "idle")
	require.NoError(t, err)
	th, err := task.NewThread(proc, "main")
	require.NoError(t, err)
	assert.ErrorIs(t, k.Start(th, 0, 0, 0), zx.ErrInvalidArgs)
	assert.ErrorIs(t, k.Start(th, 1<<40, 0, 0), zx.ErrInvalidArgs)
	proc.Kill()
}
