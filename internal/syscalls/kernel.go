package syscalls

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/dev"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Program is the body of a user thread. It talks to the kernel only through
// sys. arg1 and arg2 are the startup arguments given to process_start or
// thread_start.
type Program func(ctx context.Context, sys *Syscall, arg1, arg2 uint64) error

// Options configure a Kernel.
type Options struct {
	Executor *task.Executor
	IRQ      dev.IRQController
	Metrics  *monitoring.Metrics
	// Memory backs every VMO and address space; nil means the default
	// frame pool.
	Memory vm.Memory
	Logger *zap.Logger

	MaxHandles int
	// SyscallRate and SyscallBurst throttle each process created through
	// process_create. A zero rate disables throttling.
	SyscallRate  float64
	SyscallBurst int
}

// Kernel holds the state shared by every syscall: the executor threads run
// on, the IRQ controller, metrics and the table of startable programs.
type Kernel struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	programs []registered // Protected by mu; entry token is index+1
}

type registered struct {
	name string
	prog Program
}

// NewKernel builds a kernel from opts. Executor is required.
func NewKernel(opts Options) *Kernel {
	if opts.Executor == nil {
		panic("syscalls: kernel without executor")
	}
	if opts.IRQ == nil {
		opts.IRQ = dev.NewSoftIRQController()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Memory == nil {
		opts.Memory = vm.DefaultFramePool()
	}
	return &Kernel{opts: opts, log: opts.Logger.Named("syscall")}
}

// Executor returns the executor threads run on.
func (k *Kernel) Executor() *task.Executor {
	return k.opts.Executor
}

// IRQ returns the interrupt controller.
func (k *Kernel) IRQ() dev.IRQController {
	return k.opts.IRQ
}

// Metrics returns the metrics sink, which may be nil.
func (k *Kernel) Metrics() *monitoring.Metrics {
	return k.opts.Metrics
}

// Register makes prog startable and returns its entry token, the value
// process_start and thread_start take as entry.
func (k *Kernel) Register(name string, prog Program) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.programs = append(k.programs, registered{name: name, prog: prog})
	return uint64(len(k.programs))
}

func (k *Kernel) lookup(entry uint64) (registered, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if entry == 0 || entry > uint64(len(k.programs)) {
		return registered{}, fmt.Errorf("entry %#x: %w", entry, zx.ErrInvalidArgs)
	}
	return k.programs[entry-1], nil
}

// ProcessOptions returns the options every new process is created with.
func (k *Kernel) ProcessOptions() []task.ProcessOption {
	opts := []task.ProcessOption{
		task.WithMaxHandles(k.opts.MaxHandles),
		task.WithMemory(k.opts.Memory),
	}
	if k.opts.SyscallRate > 0 {
		opts = append(opts, task.WithSyscallRate(k.opts.SyscallRate, k.opts.SyscallBurst))
	}
	return opts
}

// NewProcess creates a process under job and counts it.
func (k *Kernel) NewProcess(job *task.Job, name string) (*task.Process, error) {
	proc, err := task.NewProcess(job, name, k.ProcessOptions()...)
	if err != nil {
		return nil, err
	}
	if m := k.opts.Metrics; m != nil {
		m.RecordProcessCreated()
		go func() {
			code, err := proc.Wait(context.Background())
			if err == nil {
				m.RecordProcessExited(code == task.RetcodeKilled)
			}
		}()
	}
	return proc, nil
}

// Start runs the program registered under entry on thread.
func (k *Kernel) Start(thread *task.Thread, entry, arg1, arg2 uint64) error {
	r, err := k.lookup(entry)
	if err != nil {
		return err
	}
	k.log.Debug("thread start",
		zap.String("program", r.name),
		zap.Uint64("thread", uint64(thread.ID())),
		zap.String("process", thread.Proc().Name()))
	return thread.StartWithArgs(k.opts.Executor, func(ctx context.Context, t *task.Thread) error {
		a1, a2 := t.Args()
		return r.prog(ctx, k.Syscall(t), a1, a2)
	}, arg1, arg2)
}

// NewVmo creates a paged VMO in the kernel's memory.
func (k *Kernel) NewVmo(size uint64) (*vm.VmObject, error) {
	return vm.NewPagedWith(k.opts.Memory, size)
}

// Syscall returns the syscall context of thread.
func (k *Kernel) Syscall(thread *task.Thread) *Syscall {
	return &Syscall{k: k, thread: thread, proc: thread.Proc()}
}
