package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// RetcodeKilled is the exit code of a process terminated by Kill.
const RetcodeKilled int64 = -1024

// ProcessStatus is the lifecycle stage of a process.
type ProcessStatus uint8

const (
	ProcessInit ProcessStatus = iota
	ProcessRunning
	ProcessExited
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessInit:
		return "init"
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	default:
		return fmt.Sprintf("ProcessStatus(%d)", uint8(s))
	}
}

// ProcessOption configures NewProcess.
type ProcessOption func(*processConfig)

type processConfig struct {
	maxHandles int
	mem        vm.PhysMemory
	limit      rate.Limit
	burst      int
}

// WithMaxHandles bounds the process handle table.
func WithMaxHandles(n int) ProcessOption {
	return func(c *processConfig) { c.maxHandles = n }
}

// WithMemory backs the process address space with mem instead of the
// default frame pool.
func WithMemory(mem vm.PhysMemory) ProcessOption {
	return func(c *processConfig) { c.mem = mem }
}

// WithSyscallRate throttles the process to rps syscalls per second with the
// given burst. A zero rps leaves the process unthrottled.
func WithSyscallRate(rps float64, burst int) ProcessOption {
	return func(c *processConfig) {
		c.limit = rate.Limit(rps)
		c.burst = burst
	}
}

// Process owns a handle table, a root address region and its threads.
type Process struct {
	object.Base

	job     weak.Pointer[Job]
	handles *object.HandleTable
	vmar    *vm.VmAddressRegion
	limiter *rate.Limiter

	mu       sync.Mutex
	status   ProcessStatus // Protected by mu
	exitCode int64         // Protected by mu
	threads  []*Thread     // Protected by mu
}

// NewProcess creates a process under job.
func NewProcess(job *Job, name string, opts ...ProcessOption) (*Process, error) {
	if job == nil {
		return nil, fmt.Errorf("process without job: %w", zx.ErrInvalidArgs)
	}
	cfg := processConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.mem == nil {
		cfg.mem = vm.DefaultFramePool()
	}

	p := &Process{
		job:     weak.Make(job),
		handles: object.NewHandleTable(cfg.maxHandles),
		vmar:    vm.NewUserAspace(cfg.mem),
	}
	if cfg.limit > 0 {
		burst := cfg.burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(cfg.limit, burst)
	}
	p.InitBase(object.SignalNone)
	p.SetName(name)
	if err := job.addProcess(p); err != nil {
		_ = p.vmar.Destroy()
		return nil, err
	}
	zap.L().Debug("process created",
		zap.Uint64("koid", uint64(p.ID())),
		zap.String("name", name),
		zap.Uint64("job", uint64(job.ID())))
	return p, nil
}

// Type implements object.KernelObject.
func (p *Process) Type() object.ObjType {
	return object.TypeProcess
}

// Job returns the job that owns p, or nil once it is gone.
func (p *Process) Job() *Job {
	return p.job.Value()
}

// Handles returns the process handle table.
func (p *Process) Handles() *object.HandleTable {
	return p.handles
}

// Vmar returns the root address region.
func (p *Process) Vmar() *vm.VmAddressRegion {
	return p.vmar
}

// AddHandle installs h in the handle table.
func (p *Process) AddHandle(h *object.Handle) (object.HandleValue, error) {
	return p.handles.Add(h)
}

// CheckCreate applies the job policy for a new object of type t.
func (p *Process) CheckCreate(t object.ObjType) error {
	job := p.Job()
	if job == nil {
		return fmt.Errorf("process %d has no job: %w", p.ID(), zx.ErrBadState)
	}
	return job.CheckCreate(t)
}

// Throttle waits for the process syscall budget. It fails with
// zx.ErrShouldWait when the wait cannot finish before ctx expires.
func (p *Process) Throttle(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return zx.FromContext(ctx)
		}
		return fmt.Errorf("syscall rate: %v: %w", err, zx.ErrShouldWait)
	}
	return nil
}

// Status returns the lifecycle stage.
func (p *Process) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the exit code once the process has exited.
func (p *Process) ExitCode() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != ProcessExited {
		return 0, fmt.Errorf("process %d still %s: %w", p.ID(), p.status, zx.ErrBadState)
	}
	return p.exitCode, nil
}

// Threads returns a snapshot of the live threads.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.threads)
}

func (p *Process) addThread(t *Thread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == ProcessExited {
		return fmt.Errorf("process %d exited: %w", p.ID(), zx.ErrBadState)
	}
	p.threads = append(p.threads, t)
	return nil
}

func (p *Process) markRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == ProcessInit {
		p.status = ProcessRunning
	}
}

// threadExited drops t. The process exits with code 0 when its last
// running thread is gone.
func (p *Process) threadExited(t *Thread) {
	p.mu.Lock()
	if i := slices.Index(p.threads, t); i >= 0 {
		p.threads = slices.Delete(p.threads, i, i+1)
	}
	last := p.status == ProcessRunning && len(p.threads) == 0
	p.mu.Unlock()
	if last {
		p.Exit(0)
	}
}

// Exit terminates the process. Every thread is killed, every handle closed
// and the address space destroyed. Later calls are no-ops.
func (p *Process) Exit(code int64) {
	p.mu.Lock()
	if p.status == ProcessExited {
		p.mu.Unlock()
		return
	}
	p.status = ProcessExited
	p.exitCode = code
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()

	for _, t := range threads {
		t.Kill()
	}
	p.handles.CloseAll()
	if err := p.vmar.Destroy(); err != nil {
		zap.L().Debug("process vmar already destroyed", zap.Uint64("koid", uint64(p.ID())))
	}
	if job := p.Job(); job != nil {
		job.removeProcess(p)
	}
	p.SignalSet(object.SignalTaskTerminated)
	zap.L().Info("process exited",
		zap.Uint64("koid", uint64(p.ID())),
		zap.String("name", p.Name()),
		zap.Int64("code", code))
}

// Kill terminates the process with RetcodeKilled.
func (p *Process) Kill() {
	p.Exit(RetcodeKilled)
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait(ctx context.Context) (int64, error) {
	if _, err := p.WaitSignal(ctx, object.SignalTaskTerminated); err != nil {
		return 0, err
	}
	return p.ExitCode()
}

// ProcessInfo describes a process for inspection.
type ProcessInfo struct {
	Koid     object.Koid  `json:"koid"`
	Name     string       `json:"name"`
	Status   string       `json:"status"`
	ExitCode int64        `json:"exit_code"`
	Handles  int          `json:"handles"`
	Threads  []ThreadInfo `json:"threads,omitempty"`
}

// Info returns a snapshot of p.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	info := ProcessInfo{
		Koid:     p.ID(),
		Name:     p.Name(),
		Status:   p.status.String(),
		ExitCode: p.exitCode,
	}
	threads := slices.Clone(p.threads)
	p.mu.Unlock()

	info.Handles = p.handles.Len()
	for _, t := range threads {
		info.Threads = append(info.Threads, t.Info())
	}
	return info
}
