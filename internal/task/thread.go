package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

const (
	ThreadNew ThreadState = iota
	ThreadRunning
	ThreadBlockedChannel
	ThreadBlockedWaitOne
	ThreadBlockedPort
	ThreadBlockedInterrupt
	ThreadBlockedSleeping
	ThreadDying
	ThreadDead
)

var threadStateNames = [...]string{
	ThreadNew:              "new",
	ThreadRunning:          "running",
	ThreadBlockedChannel:   "blocked_channel",
	ThreadBlockedWaitOne:   "blocked_wait_one",
	ThreadBlockedPort:      "blocked_port",
	ThreadBlockedInterrupt: "blocked_interrupt",
	ThreadBlockedSleeping:  "blocked_sleeping",
	ThreadDying:            "dying",
	ThreadDead:             "dead",
}

func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("ThreadState(%d)", uint8(s))
}

// Blocked reports whether s is one of the blocked states.
func (s ThreadState) Blocked() bool {
	return s >= ThreadBlockedChannel && s <= ThreadBlockedSleeping
}

// Entry is the body of a thread. It runs until it returns or ctx is
// canceled by Kill.
type Entry func(ctx context.Context, t *Thread) error

// Thread is a unit of execution inside a process.
type Thread struct {
	object.Base

	proc *Process

	mu      sync.Mutex
	state   ThreadState        // Protected by mu
	ctx     context.Context    // Protected by mu; set by Start
	cancel  context.CancelFunc // Protected by mu
	exitErr error              // Protected by mu
	args    [2]uint64          // Protected by mu
}

// NewThread creates a thread in proc. It does not run until Start.
func NewThread(proc *Process, name string) (*Thread, error) {
	if err := proc.CheckCreate(object.TypeThread); err != nil {
		return nil, err
	}
	t := &Thread{proc: proc}
	t.InitBase(object.SignalNone)
	t.SetName(name)
	if err := proc.addThread(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Type implements object.KernelObject.
func (t *Thread) Type() object.ObjType {
	return object.TypeThread
}

// Proc returns the owning process.
func (t *Thread) Proc() *Process {
	return t.proc
}

// State returns the current scheduling state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error entry returned with, once the thread is dead.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Start runs entry on exec. A thread starts at most once.
func (t *Thread) Start(exec *Executor, entry Entry) error {
	return t.StartWithArgs(exec, entry, 0, 0)
}

// StartWithArgs runs entry on exec with two startup arguments readable
// through Args.
func (t *Thread) StartWithArgs(exec *Executor, entry Entry, arg1, arg2 uint64) error {
	t.mu.Lock()
	if t.state != ThreadNew {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("thread %d is %s: %w", t.ID(), state, zx.ErrBadState)
	}
	ctx, cancel := context.WithCancel(exec.Context())
	// The goroutine waits for started so it cannot exit before the thread
	// is marked running.
	started := make(chan struct{})
	if err := exec.Go(func(context.Context) error {
		<-started
		err := entry(ctx, t)
		t.exit(err)
		return nil
	}); err != nil {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("start thread %d: %w", t.ID(), err)
	}
	t.ctx, t.cancel = ctx, cancel
	t.args = [2]uint64{arg1, arg2}
	t.state = ThreadRunning
	t.mu.Unlock()

	t.proc.markRunning()
	t.SignalSet(object.SignalThreadRunning)
	close(started)
	return nil
}

func (t *Thread) exit(err error) {
	t.mu.Lock()
	t.state = ThreadDead
	t.exitErr = err
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, zx.ErrCanceled) {
		zap.L().Warn("thread exited with error",
			zap.Uint64("koid", uint64(t.ID())),
			zap.String("name", t.Name()),
			zap.Error(err))
	}
	t.SignalChange(object.SignalThreadRunning, object.SignalTaskTerminated)
	t.proc.threadExited(t)
}

// Kill cancels the thread context. A thread that never started is dead
// immediately.
func (t *Thread) Kill() {
	t.mu.Lock()
	switch t.state {
	case ThreadDead, ThreadDying:
		t.mu.Unlock()
		return
	case ThreadNew:
		t.mu.Unlock()
		t.exit(zx.ErrCanceled)
		return
	}
	t.state = ThreadDying
	cancel := t.cancel
	t.mu.Unlock()
	cancel()
}

// Args returns the startup arguments.
func (t *Thread) Args() (arg1, arg2 uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.args[0], t.args[1]
}

// Context returns the context the thread runs under.
func (t *Thread) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// BlockingRun puts the thread in state for the duration of fn. The context
// passed to fn ends at deadline or when the thread is killed.
func (t *Thread) BlockingRun(state ThreadState, deadline zx.Deadline, fn func(ctx context.Context) error) error {
	if !state.Blocked() {
		return fmt.Errorf("%s is not a blocked state: %w", state, zx.ErrInvalidArgs)
	}
	t.mu.Lock()
	if t.state != ThreadRunning {
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("thread %d is %s: %w", t.ID(), st, zx.ErrBadState)
	}
	t.state = state
	parent := t.ctx
	t.mu.Unlock()

	ctx, cancel := zx.WithDeadline(parent, deadline)
	defer cancel()
	err := fn(ctx)

	t.mu.Lock()
	if t.state == state {
		t.state = ThreadRunning
	}
	t.mu.Unlock()
	return err
}

// Wait blocks until the thread is dead.
func (t *Thread) Wait(ctx context.Context) error {
	_, err := t.WaitSignal(ctx, object.SignalTaskTerminated)
	return err
}

// ThreadInfo describes a thread for inspection.
type ThreadInfo struct {
	Koid  object.Koid `json:"koid"`
	Name  string      `json:"name"`
	State string      `json:"state"`
}

// Info returns a snapshot of t.
func (t *Thread) Info() ThreadInfo {
	return ThreadInfo{Koid: t.ID(), Name: t.Name(), State: t.State().String()}
}
