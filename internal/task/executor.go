package task

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Executor runs threads as goroutines. Shutdown cancels the context every
// thread runs under; Wait blocks until all of them have returned.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewExecutor creates an executor under parent. A positive limit bounds the
// number of threads running at once. The bound is checked on admission only:
// Go fails instead of waiting for a slot, so a thread starting another can
// never block on it.
func NewExecutor(parent context.Context, limit int) *Executor {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &Executor{ctx: gctx, cancel: cancel, group: g}
}

// Go runs fn on a new goroutine with the executor context. It returns
// zx.ErrNoResources when the limit is reached. An error from fn shuts the
// executor down.
func (e *Executor) Go(fn func(ctx context.Context) error) error {
	ok := e.group.TryGo(func() error {
		return fn(e.ctx)
	})
	if !ok {
		return fmt.Errorf("executor at its limit: %w", zx.ErrNoResources)
	}
	return nil
}

// Context returns the context threads run under.
func (e *Executor) Context() context.Context {
	return e.ctx
}

// Shutdown cancels every running thread.
func (e *Executor) Shutdown() {
	e.cancel()
}

// Wait blocks until every goroutine has returned and reports the first
// error.
func (e *Executor) Wait() error {
	defer e.cancel()
	return e.group.Wait()
}
