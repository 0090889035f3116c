package userboot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/syscalls"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Registry holds the programs a manifest may name.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]syscalls.Program // Protected by mu
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]syscalls.Program)}
}

// DefaultRegistry returns a registry holding the built-in programs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("echo-server", EchoServer)
	_ = r.Register("echo-client", EchoClient)
	return r
}

// Register adds prog under name.
func (r *Registry) Register(name string, prog syscalls.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[name]; ok {
		return fmt.Errorf("program %q: %w", name, zx.ErrAlreadyExists)
	}
	r.programs[name] = prog
	return nil
}

// Lookup returns the program registered under name.
func (r *Registry) Lookup(name string) (syscalls.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prog, ok := r.programs[name]
	return prog, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// echoTimeout bounds each echo round trip.
const echoTimeout = 5 * time.Second

// EchoServer answers every request on its one channel with the request's own
// bytes until the client hangs up.
func EchoServer(_ context.Context, sys *syscalls.Syscall, arg1, arg2 uint64) error {
	u := newUserMem(sys, arg2)
	_, hs, err := u.bootstrap(arg1)
	if err != nil {
		return err
	}
	if len(hs) != 1 {
		u.closeAll(hs)
		return fmt.Errorf("echo server wants one channel, got %d: %w", len(hs), zx.ErrInvalidArgs)
	}
	ch := hs[0]

	served := 0
	for {
		data, extra, err := u.recv(ch)
		if errors.Is(err, zx.ErrPeerClosed) {
			u.debugf("echo server: served %d requests", served)
			return sys.SysHandleClose(ch)
		}
		if err != nil {
			return err
		}
		u.closeAll(extra)
		if err := u.send(ch, data); err != nil {
			return err
		}
		served++
	}
}

// EchoClient sends each startup argument through its one channel and checks
// the echo.
func EchoClient(_ context.Context, sys *syscalls.Syscall, arg1, arg2 uint64) error {
	u := newUserMem(sys, arg2)
	args, hs, err := u.bootstrap(arg1)
	if err != nil {
		return err
	}
	if len(hs) != 1 {
		u.closeAll(hs)
		return fmt.Errorf("echo client wants one channel, got %d: %w", len(hs), zx.ErrInvalidArgs)
	}
	ch := hs[0]

	for _, arg := range args {
		reply, err := u.call(ch, []byte(arg), zx.DeadlineAfter(echoTimeout))
		if err != nil {
			return fmt.Errorf("echo %q: %w", arg, err)
		}
		if string(reply) != arg {
			return fmt.Errorf("echo %q came back as %q: %w", arg, reply, zx.ErrInternal)
		}
		u.debugf("echo: %s", arg)
	}
	return sys.SysHandleClose(ch)
}
