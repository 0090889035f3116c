package userboot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/syscalls"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
)

// ExitFailure is the exit code of a boot process whose program returned an
// error.
const ExitFailure int64 = 1

// Loader launches manifests on a kernel. It is not safe for concurrent use.
type Loader struct {
	k        *syscalls.Kernel
	root     *task.Job
	programs *Registry
	log      *zap.Logger

	entries map[string]uint64
}

// NewLoader creates a loader placing jobs and processes under root. A nil
// root means the root job.
func NewLoader(k *syscalls.Kernel, root *task.Job, programs *Registry, log *zap.Logger) *Loader {
	if root == nil {
		root = task.RootJob()
	}
	if log == nil {
		log = zap.L()
	}
	return &Loader{
		k:        k,
		root:     root,
		programs: programs,
		log:      log.Named("userboot"),
		entries:  make(map[string]uint64),
	}
}

// Boot is a launched manifest.
type Boot struct {
	Jobs      map[string]*task.Job
	Processes []*task.Process
}

// Wait blocks until every boot process has exited. Processes that exited
// with a nonzero code are reported together.
func (b *Boot) Wait(ctx context.Context) error {
	var errs []error
	for _, p := range b.Processes {
		code, err := p.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", p.Name(), err)
		}
		if code != 0 {
			errs = append(errs, fmt.Errorf("process %s exited with code %d", p.Name(), code))
		}
	}
	return errors.Join(errs...)
}

// Kill terminates every boot job and process.
func (b *Boot) Kill() {
	for _, p := range b.Processes {
		p.Kill()
	}
	for _, j := range b.Jobs {
		j.Kill()
	}
}

// Launch validates m and starts its processes in manifest order. If any
// process fails to start, everything already launched is killed.
func (l *Loader) Launch(m *Manifest) (*Boot, error) {
	if err := m.Validate(l.programs); err != nil {
		return nil, fmt.Errorf("invalid boot manifest: %w", err)
	}

	b := &Boot{Jobs: make(map[string]*task.Job, len(m.Jobs))}
	for _, spec := range m.Jobs {
		job, err := l.newJob(spec)
		if err != nil {
			b.Kill()
			return nil, err
		}
		b.Jobs[spec.Name] = job
	}

	ends := l.channelEnds(m)
	defer func() {
		// Ends not handed to a process are dropped.
		for _, hs := range ends {
			object.CloseAll(hs)
		}
	}()

	for i, spec := range m.Processes {
		job := l.root
		if spec.Job != "" {
			job = b.Jobs[spec.Job]
		}
		handles := ends[i]
		delete(ends, i)
		proc, err := l.launch(job, spec, handles)
		if err != nil {
			b.Kill()
			return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
		}
		b.Processes = append(b.Processes, proc)
	}
	l.log.Info("boot manifest launched",
		zap.Int("jobs", len(b.Jobs)),
		zap.Int("processes", len(b.Processes)))
	return b, nil
}

func (l *Loader) newJob(spec JobSpec) (*task.Job, error) {
	denied, err := spec.denied()
	if err != nil {
		return nil, err
	}
	job, err := task.NewJob(l.root)
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", spec.Name, err)
	}
	job.SetName(spec.Name)
	if err := job.Deny(denied...); err != nil {
		job.Kill()
		return nil, err
	}
	l.log.Debug("job created", zap.String("name", spec.Name), zap.Strings("deny", spec.Deny))
	return job, nil
}

// channelEnds creates every named channel and returns, per process index,
// the handles it receives in the order of its channels list.
func (l *Loader) channelEnds(m *Manifest) map[int][]*object.Handle {
	ends := make(map[int][]*object.Handle, len(m.Processes))
	for i, spec := range m.Processes {
		ends[i] = make([]*object.Handle, 0, len(spec.Channels))
	}
	created := make(map[string]*ipc.Channel)
	for i, spec := range m.Processes {
		for _, name := range spec.Channels {
			var end *ipc.Channel
			if peer, ok := created[name]; ok {
				end = peer
				delete(created, name)
			} else {
				a, b := ipc.NewChannel()
				created[name], end = b, a
			}
			ends[i] = append(ends[i], object.NewHandle(end, object.DefaultChannelRights))
		}
	}
	return ends
}

// launch creates one process, maps its scratch region, queues its bootstrap
// message and starts its main thread. handles belong to the callee.
func (l *Loader) launch(job *task.Job, spec ProcessSpec, handles []*object.Handle) (*task.Process, error) {
	proc, err := l.k.NewProcess(job, spec.Name)
	if err != nil {
		object.CloseAll(handles)
		return nil, err
	}
	fail := func(err error) (*task.Process, error) {
		object.CloseAll(handles)
		proc.Kill()
		return nil, err
	}

	scratch, err := l.k.NewVmo(ScratchSize)
	if err != nil {
		return fail(err)
	}
	addr, err := proc.Vmar().Map(scratch, 0, ScratchSize, vm.MMURW|vm.MMUUser)
	if err != nil {
		return fail(err)
	}
	thread, err := task.NewThread(proc, "main")
	if err != nil {
		return fail(err)
	}

	bootstrap, err := l.sendBootstrap(proc, spec, handles)
	handles = nil
	if err != nil {
		return fail(err)
	}

	entry, err := l.entry(spec.Program)
	if err != nil {
		return fail(err)
	}
	if err := l.k.Start(thread, entry, uint64(bootstrap), uint64(addr)); err != nil {
		return fail(err)
	}
	l.log.Info("process launched",
		zap.String("name", spec.Name),
		zap.String("program", spec.Program),
		zap.Uint64("koid", uint64(proc.ID())),
		zap.Uint64("job", uint64(job.ID())))
	return proc, nil
}

// sendBootstrap gives proc its end of a fresh bootstrap channel and queues
// the startup message on it. The loader's end is closed right away; the
// message stays readable. handles are consumed either way.
func (l *Loader) sendBootstrap(proc *task.Process, spec ProcessSpec, handles []*object.Handle) (object.HandleValue, error) {
	ours, theirs := ipc.NewChannel()
	ourHandle := object.NewHandle(ours, object.DefaultChannelRights)
	defer ourHandle.Close()

	theirHandle := object.NewHandle(theirs, object.DefaultChannelRights)
	v, err := proc.AddHandle(theirHandle)
	if err != nil {
		theirHandle.Close()
		object.CloseAll(handles)
		return object.InvalidHandle, err
	}

	msg := &ipc.MessagePacket{
		Data:    []byte(strings.Join(spec.Args, "\x00")),
		Handles: handles,
	}
	if err := ours.Write(msg); err != nil {
		msg.Close()
		return object.InvalidHandle, fmt.Errorf("bootstrap message: %w", err)
	}
	return v, nil
}

// entry returns the entry token of the named program, registering it with
// the kernel on first use. A program returning an error ends its process
// with ExitFailure.
func (l *Loader) entry(name string) (uint64, error) {
	if e, ok := l.entries[name]; ok {
		return e, nil
	}
	prog, ok := l.programs.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown program %q", name)
	}
	e := l.k.Register(name, func(ctx context.Context, sys *syscalls.Syscall, arg1, arg2 uint64) error {
		err := prog(ctx, sys, arg1, arg2)
		if err != nil && ctx.Err() == nil {
			_ = sys.SysProcessExit(ExitFailure)
		}
		return err
	})
	l.entries[name] = e
	return e, nil
}
