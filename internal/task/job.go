package task

import (
	"fmt"
	"slices"
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Job is a node of the task tree. It owns child jobs and processes, and
// passes its policy down to everything created under it.
type Job struct {
	object.Base

	parent weak.Pointer[Job]

	mu        sync.Mutex
	children  []*Job                  // Protected by mu
	processes []*Process              // Protected by mu
	denied    map[object.ObjType]bool // Protected by mu
	killed    bool                    // Protected by mu
}

var (
	rootOnce sync.Once
	rootJob  *Job
)

// RootJob returns the job at the top of the task tree.
func RootJob() *Job {
	rootOnce.Do(func() {
		rootJob = newJob(nil)
		rootJob.SetName("root")
	})
	return rootJob
}

func newJob(parent *Job) *Job {
	j := &Job{denied: make(map[object.ObjType]bool)}
	j.InitBase(object.SignalJobNoProcesses)
	if parent != nil {
		j.parent = weak.Make(parent)
	}
	return j
}

// NewJob creates a child of parent. The child inherits parent's policy.
func NewJob(parent *Job) (*Job, error) {
	if parent == nil {
		return nil, fmt.Errorf("job without parent: %w", zx.ErrInvalidArgs)
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.killed {
		return nil, fmt.Errorf("job %d killed: %w", parent.ID(), zx.ErrBadState)
	}
	if parent.denied[object.TypeJob] {
		return nil, fmt.Errorf("job %d policy: %w", parent.ID(), zx.ErrAccessDenied)
	}
	j := newJob(parent)
	for t := range parent.denied {
		j.denied[t] = true
	}
	parent.children = append(parent.children, j)
	return j, nil
}

// Type implements object.KernelObject.
func (j *Job) Type() object.ObjType {
	return object.TypeJob
}

// Parent returns the parent job, or nil for the root.
func (j *Job) Parent() *Job {
	return j.parent.Value()
}

// Deny forbids creating objects of the given types anywhere under j. Denials
// only accumulate.
func (j *Job) Deny(types ...object.ObjType) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.children) > 0 || len(j.processes) > 0 {
		return fmt.Errorf("job %d policy is fixed once populated: %w", j.ID(), zx.ErrBadState)
	}
	for _, t := range types {
		j.denied[t] = true
	}
	return nil
}

// CheckCreate reports zx.ErrAccessDenied if j's policy forbids creating an
// object of type t.
func (j *Job) CheckCreate(t object.ObjType) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.denied[t] {
		return fmt.Errorf("job %d policy denies %s: %w", j.ID(), t, zx.ErrAccessDenied)
	}
	return nil
}

func (j *Job) addProcess(p *Process) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.killed {
		return fmt.Errorf("job %d killed: %w", j.ID(), zx.ErrBadState)
	}
	if j.denied[object.TypeProcess] {
		return fmt.Errorf("job %d policy denies process: %w", j.ID(), zx.ErrAccessDenied)
	}
	j.processes = append(j.processes, p)
	j.SignalClear(object.SignalJobNoProcesses)
	return nil
}

func (j *Job) removeProcess(p *Process) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i := slices.Index(j.processes, p); i >= 0 {
		j.processes = slices.Delete(j.processes, i, i+1)
	}
	if len(j.processes) == 0 {
		j.SignalSet(object.SignalJobNoProcesses)
	}
}

func (j *Job) removeChild(c *Job) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i := slices.Index(j.children, c); i >= 0 {
		j.children = slices.Delete(j.children, i, i+1)
	}
}

// Children returns a snapshot of the child jobs.
func (j *Job) Children() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.children)
}

// Processes returns a snapshot of the processes directly under j.
func (j *Job) Processes() []*Process {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.processes)
}

// Kill terminates every process and job under j, then j itself. Nothing can
// be created under a killed job.
func (j *Job) Kill() {
	j.mu.Lock()
	if j.killed {
		j.mu.Unlock()
		return
	}
	j.killed = true
	children := slices.Clone(j.children)
	processes := slices.Clone(j.processes)
	j.mu.Unlock()

	for _, c := range children {
		c.Kill()
	}
	for _, p := range processes {
		p.Kill()
	}
	if parent := j.Parent(); parent != nil {
		parent.removeChild(j)
	}
	j.SignalSet(object.SignalTaskTerminated)
	zap.L().Info("job killed", zap.Uint64("koid", uint64(j.ID())), zap.String("name", j.Name()))
}

// FindProcess searches the subtree for the process with koid.
func (j *Job) FindProcess(koid object.Koid) (*Process, bool) {
	for _, p := range j.Processes() {
		if p.ID() == koid {
			return p, true
		}
	}
	for _, c := range j.Children() {
		if p, ok := c.FindProcess(koid); ok {
			return p, true
		}
	}
	return nil, false
}

// JobInfo describes a job subtree for inspection.
type JobInfo struct {
	Koid      object.Koid   `json:"koid"`
	Name      string        `json:"name"`
	Children  []JobInfo     `json:"children,omitempty"`
	Processes []ProcessInfo `json:"processes,omitempty"`
}

// Info returns a snapshot of the subtree rooted at j.
func (j *Job) Info() JobInfo {
	info := JobInfo{Koid: j.ID(), Name: j.Name()}
	for _, c := range j.Children() {
		info.Children = append(info.Children, c.Info())
	}
	for _, p := range j.Processes() {
		info.Processes = append(info.Processes, p.Info())
	}
	return info
}
