package userboot

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
)

//go:embed default.toml
var defaultManifest []byte

// Manifest lists what boots: child jobs of the root job and the processes
// launched into them.
type Manifest struct {
	Jobs      []JobSpec     `toml:"job"`
	Processes []ProcessSpec `toml:"process"`
}

// JobSpec describes one child job of the root job.
type JobSpec struct {
	Name string `toml:"name"`
	// Deny lists object types nothing under the job may create.
	Deny []string `toml:"deny,omitempty"`
}

// ProcessSpec describes one boot process.
type ProcessSpec struct {
	Name    string `toml:"name"`
	Program string `toml:"program"`
	// Job names a JobSpec; empty means the root job.
	Job  string   `toml:"job,omitempty"`
	Args []string `toml:"args,omitempty"`
	// Channels name the channels the process receives one end of. Each
	// name is shared by exactly two processes.
	Channels []string `toml:"channels,omitempty"`
}

// ParseManifest decodes a TOML manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse boot manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot manifest: %w", err)
	}
	return ParseManifest(data)
}

// DefaultManifest returns the built-in manifest: an echo server and a
// client talking over one channel.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(err)
	}
	return m
}

// Encode renders m back to TOML.
func (m *Manifest) Encode() ([]byte, error) {
	return toml.Marshal(m)
}

// Validate checks m against the programs that can be launched.
func (m *Manifest) Validate(programs *Registry) error {
	jobs := make(map[string]bool, len(m.Jobs))
	for _, j := range m.Jobs {
		if j.Name == "" {
			return errors.New("job without name")
		}
		if jobs[j.Name] {
			return fmt.Errorf("job %q declared twice", j.Name)
		}
		jobs[j.Name] = true
		if _, err := j.denied(); err != nil {
			return err
		}
	}

	names := make(map[string]bool, len(m.Processes))
	for _, p := range m.Processes {
		if p.Name == "" {
			return errors.New("process without name")
		}
		if names[p.Name] {
			return fmt.Errorf("process %q declared twice", p.Name)
		}
		names[p.Name] = true
		if _, ok := programs.Lookup(p.Program); !ok {
			return fmt.Errorf("process %q: unknown program %q", p.Name, p.Program)
		}
		if p.Job != "" && !jobs[p.Job] {
			return fmt.Errorf("process %q: unknown job %q", p.Name, p.Job)
		}
		if len(p.Channels) > object.DefaultMaxHandles {
			return fmt.Errorf("process %q: too many channels", p.Name)
		}
	}

	for name, users := range m.channelUsers() {
		if len(users) != 2 {
			return fmt.Errorf("channel %q has %d ends in use, want 2", name, len(users))
		}
		if users[0] == users[1] {
			return fmt.Errorf("channel %q connects process %q to itself", name, m.Processes[users[0]].Name)
		}
	}
	return nil
}

// channelUsers maps each channel name to the indexes of the processes
// holding its ends, in manifest order.
func (m *Manifest) channelUsers() map[string][]int {
	users := make(map[string][]int)
	for i, p := range m.Processes {
		for _, c := range p.Channels {
			users[c] = append(users[c], i)
		}
	}
	return users
}

func (j JobSpec) denied() ([]object.ObjType, error) {
	types := make([]object.ObjType, 0, len(j.Deny))
	for _, name := range j.Deny {
		t, ok := object.ParseObjType(name)
		if !ok {
			return nil, fmt.Errorf("job %q: unknown object type %q", j.Name, name)
		}
		types = append(types, t)
	}
	return types, nil
}
