// Package id generates the kernel's sortable identifiers.
//
// Kernel objects are named by koids; the identifiers here label things that
// outlive or sit above a single object:
//   - BootID: one per kernel instance, stamped on every log line
//   - TraceID: one per syscall or debug server request, correlating its logs
//
// Both are ULIDs with a short prefix, so they sort by creation time and are
// recognizable in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// BootID identifies one kernel instance.
type BootID string

// TraceID identifies one syscall invocation or debug server request.
type TraceID string

const (
	BootPrefix  = "boot"
	TracePrefix = "tr"
)

// Generator generates ULIDs that increase monotonically within a
// millisecond.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader // Protected by mu
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator over a custom entropy source,
// for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: ulid.Monotonic(entropy, 0)}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

// NewBootID generates the id of a kernel instance.
func NewBootID() BootID {
	return BootID(Default().GenerateWithPrefix(BootPrefix))
}

// NewTraceID generates a syscall trace id.
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(TracePrefix))
}

func (id BootID) String() string  { return string(id) }
func (id TraceID) String() string { return string(id) }

// Split separates a prefixed id into prefix and ULID.
func Split(id string) (prefix string, u ulid.ULID, err error) {
	prefix, raw, ok := strings.Cut(id, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", id)
	}
	u, err = ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", id, err)
	}
	return prefix, u, nil
}

// Timestamp extracts the creation time of a prefixed id.
func Timestamp(id string) (time.Time, error) {
	_, u, err := Split(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
