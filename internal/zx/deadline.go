package zx

import (
	"context"
	"errors"
	"math"
	"time"
)

// Deadline is an absolute monotonic time in nanoseconds since boot.
type Deadline int64

const (
	// DeadlineInfinite never expires.
	DeadlineInfinite Deadline = math.MaxInt64
	// DeadlinePast has always expired.
	DeadlinePast Deadline = 0
)

var bootTime = time.Now()

// Now returns the current monotonic time as a Deadline-compatible timestamp.
func Now() int64 {
	return int64(time.Since(bootTime))
}

// DeadlineAfter returns the deadline d from now.
func DeadlineAfter(d time.Duration) Deadline {
	return Deadline(Now() + int64(d))
}

// Time converts the deadline to wall-clock time for use with context.
func (d Deadline) Time() time.Time {
	return bootTime.Add(time.Duration(d))
}

// WithDeadline derives a context that expires at d. An infinite deadline
// returns a plain cancelable context.
func WithDeadline(parent context.Context, d Deadline) (context.Context, context.CancelFunc) {
	if d == DeadlineInfinite {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, d.Time())
}

// FromContext maps a context termination onto the kernel taxonomy: an
// expired deadline is ErrTimedOut, anything else is ErrCanceled.
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimedOut
	}
	return ErrCanceled
}
