package zx

import (
	"errors"
	"fmt"
)

// Status is a kernel result code. Every fallible kernel operation reports one
// of these values, possibly wrapped with context.
type Status int32

const (
	OK              Status = 0
	ErrInternal     Status = -1
	ErrNotSupported Status = -2
	ErrNoResources  Status = -3
	ErrNoMemory     Status = -4

	ErrInvalidArgs    Status = -10
	ErrBadHandle      Status = -11
	ErrWrongType      Status = -12
	ErrBadSyscall     Status = -13
	ErrOutOfRange     Status = -14
	ErrBufferTooSmall Status = -15

	ErrBadState      Status = -20
	ErrTimedOut      Status = -21
	ErrShouldWait    Status = -22
	ErrCanceled      Status = -23
	ErrPeerClosed    Status = -24
	ErrNotFound      Status = -25
	ErrAlreadyExists Status = -26
	ErrAlreadyBound  Status = -27
	ErrUnavailable   Status = -28

	ErrAccessDenied Status = -30
)

var names = map[Status]string{
	OK:                "OK",
	ErrInternal:       "INTERNAL",
	ErrNotSupported:   "NOT_SUPPORTED",
	ErrNoResources:    "NO_RESOURCES",
	ErrNoMemory:       "NO_MEMORY",
	ErrInvalidArgs:    "INVALID_ARGS",
	ErrBadHandle:      "BAD_HANDLE",
	ErrWrongType:      "WRONG_TYPE",
	ErrBadSyscall:     "BAD_SYSCALL",
	ErrOutOfRange:     "OUT_OF_RANGE",
	ErrBufferTooSmall: "BUFFER_TOO_SMALL",
	ErrBadState:       "BAD_STATE",
	ErrTimedOut:       "TIMED_OUT",
	ErrShouldWait:     "SHOULD_WAIT",
	ErrCanceled:       "CANCELED",
	ErrPeerClosed:     "PEER_CLOSED",
	ErrNotFound:       "NOT_FOUND",
	ErrAlreadyExists:  "ALREADY_EXISTS",
	ErrAlreadyBound:   "ALREADY_BOUND",
	ErrUnavailable:    "UNAVAILABLE",
	ErrAccessDenied:   "ACCESS_DENIED",
}

// String returns the canonical upper-case name of the status.
func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.String()
}

// StatusOf maps an error returned by the kernel back onto the taxonomy.
// nil maps to OK; errors that carry no Status map to ErrInternal.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrInternal
}

// BufferTooSmallError reports that a caller-supplied buffer cannot hold the
// result. Bytes and Handles are the sizes the caller must provide to succeed.
type BufferTooSmallError struct {
	Bytes   int
	Handles int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("%s: need %d bytes and %d handles", ErrBufferTooSmall, e.Bytes, e.Handles)
}

// Unwrap returns ErrBufferTooSmall so errors.Is and StatusOf keep working.
func (e *BufferTooSmallError) Unwrap() error {
	return ErrBufferTooSmall
}
