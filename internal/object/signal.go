package object

import "strings"

// Signal is the set of sticky, waitable bits on a kernel object.
type Signal uint32

const (
	SignalNone Signal = 0

	SignalReadable   Signal = 1 << 0
	SignalWritable   Signal = 1 << 1
	SignalPeerClosed Signal = 1 << 2
	SignalSignaled   Signal = 1 << 3
	SignalInterrupt  Signal = 1 << 4

	// SignalHandleClosed is reported to a wait whose handle is closed or
	// replaced while it blocks. It is never set on an object.
	SignalHandleClosed Signal = 1 << 23

	SignalUser0 Signal = 1 << 24
	SignalUser1 Signal = 1 << 25
	SignalUser2 Signal = 1 << 26
	SignalUser3 Signal = 1 << 27
	SignalUser4 Signal = 1 << 28
	SignalUser5 Signal = 1 << 29
	SignalUser6 Signal = 1 << 30
	SignalUser7 Signal = 1 << 31

	SignalUserAll = SignalUser0 | SignalUser1 | SignalUser2 | SignalUser3 |
		SignalUser4 | SignalUser5 | SignalUser6 | SignalUser7

	// Task aliases.
	SignalTaskTerminated  = SignalSignaled
	SignalJobNoProcesses  = SignalWritable
	SignalThreadRunning   = SignalReadable
	SignalThreadSuspended = SignalWritable
)

var signalNames = []struct {
	bit  Signal
	name string
}{
	{SignalReadable, "READABLE"},
	{SignalWritable, "WRITABLE"},
	{SignalPeerClosed, "PEER_CLOSED"},
	{SignalSignaled, "SIGNALED"},
	{SignalInterrupt, "INTERRUPT"},
	{SignalHandleClosed, "HANDLE_CLOSED"},
}

// Contains reports whether every bit of o is set in s.
func (s Signal) Contains(o Signal) bool {
	return s&o == o
}

func (s Signal) String() string {
	if s == SignalNone {
		return "NONE"
	}
	var parts []string
	for _, n := range signalNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if s&SignalUserAll != 0 {
		parts = append(parts, "USER")
	}
	return strings.Join(parts, "|")
}
