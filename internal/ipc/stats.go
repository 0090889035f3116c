package ipc

import "sync/atomic"

var (
	messagesWritten atomic.Uint64
	messagesRead    atomic.Uint64
	callsTimedOut   atomic.Uint64
	portPackets     atomic.Uint64
)

// Stats are process-wide IPC counters.
type Stats struct {
	MessagesWritten uint64
	MessagesRead    uint64
	CallsTimedOut   uint64
	PortPackets     uint64
}

// ReadStats returns a snapshot of the counters.
func ReadStats() Stats {
	return Stats{
		MessagesWritten: messagesWritten.Load(),
		MessagesRead:    messagesRead.Load(),
		CallsTimedOut:   callsTimedOut.Load(),
		PortPackets:     portPackets.Load(),
	}
}
