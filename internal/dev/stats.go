package dev

import "sync/atomic"

var (
	triggered atomic.Uint64
	coalesced atomic.Uint64
)

// Stats are process-wide interrupt counters.
type Stats struct {
	Triggered uint64
	Coalesced uint64
}

// ReadStats returns a snapshot of the counters.
func ReadStats() Stats {
	return Stats{
		Triggered: triggered.Load(),
		Coalesced: coalesced.Load(),
	}
}
