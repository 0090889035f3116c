package vm

import "sync/atomic"

var (
	pageFaults   atomic.Uint64
	faultDenials atomic.Uint64
	cowCopies    atomic.Uint64
)

// Stats are process-wide VM counters.
type Stats struct {
	PageFaults   uint64
	FaultDenials uint64
	CowCopies    uint64
}

// ReadStats returns a snapshot of the counters.
func ReadStats() Stats {
	return Stats{
		PageFaults:   pageFaults.Load(),
		FaultDenials: faultDenials.Load(),
		CowCopies:    cowCopies.Load(),
	}
}
