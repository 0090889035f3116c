package object

import (
	"strconv"
	"sync/atomic"
)

// Koid is a kernel object identifier, unique for the lifetime of the kernel.
type Koid uint64

// KoidInvalid is never assigned to an object.
const KoidInvalid Koid = 0

// firstKoid leaves the low range free for well-known kernel objects.
const firstKoid = 1024

var nextKoid atomic.Uint64

func init() {
	nextKoid.Store(firstKoid)
}

// NewKoid allocates the next identifier. Identifiers increase monotonically
// and are never reused.
func NewKoid() Koid {
	return Koid(nextKoid.Add(1) - 1)
}

// KoidsAllocated reports how many identifiers have been handed out.
func KoidsAllocated() uint64 {
	return nextKoid.Load() - firstKoid
}

func (k Koid) String() string {
	return strconv.FormatUint(uint64(k), 10)
}
