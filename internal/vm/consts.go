package vm

import (
	"math"
	"strings"
)

// PageSize is the granule of every mapping, commit, and page-table entry.
const (
	PageSize  = 4096
	PageShift = 12
)

// User address space handed to every process root VMAR.
const (
	UserAspaceBase VirtAddr = 0x1000_0000
	UserAspaceEnd  VirtAddr = 0x8000_0000_0000
	UserAspaceSize          = uint64(UserAspaceEnd - UserAspaceBase)
)

// PhysAddr is a physical address understood by PhysMemory.
type PhysAddr uint64

// VirtAddr is a virtual address inside an address space.
type VirtAddr uint64

// PageAligned reports whether x is a multiple of PageSize.
func PageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}

// RoundDownPage rounds x down to a page boundary.
func RoundDownPage(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// RoundUpPage rounds x up to a page boundary. ok is false on overflow.
func RoundUpPage(x uint64) (r uint64, ok bool) {
	if x > math.MaxUint64-(PageSize-1) {
		return 0, false
	}
	return (x + PageSize - 1) &^ (PageSize - 1), true
}

func pagesOf(bytes uint64) uint64 {
	return bytes >> PageShift
}

// MMUFlags are the access permissions of a page-table entry or mapping.
type MMUFlags uint32

const (
	MMURead MMUFlags = 1 << iota
	MMUWrite
	MMUExecute
	MMUUser

	MMURW  = MMURead | MMUWrite
	MMURWX = MMURead | MMUWrite | MMUExecute
)

// Contains reports whether f includes every bit of o.
func (f MMUFlags) Contains(o MMUFlags) bool {
	return f&o == o
}

func (f MMUFlags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit MMUFlags
		ch  byte
	}{{MMURead, 'r'}, {MMUWrite, 'w'}, {MMUExecute, 'x'}, {MMUUser, 'u'}} {
		if f&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// VmarFlags describe a region: which permissions its mappings may carry and
// how it was placed.
type VmarFlags uint32

const (
	VmarCanMapRead VmarFlags = 1 << iota
	VmarCanMapWrite
	VmarCanMapExecute
	VmarSpecific

	VmarCanMapMask = VmarCanMapRead | VmarCanMapWrite | VmarCanMapExecute
)

// MMU converts the CAN_MAP bits into the permissions they allow.
func (f VmarFlags) MMU() MMUFlags {
	var m MMUFlags
	if f&VmarCanMapRead != 0 {
		m |= MMURead
	}
	if f&VmarCanMapWrite != 0 {
		m |= MMUWrite
	}
	if f&VmarCanMapExecute != 0 {
		m |= MMUExecute
	}
	return m
}

// VmarFlagsFromMMU converts permissions into the CAN_MAP bits that allow them.
func VmarFlagsFromMMU(m MMUFlags) VmarFlags {
	var f VmarFlags
	if m&MMURead != 0 {
		f |= VmarCanMapRead
	}
	if m&MMUWrite != 0 {
		f |= VmarCanMapWrite
	}
	if m&MMUExecute != 0 {
		f |= VmarCanMapExecute
	}
	return f
}

func (f VmarFlags) String() string {
	s := f.MMU().String()[:3]
	if f&VmarSpecific != 0 {
		s += "+specific"
	}
	return s
}
