package object

import "strings"

// Rights is the bitset gating which operations a handle permits.
type Rights uint32

const (
	RightNone Rights = 0

	RightDuplicate     Rights = 1 << 0
	RightTransfer      Rights = 1 << 1
	RightRead          Rights = 1 << 2
	RightWrite         Rights = 1 << 3
	RightExecute       Rights = 1 << 4
	RightMap           Rights = 1 << 5
	RightGetProperty   Rights = 1 << 6
	RightSetProperty   Rights = 1 << 7
	RightEnumerate     Rights = 1 << 8
	RightDestroy       Rights = 1 << 9
	RightSetPolicy     Rights = 1 << 10
	RightGetPolicy     Rights = 1 << 11
	RightSignal        Rights = 1 << 12
	RightSignalPeer    Rights = 1 << 13
	RightWait          Rights = 1 << 14
	RightInspect       Rights = 1 << 15
	RightManageJob     Rights = 1 << 16
	RightManageProcess Rights = 1 << 17
	RightManageThread  Rights = 1 << 18
	RightApplyProfile  Rights = 1 << 19

	// SameRights asks duplicate/replace to keep the source rights.
	SameRights Rights = 1 << 31
)

const (
	RightsBasic    = RightTransfer | RightDuplicate | RightWait | RightInspect
	RightsIO       = RightRead | RightWrite
	RightsProperty = RightGetProperty | RightSetProperty
	RightsPolicy   = RightGetPolicy | RightSetPolicy
	RightsManage   = RightManageJob | RightManageProcess | RightManageThread
	RightsAll      = Rights(1<<20) - 1

	DefaultChannelRights   = (RightsBasic &^ RightDuplicate) | RightsIO | RightSignal | RightSignalPeer
	DefaultVmoRights       = RightsBasic | RightsIO | RightsProperty | RightMap | RightSignal
	DefaultVmarRights      = RightsBasic &^ RightWait
	DefaultPortRights      = (RightsBasic &^ RightWait) | RightsIO
	DefaultInterruptRights = RightsBasic | RightsIO | RightSignal
	DefaultEventRights     = RightsBasic | RightSignal
	DefaultJobRights       = RightsBasic | RightsIO | RightsProperty | RightsPolicy | RightEnumerate |
		RightDestroy | RightSignal | RightsManage
	DefaultProcessRights = RightsBasic | RightsIO | RightsProperty | RightEnumerate | RightDestroy |
		RightSignal | RightManageProcess | RightManageThread
	DefaultThreadRights = RightsBasic | RightsIO | RightsProperty | RightDestroy | RightSignal |
		RightManageThread
)

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightDuplicate, "DUPLICATE"},
	{RightTransfer, "TRANSFER"},
	{RightRead, "READ"},
	{RightWrite, "WRITE"},
	{RightExecute, "EXECUTE"},
	{RightMap, "MAP"},
	{RightGetProperty, "GET_PROPERTY"},
	{RightSetProperty, "SET_PROPERTY"},
	{RightEnumerate, "ENUMERATE"},
	{RightDestroy, "DESTROY"},
	{RightSetPolicy, "SET_POLICY"},
	{RightGetPolicy, "GET_POLICY"},
	{RightSignal, "SIGNAL"},
	{RightSignalPeer, "SIGNAL_PEER"},
	{RightWait, "WAIT"},
	{RightInspect, "INSPECT"},
	{RightManageJob, "MANAGE_JOB"},
	{RightManageProcess, "MANAGE_PROCESS"},
	{RightManageThread, "MANAGE_THREAD"},
	{RightApplyProfile, "APPLY_PROFILE"},
}

// Contains reports whether every right in o is present in r.
func (r Rights) Contains(o Rights) bool {
	return r&o == o
}

// Valid reports whether r only names defined rights.
func (r Rights) Valid() bool {
	return r&^RightsAll == 0
}

func (r Rights) String() string {
	if r == RightNone {
		return "NONE"
	}
	if r == SameRights {
		return "SAME_RIGHTS"
	}
	var parts []string
	for _, n := range rightNames {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
