package syscalls

import "fmt"

// Number selects a syscall in Dispatch.
type Number uint32

const (
	SysHandleClose Number = iota + 1
	SysHandleCloseMany
	SysHandleDuplicate
	SysHandleReplace

	SysObjectWaitOne
	SysObjectWaitAsync
	SysObjectSignal
	SysObjectSignalPeer
	SysObjectGetInfo

	SysEventCreate

	SysChannelCreate
	SysChannelRead
	SysChannelReadEtc
	SysChannelWrite
	SysChannelWriteEtc
	SysChannelCallNoretry

	SysPortCreate
	SysPortQueue
	SysPortWait

	SysVmoCreate
	SysVmoRead
	SysVmoWrite
	SysVmoGetSize
	SysVmoSetSize
	SysVmoOpRange
	SysVmoCreateChild

	SysVmarAllocate
	SysVmarMap
	SysVmarUnmap
	SysVmarProtect
	SysVmarDestroy

	SysInterruptCreate
	SysInterruptBind
	SysInterruptAck
	SysInterruptWait
	SysInterruptTrigger
	SysInterruptDestroy

	SysJobCreate
	SysProcessCreate
	SysProcessStart
	SysProcessExit
	SysThreadCreate
	SysThreadStart
	SysTaskKill

	SysNanosleep
	SysClockGetMonotonic
	SysDebugWrite

	numSyscalls
)

var syscallNames = [...]string{
	SysHandleClose:        "handle_close",
	SysHandleCloseMany:    "handle_close_many",
	SysHandleDuplicate:    "handle_duplicate",
	SysHandleReplace:      "handle_replace",
	SysObjectWaitOne:      "object_wait_one",
	SysObjectWaitAsync:    "object_wait_async",
	SysObjectSignal:       "object_signal",
	SysObjectSignalPeer:   "object_signal_peer",
	SysObjectGetInfo:      "object_get_info",
	SysEventCreate:        "event_create",
	SysChannelCreate:      "channel_create",
	SysChannelRead:        "channel_read",
	SysChannelReadEtc:     "channel_read_etc",
	SysChannelWrite:       "channel_write",
	SysChannelWriteEtc:    "channel_write_etc",
	SysChannelCallNoretry: "channel_call_noretry",
	SysPortCreate:         "port_create",
	SysPortQueue:          "port_queue",
	SysPortWait:           "port_wait",
	SysVmoCreate:          "vmo_create",
	SysVmoRead:            "vmo_read",
	SysVmoWrite:           "vmo_write",
	SysVmoGetSize:         "vmo_get_size",
	SysVmoSetSize:         "vmo_set_size",
	SysVmoOpRange:         "vmo_op_range",
	SysVmoCreateChild:     "vmo_create_child",
	SysVmarAllocate:       "vmar_allocate",
	SysVmarMap:            "vmar_map",
	SysVmarUnmap:          "vmar_unmap",
	SysVmarProtect:        "vmar_protect",
	SysVmarDestroy:        "vmar_destroy",
	SysInterruptCreate:    "interrupt_create",
	SysInterruptBind:      "interrupt_bind",
	SysInterruptAck:       "interrupt_ack",
	SysInterruptWait:      "interrupt_wait",
	SysInterruptTrigger:   "interrupt_trigger",
	SysInterruptDestroy:   "interrupt_destroy",
	SysJobCreate:          "job_create",
	SysProcessCreate:      "process_create",
	SysProcessStart:       "process_start",
	SysProcessExit:        "process_exit",
	SysThreadCreate:       "thread_create",
	SysThreadStart:        "thread_start",
	SysTaskKill:           "task_kill",
	SysNanosleep:          "nanosleep",
	SysClockGetMonotonic:  "clock_get_monotonic",
	SysDebugWrite:         "debug_write",
}

func (n Number) String() string {
	if n > 0 && n < numSyscalls {
		return syscallNames[n]
	}
	return fmt.Sprintf("syscall(%d)", uint32(n))
}
