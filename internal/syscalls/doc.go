/*
Package syscalls is the user/kernel boundary.

A Kernel holds the shared state: the executor user threads run on, the IRQ
controller, metrics and the table of startable programs. User code is a
Program, a Go function registered with Kernel.Register whose entry token is
what process_start and thread_start take. A Program reaches the kernel only
through its *Syscall, either by calling the typed Sys* methods or by passing
raw arguments to Dispatch, which decodes them the same way.

User pointers are addresses in the calling process's root VMAR. UserInPtr
and UserOutPtr copy fixed-size little-endian values through the page table,
faulting pages in as needed; a bad address fails with INVALID_ARGS.

Every call ends in a zx.Status. Blocking calls park the thread with
task.Thread.BlockingRun, so a kill ends the wait with CANCELED and a deadline
with TIMED_OUT.
*/
package syscalls
