// Package zx defines the kernel result taxonomy and deadline helpers.
//
// Every fallible kernel operation returns an error whose root cause is a
// Status. Callers wrap statuses with fmt.Errorf("...: %w", err) for context
// and recover the code at the syscall boundary with StatusOf:
//
//	if err := vmo.Write(off, buf); err != nil {
//		return zx.StatusOf(err) // e.g. INVALID_ARGS (-10)
//	}
//
// Status values are fixed signed integers and are what the syscall layer
// hands back to user space.
package zx
