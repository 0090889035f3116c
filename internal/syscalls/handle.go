package syscalls

import (
	"fmt"
	"slices"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// SysHandleClose closes one handle. Closing the invalid handle is a no-op.
func (s *Syscall) SysHandleClose(handle object.HandleValue) error {
	if handle == object.InvalidHandle {
		return nil
	}
	return s.proc.Handles().Close(handle)
}

// SysHandleCloseMany closes n handles listed at handles. Invalid entries are
// skipped; if any other entry is unknown nothing is closed.
func (s *Syscall) SysHandleCloseMany(handles UserInPtr[object.HandleValue], n int) error {
	if n < 0 || n > object.DefaultMaxHandles {
		return fmt.Errorf("close %d handles: %w", n, zx.ErrOutOfRange)
	}
	values, err := handles.ReadArray(n)
	if err != nil {
		return err
	}
	values = slices.DeleteFunc(values, func(v object.HandleValue) bool {
		return v == object.InvalidHandle
	})
	hs, err := s.proc.Handles().RemoveMany(values)
	if err != nil {
		return err
	}
	object.CloseAll(hs)
	return nil
}

// SysHandleDuplicate installs a copy of handle with rights narrowed to
// rights.
func (s *Syscall) SysHandleDuplicate(handle object.HandleValue, rights object.Rights, out UserOutPtr[object.HandleValue]) error {
	if rights != object.SameRights && !rights.Valid() {
		return fmt.Errorf("rights %#x: %w", uint32(rights), zx.ErrInvalidArgs)
	}
	nv, err := s.proc.Handles().Duplicate(handle, rights)
	if err != nil {
		return err
	}
	return s.writeHandle(out, nv)
}

// SysHandleReplace swaps handle for one with rights narrowed to rights.
// handle is gone afterwards whatever the outcome.
func (s *Syscall) SysHandleReplace(handle object.HandleValue, rights object.Rights, out UserOutPtr[object.HandleValue]) error {
	if rights != object.SameRights && !rights.Valid() {
		return fmt.Errorf("rights %#x: %w", uint32(rights), zx.ErrInvalidArgs)
	}
	nv, err := s.proc.Handles().Replace(handle, rights)
	if err != nil {
		return err
	}
	return s.writeHandle(out, nv)
}

// addHandle installs a fresh capability for obj and writes its value to out.
func (s *Syscall) addHandle(obj object.KernelObject, rights object.Rights, out UserOutPtr[object.HandleValue]) error {
	h := object.NewHandle(obj, rights)
	v, err := s.proc.AddHandle(h)
	if err != nil {
		h.Close()
		return err
	}
	return s.writeHandle(out, v)
}

// writeHandle reports v to the user, closing it again if that fails so the
// process is not left holding a handle it never learned about.
func (s *Syscall) writeHandle(out UserOutPtr[object.HandleValue], v object.HandleValue) error {
	if err := out.Write(v); err != nil {
		_ = s.proc.Handles().Close(v)
		return err
	}
	return nil
}
