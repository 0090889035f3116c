package syscalls

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// VmoOp selects the operation of vmo_op_range.
type VmoOp uint32

const (
	VmoOpCommit   VmoOp = 1
	VmoOpDecommit VmoOp = 2
)

// Child options of vmo_create_child. Both request a copy-on-write clone.
const (
	VmoChildSnapshot               uint32 = 1 << 0
	VmoChildSnapshotAtLeastOnWrite uint32 = 1 << 4
)

// maxVmoTransfer bounds a single vmo_read or vmo_write.
const maxVmoTransfer = 1 << 24

// SysVmoCreate creates a paged VMO of size bytes, rounded up to pages.
func (s *Syscall) SysVmoCreate(size uint64, options uint32, out UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("vmo options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if err := s.proc.CheckCreate(object.TypeVmo); err != nil {
		return err
	}
	vmo, err := s.k.NewVmo(size)
	if err != nil {
		return err
	}
	s.k.log.Debug("vmo create", zap.Uint64("koid", uint64(vmo.ID())), zap.Uint64("size", vmo.Len()))
	return s.addHandle(vmo, object.DefaultVmoRights, out)
}

// SysVmoRead copies length bytes at offset into the caller's buffer.
func (s *Syscall) SysVmoRead(handle object.HandleValue, buf UserOutPtr[byte], offset, length uint64) error {
	vmo, err := object.GetObjectWithRights[*vm.VmObject](s.proc.Handles(), handle, object.RightRead)
	if err != nil {
		return err
	}
	if length > maxVmoTransfer {
		return fmt.Errorf("vmo read of %d bytes: %w", length, zx.ErrOutOfRange)
	}
	data := make([]byte, length)
	if err := vmo.Read(offset, data); err != nil {
		return err
	}
	return buf.WriteArray(data)
}

// SysVmoWrite copies length bytes from the caller's buffer to offset.
func (s *Syscall) SysVmoWrite(handle object.HandleValue, buf UserInPtr[byte], offset, length uint64) error {
	vmo, err := object.GetObjectWithRights[*vm.VmObject](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	if length > maxVmoTransfer {
		return fmt.Errorf("vmo write of %d bytes: %w", length, zx.ErrOutOfRange)
	}
	data, err := buf.ReadArray(int(length))
	if err != nil {
		return err
	}
	return vmo.Write(offset, data)
}

// SysVmoGetSize reports the VMO size.
func (s *Syscall) SysVmoGetSize(handle object.HandleValue, size UserOutPtr[uint64]) error {
	vmo, err := object.GetObject[*vm.VmObject](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	return size.Write(vmo.Len())
}

// SysVmoSetSize resizes a paged VMO.
func (s *Syscall) SysVmoSetSize(handle object.HandleValue, size uint64) error {
	vmo, err := object.GetObjectWithRights[*vm.VmObject](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	return vmo.SetLen(size)
}

// SysVmoOpRange commits or decommits the pages covering [offset, offset+size).
func (s *Syscall) SysVmoOpRange(handle object.HandleValue, op VmoOp, offset, size uint64) error {
	vmo, err := object.GetObjectWithRights[*vm.VmObject](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	switch op {
	case VmoOpCommit:
		return vmo.Commit(offset, size)
	case VmoOpDecommit:
		return vmo.Decommit(offset, size)
	}
	return fmt.Errorf("vmo op %d: %w", op, zx.ErrNotSupported)
}

// SysVmoCreateChild clones [offset, offset+size) copy-on-write. The child
// handle carries the parent handle's rights plus WRITE.
func (s *Syscall) SysVmoCreateChild(handle object.HandleValue, options uint32, offset, size uint64, out UserOutPtr[object.HandleValue]) error {
	if options&^(VmoChildSnapshot|VmoChildSnapshotAtLeastOnWrite) != 0 || options == 0 {
		return fmt.Errorf("vmo child options %#x: %w", options, zx.ErrInvalidArgs)
	}
	vmo, rights, err := object.GetObjectAndRights[*vm.VmObject](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	if !rights.Contains(object.RightDuplicate | object.RightRead) {
		return fmt.Errorf("clone vmo %d with %s: %w", vmo.ID(), rights, zx.ErrAccessDenied)
	}
	if err := s.proc.CheckCreate(object.TypeVmo); err != nil {
		return err
	}
	child, err := vmo.CreateChild(offset, size)
	if err != nil {
		return err
	}
	return s.addHandle(child, rights|object.RightWrite, out)
}
