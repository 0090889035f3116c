package syscalls

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// VmOptions are the option bits of the vmar syscalls. Bits 24..31 carry the
// base-2 log of the requested alignment.
type VmOptions uint32

const (
	VmPermRead            VmOptions = 1 << 0
	VmPermWrite           VmOptions = 1 << 1
	VmPermExecute         VmOptions = 1 << 2
	VmCompact             VmOptions = 1 << 3
	VmSpecific            VmOptions = 1 << 4
	VmSpecificOverwrite   VmOptions = 1 << 5
	VmCanMapSpecific      VmOptions = 1 << 6
	VmCanMapRead          VmOptions = 1 << 7
	VmCanMapWrite         VmOptions = 1 << 8
	VmCanMapExecute       VmOptions = 1 << 9
	VmMapRange            VmOptions = 1 << 10
	VmRequireNonResizable VmOptions = 1 << 11
	VmAllowFaults         VmOptions = 1 << 12

	VmCanMapRXW = VmCanMapRead | VmCanMapWrite | VmCanMapExecute
	VmPermRWX   = VmPermRead | VmPermWrite | VmPermExecute
)

const (
	vmAlignShift           = 24
	vmKnown      VmOptions = 1<<13 - 1
)

// VmAlign encodes a 2^pow2 alignment request.
func VmAlign(pow2 uint) VmOptions {
	return VmOptions(pow2) << vmAlignShift
}

func (o VmOptions) flags() VmOptions { return o & (1<<vmAlignShift - 1) }

// alignment decodes bits 24..31: zero means page alignment, otherwise the
// power must lie in [10, 32].
func (o VmOptions) alignment() (uint64, error) {
	pow2 := uint32(o) >> vmAlignShift
	if pow2 == 0 {
		return 0, nil
	}
	if pow2 < 10 || pow2 > 32 {
		return 0, fmt.Errorf("alignment 2^%d: %w", pow2, zx.ErrInvalidArgs)
	}
	return max(uint64(1)<<pow2, vm.PageSize), nil
}

// canMapRights returns the handle rights the CAN_MAP bits require.
func (o VmOptions) canMapRights() object.Rights {
	var r object.Rights
	if o&VmCanMapRead != 0 {
		r |= object.RightRead
	}
	if o&VmCanMapWrite != 0 {
		r |= object.RightWrite
	}
	if o&VmCanMapExecute != 0 {
		r |= object.RightExecute
	}
	return r
}

func (o VmOptions) vmarFlags() vm.VmarFlags {
	var f vm.VmarFlags
	if o&VmCanMapRead != 0 {
		f |= vm.VmarCanMapRead
	}
	if o&VmCanMapWrite != 0 {
		f |= vm.VmarCanMapWrite
	}
	if o&VmCanMapExecute != 0 {
		f |= vm.VmarCanMapExecute
	}
	if o&VmSpecific != 0 {
		f |= vm.VmarSpecific
	}
	return f
}

// perms converts the PERM bits into mapping permissions and the handle
// rights they need.
func (o VmOptions) perms() (vm.MMUFlags, object.Rights) {
	var (
		m vm.MMUFlags
		r object.Rights
	)
	if o&VmPermRead != 0 {
		m |= vm.MMURead
		r |= object.RightRead
	}
	if o&VmPermWrite != 0 {
		m |= vm.MMUWrite
		r |= object.RightWrite
	}
	if o&VmPermExecute != 0 {
		m |= vm.MMUExecute
		r |= object.RightExecute
	}
	return m, r
}

// validPerms rejects write-only and execute-without-read combinations.
func validPerms(o VmOptions) error {
	if o&VmPermRead == 0 && (o&VmPermWrite == 0 || o&VmPermExecute != 0) {
		return fmt.Errorf("permissions %#x without read: %w", uint32(o&VmPermRWX), zx.ErrInvalidArgs)
	}
	return nil
}

// SysVmarAllocate carves a child region out of the region behind handle.
// The parent handle must carry the rights matching the requested CAN_MAP
// bits; the child handle gets the default rights plus those.
func (s *Syscall) SysVmarAllocate(handle object.HandleValue, options VmOptions, offset, size uint64,
	outVmar UserOutPtr[object.HandleValue], outAddr UserOutPtr[uint64]) error {
	if options.flags()&^vmKnown != 0 {
		return fmt.Errorf("vmar options %#x: %w", uint32(options), zx.ErrInvalidArgs)
	}
	if options.flags()&^(VmSpecific|VmCanMapSpecific|VmCompact|VmCanMapRXW) != 0 {
		return fmt.Errorf("vmar allocate options %#x: %w", uint32(options), zx.ErrInvalidArgs)
	}
	perm := options.canMapRights()
	parent, err := object.GetObjectWithRights[*vm.VmAddressRegion](s.proc.Handles(), handle, perm)
	if err != nil {
		return err
	}
	align, err := options.alignment()
	if err != nil {
		return err
	}
	if options&VmSpecific == 0 && offset != 0 {
		return fmt.Errorf("offset %#x without SPECIFIC: %w", offset, zx.ErrInvalidArgs)
	}
	if size == 0 {
		return fmt.Errorf("zero-sized vmar: %w", zx.ErrInvalidArgs)
	}

	var child *vm.VmAddressRegion
	if options&VmSpecific != 0 {
		child, err = parent.AllocateAt(offset, size, options.vmarFlags())
	} else {
		child, err = parent.Allocate(size, options.vmarFlags(), align)
	}
	if err != nil {
		return err
	}
	s.k.log.Debug("vmar allocate",
		zap.Uint64("koid", uint64(child.ID())),
		zap.Uint64("addr", uint64(child.Addr())),
		zap.Uint64("size", child.Size()))

	v, err := s.proc.AddHandle(object.NewHandle(child, object.DefaultVmarRights|perm))
	if err != nil {
		_ = child.Destroy()
		return err
	}
	if err := outVmar.Write(v); err != nil {
		_ = s.proc.Handles().Close(v)
		_ = child.Destroy()
		return err
	}
	return outAddr.Write(uint64(child.Addr()))
}

// SysVmarMap maps len bytes of the VMO at vmoOffset. The mapping gets
// exactly the requested permissions, each of which both handles must allow.
func (s *Syscall) SysVmarMap(handle object.HandleValue, options VmOptions, vmarOffset uint64,
	vmoHandle object.HandleValue, vmoOffset, length uint64, mapped UserOutPtr[uint64]) error {
	if options.flags()&^vmKnown != 0 || options&VmCanMapRXW != 0 {
		return fmt.Errorf("map options %#x: %w", uint32(options), zx.ErrInvalidArgs)
	}
	vmar, vmarRights, err := object.GetObjectAndRights[*vm.VmAddressRegion](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	vmo, vmoRights, err := object.GetObjectAndRights[*vm.VmObject](s.proc.Handles(), vmoHandle)
	if err != nil {
		return err
	}
	if !vmoRights.Contains(object.RightMap) {
		return fmt.Errorf("map vmo %d without MAP: %w", vmo.ID(), zx.ErrAccessDenied)
	}
	if err := validPerms(options); err != nil {
		return err
	}
	specific := options&(VmSpecific|VmSpecificOverwrite) != 0
	if options&VmSpecificOverwrite != 0 {
		return fmt.Errorf("SPECIFIC_OVERWRITE: %w", zx.ErrNotSupported)
	}
	if !specific && vmarOffset != 0 {
		return fmt.Errorf("offset %#x without SPECIFIC: %w", vmarOffset, zx.ErrInvalidArgs)
	}
	flags, need := options.perms()
	if !vmarRights.Contains(need) || !vmoRights.Contains(need) {
		return fmt.Errorf("map %s with vmar %s, vmo %s: %w", flags, vmarRights, vmoRights, zx.ErrAccessDenied)
	}

	var addr vm.VirtAddr
	if specific {
		addr, err = vmar.MapAt(vmarOffset, vmo, vmoOffset, length, flags|vm.MMUUser)
	} else {
		addr, err = vmar.Map(vmo, vmoOffset, length, flags|vm.MMUUser)
	}
	if err != nil {
		return err
	}
	s.k.log.Debug("vmar map",
		zap.Uint64("vmo", uint64(vmo.ID())),
		zap.Uint64("addr", uint64(addr)),
		zap.Stringer("flags", flags))
	if err := mapped.Write(uint64(addr)); err != nil {
		_ = vmar.Unmap(addr, length)
		return err
	}
	return nil
}

// SysVmarUnmap removes the mappings inside [addr, addr+length).
func (s *Syscall) SysVmarUnmap(handle object.HandleValue, addr, length uint64) error {
	vmar, err := object.GetObject[*vm.VmAddressRegion](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	return vmar.Unmap(vm.VirtAddr(addr), length)
}

// SysVmarProtect changes the permissions of the mappings inside the range.
func (s *Syscall) SysVmarProtect(handle object.HandleValue, options VmOptions, addr, length uint64) error {
	if options.flags()&^VmPermRWX != 0 {
		return fmt.Errorf("protect options %#x: %w", uint32(options), zx.ErrInvalidArgs)
	}
	if err := validPerms(options); err != nil {
		return err
	}
	flags, need := options.perms()
	vmar, err := object.GetObjectWithRights[*vm.VmAddressRegion](s.proc.Handles(), handle, need)
	if err != nil {
		return err
	}
	return vmar.Protect(vm.VirtAddr(addr), length, flags|vm.MMUUser)
}

// SysVmarDestroy unmaps everything in the region and its children. The
// handle stays valid; later operations fail with BAD_STATE.
func (s *Syscall) SysVmarDestroy(handle object.HandleValue) error {
	vmar, err := object.GetObject[*vm.VmAddressRegion](s.proc.Handles(), handle)
	if err != nil {
		return err
	}
	return vmar.Destroy()
}
