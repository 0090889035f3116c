package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

func rootVmarHandle(t *testing.T, sys *Syscall) object.HandleValue {
	t.Helper()
	v, err := sys.Process().AddHandle(object.NewHandle(sys.Process().Vmar(), rootVmarRights))
	assert.NoError(t, err)
	return v
}

func TestVmOptionsAlignment(t *testing.T) {
	tests := []struct {
		name string
		opts VmOptions
		want uint64
		err  error
	}{
		{"none", 0, 0, nil},
		{"1k rounds up to a page", VmAlign(10), vm.PageSize, nil},
		{"64k", VmAlign(16), 1 << 16, nil},
		{"4g", VmAlign(32), 1 << 32, nil},
		{"too small", VmAlign(9), 0, zx.ErrInvalidArgs},
		{"too large", VmAlign(33), 0, zx.ErrInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (tt.opts | VmCanMapRead).alignment()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVmarAllocate(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		root := rootVmarHandle(t, sys)
		outH := OutPtr[object.HandleValue](sys, scratch)
		outAddr := OutPtr[uint64](sys, scratch+8)

		tests := []struct {
			name   string
			opts   VmOptions
			offset uint64
			size   uint64
			want   error
		}{
			{"offset without specific", VmCanMapRead, vm.PageSize, vm.PageSize, zx.ErrInvalidArgs},
			{"zero size", VmCanMapRead, 0, 0, zx.ErrInvalidArgs},
			{"bad alignment", VmCanMapRead | VmAlign(4), 0, vm.PageSize, zx.ErrInvalidArgs},
			{"perm bits", VmPermRead, 0, vm.PageSize, zx.ErrInvalidArgs},
			{"unknown bits", VmOptions(1 << 20), 0, vm.PageSize, zx.ErrInvalidArgs},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.ErrorIs(t, sys.SysVmarAllocate(root, tt.opts, tt.offset, tt.size, outH, outAddr), tt.want)
			})
		}

		assert.NoError(t, sys.SysVmarAllocate(root, VmCanMapRead|VmAlign(16), 0, 4*vm.PageSize, outH, outAddr))
		addr := readOut[uint64](t, sys, scratch+8)
		assert.Zero(t, addr%(1<<16))
		child := readOut[object.HandleValue](t, sys, scratch)
		h, err := sys.Process().Handles().Get(child)
		assert.NoError(t, err)
		assert.Equal(t, object.DefaultVmarRights|object.RightRead, h.Rights)

		t.Run("specific overlap", func(t *testing.T) {
			off := addr - uint64(vm.UserAspaceBase)
			err := sys.SysVmarAllocate(root, VmCanMapRead|VmSpecific, off, vm.PageSize, outH, outAddr)
			assert.ErrorIs(t, err, zx.ErrInvalidArgs)
		})

		t.Run("rights beyond parent handle", func(t *testing.T) {
			err := sys.SysVmarAllocate(child, VmCanMapRead|VmCanMapWrite, 0, vm.PageSize, outH, outAddr)
			assert.ErrorIs(t, err, zx.ErrAccessDenied)
		})
	})
}

func TestVmarMap(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		root := rootVmarHandle(t, sys)
		outH := OutPtr[object.HandleValue](sys, scratch)
		outAddr := OutPtr[uint64](sys, scratch+8)

		if !assert.NoError(t, sys.SysVmarAllocate(root, VmCanMapRead|VmCanMapWrite, 0, 8*vm.PageSize, outH, outAddr)) {
			return
		}
		child := readOut[object.HandleValue](t, sys, scratch)
		assert.NoError(t, sys.SysVmoCreate(2*vm.PageSize, 0, outH))
		vmo := readOut[object.HandleValue](t, sys, scratch)

		tests := []struct {
			name   string
			opts   VmOptions
			offset uint64
			want   error
		}{
			{"no permissions", 0, 0, zx.ErrInvalidArgs},
			{"execute without read", VmPermExecute, 0, zx.ErrInvalidArgs},
			{"execute right missing", VmPermRead | VmPermExecute, 0, zx.ErrAccessDenied},
			{"can-map bits", VmPermRead | VmCanMapRead, 0, zx.ErrInvalidArgs},
			{"offset without specific", VmPermRead, vm.PageSize, zx.ErrInvalidArgs},
			{"overwrite", VmPermRead | VmSpecificOverwrite, 0, zx.ErrNotSupported},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := sys.SysVmarMap(child, tt.opts, tt.offset, vmo, 0, 2*vm.PageSize, outAddr)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		assert.NoError(t, sys.SysVmarMap(child, VmPermRead|VmPermWrite|VmSpecific, 2*vm.PageSize, vmo, 0, 2*vm.PageSize, outAddr))
		addr := readOut[uint64](t, sys, scratch+8)

		writeIn(t, sys, addr+vm.PageSize, []byte("mapped")...)
		assert.NoError(t, sys.SysVmoRead(vmo, OutPtr[byte](sys, scratch+64), vm.PageSize, 6))
		got, err := InPtr[byte](sys, scratch+64).ReadArray(6)
		assert.NoError(t, err)
		assert.Equal(t, "mapped", string(got))

		t.Run("protect read only", func(t *testing.T) {
			assert.NoError(t, sys.SysVmarProtect(child, VmPermRead, addr, 2*vm.PageSize))
			err := OutPtr[byte](sys, addr).Write(1)
			assert.ErrorIs(t, err, zx.ErrInvalidArgs)
			assert.ErrorIs(t, sys.SysVmarProtect(child, VmPermExecute, addr, vm.PageSize), zx.ErrInvalidArgs)
		})

		t.Run("vmo without map right", func(t *testing.T) {
			assert.NoError(t, sys.SysHandleDuplicate(vmo, object.RightRead, outH))
			noMap := readOut[object.HandleValue](t, sys, scratch)
			err := sys.SysVmarMap(child, VmPermRead, 0, noMap, 0, vm.PageSize, outAddr)
			assert.ErrorIs(t, err, zx.ErrAccessDenied)
		})

		t.Run("unmap", func(t *testing.T) {
			assert.ErrorIs(t, sys.SysVmarUnmap(child, addr, vm.PageSize), zx.ErrInvalidArgs, "partial")
			assert.NoError(t, sys.SysVmarUnmap(child, addr, 2*vm.PageSize))
			_, err := InPtr[byte](sys, addr).Read()
			assert.ErrorIs(t, err, zx.ErrInvalidArgs)
		})

		t.Run("destroy", func(t *testing.T) {
			assert.NoError(t, sys.SysVmarDestroy(child))
			err := sys.SysVmarMap(child, VmPermRead, 0, vmo, 0, vm.PageSize, outAddr)
			assert.ErrorIs(t, err, zx.ErrBadState)
		})
	})
}
