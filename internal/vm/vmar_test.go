package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

const testBase VirtAddr = 0x10_0000

func newRoot(t *testing.T, pages uint64) (*VmAddressRegion, *SoftPageTable, *FramePool) {
	t.Helper()
	pool := newPool(t, 64)
	pt := NewSoftPageTable()
	return NewRootVmar(testBase, pages*PageSize, pt, pool), pt, pool
}

func TestAllocateSpecific(t *testing.T) {
	root, _, _ := newRoot(t, 16)

	first, err := root.AllocateAt(0, 4*PageSize, VmarCanMapMask)
	require.NoError(t, err)
	assert.Equal(t, testBase, first.Addr())

	tests := []struct {
		name   string
		offset uint64
		size   uint64
	}{
		{"overlaps sibling", 2 * PageSize, 4 * PageSize},
		{"past parent end", 15 * PageSize, 2 * PageSize},
		{"unaligned offset", 4*PageSize + 1, PageSize},
		{"offset beyond parent", 17 * PageSize, PageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.AllocateAt(tt.offset, tt.size, VmarCanMapMask)
			assert.ErrorIs(t, err, zx.ErrInvalidArgs)
		})
	}

	require.NoError(t, first.Destroy())
	again, err := root.AllocateAt(2*PageSize, 4*PageSize, VmarCanMapMask)
	require.NoError(t, err, "range is reusable after destroy")
	assert.Equal(t, testBase+2*PageSize, again.Addr())
}

func TestAllocateFirstFit(t *testing.T) {
	root, _, _ := newRoot(t, 16)

	a, err := root.Allocate(PageSize, VmarCanMapMask, 0)
	require.NoError(t, err)
	assert.Equal(t, testBase, a.Addr())

	b, err := root.Allocate(PageSize, VmarCanMapMask, 4*PageSize)
	require.NoError(t, err)
	assert.Equal(t, testBase+4*PageSize, b.Addr(), "aligned past the first child")

	c, err := root.Allocate(2*PageSize, VmarCanMapMask, 0)
	require.NoError(t, err)
	assert.Equal(t, testBase+PageSize, c.Addr(), "fills the gap before b")

	_, err = root.Allocate(32*PageSize, VmarCanMapMask, 0)
	assert.ErrorIs(t, err, zx.ErrNotFound)

	_, err = root.Allocate(PageSize, VmarCanMapMask, 3*PageSize)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs)

	_, err = root.Allocate(0, VmarCanMapMask, 0)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs)
}

func TestChildFlagsNarrow(t *testing.T) {
	root, _, pool := newRoot(t, 16)

	ro, err := root.Allocate(4*PageSize, VmarCanMapRead, 0)
	require.NoError(t, err)
	assert.Equal(t, VmarCanMapRead, ro.Flags())

	inner, err := ro.Allocate(PageSize, VmarCanMapRead|VmarCanMapWrite, 0)
	require.NoError(t, err)
	assert.Equal(t, VmarCanMapRead, inner.Flags())

	vmo, err := NewPagedWith(pool, PageSize)
	require.NoError(t, err)
	_, err = inner.Map(vmo, 0, PageSize, MMURW)
	assert.ErrorIs(t, err, zx.ErrAccessDenied)

	_, err = inner.Map(vmo, 0, PageSize, MMURead)
	assert.NoError(t, err)
}

func TestMapFaultAndUserMemory(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, 4*PageSize)
	require.NoError(t, err)

	addr, err := root.Map(vmo, 0, 4*PageSize, MMURW)
	require.NoError(t, err)

	require.NoError(t, root.WriteMemory(addr+10, []byte("hello")))
	got := make([]byte, 5)
	require.NoError(t, vmo.Read(10, got))
	assert.Equal(t, "hello", string(got))

	require.NoError(t, vmo.Write(PageSize, []byte("world")))
	require.NoError(t, root.ReadMemory(addr+PageSize, got))
	assert.Equal(t, "world", string(got))

	m, err := root.FindMapping(addr + 3*PageSize)
	require.NoError(t, err)
	assert.Same(t, vmo, m.Vmo())
}

func TestMapEagerlyInstallsCommittedPages(t *testing.T) {
	root, pt, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, 4*PageSize)
	require.NoError(t, err)
	require.NoError(t, vmo.Commit(0, 2*PageSize))

	addr, err := root.Map(vmo, 0, 4*PageSize, MMURead)
	require.NoError(t, err)
	assert.Equal(t, 2, pt.Len())

	_, flags, err := pt.Query(addr)
	require.NoError(t, err)
	assert.Equal(t, MMURead|MMUUser, flags)
}

func TestMapValidation(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, 2*PageSize)
	require.NoError(t, err)

	_, err = root.Map(vmo, PageSize, 2*PageSize, MMURead)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs, "beyond vmo size")

	_, err = root.Map(vmo, 1, PageSize, MMURead)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs, "unaligned vmo offset")

	_, err = root.MapAt(0, vmo, 0, PageSize, MMURead)
	require.NoError(t, err)
	_, err = root.MapAt(0, vmo, 0, PageSize, MMURead)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs, "overlap")
}

func TestPageFaultErrors(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, PageSize)
	require.NoError(t, err)

	addr, err := root.Map(vmo, 0, PageSize, MMURead)
	require.NoError(t, err)

	assert.ErrorIs(t, root.HandlePageFault(addr+8*PageSize, MMURead), zx.ErrNotFound)
	assert.ErrorIs(t, root.HandlePageFault(addr, MMUWrite), zx.ErrAccessDenied)
	assert.NoError(t, root.HandlePageFault(addr, MMURead))
	assert.ErrorIs(t, root.WriteMemory(addr, []byte{1}), zx.ErrAccessDenied)
}

func TestUnmapWholeMappingsOnly(t *testing.T) {
	root, pt, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, 4*PageSize)
	require.NoError(t, err)

	addr, err := root.Map(vmo, 0, 4*PageSize, MMURW)
	require.NoError(t, err)
	require.NoError(t, root.WriteMemory(addr, make([]byte, 4*PageSize)))
	assert.Equal(t, 4, pt.Len())

	t.Run("partial range rejected", func(t *testing.T) {
		assert.ErrorIs(t, root.Unmap(addr+PageSize, PageSize), zx.ErrInvalidArgs)
		assert.ErrorIs(t, root.Unmap(addr, 2*PageSize), zx.ErrInvalidArgs)
		_, err := root.FindMapping(addr)
		assert.NoError(t, err, "mapping survives a rejected unmap")
		assert.Equal(t, 4, pt.Len())
	})

	t.Run("exact range removes mapping", func(t *testing.T) {
		require.NoError(t, root.Unmap(addr, 4*PageSize))
		_, err := root.FindMapping(addr)
		assert.ErrorIs(t, err, zx.ErrNotFound)
		assert.Equal(t, 0, pt.Len())
	})

	t.Run("covering range removes several", func(t *testing.T) {
		a, err := root.MapAt(0, vmo, 0, PageSize, MMURead)
		require.NoError(t, err)
		_, err = root.MapAt(2*PageSize, vmo, 0, PageSize, MMURead)
		require.NoError(t, err)
		require.NoError(t, root.Unmap(a, 8*PageSize))
		assert.Empty(t, root.Info().Mappings)
	})
}

func TestUnmapInsideChildRegion(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	child, err := root.AllocateAt(4*PageSize, 4*PageSize, VmarCanMapMask)
	require.NoError(t, err)
	vmo, err := NewPagedWith(pool, PageSize)
	require.NoError(t, err)

	addr, err := child.Map(vmo, 0, PageSize, MMURead)
	require.NoError(t, err)

	assert.ErrorIs(t, root.Unmap(testBase, 6*PageSize), zx.ErrInvalidArgs, "range crosses child")
	require.NoError(t, root.Unmap(addr, PageSize))
	assert.Empty(t, child.Info().Mappings)
}

func TestCowThroughMapping(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, PageSize)
	require.NoError(t, err)

	addr, err := root.Map(vmo, 0, PageSize, MMURW)
	require.NoError(t, err)
	require.NoError(t, root.WriteMemory(addr, []byte("aaaa")))

	clone, err := vmo.CreateChild(0, PageSize)
	require.NoError(t, err)

	require.NoError(t, root.WriteMemory(addr, []byte("bbbb")))

	got := make([]byte, 4)
	require.NoError(t, clone.Read(0, got))
	assert.Equal(t, "aaaa", string(got))
	require.NoError(t, vmo.Read(0, got))
	assert.Equal(t, "bbbb", string(got))
}

func TestProtect(t *testing.T) {
	root, _, pool := newRoot(t, 16)
	vmo, err := NewPagedWith(pool, 2*PageSize)
	require.NoError(t, err)

	addr, err := root.Map(vmo, 0, 2*PageSize, MMURW)
	require.NoError(t, err)
	require.NoError(t, root.WriteMemory(addr, []byte("rw")))

	require.NoError(t, root.Protect(addr, 2*PageSize, MMURead))
	assert.ErrorIs(t, root.WriteMemory(addr, []byte("no")), zx.ErrAccessDenied)

	got := make([]byte, 2)
	require.NoError(t, root.ReadMemory(addr, got))
	assert.Equal(t, "rw", string(got))

	assert.ErrorIs(t, root.Protect(addr, PageSize, MMURead), zx.ErrInvalidArgs)
	assert.ErrorIs(t, root.Protect(addr+4*PageSize, PageSize, MMURead), zx.ErrNotFound)
}

func TestDestroyReleasesEverything(t *testing.T) {
	root, pt, pool := newRoot(t, 16)
	child, err := root.Allocate(8*PageSize, VmarCanMapMask, 0)
	require.NoError(t, err)

	vmo, err := NewPagedWith(pool, 2*PageSize)
	require.NoError(t, err)
	addr, err := child.Map(vmo, 0, 2*PageSize, MMURW)
	require.NoError(t, err)
	require.NoError(t, root.WriteMemory(addr, make([]byte, 2*PageSize)))

	// The mapping keeps the VMO alive after its creator lets go.
	vmo.Release()
	assert.Equal(t, 2, pool.InUse())

	require.NoError(t, root.Destroy())
	assert.Equal(t, 0, pool.InUse())
	assert.Equal(t, 0, pt.Len())
	assert.True(t, child.Destroyed())

	_, err = root.Allocate(PageSize, VmarCanMapMask, 0)
	assert.ErrorIs(t, err, zx.ErrBadState)
	_, err = child.Map(vmo, 0, PageSize, MMURead)
	assert.ErrorIs(t, err, zx.ErrBadState)
	assert.ErrorIs(t, root.Destroy(), zx.ErrBadState)
}
