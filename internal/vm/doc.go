/*
Package vm implements the virtual memory objects of the kernel: physical
frames, page tables, memory objects (VMOs), and address-space regions
(VMARs).

# Overview

A FramePool hands out page frames and stands in for physical memory. A paged
VmObject commits frames lazily; pages nobody wrote read as zero.
CreateChild makes a copy-on-write clone by freezing the current pages in a
hidden node both sides read through, so a write on either side copies the
page first.

A VmAddressRegion is a node in an address-space tree. It owns child regions
and mappings, places them first-fit (or at a requested offset), and resolves
page faults by asking the mapped VMO for the page and installing it in the
PageTable. Unmap and Protect work on whole mappings; a range that would split
a mapping is rejected.

# Usage

	pool := vm.NewFramePool(vm.DefaultPhysBase, 1024)
	root := vm.NewUserAspace(pool)

	vmo, _ := vm.NewPagedWith(pool, 4*vm.PageSize)
	addr, _ := root.Map(vmo, 0, 4*vm.PageSize, vm.MMURW)

	_ = root.WriteMemory(addr, []byte("hello"))
*/
package vm
