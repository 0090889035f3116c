/*
Package object provides the kernel-object substrate: identity, waitable
signal state, rights, handles, and per-process handle tables.

# Overview

Every kernel object variant (job, process, thread, VMO, VMAR, channel, port,
interrupt) embeds Base. Base assigns a koid, stores the sticky signal
bitmask, and parks waiters until the state they ask for appears or the
object is destroyed.

A Handle pairs an object with Rights. Handles are counted against their
object; when the last one closes, objects implementing ZeroHandlesObserver
are told so (channels use it to raise PEER_CLOSED on the other endpoint,
VMOs to drop their frames).

# Usage

	table := object.NewHandleTable(0)
	hv, _ := table.Add(object.NewHandle(vmo, object.DefaultVmoRights))

	ro, err := table.Duplicate(hv, object.RightRead|object.RightDuplicate)
	if err != nil {
		// ACCESS_DENIED unless the source has DUPLICATE
	}

	vmo, err := object.GetObjectWithRights[*vm.VmObject](table, ro, object.RightRead)
*/
package object
