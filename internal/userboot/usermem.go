package userboot

import (
	"bytes"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/syscalls"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// ScratchSize is the read/write mapping every boot process starts with. Its
// address is the second startup argument.
const ScratchSize = 4 * vm.PageSize

// Scratch layout. Message buffers are one page each.
const (
	offActualBytes   = 0
	offActualHandles = 4
	offObserved      = 8
	offCallArgs      = 16
	offHandles       = 64
	offIn            = vm.PageSize
	offOut           = 2 * vm.PageSize
	offDebug         = 3 * vm.PageSize

	bufSize = vm.PageSize
)

// userMem performs the buffer juggling of a boot program: everything it
// passes the kernel lives in its own scratch mapping.
type userMem struct {
	sys  *syscalls.Syscall
	base uint64
}

func newUserMem(sys *syscalls.Syscall, base uint64) userMem {
	return userMem{sys: sys, base: base}
}

func (u userMem) bytesOut(off uint64) syscalls.UserOutPtr[byte] {
	return syscalls.OutPtr[byte](u.sys, u.base+off)
}

func (u userMem) u32Out(off uint64) syscalls.UserOutPtr[uint32] {
	return syscalls.OutPtr[uint32](u.sys, u.base+off)
}

// bootstrap consumes the startup message on the bootstrap channel and closes
// it. The message carries the NUL separated arguments and the channel ends
// listed in the manifest.
func (u userMem) bootstrap(arg1 uint64) ([]string, []object.HandleValue, error) {
	ch := object.HandleValue(uint32(arg1))
	data, hs, err := u.recv(ch)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap message: %w", err)
	}
	if err := u.sys.SysHandleClose(ch); err != nil {
		u.closeAll(hs)
		return nil, nil, err
	}
	var args []string
	if len(data) > 0 {
		for _, a := range bytes.Split(data, []byte{0}) {
			args = append(args, string(a))
		}
	}
	return args, hs, nil
}

// recv waits for and reads the next message on ch.
func (u userMem) recv(ch object.HandleValue) ([]byte, []object.HandleValue, error) {
	observed := syscalls.OutPtr[object.Signal](u.sys, u.base+offObserved)
	if err := u.sys.SysObjectWaitOne(ch, object.SignalReadable|object.SignalPeerClosed, zx.DeadlineInfinite, observed); err != nil {
		return nil, nil, err
	}
	err := u.sys.SysChannelRead(ch, 0, u.bytesOut(offIn), u.base+offHandles, bufSize, ipc.MaxMessageHandles,
		u.u32Out(offActualBytes), u.u32Out(offActualHandles), false)
	if err != nil {
		return nil, nil, err
	}
	return u.received(offIn)
}

// received reads back a message the kernel delivered into the buffer at off.
func (u userMem) received(off uint64) ([]byte, []object.HandleValue, error) {
	n, err := u.u32Out(offActualBytes).In().Read()
	if err != nil {
		return nil, nil, err
	}
	nh, err := u.u32Out(offActualHandles).In().Read()
	if err != nil {
		return nil, nil, err
	}
	data, err := u.bytesOut(off).In().ReadArray(int(n))
	if err != nil {
		return nil, nil, err
	}
	hs, err := syscalls.InPtr[object.HandleValue](u.sys, u.base+offHandles).ReadArray(int(nh))
	if err != nil {
		return nil, nil, err
	}
	return data, hs, nil
}

func (u userMem) send(ch object.HandleValue, data []byte) error {
	if len(data) > bufSize {
		return fmt.Errorf("message of %d bytes: %w", len(data), zx.ErrOutOfRange)
	}
	if err := u.bytesOut(offOut).WriteArray(data); err != nil {
		return err
	}
	return u.sys.SysChannelWrite(ch, 0, u.bytesOut(offOut).In(), uint32(len(data)),
		syscalls.InPtr[object.HandleValue](u.sys, 0), 0)
}

// call sends payload behind a txid slot and returns the reply payload.
// Handles in the reply are closed.
func (u userMem) call(ch object.HandleValue, payload []byte, deadline zx.Deadline) ([]byte, error) {
	if len(payload)+4 > bufSize {
		return nil, fmt.Errorf("request of %d bytes: %w", len(payload), zx.ErrOutOfRange)
	}
	request := append(make([]byte, 4, 4+len(payload)), payload...)
	if err := u.bytesOut(offOut).WriteArray(request); err != nil {
		return nil, err
	}
	args := syscalls.ChannelCallArgs{
		WrBytes:      u.base + offOut,
		WrNumBytes:   uint32(len(request)),
		RdBytes:      u.base + offIn,
		RdHandles:    u.base + offHandles,
		RdNumBytes:   bufSize,
		RdNumHandles: ipc.MaxMessageHandles,
	}
	argsPtr := syscalls.OutPtr[syscalls.ChannelCallArgs](u.sys, u.base+offCallArgs)
	if err := argsPtr.Write(args); err != nil {
		return nil, err
	}
	if err := u.sys.SysChannelCallNoretry(ch, 0, deadline, argsPtr.In(),
		u.u32Out(offActualBytes), u.u32Out(offActualHandles)); err != nil {
		return nil, err
	}
	data, hs, err := u.received(offIn)
	if err != nil {
		return nil, err
	}
	u.closeAll(hs)
	if len(data) < 4 {
		return nil, fmt.Errorf("reply of %d bytes has no txid: %w", len(data), zx.ErrInternal)
	}
	return data[4:], nil
}

// debugf writes a line to the kernel debug log.
func (u userMem) debugf(format string, args ...any) {
	msg := []byte(fmt.Sprintf(format, args...))
	msg = msg[:min(len(msg), bufSize)]
	if err := u.bytesOut(offDebug).WriteArray(msg); err != nil {
		return
	}
	_ = u.sys.SysDebugWrite(u.bytesOut(offDebug).In(), len(msg))
}

func (u userMem) closeAll(hs []object.HandleValue) {
	for _, h := range hs {
		_ = u.sys.SysHandleClose(h)
	}
}
