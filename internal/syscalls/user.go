package syscalls

import (
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/vm"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// UserInPtr is a user address holding values of type T. T must have a fixed
// size under encoding/binary; values are little endian.
type UserInPtr[T any] struct {
	vmar *vm.VmAddressRegion
	addr uint64
}

// UserOutPtr is a user address the kernel writes values of type T to.
type UserOutPtr[T any] struct {
	vmar *vm.VmAddressRegion
	addr uint64
}

// InPtr binds addr in the calling process.
func InPtr[T any](s *Syscall, addr uint64) UserInPtr[T] {
	return UserInPtr[T]{vmar: s.proc.Vmar(), addr: addr}
}

// OutPtr binds addr in the calling process.
func OutPtr[T any](s *Syscall, addr uint64) UserOutPtr[T] {
	return UserOutPtr[T]{vmar: s.proc.Vmar(), addr: addr}
}

func sizeOf[T any](n int) (int, error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return 0, fmt.Errorf("%T has no fixed size: %w", zero, zx.ErrInternal)
	}
	if n < 0 || n > (1<<30)/size {
		return 0, fmt.Errorf("%d elements of %T: %w", n, zero, zx.ErrOutOfRange)
	}
	return size * n, nil
}

// userFault maps a failed user copy onto INVALID_ARGS, as a bad pointer is
// the caller's fault.
func userFault(addr uint64, err error) error {
	return fmt.Errorf("user copy at %#x: %v: %w", addr, err, zx.ErrInvalidArgs)
}

// IsNull reports whether the pointer is zero.
func (p UserInPtr[T]) IsNull() bool { return p.addr == 0 }

// Addr returns the user address.
func (p UserInPtr[T]) Addr() uint64 { return p.addr }

// Read copies one value in.
func (p UserInPtr[T]) Read() (T, error) {
	var v T
	vs, err := p.ReadArray(1)
	if err != nil {
		return v, err
	}
	return vs[0], nil
}

// ReadArray copies n consecutive values in.
func (p UserInPtr[T]) ReadArray(n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	if p.addr == 0 {
		return nil, fmt.Errorf("read from null pointer: %w", zx.ErrInvalidArgs)
	}
	size, err := sizeOf[T](n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if err := p.vmar.ReadMemory(vm.VirtAddr(p.addr), buf); err != nil {
		return nil, userFault(p.addr, err)
	}
	vs := make([]T, n)
	if _, err := binary.Decode(buf, binary.LittleEndian, vs); err != nil {
		return nil, fmt.Errorf("decode %T: %v: %w", vs, err, zx.ErrInternal)
	}
	return vs, nil
}

// IsNull reports whether the pointer is zero.
func (p UserOutPtr[T]) IsNull() bool { return p.addr == 0 }

// Addr returns the user address.
func (p UserOutPtr[T]) Addr() uint64 { return p.addr }

// Write copies v out.
func (p UserOutPtr[T]) Write(v T) error {
	return p.WriteArray([]T{v})
}

// WriteIfNotNull copies v out unless the pointer is zero.
func (p UserOutPtr[T]) WriteIfNotNull(v T) error {
	if p.addr == 0 {
		return nil
	}
	return p.Write(v)
}

// WriteArray copies vs out.
func (p UserOutPtr[T]) WriteArray(vs []T) error {
	if len(vs) == 0 {
		return nil
	}
	if p.addr == 0 {
		return fmt.Errorf("write to null pointer: %w", zx.ErrInvalidArgs)
	}
	if _, err := sizeOf[T](len(vs)); err != nil {
		return err
	}
	buf, err := binary.Append(nil, binary.LittleEndian, vs)
	if err != nil {
		return fmt.Errorf("encode %T: %v: %w", vs, err, zx.ErrInternal)
	}
	if err := p.vmar.WriteMemory(vm.VirtAddr(p.addr), buf); err != nil {
		return userFault(p.addr, err)
	}
	return nil
}

// In reinterprets an in-out pointer for reading.
func (p UserOutPtr[T]) In() UserInPtr[T] {
	return UserInPtr[T](p)
}
