package syscalls

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// UserPacket is the user-visible layout of a port packet. Payload holds the
// user bytes, the signal pair, or the interrupt timestamp depending on Type.
type UserPacket struct {
	Key     uint64
	Type    uint32
	Status  int32
	Payload [32]byte
}

func packetToUser(p ipc.PortPacket) UserPacket {
	u := UserPacket{Key: p.Key, Type: uint32(p.Type), Status: int32(p.Status)}
	switch p.Type {
	case ipc.PacketUser:
		u.Payload = p.User
	case ipc.PacketSignalOne:
		binary.LittleEndian.PutUint32(u.Payload[0:], uint32(p.Trigger))
		binary.LittleEndian.PutUint32(u.Payload[4:], uint32(p.Observed))
	case ipc.PacketInterrupt:
		binary.LittleEndian.PutUint64(u.Payload[0:], uint64(p.Timestamp))
	}
	return u
}

// SysPortCreate creates a port.
func (s *Syscall) SysPortCreate(options uint32, out UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("port options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if err := s.proc.CheckCreate(object.TypePort); err != nil {
		return err
	}
	return s.addHandle(ipc.NewPort(), object.DefaultPortRights, out)
}

// SysPortQueue queues a user packet. Only the key and payload are taken from
// the caller.
func (s *Syscall) SysPortQueue(handle object.HandleValue, packet UserInPtr[UserPacket]) error {
	port, err := object.GetObjectWithRights[*ipc.Port](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	u, err := packet.Read()
	if err != nil {
		return err
	}
	return port.Queue(ipc.PortPacket{Key: u.Key, Type: ipc.PacketUser, User: u.Payload})
}

// SysPortWait dequeues the oldest packet, blocking until deadline.
func (s *Syscall) SysPortWait(handle object.HandleValue, deadline zx.Deadline, packet UserOutPtr[UserPacket]) error {
	port, err := object.GetObjectWithRights[*ipc.Port](s.proc.Handles(), handle, object.RightRead)
	if err != nil {
		return err
	}
	var pkt ipc.PortPacket
	err = s.thread.BlockingRun(task.ThreadBlockedPort, deadline, func(ctx context.Context) error {
		var werr error
		pkt, werr = port.Wait(ctx)
		return werr
	})
	if err != nil {
		return err
	}
	return packet.Write(packetToUser(pkt))
}
