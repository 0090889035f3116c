package syscalls

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Handle dispositions of channel_write_etc.
const (
	HandleOpMove uint32 = 0
	HandleOpDup  uint32 = 1
)

// ChannelReadMayDiscard lets channel_read drop a message that does not fit.
const ChannelReadMayDiscard uint32 = 1

// HandleDisposition is one handle entry of channel_write_etc. Result is
// written back per entry.
type HandleDisposition struct {
	Op     uint32
	Handle object.HandleValue
	Type   uint32
	Rights object.Rights
	Result int32
}

// HandleInfoRecord is one handle entry returned by channel_read_etc.
type HandleInfoRecord struct {
	Handle object.HandleValue
	Type   uint32
	Rights object.Rights
	_      uint32
}

// ChannelCallArgs describes the request and reply buffers of
// channel_call_noretry.
type ChannelCallArgs struct {
	WrBytes      uint64
	WrHandles    uint64
	RdBytes      uint64
	RdHandles    uint64
	WrNumBytes   uint32
	WrNumHandles uint32
	RdNumBytes   uint32
	RdNumHandles uint32
}

// SysChannelCreate creates a channel and returns both endpoints.
func (s *Syscall) SysChannelCreate(options uint32, out0, out1 UserOutPtr[object.HandleValue]) error {
	if options != 0 {
		return fmt.Errorf("channel options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if err := s.proc.CheckCreate(object.TypeChannel); err != nil {
		return err
	}
	a, b := ipc.NewChannel()
	ha := object.NewHandle(a, object.DefaultChannelRights)
	hb := object.NewHandle(b, object.DefaultChannelRights)
	values, err := s.proc.Handles().AddMany([]*object.Handle{ha, hb})
	if err != nil {
		ha.Close()
		hb.Close()
		return err
	}
	if err := out0.Write(values[0]); err != nil {
		s.closeValues(values)
		return err
	}
	if err := out1.Write(values[1]); err != nil {
		s.closeValues(values)
		return err
	}
	return nil
}

func (s *Syscall) closeValues(values []object.HandleValue) {
	for _, v := range values {
		_ = s.proc.Handles().Close(v)
	}
}

// SysChannelRead takes the next message off the channel. When the buffers
// are too small the message stays queued, unless options carries
// ChannelReadMayDiscard, and actual sizes are still reported. With etc set,
// handles are returned as HandleInfoRecord entries.
func (s *Syscall) SysChannelRead(handle object.HandleValue, options uint32, bytes UserOutPtr[byte], handles uint64,
	numBytes, numHandles uint32, actualBytes, actualHandles UserOutPtr[uint32], etc bool) error {
	if options&^ChannelReadMayDiscard != 0 {
		return fmt.Errorf("channel read options %#x: %w", options, zx.ErrInvalidArgs)
	}
	ch, err := object.GetObjectWithRights[*ipc.Channel](s.proc.Handles(), handle, object.RightRead)
	if err != nil {
		return err
	}

	fits := func(m *ipc.MessagePacket) error {
		if uint32(len(m.Data)) > numBytes || uint32(len(m.Handles)) > numHandles {
			return &zx.BufferTooSmallError{Bytes: len(m.Data), Handles: len(m.Handles)}
		}
		return nil
	}
	var msg *ipc.MessagePacket
	if options&ChannelReadMayDiscard == 0 {
		msg, err = ch.CheckAndRead(fits)
	} else {
		msg, err = ch.Read()
		if err == nil {
			if err = fits(msg); err != nil {
				msg.Close()
			}
		}
	}
	if tooSmall, ok := err.(*zx.BufferTooSmallError); ok {
		_ = actualBytes.WriteIfNotNull(uint32(tooSmall.Bytes))
		_ = actualHandles.WriteIfNotNull(uint32(tooSmall.Handles))
		return err
	}
	if err != nil {
		return err
	}
	return s.deliver(msg, bytes, handles, actualBytes, actualHandles, etc)
}

// deliver copies a received message into the caller's buffers and installs
// its handles. On failure the message is dropped.
func (s *Syscall) deliver(msg *ipc.MessagePacket, bytes UserOutPtr[byte], handles uint64,
	actualBytes, actualHandles UserOutPtr[uint32], etc bool) error {
	if err := actualBytes.WriteIfNotNull(uint32(len(msg.Data))); err != nil {
		msg.Close()
		return err
	}
	if err := actualHandles.WriteIfNotNull(uint32(len(msg.Handles))); err != nil {
		msg.Close()
		return err
	}
	if err := bytes.WriteArray(msg.Data); err != nil {
		msg.Close()
		return err
	}
	if len(msg.Handles) == 0 {
		return nil
	}

	var records []HandleInfoRecord
	if etc {
		for _, h := range msg.Handles {
			records = append(records, HandleInfoRecord{Type: uint32(h.Object.Type()), Rights: h.Rights})
		}
	}
	values, err := s.proc.Handles().AddMany(msg.Handles)
	if err != nil {
		msg.Close()
		return err
	}
	msg.Handles = nil

	if etc {
		for i, v := range values {
			records[i].Handle = v
		}
		err = OutPtr[HandleInfoRecord](s, handles).WriteArray(records)
	} else {
		err = OutPtr[object.HandleValue](s, handles).WriteArray(values)
	}
	if err != nil {
		s.closeValues(values)
	}
	return err
}

// takeHandles validates and removes the handles a message will carry. Each
// must carry RightTransfer and none may be the channel itself; if any check
// fails nothing is removed.
func (s *Syscall) takeHandles(channel object.HandleValue, values []object.HandleValue) ([]*object.Handle, error) {
	if len(values) > ipc.MaxMessageHandles {
		return nil, fmt.Errorf("%d handles: %w", len(values), zx.ErrOutOfRange)
	}
	ts := make([]object.Transfer, len(values))
	for i, v := range values {
		if v == channel {
			return nil, fmt.Errorf("channel %#x cannot carry itself: %w", uint32(v), zx.ErrNotSupported)
		}
		h, err := s.proc.Handles().Get(v)
		if err != nil {
			return nil, err
		}
		if !h.Rights.Contains(object.RightTransfer) {
			return nil, fmt.Errorf("transfer handle %#x: %w", uint32(v), zx.ErrAccessDenied)
		}
		for _, prev := range ts[:i] {
			if prev.Value == v {
				return nil, fmt.Errorf("handle %#x listed twice: %w", uint32(v), zx.ErrInvalidArgs)
			}
		}
		ts[i] = object.Transfer{Value: v, Handle: h}
	}
	return s.proc.Handles().TakeTransfers(ts)
}

// SysChannelWrite writes a message carrying the listed handles. Handles
// leave the caller only when every check passes; if the write itself then
// fails they are closed.
func (s *Syscall) SysChannelWrite(handle object.HandleValue, options uint32, bytes UserInPtr[byte], numBytes uint32,
	handles UserInPtr[object.HandleValue], numHandles uint32) error {
	if options != 0 {
		return fmt.Errorf("channel write options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if numBytes > ipc.MaxMessageBytes || numHandles > ipc.MaxMessageHandles {
		return fmt.Errorf("message of %d bytes, %d handles: %w", numBytes, numHandles, zx.ErrOutOfRange)
	}
	ch, err := object.GetObjectWithRights[*ipc.Channel](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	data, err := bytes.ReadArray(int(numBytes))
	if err != nil {
		return err
	}
	values, err := handles.ReadArray(int(numHandles))
	if err != nil {
		return err
	}
	hs, err := s.takeHandles(handle, values)
	if err != nil {
		return err
	}
	msg := &ipc.MessagePacket{Data: data, Handles: hs}
	if err := ch.Write(msg); err != nil {
		msg.Close()
		return err
	}
	return nil
}

// checkDisposition validates one channel_write_etc entry against the
// handle it names.
func checkDisposition(d *HandleDisposition, h *object.Handle, channel object.HandleValue) error {
	switch {
	case !h.Rights.Contains(object.RightTransfer):
		return zx.ErrAccessDenied
	case d.Handle == channel:
		return zx.ErrNotSupported
	case d.Type != 0 && d.Type != uint32(h.Object.Type()):
		return zx.ErrWrongType
	case d.Op != HandleOpMove && d.Op != HandleOpDup:
		return zx.ErrInvalidArgs
	case d.Rights != object.SameRights && !h.Rights.Contains(d.Rights):
		return zx.ErrInvalidArgs
	case d.Op == HandleOpDup && !h.Rights.Contains(object.RightDuplicate):
		return zx.ErrAccessDenied
	}
	return nil
}

// SysChannelWriteEtc writes a message whose handles are described by
// dispositions. Every entry is checked and its result written back; if any
// entry fails no handle moves.
func (s *Syscall) SysChannelWriteEtc(handle object.HandleValue, options uint32, bytes UserInPtr[byte], numBytes uint32,
	dispositions UserOutPtr[HandleDisposition], numHandles uint32) error {
	if options != 0 {
		return fmt.Errorf("channel write options %#x: %w", options, zx.ErrInvalidArgs)
	}
	if numBytes > ipc.MaxMessageBytes || numHandles > ipc.MaxMessageHandles {
		return fmt.Errorf("message of %d bytes, %d handles: %w", numBytes, numHandles, zx.ErrOutOfRange)
	}
	ch, err := object.GetObjectWithRights[*ipc.Channel](s.proc.Handles(), handle, object.RightWrite)
	if err != nil {
		return err
	}
	data, err := bytes.ReadArray(int(numBytes))
	if err != nil {
		return err
	}
	ds, err := dispositions.In().ReadArray(int(numHandles))
	if err != nil {
		return err
	}

	var first error
	moving := make(map[object.HandleValue]bool, len(ds))
	sources := make([]*object.Handle, len(ds))
	for i := range ds {
		d := &ds[i]
		d.Result = int32(zx.OK)
		h, err := s.proc.Handles().Get(d.Handle)
		if err == nil && moving[d.Handle] {
			// Already moved by an earlier entry.
			err = zx.ErrNotFound
		}
		if err == nil {
			err = checkDisposition(d, h, handle)
		}
		if err != nil {
			d.Result = int32(zx.StatusOf(err))
			if first == nil {
				first = err
			}
			continue
		}
		if d.Op == HandleOpMove {
			moving[d.Handle] = true
		}
		sources[i] = h
	}
	if err := dispositions.WriteArray(ds); err != nil {
		return err
	}
	if first != nil {
		return fmt.Errorf("handle dispositions: %w", first)
	}

	ts := make([]object.Transfer, len(ds))
	for i, d := range ds {
		ts[i] = object.Transfer{Value: d.Handle, Handle: sources[i], Dup: d.Op == HandleOpDup, Rights: d.Rights}
	}
	hs, err := s.proc.Handles().TakeTransfers(ts)
	if err != nil {
		return err
	}
	for i, d := range ds {
		if d.Op != HandleOpMove {
			continue
		}
		src := sources[i]
		if d.Rights == object.SameRights || d.Rights == src.Rights {
			hs[i] = src
			continue
		}
		hs[i] = object.NewHandle(src.Object, d.Rights)
		src.Close()
	}
	msg := &ipc.MessagePacket{Data: data, Handles: hs}
	if err := ch.Write(msg); err != nil {
		msg.Close()
		return err
	}
	return nil
}

// SysChannelCallNoretry writes the request described by args and blocks
// until the reply with the same txid arrives or deadline passes.
func (s *Syscall) SysChannelCallNoretry(handle object.HandleValue, options uint32, deadline zx.Deadline,
	userArgs UserInPtr[ChannelCallArgs], actualBytes, actualHandles UserOutPtr[uint32]) error {
	if options != 0 {
		return fmt.Errorf("channel call options %#x: %w", options, zx.ErrInvalidArgs)
	}
	args, err := userArgs.Read()
	if err != nil {
		return err
	}
	if args.RdNumBytes < 4 || args.WrNumBytes < 4 {
		return fmt.Errorf("call buffers of %d/%d bytes have no txid: %w", args.WrNumBytes, args.RdNumBytes, zx.ErrInvalidArgs)
	}
	if args.WrNumBytes > ipc.MaxMessageBytes || args.WrNumHandles > ipc.MaxMessageHandles {
		return fmt.Errorf("request of %d bytes, %d handles: %w", args.WrNumBytes, args.WrNumHandles, zx.ErrOutOfRange)
	}
	ch, err := object.GetObjectWithRights[*ipc.Channel](s.proc.Handles(), handle, object.RightRead|object.RightWrite)
	if err != nil {
		return err
	}
	data, err := InPtr[byte](s, args.WrBytes).ReadArray(int(args.WrNumBytes))
	if err != nil {
		return err
	}
	values, err := InPtr[object.HandleValue](s, args.WrHandles).ReadArray(int(args.WrNumHandles))
	if err != nil {
		return err
	}
	hs, err := s.takeHandles(handle, values)
	if err != nil {
		return err
	}

	request := &ipc.MessagePacket{Data: data, Handles: hs}
	var reply *ipc.MessagePacket
	called := false
	err = s.thread.BlockingRun(task.ThreadBlockedChannel, deadline, func(ctx context.Context) error {
		called = true
		var cerr error
		reply, cerr = ch.Call(ctx, request)
		return cerr
	})
	if err != nil {
		if !called {
			request.Close()
		}
		return err
	}

	if uint32(len(reply.Data)) > args.RdNumBytes || uint32(len(reply.Handles)) > args.RdNumHandles {
		_ = actualBytes.WriteIfNotNull(uint32(len(reply.Data)))
		_ = actualHandles.WriteIfNotNull(uint32(len(reply.Handles)))
		tooSmall := &zx.BufferTooSmallError{Bytes: len(reply.Data), Handles: len(reply.Handles)}
		reply.Close()
		return tooSmall
	}
	return s.deliver(reply, OutPtr[byte](s, args.RdBytes), args.RdHandles, actualBytes, actualHandles, false)
}
