package syscalls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Scratch layout shared by the channel tests.
const (
	offA       = 0
	offB       = 4
	offActualB = 8
	offActualH = 12
	offHandles = 64
	offData    = 512
	offRead    = 1024
	offArgs    = 2048
)

func channelPair(t *testing.T, sys *Syscall, scratch uint64) (object.HandleValue, object.HandleValue) {
	t.Helper()
	err := sys.SysChannelCreate(0, OutPtr[object.HandleValue](sys, scratch+offA), OutPtr[object.HandleValue](sys, scratch+offB))
	assert.NoError(t, err)
	return readOut[object.HandleValue](t, sys, scratch+offA), readOut[object.HandleValue](t, sys, scratch+offB)
}

func newEvent(t *testing.T, sys *Syscall, scratch uint64) object.HandleValue {
	t.Helper()
	assert.NoError(t, sys.SysEventCreate(0, OutPtr[object.HandleValue](sys, scratch+offA)))
	return readOut[object.HandleValue](t, sys, scratch+offA)
}

func TestChannelPing(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, b := channelPair(t, sys, scratch)
		ev := newEvent(t, sys, scratch)

		writeIn(t, sys, scratch+offData, []byte("ping")...)
		writeIn(t, sys, scratch+offHandles, ev)
		assert.NoError(t, sys.SysChannelWrite(a, 0, InPtr[byte](sys, scratch+offData), 4,
			InPtr[object.HandleValue](sys, scratch+offHandles), 1))
		_, err := sys.Process().Handles().Get(ev)
		assert.ErrorIs(t, err, zx.ErrNotFound, "handle moved into the message")

		actualB := OutPtr[uint32](sys, scratch+offActualB)
		actualH := OutPtr[uint32](sys, scratch+offActualH)
		readBuf := OutPtr[byte](sys, scratch+offRead)

		err = sys.SysChannelRead(b, 0, readBuf, scratch+offHandles, 2, 1, actualB, actualH, false)
		assert.ErrorIs(t, err, zx.ErrBufferTooSmall)
		assert.EqualValues(t, 4, readOut[uint32](t, sys, scratch+offActualB))
		assert.EqualValues(t, 1, readOut[uint32](t, sys, scratch+offActualH))

		err = sys.SysChannelRead(b, 0, readBuf, scratch+offHandles, 64, 1, actualB, actualH, false)
		assert.NoError(t, err, "message kept after BUFFER_TOO_SMALL")
		data, err := InPtr[byte](sys, scratch+offRead).ReadArray(4)
		assert.NoError(t, err)
		assert.Equal(t, "ping", string(data))

		got := readOut[object.HandleValue](t, sys, scratch+offHandles)
		h, err := sys.Process().Handles().Get(got)
		assert.NoError(t, err)
		assert.Equal(t, object.TypeEvent, h.Object.Type())

		err = sys.SysChannelRead(b, 0, readBuf, 0, 64, 0, actualB, actualH, false)
		assert.ErrorIs(t, err, zx.ErrNotFound)
		assert.NoError(t, sys.SysHandleClose(a))
		err = sys.SysChannelRead(b, 0, readBuf, 0, 64, 0, actualB, actualH, false)
		assert.ErrorIs(t, err, zx.ErrPeerClosed)
	})
}

func TestChannelReadMayDiscard(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, b := channelPair(t, sys, scratch)
		writeIn(t, sys, scratch+offData, []byte("too long")...)
		assert.NoError(t, sys.SysChannelWrite(a, 0, InPtr[byte](sys, scratch+offData), 8, InPtr[object.HandleValue](sys, 0), 0))

		err := sys.SysChannelRead(b, ChannelReadMayDiscard, OutPtr[byte](sys, scratch+offRead), 0, 2, 0,
			OutPtr[uint32](sys, scratch+offActualB), OutPtr[uint32](sys, 0), false)
		assert.ErrorIs(t, err, zx.ErrBufferTooSmall)
		err = sys.SysChannelRead(b, 0, OutPtr[byte](sys, scratch+offRead), 0, 64, 0,
			OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0), false)
		assert.ErrorIs(t, err, zx.ErrNotFound, "discarded")

		err = sys.SysChannelRead(b, 4, OutPtr[byte](sys, scratch+offRead), 0, 64, 0,
			OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0), false)
		assert.ErrorIs(t, err, zx.ErrInvalidArgs)
	})
}

func TestChannelWriteRejects(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, _ := channelPair(t, sys, scratch)
		ev := newEvent(t, sys, scratch)
		data := InPtr[byte](sys, scratch+offData)
		handles := InPtr[object.HandleValue](sys, scratch+offHandles)

		tests := []struct {
			name    string
			list    []object.HandleValue
			nbytes  uint32
			options uint32
			want    error
		}{
			{"itself", []object.HandleValue{ev, a}, 4, 0, zx.ErrNotSupported},
			{"unknown handle", []object.HandleValue{ev, 999}, 4, 0, zx.ErrNotFound},
			{"repeated handle", []object.HandleValue{ev, ev}, 4, 0, zx.ErrInvalidArgs},
			{"too many bytes", nil, ipc.MaxMessageBytes + 1, 0, zx.ErrOutOfRange},
			{"options", nil, 4, 1, zx.ErrInvalidArgs},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				writeIn(t, sys, scratch+offHandles, tt.list...)
				err := sys.SysChannelWrite(a, tt.options, data, tt.nbytes, handles, uint32(len(tt.list)))
				assert.ErrorIs(t, err, tt.want)
				_, err = sys.Process().Handles().Get(ev)
				assert.NoError(t, err, "no handle removed")
			})
		}

		assert.NoError(t, sys.SysHandleDuplicate(ev, object.RightWait, OutPtr[object.HandleValue](sys, scratch+offA)))
		noTransfer := readOut[object.HandleValue](t, sys, scratch+offA)
		writeIn(t, sys, scratch+offHandles, noTransfer)
		assert.ErrorIs(t, sys.SysChannelWrite(a, 0, data, 4, handles, 1), zx.ErrAccessDenied)
	})
}

func TestChannelWritePeerClosedClosesHandles(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, b := channelPair(t, sys, scratch)
		ev := newEvent(t, sys, scratch)
		h, err := sys.Process().Handles().Get(ev)
		assert.NoError(t, err)
		obj := h.Object

		assert.NoError(t, sys.SysHandleClose(b))
		writeIn(t, sys, scratch+offHandles, ev)
		err = sys.SysChannelWrite(a, 0, InPtr[byte](sys, scratch+offData), 4, InPtr[object.HandleValue](sys, scratch+offHandles), 1)
		assert.ErrorIs(t, err, zx.ErrPeerClosed)
		assert.Zero(t, obj.HandleCount())
	})
}

func TestChannelWriteEtc(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, b := channelPair(t, sys, scratch)
		ev := newEvent(t, sys, scratch)
		disp := OutPtr[HandleDisposition](sys, scratch+offHandles)
		data := InPtr[byte](sys, scratch+offData)

		writeIn(t, sys, scratch+offHandles,
			HandleDisposition{Op: HandleOpDup, Handle: ev, Rights: object.RightWait | object.RightTransfer},
			HandleDisposition{Op: HandleOpMove, Handle: ev, Type: uint32(object.TypeChannel), Rights: object.SameRights},
		)
		err := sys.SysChannelWriteEtc(a, 0, data, 4, disp, 2)
		assert.ErrorIs(t, err, zx.ErrWrongType)
		results, rerr := disp.In().ReadArray(2)
		assert.NoError(t, rerr)
		assert.EqualValues(t, zx.OK, results[0].Result)
		assert.EqualValues(t, zx.ErrWrongType, results[1].Result)
		_, err = sys.Process().Handles().Get(ev)
		assert.NoError(t, err, "nothing moved")

		writeIn(t, sys, scratch+offHandles,
			HandleDisposition{Op: HandleOpDup, Handle: ev, Rights: object.RightWait | object.RightTransfer},
			HandleDisposition{Op: HandleOpMove, Handle: ev, Type: uint32(object.TypeEvent), Rights: object.RightSignal | object.RightTransfer},
		)
		assert.NoError(t, sys.SysChannelWriteEtc(a, 0, data, 4, disp, 2))
		_, err = sys.Process().Handles().Get(ev)
		assert.ErrorIs(t, err, zx.ErrNotFound, "moved")

		infos := scratch + offArgs
		err = sys.SysChannelRead(b, 0, OutPtr[byte](sys, scratch+offRead), infos, 64, 4,
			OutPtr[uint32](sys, 0), OutPtr[uint32](sys, scratch+offActualH), true)
		assert.NoError(t, err)
		recs, err := InPtr[HandleInfoRecord](sys, infos).ReadArray(2)
		assert.NoError(t, err)
		assert.Equal(t, object.RightWait|object.RightTransfer, recs[0].Rights)
		assert.Equal(t, object.RightSignal|object.RightTransfer, recs[1].Rights)
		assert.EqualValues(t, object.TypeEvent, recs[1].Type)
	})
}

func TestChannelWriteEtcRejects(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, _ := channelPair(t, sys, scratch)
		ev := newEvent(t, sys, scratch)
		assert.NoError(t, sys.SysHandleDuplicate(ev, object.RightTransfer|object.RightWait, OutPtr[object.HandleValue](sys, scratch+offA)))
		noDup := readOut[object.HandleValue](t, sys, scratch+offA)

		tests := []struct {
			name string
			d    HandleDisposition
			want error
		}{
			{"itself", HandleDisposition{Op: HandleOpMove, Handle: a, Rights: object.SameRights}, zx.ErrNotSupported},
			{"bad op", HandleDisposition{Op: 7, Handle: ev, Rights: object.SameRights}, zx.ErrInvalidArgs},
			{"escalation", HandleDisposition{Op: HandleOpMove, Handle: noDup, Rights: object.RightSignal}, zx.ErrInvalidArgs},
			{"dup without right", HandleDisposition{Op: HandleOpDup, Handle: noDup, Rights: object.SameRights}, zx.ErrAccessDenied},
			{"unknown", HandleDisposition{Op: HandleOpMove, Handle: 999, Rights: object.SameRights}, zx.ErrNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				disp := OutPtr[HandleDisposition](sys, scratch+offHandles)
				writeIn(t, sys, scratch+offHandles, tt.d)
				err := sys.SysChannelWriteEtc(a, 0, InPtr[byte](sys, scratch+offData), 4, disp, 1)
				assert.ErrorIs(t, err, tt.want)
				got, rerr := disp.In().Read()
				assert.NoError(t, rerr)
				assert.Equal(t, int32(zx.StatusOf(tt.want)), got.Result)
			})
		}
	})
}

func TestChannelCall(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		a, b := channelPair(t, sys, scratch)
		server, err := object.GetObject[*ipc.Channel](sys.Process().Handles(), b)
		if !assert.NoError(t, err) {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := server.ReadWait(ctx)
			if err != nil {
				return
			}
			reply := append(append([]byte{}, req.Data[:4]...), []byte("pong")...)
			_ = server.Write(&ipc.MessagePacket{Data: reply})
		}()

		writeIn(t, sys, scratch+offData, []byte("\x00\x00\x00\x00ping")...)
		args := ChannelCallArgs{
			WrBytes:    scratch + offData,
			WrNumBytes: 8,
			RdBytes:    scratch + offRead,
			RdNumBytes: 64,
		}
		writeIn(t, sys, scratch+offArgs, args)
		err = sys.SysChannelCallNoretry(a, 0, zx.DeadlineAfter(5*time.Second), InPtr[ChannelCallArgs](sys, scratch+offArgs),
			OutPtr[uint32](sys, scratch+offActualB), OutPtr[uint32](sys, scratch+offActualH))
		assert.NoError(t, err)
		assert.EqualValues(t, 8, readOut[uint32](t, sys, scratch+offActualB))
		reply, err := InPtr[byte](sys, scratch+offRead).ReadArray(8)
		assert.NoError(t, err)
		assert.Equal(t, "pong", string(reply[4:]))

		t.Run("timeout", func(t *testing.T) {
			err := sys.SysChannelCallNoretry(a, 0, zx.DeadlineAfter(10*time.Millisecond), InPtr[ChannelCallArgs](sys, scratch+offArgs),
				OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0))
			assert.ErrorIs(t, err, zx.ErrTimedOut)
		})

		t.Run("short buffers", func(t *testing.T) {
			short := args
			short.RdNumBytes = 2
			writeIn(t, sys, scratch+offArgs+256, short)
			err := sys.SysChannelCallNoretry(a, 0, zx.DeadlineInfinite, InPtr[ChannelCallArgs](sys, scratch+offArgs+256),
				OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0))
			assert.ErrorIs(t, err, zx.ErrInvalidArgs)
		})

		t.Run("peer closed", func(t *testing.T) {
			assert.NoError(t, sys.SysHandleClose(b))
			err := sys.SysChannelCallNoretry(a, 0, zx.DeadlineInfinite, InPtr[ChannelCallArgs](sys, scratch+offArgs),
				OutPtr[uint32](sys, 0), OutPtr[uint32](sys, 0))
			assert.ErrorIs(t, err, zx.ErrPeerClosed)
		})
	})
}
