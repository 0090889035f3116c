package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

func TestPortQueueWait(t *testing.T) {
	k := newKernel(t, Options{})
	run(t, k, newJob(t), func(sys *Syscall, scratch uint64) {
		assert.ErrorIs(t, sys.SysPortCreate(1, OutPtr[object.HandleValue](sys, scratch)), zx.ErrInvalidArgs)
		assert.NoError(t, sys.SysPortCreate(0, OutPtr[object.HandleValue](sys, scratch)))
		port := readOut[object.HandleValue](t, sys, scratch)
		pkt := scratch + 64

		err := sys.SysPortWait(port, zx.DeadlinePast, OutPtr[UserPacket](sys, pkt))
		assert.ErrorIs(t, err, zx.ErrTimedOut)

		in := UserPacket{Key: 42, Type: 9, Status: -5}
		copy(in.Payload[:], "hello")
		writeIn(t, sys, pkt, in)
		assert.NoError(t, sys.SysPortQueue(port, InPtr[UserPacket](sys, pkt)))

		assert.NoError(t, sys.SysPortWait(port, zx.DeadlineInfinite, OutPtr[UserPacket](sys, pkt+64)))
		got := readOut[UserPacket](t, sys, pkt+64)
		assert.EqualValues(t, 42, got.Key)
		assert.EqualValues(t, ipc.PacketUser, got.Type, "type is forced to user")
		assert.Zero(t, got.Status)
		assert.Equal(t, in.Payload, got.Payload)
	})
}
