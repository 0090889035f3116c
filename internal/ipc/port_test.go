package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

func TestPortQueueAndWait(t *testing.T) {
	p := NewPort()
	require.NoError(t, p.Queue(PortPacket{Key: 1}))
	require.NoError(t, p.Queue(PortPacket{Key: 2}))

	pkt, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pkt.Key)
	pkt, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pkt.Key)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, zx.ErrTimedOut)
}

func TestPortFull(t *testing.T) {
	p := NewPort()
	for i := 0; i < MaxPortPackets; i++ {
		require.NoError(t, p.Queue(PortPacket{}))
	}
	assert.ErrorIs(t, p.Queue(PortPacket{}), zx.ErrShouldWait)
	p.PushInterrupt(1, 1)
	assert.Equal(t, MaxPortPackets+1, p.Len())
}

func TestPortRemoveInterrupt(t *testing.T) {
	p := NewPort()
	id := p.PushInterrupt(42, 7)
	assert.True(t, p.Signal().Contains(object.SignalReadable))

	assert.True(t, p.RemoveInterrupt(id))
	assert.False(t, p.RemoveInterrupt(id))
	assert.False(t, p.Signal().Contains(object.SignalReadable))
}

func TestPortWaitAsync(t *testing.T) {
	p := NewPort()
	a, b := NewChannel()
	p.WaitAsync(b, 9, object.SignalReadable)

	require.NoError(t, a.Write(&MessagePacket{Data: []byte("x")}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, PacketSignalOne, pkt.Type)
	assert.Equal(t, uint64(9), pkt.Key)
	assert.True(t, pkt.Observed.Contains(object.SignalReadable))
}
