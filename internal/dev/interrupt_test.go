package dev

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

func newVirtual(t *testing.T) *Interrupt {
	t.Helper()
	i, err := NewVirtual(InterruptVirtual)
	require.NoError(t, err)
	return i
}

func TestNewVirtualOptions(t *testing.T) {
	_, err := NewVirtual(InterruptVirtual | InterruptMaskPostwait)
	assert.ErrorIs(t, err, zx.ErrInvalidArgs)
	_, err = NewEvent(3, InterruptVirtual, NewSoftIRQController())
	assert.ErrorIs(t, err, zx.ErrInvalidArgs)
}

func TestWaitReturnsTimestamp(t *testing.T) {
	i := newVirtual(t)

	got := make(chan int64, 1)
	go func() {
		ts, err := i.Wait(context.Background())
		assert.NoError(t, err)
		got <- ts
	}()
	require.Eventually(t, func() bool { return i.State() == StateWaiting }, time.Second, time.Millisecond)

	require.NoError(t, i.Trigger(1234))
	select {
	case ts := <-got:
		assert.Equal(t, int64(1234), ts)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Equal(t, StateNeedAck, i.State())
}

func TestTriggerBeforeWait(t *testing.T) {
	i := newVirtual(t)
	require.NoError(t, i.Trigger(7))
	assert.Equal(t, StateTriggered, i.State())

	ts, err := i.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), ts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = i.Wait(ctx)
	assert.ErrorIs(t, err, zx.ErrTimedOut)
	assert.Equal(t, StateIdle, i.State())
}

func TestDestroyCancelsWaiter(t *testing.T) {
	i := newVirtual(t)

	done := make(chan error, 1)
	go func() {
		_, err := i.Wait(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return i.State() == StateWaiting }, time.Second, time.Millisecond)

	require.NoError(t, i.Destroy())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, zx.ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not canceled")
	}
	assert.ErrorIs(t, i.Trigger(1), zx.ErrCanceled)
	assert.ErrorIs(t, i.Destroy(), zx.ErrCanceled)
}

func TestPortDeliveryCoalescesAndRedelivers(t *testing.T) {
	i := newVirtual(t)
	port := ipc.NewPort()
	require.NoError(t, i.Bind(port, 5))

	require.NoError(t, i.Trigger(100))
	require.NoError(t, i.Trigger(200))
	require.NoError(t, i.Trigger(300))
	assert.Equal(t, 1, port.Len(), "triggers while awaiting ack are coalesced")
	assert.Equal(t, StateNeedAck, i.State())

	pkt, err := port.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ipc.PacketInterrupt, pkt.Type)
	assert.Equal(t, uint64(5), pkt.Key)
	assert.Equal(t, int64(100), pkt.Timestamp)

	require.NoError(t, i.Ack())
	assert.Equal(t, 1, port.Len(), "coalesced trigger redelivered exactly once")
	assert.Equal(t, StateNeedAck, i.State())

	pkt, err = port.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), pkt.Timestamp)

	require.NoError(t, i.Ack())
	assert.Equal(t, 0, port.Len())
	assert.Equal(t, StateIdle, i.State())
}

func TestZeroTimestampTriggerIsRedelivered(t *testing.T) {
	tests := []struct {
		name  string
		first int64
		later int64
	}{
		{name: "zero during needack", first: 5, later: 0},
		{name: "negative during needack", first: 5, later: -7},
		{name: "zero first", first: 0, later: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newVirtual(t)
			port := ipc.NewPort()
			require.NoError(t, i.Bind(port, 1))

			require.NoError(t, i.Trigger(tt.first))
			require.NoError(t, i.Trigger(tt.later))
			assert.Equal(t, 1, port.Len())

			require.NoError(t, i.Ack())
			assert.Equal(t, StateNeedAck, i.State())
			assert.Equal(t, 2, port.Len())

			first, err := port.Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.first, first.Timestamp)
			second, err := port.Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.later, second.Timestamp)

			require.NoError(t, i.Ack())
			assert.Equal(t, StateIdle, i.State())
		})
	}
}

func TestBindRules(t *testing.T) {
	i := newVirtual(t)
	p1, p2 := ipc.NewPort(), ipc.NewPort()

	assert.ErrorIs(t, i.Ack(), zx.ErrBadState, "ack needs a port")

	require.NoError(t, i.Trigger(9))
	require.NoError(t, i.Bind(p1, 1))
	assert.Equal(t, 1, p1.Len(), "pending trigger delivered on bind")

	assert.ErrorIs(t, i.Bind(p2, 2), zx.ErrAlreadyBound)
	_, err := i.Wait(context.Background())
	assert.ErrorIs(t, err, zx.ErrBadState)

	assert.ErrorIs(t, i.Unbind(p2), zx.ErrNotFound)
	require.NoError(t, i.Unbind(p1))
	assert.Equal(t, 0, p1.Len(), "unacked packet withdrawn")
}

func TestDestroyBoundAfterDequeue(t *testing.T) {
	i := newVirtual(t)
	port := ipc.NewPort()
	require.NoError(t, i.Bind(port, 1))
	require.NoError(t, i.Trigger(1))
	_, err := port.Wait(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, i.Destroy(), zx.ErrNotFound)
	assert.Equal(t, StateDestroyed, i.State())
}

func TestEventInterrupt(t *testing.T) {
	ctl := NewSoftIRQController()
	i, err := NewEvent(7, InterruptUnmaskPrewait, ctl)
	require.NoError(t, err)
	assert.True(t, ctl.Masked(7))

	assert.ErrorIs(t, i.Trigger(1), zx.ErrBadState, "event interrupts fire from the line")

	port := ipc.NewPort()
	require.NoError(t, i.Bind(port, 3))
	ctl.Unmask(7)
	require.NoError(t, ctl.Raise(7))

	pkt, err := port.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pkt.Key)
	assert.Positive(t, pkt.Timestamp)
	require.NoError(t, i.Ack())
	assert.False(t, ctl.Masked(7))

	require.NoError(t, i.Destroy())
	assert.ErrorIs(t, ctl.Raise(7), zx.ErrNotFound, "line unregistered")
}
