package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"weak"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

type callResult struct {
	msg *MessagePacket
	err error
}

// Channel is one endpoint of a bidirectional message pipe. Writing to an
// endpoint queues the message on its peer.
type Channel struct {
	object.Base

	peer     weak.Pointer[Channel]
	peerKoid object.Koid

	mu         sync.Mutex
	queue      []*MessagePacket         // Protected by mu
	calls      map[TxID]chan callResult // Protected by mu
	nextTxid   TxID                     // Protected by mu
	peerClosed bool                     // Protected by mu
	dead       bool                     // Protected by mu
}

// NewChannel creates a connected pair of endpoints.
func NewChannel() (*Channel, *Channel) {
	a := &Channel{calls: make(map[TxID]chan callResult)}
	b := &Channel{calls: make(map[TxID]chan callResult)}
	a.InitBase(object.SignalWritable)
	b.InitBase(object.SignalWritable)
	a.peer, a.peerKoid = weak.Make(b), b.ID()
	b.peer, b.peerKoid = weak.Make(a), a.ID()
	return a, b
}

// Type implements object.KernelObject.
func (c *Channel) Type() object.ObjType {
	return object.TypeChannel
}

// Peer returns the other endpoint, or zx.ErrPeerClosed once it is gone.
func (c *Channel) Peer() (object.KernelObject, error) {
	p, err := c.livePeer()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PeerKoid returns the koid of the other endpoint, even after it closed.
func (c *Channel) PeerKoid() object.Koid {
	return c.peerKoid
}

func (c *Channel) livePeer() (*Channel, error) {
	c.mu.Lock()
	closed := c.peerClosed
	c.mu.Unlock()
	if p := c.peer.Value(); !closed && p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("channel %d: %w", c.ID(), zx.ErrPeerClosed)
}

func validate(c *Channel, msg *MessagePacket) error {
	if len(msg.Data) > MaxMessageBytes {
		return fmt.Errorf("message of %d bytes: %w", len(msg.Data), zx.ErrOutOfRange)
	}
	if len(msg.Handles) > MaxMessageHandles {
		return fmt.Errorf("message with %d handles: %w", len(msg.Handles), zx.ErrOutOfRange)
	}
	for _, h := range msg.Handles {
		if h.Object == object.KernelObject(c) {
			return fmt.Errorf("channel %d cannot carry itself: %w", c.ID(), zx.ErrNotSupported)
		}
	}
	return nil
}

// Write queues msg on the peer in FIFO order. On success the message and its
// handles belong to the peer; on failure they still belong to the caller.
func (c *Channel) Write(msg *MessagePacket) error {
	if err := validate(c, msg); err != nil {
		return err
	}
	p, err := c.livePeer()
	if err != nil {
		return err
	}
	return p.push(msg)
}

// push delivers msg to this endpoint: to a pending Call when it carries the
// call's txid, else onto the queue.
func (c *Channel) push(msg *MessagePacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return fmt.Errorf("channel %d: %w", c.peerKoid, zx.ErrPeerClosed)
	}
	messagesWritten.Add(1)
	if id, ok := msg.Txid(); ok && id&txidKernelBit != 0 {
		if ch, ok := c.calls[id]; ok {
			delete(c.calls, id)
			ch <- callResult{msg: msg}
			return nil
		}
	}
	c.queue = append(c.queue, msg)
	c.SignalSet(object.SignalReadable)
	return nil
}

// Read pops the oldest message. An empty queue yields zx.ErrNotFound, or
// zx.ErrPeerClosed when nothing more can arrive.
func (c *Channel) Read() (*MessagePacket, error) {
	return c.CheckAndRead(nil)
}

// CheckAndRead calls check with the head message before removing it. If
// check fails the message stays queued and its error is returned.
func (c *Channel) CheckAndRead(check func(*MessagePacket) error) (*MessagePacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		if c.peerClosed {
			return nil, fmt.Errorf("read channel %d: %w", c.ID(), zx.ErrPeerClosed)
		}
		return nil, fmt.Errorf("read channel %d: empty: %w", c.ID(), zx.ErrNotFound)
	}
	head := c.queue[0]
	if check != nil {
		if err := check(head); err != nil {
			return nil, err
		}
	}
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.SignalClear(object.SignalReadable)
	}
	messagesRead.Add(1)
	return head, nil
}

// ReadWait blocks until a message arrives or the peer closes.
func (c *Channel) ReadWait(ctx context.Context) (*MessagePacket, error) {
	for {
		msg, err := c.Read()
		if !errors.Is(err, zx.ErrNotFound) {
			return msg, err
		}
		if _, err := c.WaitSignal(ctx, object.SignalReadable|object.SignalPeerClosed); err != nil {
			return nil, err
		}
	}
}

// Call writes msg stamped with a fresh txid and waits for the reply carrying
// the same txid. The request is not withdrawn if ctx expires first. Call
// always consumes the handles of msg: if the request cannot be written they
// are closed.
func (c *Channel) Call(ctx context.Context, msg *MessagePacket) (*MessagePacket, error) {
	if len(msg.Data) < 4 {
		msg.Close()
		return nil, fmt.Errorf("call message of %d bytes has no txid: %w", len(msg.Data), zx.ErrInvalidArgs)
	}
	if err := validate(c, msg); err != nil {
		msg.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.peerClosed {
		c.mu.Unlock()
		msg.Close()
		return nil, fmt.Errorf("call on channel %d: %w", c.ID(), zx.ErrPeerClosed)
	}
	id := c.allocTxidLocked()
	ch := make(chan callResult, 1)
	c.calls[id] = ch
	c.mu.Unlock()

	msg.SetTxid(id)
	if err := c.Write(msg); err != nil {
		c.dropCall(id)
		msg.Close()
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
	}
	if !c.dropCall(id) {
		// Resolved while the deadline fired; take the result.
		r := <-ch
		return r.msg, r.err
	}
	callsTimedOut.Add(1)
	return nil, zx.FromContext(ctx)
}

func (c *Channel) allocTxidLocked() TxID {
	for {
		c.nextTxid = (c.nextTxid + 1) &^ txidKernelBit
		id := c.nextTxid | txidKernelBit
		if _, busy := c.calls[id]; !busy {
			return id
		}
	}
}

func (c *Channel) dropCall(id TxID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[id]; !ok {
		return false
	}
	delete(c.calls, id)
	return true
}

// OnZeroHandles tears the endpoint down: queued messages and their handles
// are dropped and the peer observes PEER_CLOSED.
func (c *Channel) OnZeroHandles() {
	c.mu.Lock()
	c.dead = true
	queue := c.queue
	c.queue = nil
	calls := c.calls
	c.calls = make(map[TxID]chan callResult)
	c.mu.Unlock()

	for _, msg := range queue {
		msg.Close()
	}
	for _, ch := range calls {
		ch <- callResult{err: fmt.Errorf("channel %d closed: %w", c.ID(), zx.ErrCanceled)}
	}
	if p := c.peer.Value(); p != nil {
		p.peerGone()
	}
	c.Cancel()
	zap.L().Debug("channel endpoint closed",
		zap.Uint64("koid", uint64(c.ID())),
		zap.Int("dropped", len(queue)))
}

func (c *Channel) peerGone() {
	c.mu.Lock()
	c.peerClosed = true
	calls := c.calls
	c.calls = make(map[TxID]chan callResult)
	c.SignalChange(object.SignalWritable, object.SignalPeerClosed)
	c.mu.Unlock()

	for _, ch := range calls {
		ch <- callResult{err: fmt.Errorf("channel %d: %w", c.ID(), zx.ErrPeerClosed)}
	}
}

// Pending returns the number of queued messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
