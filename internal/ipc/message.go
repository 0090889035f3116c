package ipc

import (
	"encoding/binary"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
)

// Wire limits of a single channel message.
const (
	MaxMessageBytes   = 65536
	MaxMessageHandles = 64
)

// TxID correlates a Call request with its reply. It occupies the first four
// bytes of the message, little-endian.
type TxID uint32

// txidKernelBit marks identifiers allocated by Call.
const txidKernelBit TxID = 0x8000_0000

// MessagePacket is one channel message: bytes plus the capabilities moving
// with them. Handles in flight belong to the packet.
type MessagePacket struct {
	Data    []byte
	Handles []*object.Handle
}

// Txid returns the transaction id, or false if Data is too short to hold one.
func (m *MessagePacket) Txid() (TxID, bool) {
	if len(m.Data) < 4 {
		return 0, false
	}
	return TxID(binary.LittleEndian.Uint32(m.Data)), true
}

// SetTxid stores id in the first four bytes of Data.
func (m *MessagePacket) SetTxid(id TxID) {
	binary.LittleEndian.PutUint32(m.Data, uint32(id))
}

// Close releases every handle carried by the message.
func (m *MessagePacket) Close() {
	object.CloseAll(m.Handles)
	m.Handles = nil
}
