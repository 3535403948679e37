package transport

import (
	"encoding/binary"
	"fmt"
)

// Channel selects the delivery guarantee for a datagram.
type Channel uint8

const (
	// ChannelUnreliable is best-effort: datagrams may be dropped or
	// reordered. Used for high-rate state updates.
	ChannelUnreliable Channel = 0x01
	// ChannelReliable guarantees delivery and per-sender ordering via
	// acknowledgment and retransmission. Used for control and session
	// messages.
	ChannelReliable Channel = 0x02
	// chanAck acknowledges one reliable datagram. Internal to the adapter.
	chanAck Channel = 0x03
)

// headerSize is the fixed frame header: Channel(1) + Seq(4).
const headerSize = 5

// maxDatagramSize bounds one framed datagram (header + body).
const maxDatagramSize = 16 * 1024

// frame prepends the channel/seq header to a payload.
func frame(ch Channel, seq uint32, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(ch)
	binary.BigEndian.PutUint32(buf[1:5], seq)
	copy(buf[headerSize:], payload)
	return buf
}

// unframe splits a raw datagram into header fields and body. The returned
// payload is a copy, never aliased to the input buffer.
func unframe(data []byte) (Channel, uint32, []byte, error) {
	if len(data) < headerSize {
		return 0, 0, nil, fmt.Errorf("datagram too short: %d bytes (need at least %d)", len(data), headerSize)
	}
	ch := Channel(data[0])
	switch ch {
	case ChannelUnreliable, ChannelReliable, chanAck:
	default:
		return 0, 0, nil, fmt.Errorf("unknown channel 0x%02x", data[0])
	}
	seq := binary.BigEndian.Uint32(data[1:5])
	var payload []byte
	if len(data) > headerSize {
		payload = make([]byte, len(data)-headerSize)
		copy(payload, data[headerSize:])
	}
	return ch, seq, payload, nil
}
