package kcp

import (
	"encoding/binary"
	"fmt"
)

// HandshakeSize is the length of a handshake datagram.
const HandshakeSize = 12

// Handshake packet types.
const (
	TypeRequest  uint8 = 1
	TypeResponse uint8 = 2
)

// Handshake is the fixed size packet a client sends to obtain a
// conversation id. Layout, little endian:
//
//	[0:4)  magic
//	[4]    type
//	[5:9)  conversation id, 0 in a request
//	[9:12) reserved
type Handshake struct {
	Magic uint32
	Type  uint8
	Conv  uint32
}

// MarshalBinary encodes h into HandshakeSize bytes.
func (h Handshake) MarshalBinary() ([]byte, error) {
	return h.Append(nil), nil
}

// Append appends the encoding of h to b.
func (h Handshake) Append(b []byte) []byte {
	var buf [HandshakeSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Type
	binary.LittleEndian.PutUint32(buf[5:9], h.Conv)
	return append(b, buf[:]...)
}

// UnmarshalBinary decodes the first HandshakeSize bytes of b. Trailing
// bytes are ignored.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeSize {
		return fmt.Errorf("handshake: %d bytes, need %d", len(b), HandshakeSize)
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Type = b[4]
	h.Conv = binary.LittleEndian.Uint32(b[5:9])
	return nil
}

// IsRequest reports whether b starts a handshake request for magic,
// regardless of what follows the header.
func IsRequest(b []byte, magic uint32) bool {
	return len(b) >= HandshakeSize &&
		binary.LittleEndian.Uint32(b[0:4]) == magic &&
		b[4] == TypeRequest
}

// parseResponse returns the conversation id of a response for magic.
func parseResponse(b []byte, magic uint32) (uint32, bool) {
	var h Handshake
	if err := h.UnmarshalBinary(b); err != nil {
		return 0, false
	}
	if h.Magic != magic || h.Type != TypeResponse || h.Conv == 0 {
		return 0, false
	}
	return h.Conv, true
}
