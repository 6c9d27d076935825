// Package wire implements the tunnel-plane frame protocol: an 8-byte header
// (session ID, message type, 24-bit payload length) followed by a payload that
// is CBOR-encoded, except for Data frames, which carry raw bytes. It provides a streaming Decoder that can be fed arbitrary chunks
// of bytes off a net.Conn and a stateless Encoder for writing frames.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/adiaslow/kterminus/internal/protocol"
)

// HeaderSize is the size in bytes of a frame header.
const HeaderSize = 8

// MaxPayloadSize is the largest payload a frame can carry, limited by the
// 24-bit payload length field.
const MaxPayloadSize = 0x00FFFFFF

// Header is the decoded fixed-size prefix of a frame.
type Header struct {
	SessionID     protocol.SessionID
	MessageType   protocol.MessageType
	PayloadLength uint32
}

// EncodeHeader writes h's 8-byte wire representation to dst, which must have
// at least HeaderSize bytes of capacity.
func EncodeHeader(h Header, dst []byte) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(h.SessionID))
	dst[4] = byte(h.MessageType)
	dst[5] = byte(h.PayloadLength >> 16)
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.PayloadLength))
}

// DecodeHeader parses a header from the first HeaderSize bytes of src.
// The caller must ensure len(src) >= HeaderSize; use PeekMessageType first
// if the type byte itself needs validating before committing to a full
// decode.
func DecodeHeader(src []byte) Header {
	sessionID := protocol.SessionID(binary.BigEndian.Uint32(src[0:4]))
	msgType := protocol.MessageType(src[4])
	lenHigh := uint32(src[5])
	lenLow := uint32(binary.BigEndian.Uint16(src[6:8]))
	return Header{
		SessionID:     sessionID,
		MessageType:   msgType,
		PayloadLength: (lenHigh << 16) | lenLow,
	}
}

// PeekMessageType returns the message-type byte from a header-sized buffer
// without otherwise interpreting it. src must have at least HeaderSize
// bytes.
func PeekMessageType(src []byte) byte {
	return src[4]
}

// ErrUnknownMessageType is returned when a frame header's type byte does not
// match any known MessageType.
type ErrUnknownMessageType struct {
	Byte byte
}

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("wire: unknown message type 0x%02x", e.Byte)
}

// ErrPayloadTooLarge is returned when a frame's declared or actual payload
// length exceeds MaxPayloadSize.
type ErrPayloadTooLarge struct {
	Size int
	Max  int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("wire: payload too large: %d bytes (max %d)", e.Size, e.Max)
}

// ErrInvalidHeader is returned for a structurally invalid header (reserved
// for future validation beyond the message-type check).
type ErrInvalidHeader struct {
	Reason string
}

func (e *ErrInvalidHeader) Error() string {
	return fmt.Sprintf("wire: invalid header: %s", e.Reason)
}
