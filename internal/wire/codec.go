package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/fxamacker/cbor/v2"
)

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical cbor encoder: %v", err))
	}
	return m
}()

// Frame is a fully decoded frame: a session ID paired with a message.
type Frame struct {
	SessionID protocol.SessionID
	Message   protocol.Message
}

// Each payload is the CBOR encoding of the matching protocol payload struct
// (protocol.SessionCreate, protocol.Resize, ...), except Data, whose payload
// is the raw terminal bytes; protocol.Message remains the public
// tagged-union type used by the rest of the codebase.

// Encoder serializes Frames onto an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single frame: header followed by the payload (CBOR, or
// raw bytes for Data).
func (e *Encoder) Encode(f Frame) error {
	payload, err := encodePayload(f.Message)
	if err != nil {
		return fmt.Errorf("wire: encode payload: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &ErrPayloadTooLarge{Size: len(payload), Max: MaxPayloadSize}
	}

	buf := make([]byte, HeaderSize+len(payload))
	EncodeHeader(Header{
		SessionID:     f.SessionID,
		MessageType:   f.Message.Type,
		PayloadLength: uint32(len(payload)),
	}, buf[:HeaderSize])
	copy(buf[HeaderSize:], payload)

	_, err = e.w.Write(buf)
	return err
}

// Decoder is a streaming frame decoder fed bytes from a bufio.Reader. It
// holds a pending header across Decode calls so that a header read before
// its full payload has arrived is not re-parsed.
type Decoder struct {
	r             *bufio.Reader
	pendingHeader *Header
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode blocks until a full frame is available, then returns it. It
// returns an error if the connection is closed, an I/O error occurs, or the
// frame is malformed (unknown type, oversized payload, bad CBOR payload).
func (d *Decoder) Decode() (Frame, error) {
	header, err := d.decodeHeader()
	if err != nil {
		return Frame{}, err
	}

	if header.PayloadLength > MaxPayloadSize {
		d.pendingHeader = nil
		return Frame{}, &ErrPayloadTooLarge{Size: int(header.PayloadLength), Max: MaxPayloadSize}
	}

	payload := make([]byte, header.PayloadLength)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		// Keep the header pending so a retry (if the caller chooses) does
		// not re-read it; callers that treat this as fatal can ignore it.
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}
	d.pendingHeader = nil

	msg, err := decodePayload(header.MessageType, payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: decode payload: %w", err)
	}

	return Frame{SessionID: header.SessionID, Message: msg}, nil
}

func (d *Decoder) decodeHeader() (Header, error) {
	if d.pendingHeader != nil {
		h := *d.pendingHeader
		return h, nil
	}

	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return Header{}, fmt.Errorf("wire: read header: %w", err)
	}

	typeByte := PeekMessageType(raw)
	if _, ok := protocol.MessageTypeFromByte(typeByte); !ok {
		return Header{}, &ErrUnknownMessageType{Byte: typeByte}
	}

	h := DecodeHeader(raw)
	d.pendingHeader = &h
	return h, nil
}

func encodePayload(msg protocol.Message) ([]byte, error) {
	switch msg.Type {
	case protocol.TypeSessionCreate:
		return encMode.Marshal(msg.SessionCreate)
	case protocol.TypeSessionReady:
		return encMode.Marshal(msg.SessionReady)
	case protocol.TypeData:
		return msg.Data, nil
	case protocol.TypeResize:
		return encMode.Marshal(msg.Resize)
	case protocol.TypeSessionClose:
		return encMode.Marshal(msg.SessionClose)
	case protocol.TypeHeartbeat:
		return encMode.Marshal(msg.Heartbeat)
	case protocol.TypeHeartbeatAck:
		return encMode.Marshal(msg.HeartbeatAck)
	case protocol.TypeRegister:
		return encMode.Marshal(msg.Register)
	case protocol.TypeRegisterAck:
		return encMode.Marshal(msg.RegisterAck)
	case protocol.TypeError:
		return encMode.Marshal(msg.Error)
	default:
		return nil, &ErrUnknownMessageType{Byte: byte(msg.Type)}
	}
}

func decodePayload(t protocol.MessageType, payload []byte) (protocol.Message, error) {
	switch t {
	case protocol.TypeSessionCreate:
		var v protocol.SessionCreate
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, SessionCreate: &v}, nil
	case protocol.TypeSessionReady:
		var v protocol.SessionReady
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, SessionReady: &v}, nil
	case protocol.TypeData:
		data := make([]byte, len(payload))
		copy(data, payload)
		return protocol.Message{Type: t, Data: data}, nil
	case protocol.TypeResize:
		var v protocol.Resize
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, Resize: &v}, nil
	case protocol.TypeSessionClose:
		var v protocol.SessionClose
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, SessionClose: &v}, nil
	case protocol.TypeHeartbeat:
		var v protocol.Heartbeat
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, Heartbeat: &v}, nil
	case protocol.TypeHeartbeatAck:
		var v protocol.HeartbeatAck
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, HeartbeatAck: &v}, nil
	case protocol.TypeRegister:
		var v protocol.Register
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, Register: &v}, nil
	case protocol.TypeRegisterAck:
		var v protocol.RegisterAck
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, RegisterAck: &v}, nil
	case protocol.TypeError:
		var v protocol.ErrorPayload
		if err := cbor.Unmarshal(payload, &v); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{Type: t, Error: &v}, nil
	default:
		return protocol.Message{}, &ErrUnknownMessageType{Byte: byte(t)}
	}
}
