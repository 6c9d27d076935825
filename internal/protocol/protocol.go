// Package protocol defines the wire-level types shared between the
// orchestrator and the agent: the session/machine identifiers, the message
// tagged union carried inside each frame, and the protocol version and
// error-code taxonomy used to report problems across the tunnel plane.
package protocol

import "fmt"

// CurrentVersion is the protocol version this build speaks. Agents that omit
// a version in Register are assumed to speak "1.0".
const CurrentVersion = "1.0"

// SessionID identifies a terminal session. It is monotonic per orchestrator
// process and unique only within that process's lifetime. SessionID 0 is
// reserved for control-channel messages that are not tied to any session
// (e.g. Heartbeat).
type SessionID uint32

// ControlSessionID is the reserved session ID for control-channel frames.
const ControlSessionID SessionID = 0

func (s SessionID) String() string {
	return fmt.Sprintf("%d", uint32(s))
}

// MachineID identifies a connected agent machine. It is derived from the
// peer-verification oracle's reported identity, or, for a loopback
// connection, from a fingerprint of the connection's remote address
// (host and port); no agent public key is involved. It is immutable for
// the lifetime of a connection.
type MachineID string

func (m MachineID) String() string { return string(m) }

// TerminalSize is the PTY's row/column dimensions.
type TerminalSize struct {
	Rows uint16 `cbor:"rows"`
	Cols uint16 `cbor:"cols"`
}

// DefaultTerminalSize is used when a session is created without an explicit
// initial size.
func DefaultTerminalSize() TerminalSize {
	return TerminalSize{Rows: 24, Cols: 80}
}

// EnvVar is a single (name, value) environment variable entry. A slice of
// these is used instead of a map so that ordering is preserved, matching the
// original protocol's Vec<(String, String)> representation.
type EnvVar struct {
	Name  string `cbor:"name" json:"name"`
	Value string `cbor:"value" json:"value"`
}

// ErrorCode classifies errors reported across the tunnel plane in an Error
// message. Values are stable across protocol versions.
type ErrorCode uint8

const (
	ErrorUnknown               ErrorCode = 0
	ErrorSessionNotFound       ErrorCode = 1
	ErrorPTYAllocationFailed   ErrorCode = 2
	ErrorAuthenticationFailed  ErrorCode = 3
	ErrorSessionLimitExceeded  ErrorCode = 4
	ErrorInvalidMessage        ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorSessionNotFound:
		return "session_not_found"
	case ErrorPTYAllocationFailed:
		return "pty_allocation_failed"
	case ErrorAuthenticationFailed:
		return "authentication_failed"
	case ErrorSessionLimitExceeded:
		return "session_limit_exceeded"
	case ErrorInvalidMessage:
		return "invalid_message"
	default:
		return "unknown"
	}
}

// MessageType identifies the shape of a Message's payload. Values are fixed
// on the wire (see frame header byte 4) and must never be renumbered.
type MessageType uint8

const (
	TypeSessionCreate MessageType = 0x01
	TypeSessionReady   MessageType = 0x02
	TypeData           MessageType = 0x03
	TypeResize         MessageType = 0x04
	TypeSessionClose   MessageType = 0x05
	TypeHeartbeat      MessageType = 0x06
	TypeHeartbeatAck   MessageType = 0x07
	TypeRegister       MessageType = 0x08
	TypeRegisterAck    MessageType = 0x09
	TypeError          MessageType = 0xFF
)

// MessageTypeFromByte converts b to a MessageType and reports whether it is
// a recognized MessageType byte value.
func MessageTypeFromByte(b byte) (MessageType, bool) {
	switch MessageType(b) {
	case TypeSessionCreate, TypeSessionReady, TypeData, TypeResize,
		TypeSessionClose, TypeHeartbeat, TypeHeartbeatAck,
		TypeRegister, TypeRegisterAck, TypeError:
		return MessageType(b), true
	default:
		return 0, false
	}
}

// Message is the tagged union of payloads that can travel inside a frame.
// Exactly one of the typed fields is meaningful, selected by Type. Callers
// should use the constructor helpers (NewSessionCreate, etc.) rather than
// setting fields directly, to keep Type and payload in sync.
type Message struct {
	Type MessageType

	SessionCreate *SessionCreate
	SessionReady  *SessionReady
	Data          []byte
	Resize        *Resize
	SessionClose  *SessionClose
	Heartbeat     *Heartbeat
	HeartbeatAck  *HeartbeatAck
	Register      *Register
	RegisterAck   *RegisterAck
	Error         *ErrorPayload
}

// SessionCreate requests that the agent spawn a new PTY session.
type SessionCreate struct {
	Shell       *string      `cbor:"shell"`
	Env         []EnvVar     `cbor:"env"`
	InitialSize TerminalSize `cbor:"initial_size"`
}

// SessionReady is sent by the agent once the PTY has been spawned.
type SessionReady struct {
	PID uint32 `cbor:"pid"`
}

// Resize changes a session's PTY dimensions.
type Resize struct {
	Size TerminalSize `cbor:"size"`
}

// SessionClose signals that a session has ended (or should end). ExitCode is
// nil when the process died without a normal exit code (e.g. killed by
// signal) or when requesting a close rather than reporting one.
type SessionClose struct {
	ExitCode *int32 `cbor:"exit_code"`
}

// Heartbeat is sent orchestrator -> agent to probe liveness.
type Heartbeat struct {
	TimestampMillis uint64 `cbor:"timestamp_ms"`
}

// HeartbeatAck is the agent's reply to a Heartbeat, echoing the timestamp.
type HeartbeatAck struct {
	TimestampMillis uint64 `cbor:"timestamp_ms"`
}

// Register is sent by the agent immediately after connecting, identifying
// itself to the orchestrator.
type Register struct {
	MachineID MachineID `cbor:"machine_id"`
	Hostname  string    `cbor:"hostname"`
	OS        string    `cbor:"os"`
	Arch      string    `cbor:"arch"`
	Version   *string   `cbor:"version"`
}

// RegisterAck is the orchestrator's reply to Register. ServerPublicKey
// carries the orchestrator's identity key so the agent can check it
// against a HostKeyVerifier before trusting the connection; it is
// empty when the orchestrator was not configured with an identity
// key.
type RegisterAck struct {
	Accepted        bool    `cbor:"accepted"`
	Reason          *string `cbor:"reason"`
	ServerPublicKey []byte  `cbor:"server_public_key"`
}

// ErrorPayload carries a protocol-level error across the tunnel plane.
type ErrorPayload struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message"`
}

// NewSessionCreate builds a Message carrying a SessionCreate payload.
func NewSessionCreate(shell *string, env []EnvVar, size TerminalSize) Message {
	return Message{Type: TypeSessionCreate, SessionCreate: &SessionCreate{Shell: shell, Env: env, InitialSize: size}}
}

// NewSessionReady builds a Message carrying a SessionReady payload.
func NewSessionReady(pid uint32) Message {
	return Message{Type: TypeSessionReady, SessionReady: &SessionReady{PID: pid}}
}

// NewData builds a Message carrying raw terminal bytes.
func NewData(b []byte) Message {
	return Message{Type: TypeData, Data: b}
}

// NewResize builds a Message carrying a Resize payload.
func NewResize(size TerminalSize) Message {
	return Message{Type: TypeResize, Resize: &Resize{Size: size}}
}

// NewSessionClose builds a Message carrying a SessionClose payload.
func NewSessionClose(exitCode *int32) Message {
	return Message{Type: TypeSessionClose, SessionClose: &SessionClose{ExitCode: exitCode}}
}

// NewHeartbeat builds a Message carrying a Heartbeat payload.
func NewHeartbeat(timestampMillis uint64) Message {
	return Message{Type: TypeHeartbeat, Heartbeat: &Heartbeat{TimestampMillis: timestampMillis}}
}

// NewHeartbeatAck builds a Message carrying a HeartbeatAck payload.
func NewHeartbeatAck(timestampMillis uint64) Message {
	return Message{Type: TypeHeartbeatAck, HeartbeatAck: &HeartbeatAck{TimestampMillis: timestampMillis}}
}

// NewRegister builds a Message carrying a Register payload.
func NewRegister(machineID MachineID, hostname, os, arch string, version *string) Message {
	return Message{Type: TypeRegister, Register: &Register{MachineID: machineID, Hostname: hostname, OS: os, Arch: arch, Version: version}}
}

// NewRegisterAck builds a Message carrying a RegisterAck payload.
// serverPublicKey may be nil if the orchestrator has no identity key
// configured.
func NewRegisterAck(accepted bool, reason *string, serverPublicKey []byte) Message {
	return Message{Type: TypeRegisterAck, RegisterAck: &RegisterAck{Accepted: accepted, Reason: reason, ServerPublicKey: serverPublicKey}}
}

// NewError builds a Message carrying an ErrorPayload.
func NewError(code ErrorCode, message string) Message {
	return Message{Type: TypeError, Error: &ErrorPayload{Code: code, Message: message}}
}
