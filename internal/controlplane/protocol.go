package controlplane

import "github.com/adiaslow/kterminus/internal/protocol"

// Envelope is peeked off every incoming line to route it to the right
// concrete Request type, mirroring the teacher's ws.Envelope{Type}
// peek-then-unmarshal idiom (internal/ws/client.go).
type Envelope struct {
	Type string `json:"type"`
}

// Request type tags. One JSON object per line, discriminated by Type,
// with the request's arguments flattened onto the same object.
const (
	ReqPing              = "ping"
	ReqAuthenticate      = "authenticate"
	ReqGetStatus         = "get_status"
	ReqListMachines      = "list_machines"
	ReqGetMachine        = "get_machine"
	ReqListSessions      = "list_sessions"
	ReqCreateSession     = "create_session"
	ReqSessionInput      = "session_input"
	ReqSessionResize     = "session_resize"
	ReqCloseSession      = "close_session"
	ReqSubscribe         = "subscribe"
	ReqUnsubscribe       = "unsubscribe"
	ReqDisconnectMachine = "disconnect_machine"
	ReqGetPairingCode    = "get_pairing_code"
	ReqVerifyPairingCode = "verify_pairing_code"
	ReqGetStateSnapshot  = "get_state_snapshot"
	ReqGetEventsSince    = "get_events_since"
	ReqShutdown          = "shutdown"
)

// Request is the flat superset of every request's fields. Only the
// fields relevant to Type are populated by the caller; unused fields are
// simply omitted from the JSON.
type Request struct {
	Type string `json:"type"`

	Token    string  `json:"token,omitempty"`
	ClientID *string `json:"client_id,omitempty"`

	MachineID string `json:"machine_id,omitempty"`

	SessionID string            `json:"session_id,omitempty"`
	Shell     *string           `json:"shell,omitempty"`
	Env       []protocol.EnvVar `json:"env,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Cols      uint16            `json:"cols,omitempty"`
	Rows      uint16            `json:"rows,omitempty"`
	Force     bool              `json:"force,omitempty"`

	Code string `json:"code,omitempty"`

	SinceSeq uint64 `json:"since_seq,omitempty"`
}

// Response type tags.
const (
	RespOk                   = "ok"
	RespPong                 = "pong"
	RespError                = "error"
	RespAuthenticationReqd   = "authentication_required"
	RespAuthenticated        = "authenticated"
	RespStatus               = "status"
	RespMachines             = "machines"
	RespMachine              = "machine"
	RespSessions             = "sessions"
	RespSessionCreated       = "session_created"
	RespPairingCode          = "pairing_code"
	RespPairingCodeValid     = "pairing_code_valid"
	RespStateSnapshot        = "state_snapshot"
	RespEventsSince          = "events_since"
)

// MachineInfo describes one connected agent, as returned by ListMachines,
// GetMachine and GetStateSnapshot.
type MachineInfo struct {
	ID           string `json:"id"`
	Alias        *string `json:"alias,omitempty"`
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	SessionCount int    `json:"session_count"`
	UptimeSecs   int64  `json:"uptime_secs"`
}

// SessionInfo describes one tracked session, as returned by
// ListSessions, CreateSession and GetStateSnapshot.
type SessionInfo struct {
	ID        string  `json:"id"`
	MachineID string  `json:"machine_id"`
	Shell     *string `json:"shell,omitempty"`
	PID       *uint32 `json:"pid,omitempty"`
	State     string  `json:"state"`
	CreatedAt int64   `json:"created_at"`
}

// Response is the flat superset of every response's fields.
type Response struct {
	Type string `json:"type"`

	Message string `json:"message,omitempty"` // error

	EpochID     string `json:"epoch_id,omitempty"`
	CurrentSeq  uint64 `json:"current_seq,omitempty"`

	Running      bool    `json:"running,omitempty"`
	UptimeSecs   int64   `json:"uptime_secs,omitempty"`
	MachineCount int     `json:"machine_count,omitempty"`
	SessionCount int     `json:"session_count,omitempty"`
	Version      string  `json:"version,omitempty"`
	BindAddress  string  `json:"bind_address,omitempty"`
	PairingCode  *string `json:"pairing_code,omitempty"`

	Machines []MachineInfo `json:"machines,omitempty"`
	Machine  *MachineInfo  `json:"machine,omitempty"`

	Sessions []SessionInfo `json:"sessions,omitempty"`
	Session  *SessionInfo  `json:"session,omitempty"`

	Code  string `json:"code,omitempty"`
	Valid bool   `json:"valid,omitempty"`

	Events             []Envelope `json:"events,omitempty"`
	Truncated          bool       `json:"truncated,omitempty"`
	OldestAvailableSeq *uint64    `json:"oldest_available_seq,omitempty"`
}

func okResponse() Response            { return Response{Type: RespOk} }
func errResponse(msg string) Response { return Response{Type: RespError, Message: msg} }

// Event type tags, carried inside a broadcast EventEnvelope.
const (
	EvtMachineConnected    = "machine_connected"
	EvtMachineDisconnected = "machine_disconnected"
	EvtSessionCreated      = "session_created"
	EvtSessionClosed       = "session_closed"
	EvtTerminalOutput      = "terminal_output"
	EvtEventsDropped       = "events_dropped"
)

// Event is the flat superset of every broadcast event's fields.
type Event struct {
	Type string `json:"type"`

	MachineID string `json:"machine_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`

	SessionID string  `json:"session_id,omitempty"`
	PID       *uint32 `json:"pid,omitempty"`

	Data []byte `json:"data,omitempty"`

	Count uint64 `json:"count,omitempty"`
}

// EventEnvelope wraps a broadcast Event with its sequence number and
// timestamp, matching epoch.Envelope's shape but with a concrete Event
// payload instead of `any` so it round-trips through JSON without a
// second unmarshal step.
type EventEnvelope struct {
	Seq             uint64 `json:"seq"`
	TimestampMillis int64  `json:"timestamp_ms"`
	Event           Event  `json:"event"`
}
