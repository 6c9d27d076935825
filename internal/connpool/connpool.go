// Package connpool tracks live tunnel connections to remote agents and
// the commands queued for delivery to each, generalizing the teacher's
// WingRegistry map+RWMutex idiom (internal/relay/workers.go) from
// dashboard-facing wing connections to the orchestrator's agent tunnel
// connections.
package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiaslow/kterminus/internal/protocol"
)

// Command is a unit of work destined for a connected agent.
type Command struct {
	Kind      CommandKind
	SessionID protocol.SessionID
	Shell     *string
	Env       []protocol.EnvVar
	Size      protocol.TerminalSize
	Data      []byte
	Timestamp uint64
}

// CommandKind identifies the variant held by a Command.
type CommandKind uint8

const (
	CommandCreateSession CommandKind = iota
	CommandSessionInput
	CommandSessionResize
	CommandCloseSession
	CommandHeartbeat
)

// ToMessage converts a Command into the wire message and session ID it
// targets.
func (c Command) ToMessage() (protocol.SessionID, protocol.Message) {
	switch c.Kind {
	case CommandCreateSession:
		return c.SessionID, protocol.NewSessionCreate(c.Shell, c.Env, c.Size)
	case CommandSessionInput:
		return c.SessionID, protocol.NewData(c.Data)
	case CommandSessionResize:
		return c.SessionID, protocol.NewResize(c.Size)
	case CommandCloseSession:
		return c.SessionID, protocol.NewSessionClose(nil)
	case CommandHeartbeat:
		return protocol.ControlSessionID, protocol.NewHeartbeat(c.Timestamp)
	default:
		return c.SessionID, protocol.Message{}
	}
}

// Connection is a single agent's tunnel connection: a command channel
// the tunnel server drains to serialize outbound frames, plus liveness
// bookkeeping and a cancel function that tears the connection down.
type Connection struct {
	MachineID protocol.MachineID
	Alias     *string
	Hostname  *string
	OS        string
	Arch      string

	Commands chan Command
	Cancel   context.CancelFunc

	lastHeartbeatMillis atomic.Uint64
	connectedAt         time.Time
}

// NewConnection creates a Connection with the heartbeat clock started at
// the current time.
func NewConnection(machineID protocol.MachineID, alias, hostname *string, os, arch string, commands chan Command, cancel context.CancelFunc) *Connection {
	c := &Connection{
		MachineID:   machineID,
		Alias:       alias,
		Hostname:    hostname,
		OS:          os,
		Arch:        arch,
		Commands:    commands,
		Cancel:      cancel,
		connectedAt: time.Now(),
	}
	c.lastHeartbeatMillis.Store(uint64(time.Now().UnixMilli()))
	return c
}

// Disconnect tears down this connection via its cancel function.
func (c *Connection) Disconnect() {
	if c.Cancel != nil {
		c.Cancel()
	}
}

// RecordHeartbeat updates the last-seen heartbeat timestamp to now.
func (c *Connection) RecordHeartbeat() {
	c.lastHeartbeatMillis.Store(uint64(time.Now().UnixMilli()))
}

// LastHeartbeatMillis returns the epoch-millisecond time of the last
// recorded heartbeat.
func (c *Connection) LastHeartbeatMillis() uint64 {
	return c.lastHeartbeatMillis.Load()
}

// IsHealthy reports whether a heartbeat was recorded within timeout of
// now.
func (c *Connection) IsHealthy(timeout time.Duration) bool {
	now := uint64(time.Now().UnixMilli())
	last := c.lastHeartbeatMillis.Load()
	var elapsed uint64
	if now > last {
		elapsed = now - last
	}
	return elapsed < uint64(timeout.Milliseconds())
}

// Uptime returns how long this connection has been established.
func (c *Connection) Uptime() time.Duration {
	return time.Since(c.connectedAt)
}

// Pool tracks active connections to remote machines, keyed by machine
// ID.
type Pool struct {
	mu          sync.RWMutex
	connections map[protocol.MachineID]*Connection
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{connections: make(map[protocol.MachineID]*Connection)}
}

// Get returns the connection for machineID, or nil if absent.
func (p *Pool) Get(machineID protocol.MachineID) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[machineID]
}

// GetByIDOrAlias resolves machineID first as a literal machine ID, then
// falls back to scanning for a connection whose Alias matches, so callers
// can refer to a machine by either form interchangeably.
func (p *Pool) GetByIDOrAlias(idOrAlias string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.connections[protocol.MachineID(idOrAlias)]; ok {
		return c
	}
	for _, c := range p.connections {
		if c.Alias != nil && *c.Alias == idOrAlias {
			return c
		}
	}
	return nil
}

// List returns every tracked connection.
func (p *Pool) List() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, c)
	}
	return out
}

// Len returns the number of tracked connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Insert adds conn to the pool, keyed by its machine ID, replacing any
// existing connection for that machine.
func (p *Pool) Insert(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections[conn.MachineID] = conn
}

// Remove deletes and returns the connection for machineID, or nil if
// absent.
func (p *Pool) Remove(machineID protocol.MachineID) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.connections[machineID]
	if !ok {
		return nil
	}
	delete(p.connections, machineID)
	return c
}
