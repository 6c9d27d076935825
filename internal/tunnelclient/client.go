// Package tunnelclient implements the agent side of the tunnel plane: a
// single persistent TCP connection to the orchestrator carrying wire
// frames, with automatic reconnect-with-backoff and a registration
// handshake. Grounded on the teacher's Client.Run reconnect loop
// (internal/ws/client.go) generalized from WebSocket to a raw TCP
// dial, combined with the registration/event-handling flow of
// kt-agent/src/tunnel/connector.rs.
package tunnelclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/adiaslow/kterminus/internal/wire"
)

// ErrAuthRejected is returned when the orchestrator rejects registration.
var ErrAuthRejected = errors.New("orchestrator rejected registration")

// ErrHostKeyRejected is returned when the orchestrator's identity key
// in RegisterAck fails the configured HostKeyVerifier, analogous to an
// SSH client refusing an unrecognized host key.
var ErrHostKeyRejected = errors.New("orchestrator identity key rejected")

const dialTimeout = 10 * time.Second

// Event is a decoded message handed to the agent's event loop, paired
// with the session it targets.
type Event struct {
	SessionID protocol.SessionID
	Message   protocol.Message
}

// Handler reacts to events received from the orchestrator and is
// invoked from the connection's read loop.
type Handler func(ctx context.Context, ev Event)

// Client maintains the agent's outbound tunnel connection.
type Client struct {
	Address   string
	MachineID protocol.MachineID
	Hostname  string
	OS        string
	Arch      string

	// HostKeyVerifier, if set, checks RegisterAck.ServerPublicKey before
	// the connection is trusted; a rejection is terminal, like
	// ErrAuthRejected. Nil means no verification is performed.
	HostKeyVerifier protocol.HostKeyVerifier

	OnEvent       Handler
	OnStateChange func(state string, err error)

	log *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	enc  *wire.Encoder
}

// New creates a Client. log may be nil, in which case slog.Default()
// is used.
func New(log *slog.Logger, address string, machineID protocol.MachineID, hostname, os, arch string) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		Address:   address,
		MachineID: machineID,
		Hostname:  hostname,
		OS:        os,
		Arch:      arch,
		log:       log,
	}
}

// Run connects and serves the tunnel until ctx is cancelled, reconnecting
// with exponential backoff on every failure except registration
// rejection and host-key rejection, which are terminal.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	backoff := NewBackoff(time.Second, 30*time.Second, 2.0, 0.2)

	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.notifyState("auth_failed", err)
			return ErrAuthRejected
		}
		if errors.Is(err, ErrHostKeyRejected) {
			c.notifyState("host_key_rejected", err)
			return ErrHostKeyRejected
		}
		if connected {
			backoff.Reset(time.Second)
		}
		c.notifyState("disconnected", err)
		delay := backoff.NextDelay()
		c.log.Warn("tunnel disconnected, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, dialErr := d.DialContext(dialCtx, "tcp", c.Address)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	defer conn.Close()

	enc := wire.NewEncoder(conn)
	c.setConn(conn, enc)
	defer c.setConn(nil, nil)

	if err := c.register(enc); err != nil {
		return false, err
	}

	connected = true
	c.notifyState("connected", nil)

	done := make(chan error, 1)
	go func() {
		done <- c.readLoop(ctx, conn)
	}()

	select {
	case <-ctx.Done():
		return connected, ctx.Err()
	case err := <-done:
		return connected, err
	}
}

func (c *Client) register(enc *wire.Encoder) error {
	version := protocol.CurrentVersion
	msg := protocol.NewRegister(c.MachineID, c.Hostname, c.OS, c.Arch, &version)
	if err := enc.Encode(wire.Frame{SessionID: protocol.ControlSessionID, Message: msg}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	dec := wire.NewDecoder(bufio.NewReader(conn))
	for {
		frame, err := dec.Decode()
		if err != nil {
			return err
		}

		if frame.Message.RegisterAck != nil {
			if !frame.Message.RegisterAck.Accepted {
				return ErrAuthRejected
			}
			if c.HostKeyVerifier != nil && !c.HostKeyVerifier.Verify(frame.Message.RegisterAck.ServerPublicKey) {
				return ErrHostKeyRejected
			}
			continue
		}

		if c.OnEvent != nil {
			c.OnEvent(ctx, Event{SessionID: frame.SessionID, Message: frame.Message})
		}
	}
}

func (c *Client) setConn(conn net.Conn, enc *wire.Encoder) {
	c.mu.Lock()
	c.conn, c.enc = conn, enc
	c.mu.Unlock()
}

// Send encodes and writes a frame over the current connection. Returns
// an error if no connection is active.
func (c *Client) Send(sessionID protocol.SessionID, msg protocol.Message) error {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()

	if enc == nil {
		return errors.New("tunnel not connected")
	}
	return enc.Encode(wire.Frame{SessionID: sessionID, Message: msg})
}
