// Package tunnelserver is the orchestrator-side tunnel plane: it
// accepts agent TCP connections, processes the registration handshake,
// drains frames into session/connection events, and drains queued
// AgentCommands back out to the agent. Grounded on
// kt-orchestrator/src/server/handler.rs's ClientHandler state machine,
// translated from the russh channel/session model to a plain
// net.Conn with a paired read-loop/write-loop goroutine per connection,
// and on the teacher's per-connection goroutine pattern in
// internal/relay/handler.go.
package tunnelserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/adiaslow/kterminus/internal/connpool"
	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/adiaslow/kterminus/internal/wire"
)

// Event is a decoded occurrence from a specific connected machine,
// handed to the orchestrator's event loop for session-manager updates.
type Event struct {
	Kind      EventKind
	MachineID protocol.MachineID

	// Connected
	Alias    string
	Hostname string
	OS       string
	Arch     string
	Commands chan connpool.Command
	Cancel   context.CancelFunc

	// SessionCreated / SessionClosed / SessionData
	SessionID protocol.SessionID
	PID       uint32
	Data      []byte
}

// EventKind identifies the variant held by an Event.
type EventKind uint8

const (
	EventMachineConnected EventKind = iota
	EventMachineDisconnected
	EventSessionCreated
	EventSessionClosed
	EventSessionData
	EventHeartbeatAck
)

// Handler reacts to tunnel events, invoked from each connection's read
// loop.
type Handler func(Event)

// PeerVerifier decides whether a non-loopback connection claiming
// machineID from remoteAddr should be trusted to register under that
// ID. spec.md §4.7's Non-goals scope out a specific network's
// implementation of peer membership ("we depend on a
// peer-verification oracle interface, not a specific network's
// implementation") but keep the interface itself in scope.
type PeerVerifier interface {
	Verify(ctx context.Context, machineID protocol.MachineID, remoteAddr net.Addr) bool
}

// PeerVerifierFunc adapts a plain function to PeerVerifier.
type PeerVerifierFunc func(ctx context.Context, machineID protocol.MachineID, remoteAddr net.Addr) bool

// Verify calls f.
func (f PeerVerifierFunc) Verify(ctx context.Context, machineID protocol.MachineID, remoteAddr net.Addr) bool {
	return f(ctx, machineID, remoteAddr)
}

// RejectAllPeerVerifier is the default PeerVerifier when no real
// membership oracle is configured: every non-loopback registration is
// refused, so a routed connection can never hijack another machine's
// ID just by claiming it.
type RejectAllPeerVerifier struct{}

// Verify always returns false.
func (RejectAllPeerVerifier) Verify(context.Context, protocol.MachineID, net.Addr) bool {
	return false
}

// Server accepts agent tunnel connections.
type Server struct {
	log     *slog.Logger
	OnEvent Handler

	commandQueueSize int
	peerVerifier     PeerVerifier
	serverPublicKey  []byte
}

// New creates a Server. log may be nil, in which case slog.Default()
// is used. peerVerifier may be nil, in which case
// RejectAllPeerVerifier is used. serverPublicKey is sent to every
// agent in its RegisterAck so agents configured with a
// protocol.HostKeyVerifier can detect an unexpected orchestrator; it
// may be nil if the orchestrator has no identity key configured.
func New(log *slog.Logger, onEvent Handler, commandQueueSize int, peerVerifier PeerVerifier, serverPublicKey []byte) *Server {
	if log == nil {
		log = slog.Default()
	}
	if commandQueueSize <= 0 {
		commandQueueSize = 256
	}
	if peerVerifier == nil {
		peerVerifier = RejectAllPeerVerifier{}
	}
	return &Server{
		log:              log,
		OnEvent:          onEvent,
		commandQueueSize: commandQueueSize,
		peerVerifier:     peerVerifier,
		serverPublicKey:  serverPublicKey,
	}
}

// Serve accepts connections on ln until ctx is cancelled or the
// listener errors. Each accepted connection is handled in its own
// goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		connCtx, cancel := context.WithCancel(ctx)
		go s.handleConn(connCtx, cancel, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, cancel context.CancelFunc, conn net.Conn) {
	defer cancel()
	defer conn.Close()

	// A cancel from outside this goroutine (e.g. health.Monitor evicting
	// an unhealthy connection) only unblocks select statements; it does
	// not interrupt a blocking dec.Decode() below. Close the conn too so
	// the read returns and this goroutine's own disconnect path runs.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	peer := conn.RemoteAddr()
	s.log.Debug("tunnel connection accepted", "peer", peer)

	dec := wire.NewDecoder(bufio.NewReader(conn))
	enc := wire.NewEncoder(conn)

	var machineID protocol.MachineID
	var commands chan connpool.Command

	writeDone := make(chan struct{})

	for {
		frame, err := dec.Decode()
		if err != nil {
			s.log.Debug("tunnel connection read ended", "peer", peer, "error", err)
			break
		}

		switch {
		case frame.Message.Register != nil:
			reg := frame.Message.Register
			verifiedID, ok := s.verifyPeer(ctx, peer, reg.MachineID)
			if !ok {
				s.log.Warn("rejected tunnel registration", "claimed_machine_id", reg.MachineID, "peer", peer)
				reason := "peer verification failed"
				ack := protocol.NewRegisterAck(false, &reason, nil)
				enc.Encode(wire.Frame{SessionID: protocol.ControlSessionID, Message: ack})
				return
			}
			machineID = verifiedID
			commands = make(chan connpool.Command, s.commandQueueSize)

			ack := protocol.NewRegisterAck(true, nil, s.serverPublicKey)
			if err := enc.Encode(wire.Frame{SessionID: protocol.ControlSessionID, Message: ack}); err != nil {
				s.log.Warn("failed to send register ack", "machine_id", machineID, "error", err)
				return
			}

			go s.writeLoop(ctx, enc, commands, writeDone)

			s.emit(Event{
				Kind:      EventMachineConnected,
				MachineID: machineID,
				Alias:     reg.Hostname,
				Hostname:  reg.Hostname,
				OS:        reg.OS,
				Arch:      reg.Arch,
				Commands:  commands,
				Cancel:    cancel,
			})

		case frame.Message.SessionReady != nil:
			s.emit(Event{Kind: EventSessionCreated, MachineID: machineID, SessionID: frame.SessionID, PID: frame.Message.SessionReady.PID})

		case frame.Message.Data != nil:
			s.emit(Event{Kind: EventSessionData, MachineID: machineID, SessionID: frame.SessionID, Data: frame.Message.Data})

		case frame.Message.SessionClose != nil:
			s.emit(Event{Kind: EventSessionClosed, MachineID: machineID, SessionID: frame.SessionID})

		case frame.Message.HeartbeatAck != nil:
			s.emit(Event{Kind: EventHeartbeatAck, MachineID: machineID, SessionID: frame.SessionID})

		default:
			s.log.Warn("unexpected message from agent", "machine_id", machineID, "type", frame.Message.Type)
		}
	}

	if machineID != "" {
		s.emit(Event{Kind: EventMachineDisconnected, MachineID: machineID})
	}
	if commands != nil {
		close(commands)
		<-writeDone
	}
}

func (s *Server) writeLoop(ctx context.Context, enc *wire.Encoder, commands chan connpool.Command, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			sessionID, msg := cmd.ToMessage()
			if err := enc.Encode(wire.Frame{SessionID: sessionID, Message: msg}); err != nil {
				s.log.Warn("failed to write command frame", "error", err)
				return
			}
		}
	}
}

// verifyPeer implements spec.md §4.7 step 1: a loopback peer is always
// accepted and assigned a deterministic machine_id derived from its
// connection fingerprint, regardless of what it claims in Register;
// a non-loopback peer's claimed machineID must be confirmed by the
// configured PeerVerifier (a membership oracle in a real deployment).
func (s *Server) verifyPeer(ctx context.Context, remoteAddr net.Addr, claimed protocol.MachineID) (protocol.MachineID, bool) {
	if isLoopbackAddr(remoteAddr) {
		fp := protocol.Fingerprint([]byte(remoteAddr.String()))
		return protocol.MachineID(fmt.Sprintf("local-%x", fp[:4])), true
	}
	if !s.peerVerifier.Verify(ctx, claimed, remoteAddr) {
		return "", false
	}
	return claimed, true
}

// isLoopbackAddr reports whether addr's host is a loopback address.
func isLoopbackAddr(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) emit(ev Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}
