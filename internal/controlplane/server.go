// Package controlplane implements the orchestrator's loopback JSON
// request/response interface and its monotonic broadcast event stream,
// used by CLIs and the desktop UI to drive sessions without speaking
// the tunnel wire protocol. Grounded on
// kt-orchestrator/src/ipc/server.rs's IpcServer/ClientState/handle_*
// functions, translated from per-connection tokio::select! over a
// broadcast receiver to a Go read-loop plus a per-subscriber forwarding
// goroutine, and from the teacher's per-connection goroutine pattern
// (internal/relay/handler.go).
package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/adiaslow/kterminus/internal/connpool"
	"github.com/adiaslow/kterminus/internal/coordinator"
	"github.com/adiaslow/kterminus/internal/epoch"
	"github.com/adiaslow/kterminus/internal/pairing"
	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/adiaslow/kterminus/internal/session"
	"github.com/adiaslow/kterminus/internal/tokenfile"
	"github.com/adiaslow/kterminus/internal/tunnelserver"
)

// maxConnections caps concurrent control-plane connections.
const maxConnections = 100

// maxSessionInputBytes bounds a single SessionInput request's payload.
const maxSessionInputBytes = 64 * 1024

// minTerminalDim and maxTerminalDim bound SessionResize's cols/rows.
const (
	minTerminalDim = 1
	maxTerminalDim = 10000
)

// eventQueueSize is the per-subscriber buffered capacity for broadcast
// events, matching the Rust broadcast channel's 1024-entry capacity.
const eventQueueSize = 1024

// envVarNameRe validates CreateSession's requested environment variable
// names before they are forwarded to an agent.
var envVarNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config bundles the values a Server needs at construction that come
// from outside the control plane itself (process lifetime, version
// string, the acquired auth token, etc).
type Config struct {
	BindAddress string
	Version     string
	AuthToken   string
	Code        pairing.Code
	// Shutdown is invoked when a Shutdown request is received. May be
	// nil, in which case Shutdown requests are rejected.
	Shutdown context.CancelFunc
}

// Server accepts loopback control-plane connections and dispatches
// authenticated requests against a shared coordinator.
type Server struct {
	log         *slog.Logger
	coordinator *coordinator.Coordinator
	epoch       *epoch.Epoch
	cfg         Config
	startTime   time.Time

	activeConnections atomic.Int32

	subsMu      sync.Mutex
	subscribers map[*connState]struct{}
}

// New creates a Server backed by the given coordinator and epoch.
func New(log *slog.Logger, coord *coordinator.Coordinator, ep *epoch.Epoch, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:         log,
		coordinator: coord,
		epoch:       ep,
		cfg:         cfg,
		startTime:   time.Now(),
		subscribers: make(map[*connState]struct{}),
	}
}

// connState is the per-TCP-connection state: identity, authentication,
// ownership/subscription sets, rate limiting, and the event queue this
// connection's forwarding goroutine drains. Mirrors server.rs's
// ClientState.
type connState struct {
	connectionID    string
	logicalClientID *string
	authenticated   atomic.Bool

	mu                 sync.Mutex
	subscribedSessions map[string]struct{}
	ownedSessions      map[string]struct{}

	general *rate.Limiter
	auth    *authLimiter

	events  chan EventEnvelope
	dropped atomic.Uint64
}

func newConnState() *connState {
	return &connState{
		connectionID:       uuid.NewString(),
		subscribedSessions: make(map[string]struct{}),
		ownedSessions:      make(map[string]struct{}),
		general:            newGeneralLimiter(),
		auth:               newAuthLimiter(),
		events:             make(chan EventEnvelope, eventQueueSize),
	}
}

func (c *connState) effectiveClientID() string {
	if c.logicalClientID != nil {
		return *c.logicalClientID
	}
	return c.connectionID
}

func (c *connState) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedSessions[sessionID]
	return ok
}

// Serve accepts loopback connections on ln until ctx is cancelled.
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

		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr != nil || !net.ParseIP(host).IsLoopback() {
			s.log.Warn("rejected non-loopback control-plane connection", "peer", conn.RemoteAddr())
			conn.Close()
			continue
		}

		if s.activeConnections.Add(1) > maxConnections {
			s.activeConnections.Add(-1)
			s.log.Warn("rejected control-plane connection: limit exceeded", "limit", maxConnections)
			conn.Close()
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.activeConnections.Add(-1)
	defer conn.Close()

	cs := newConnState()
	s.addSubscriber(cs)
	defer s.removeSubscriber(cs)

	var writeMu sync.Mutex
	writeLine := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b = append(b, '\n')
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(b)
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-cs.events:
				if !ok {
					return
				}
				if n := cs.dropped.Swap(0); n > 0 {
					dropEnv := s.epoch.Wrap(Event{Type: EvtEventsDropped, Count: n})
					writeLine(toEventEnvelope(dropEnv))
				}
				if err := writeLine(env); err != nil {
					return
				}
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			resp := s.handleLine(cs, line)
			if writeErr := writeLine(resp); writeErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	s.cleanupOwnedSessions(cs)
	<-done
}

func (s *Server) handleLine(cs *connState, line string) Response {
	if !cs.general.Allow() {
		return errResponse(fmt.Sprintf("rate limit exceeded: max %d requests per second", generalRateLimit))
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errResponse(fmt.Sprintf("invalid request: %v", err))
	}

	switch req.Type {
	case ReqPing:
		return Response{Type: RespPong}
	case ReqVerifyPairingCode:
		return Response{Type: RespPairingCodeValid, Valid: s.cfg.Code.Verify(req.Code)}
	case ReqAuthenticate:
		return s.handleAuthenticate(cs, req)
	}

	if !cs.authenticated.Load() {
		return Response{Type: RespAuthenticationReqd}
	}

	switch req.Type {
	case ReqGetStatus:
		return s.handleGetStatus()
	case ReqListMachines:
		return s.handleListMachines()
	case ReqGetMachine:
		return s.handleGetMachine(req)
	case ReqListSessions:
		return s.handleListSessions(req)
	case ReqCreateSession:
		return s.handleCreateSession(cs, req)
	case ReqSessionInput:
		return s.handleSessionInput(cs, req)
	case ReqSessionResize:
		return s.handleSessionResize(cs, req)
	case ReqCloseSession:
		return s.handleCloseSession(cs, req)
	case ReqSubscribe:
		return s.handleSubscribe(cs, req)
	case ReqUnsubscribe:
		return s.handleUnsubscribe(cs, req)
	case ReqDisconnectMachine:
		return s.handleDisconnectMachine(req)
	case ReqGetPairingCode:
		code := s.cfg.Code.String()
		return Response{Type: RespPairingCode, Code: code}
	case ReqGetStateSnapshot:
		return s.handleGetStateSnapshot()
	case ReqGetEventsSince:
		return s.handleGetEventsSince()
	case ReqShutdown:
		return s.handleShutdown()
	default:
		return errResponse(fmt.Sprintf("unknown request type: %q", req.Type))
	}
}

func (s *Server) handleAuthenticate(cs *connState, req Request) Response {
	if !cs.auth.allowed() {
		return errResponse(fmt.Sprintf("too many failed authentication attempts, try again in %s", authLockoutDuration))
	}
	if !tokenfile.ValidateToken(req.Token, s.cfg.AuthToken) {
		cs.auth.recordFailure()
		return errResponse("invalid authentication token")
	}

	cs.authenticated.Store(true)
	if req.ClientID != nil {
		cs.logicalClientID = req.ClientID
		s.reclaimOrphanedSessions(cs, *req.ClientID)
	}
	return Response{Type: RespAuthenticated, EpochID: s.epoch.ID(), CurrentSeq: s.epoch.CurrentSequence()}
}

func (s *Server) reclaimOrphanedSessions(cs *connState, clientID string) {
	for _, h := range s.coordinator.Sessions.List() {
		if h.OwnerClientID == nil || *h.OwnerClientID != clientID {
			continue
		}
		cs.mu.Lock()
		cs.ownedSessions[h.ID.String()] = struct{}{}
		cs.mu.Unlock()
		if h.IsOrphaned() && h.TryReclaim() {
			s.log.Info("session reclaimed by reconnected client", "session_id", h.ID, "client_id", clientID)
		}
	}
}

func (s *Server) handleGetStatus() Response {
	machines := s.coordinator.Connections.List()
	sessions := s.coordinator.Sessions.List()
	code := s.cfg.Code.String()
	return Response{
		Type:         RespStatus,
		Running:      true,
		UptimeSecs:   int64(time.Since(s.startTime).Seconds()),
		MachineCount: len(machines),
		SessionCount: len(sessions),
		Version:      s.cfg.Version,
		BindAddress:  s.cfg.BindAddress,
		PairingCode:  &code,
	}
}

func (s *Server) machineInfo(c *connpool.Connection) MachineInfo {
	hostname := c.MachineID.String()
	if c.Hostname != nil {
		hostname = *c.Hostname
	}
	return MachineInfo{
		ID:           c.MachineID.String(),
		Alias:        c.Alias,
		Hostname:     hostname,
		OS:           c.OS,
		Arch:         c.Arch,
		SessionCount: len(s.coordinator.Sessions.ListForMachine(c.MachineID)),
		UptimeSecs:   int64(c.Uptime().Seconds()),
	}
}

func (s *Server) handleListMachines() Response {
	conns := s.coordinator.Connections.List()
	machines := make([]MachineInfo, 0, len(conns))
	for _, c := range conns {
		machines = append(machines, s.machineInfo(c))
	}
	return Response{Type: RespMachines, Machines: machines}
}

func (s *Server) handleGetMachine(req Request) Response {
	c := s.coordinator.Connections.GetByIDOrAlias(req.MachineID)
	if c == nil {
		return errResponse(fmt.Sprintf("machine not found: %s", req.MachineID))
	}
	info := s.machineInfo(c)
	return Response{Type: RespMachine, Machine: &info}
}

func (s *Server) sessionInfo(h *session.Handle) SessionInfo {
	info := SessionInfo{
		ID:        h.ID.String(),
		MachineID: h.MachineID.String(),
		Shell:     h.Shell,
		State:     h.State().String(),
		CreatedAt: h.CreatedAt().UnixMilli(),
	}
	if pid, ok := h.PID(); ok {
		info.PID = &pid
	}
	return info
}

func (s *Server) handleListSessions(req Request) Response {
	var handles []*session.Handle
	if req.MachineID != "" {
		machineID := protocol.MachineID(req.MachineID)
		if c := s.coordinator.Connections.GetByIDOrAlias(req.MachineID); c != nil {
			machineID = c.MachineID
		}
		handles = s.coordinator.Sessions.ListForMachine(machineID)
	} else {
		handles = s.coordinator.Sessions.List()
	}

	sessions := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		sessions = append(sessions, s.sessionInfo(h))
	}
	return Response{Type: RespSessions, Sessions: sessions}
}

func (s *Server) handleCreateSession(cs *connState, req Request) Response {
	conn := s.coordinator.Connections.GetByIDOrAlias(req.MachineID)
	if conn == nil {
		return errResponse(fmt.Sprintf("machine not found: %s", req.MachineID))
	}

	for _, ev := range req.Env {
		if !envVarNameRe.MatchString(ev.Name) {
			return errResponse(fmt.Sprintf("invalid environment variable name: %q", ev.Name))
		}
	}

	ownerID := cs.effectiveClientID()
	sessionID := s.coordinator.Sessions.Create(conn.MachineID, req.Shell, &ownerID)

	cmd := connpool.Command{
		Kind:      connpool.CommandCreateSession,
		SessionID: sessionID,
		Shell:     req.Shell,
		Env:       req.Env,
		Size:      protocol.DefaultTerminalSize(),
	}
	select {
	case conn.Commands <- cmd:
	default:
		s.coordinator.Sessions.Remove(sessionID)
		return errResponse("failed to send command to agent")
	}

	cs.mu.Lock()
	cs.ownedSessions[sessionID.String()] = struct{}{}
	cs.mu.Unlock()

	info := SessionInfo{ID: sessionID.String(), MachineID: conn.MachineID.String(), Shell: req.Shell, State: session.Active.String()}
	return Response{Type: RespSessionCreated, Session: &info}
}

// lookupSession resolves a session ID string and validates that cs may
// act on it: the session must exist, and its owner must either be
// unset or match cs's effective client id.
func (s *Server) lookupSession(cs *connState, sessionIDStr string) (*session.Handle, *Response) {
	idPart := strings.TrimPrefix(sessionIDStr, "session-")
	raw, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		resp := errResponse(fmt.Sprintf("invalid session id: %s", sessionIDStr))
		return nil, &resp
	}
	h := s.coordinator.Sessions.Get(protocol.SessionID(raw))
	if h == nil {
		resp := errResponse(fmt.Sprintf("session not found: %s", sessionIDStr))
		return nil, &resp
	}
	if h.OwnerClientID != nil && *h.OwnerClientID != cs.effectiveClientID() {
		resp := errResponse("permission denied: session owned by another client")
		return nil, &resp
	}
	return h, nil
}

func (s *Server) handleSessionInput(cs *connState, req Request) Response {
	if len(req.Data) > maxSessionInputBytes {
		return errResponse(fmt.Sprintf("session input too large: %d bytes (max %d)", len(req.Data), maxSessionInputBytes))
	}
	h, errResp := s.lookupSession(cs, req.SessionID)
	if errResp != nil {
		return *errResp
	}
	if h.State() == session.Closing {
		return errResponse("session is closing")
	}
	conn := s.coordinator.Connections.Get(h.MachineID)
	if conn == nil {
		return errResponse(fmt.Sprintf("machine not connected: %s", h.MachineID))
	}

	select {
	case conn.Commands <- connpool.Command{Kind: connpool.CommandSessionInput, SessionID: h.ID, Data: req.Data}:
	default:
		return errResponse("failed to send input to agent")
	}
	return okResponse()
}

func (s *Server) handleSessionResize(cs *connState, req Request) Response {
	if req.Cols < minTerminalDim || req.Cols > maxTerminalDim {
		return errResponse(fmt.Sprintf("invalid terminal columns: %d (must be %d-%d)", req.Cols, minTerminalDim, maxTerminalDim))
	}
	if req.Rows < minTerminalDim || req.Rows > maxTerminalDim {
		return errResponse(fmt.Sprintf("invalid terminal rows: %d (must be %d-%d)", req.Rows, minTerminalDim, maxTerminalDim))
	}
	h, errResp := s.lookupSession(cs, req.SessionID)
	if errResp != nil {
		return *errResp
	}
	if h.State() == session.Closing {
		return errResponse("session is closing")
	}
	conn := s.coordinator.Connections.Get(h.MachineID)
	if conn == nil {
		return errResponse(fmt.Sprintf("machine not connected: %s", h.MachineID))
	}

	size := protocol.TerminalSize{Rows: req.Rows, Cols: req.Cols}
	select {
	case conn.Commands <- connpool.Command{Kind: connpool.CommandSessionResize, SessionID: h.ID, Size: size}:
	default:
		return errResponse("failed to send resize to agent")
	}
	return okResponse()
}

func (s *Server) handleCloseSession(cs *connState, req Request) Response {
	h, errResp := s.lookupSession(cs, req.SessionID)
	if errResp != nil {
		// A well-formed ID with no live session closes as a no-op, so a
		// repeated close of an already-removed session succeeds.
		if raw, err := strconv.ParseUint(strings.TrimPrefix(req.SessionID, "session-"), 10, 32); err == nil && s.coordinator.Sessions.Get(protocol.SessionID(raw)) == nil {
			return okResponse()
		}
		return *errResp
	}
	if h.State() == session.Closing {
		return okResponse()
	}

	won := h.TryClose()
	if conn := s.coordinator.Connections.Get(h.MachineID); conn != nil {
		select {
		case conn.Commands <- connpool.Command{Kind: connpool.CommandCloseSession, SessionID: h.ID}:
		default:
			s.log.Warn("failed to send close to agent", "session_id", h.ID)
		}
	}

	s.coordinator.Sessions.Remove(h.ID)
	cs.mu.Lock()
	delete(cs.ownedSessions, req.SessionID)
	cs.mu.Unlock()

	if won {
		s.Broadcast(Event{Type: EvtSessionClosed, MachineID: h.MachineID.String(), SessionID: h.ID.String()})
	}
	return okResponse()
}

func (s *Server) handleSubscribe(cs *connState, req Request) Response {
	h, errResp := s.lookupSession(cs, req.SessionID)
	if errResp != nil {
		return *errResp
	}
	cs.mu.Lock()
	cs.subscribedSessions[h.ID.String()] = struct{}{}
	cs.mu.Unlock()
	return okResponse()
}

func (s *Server) handleUnsubscribe(cs *connState, req Request) Response {
	cs.mu.Lock()
	delete(cs.subscribedSessions, req.SessionID)
	cs.mu.Unlock()
	return okResponse()
}

func (s *Server) handleDisconnectMachine(req Request) Response {
	conn := s.coordinator.Connections.GetByIDOrAlias(req.MachineID)
	if conn == nil {
		return errResponse(fmt.Sprintf("machine not found: %s", req.MachineID))
	}
	machineID := conn.MachineID
	conn.Disconnect()
	removedConn, removedSessions := s.coordinator.AtomicDisconnect(machineID)
	for _, h := range removedSessions {
		h.TryClose()
		s.Broadcast(Event{Type: EvtSessionClosed, MachineID: machineID.String(), SessionID: h.ID.String()})
	}
	if removedConn != nil {
		s.Broadcast(Event{Type: EvtMachineDisconnected, MachineID: machineID.String()})
	}
	return okResponse()
}

func (s *Server) handleGetStateSnapshot() Response {
	conns := s.coordinator.Connections.List()
	machines := make([]MachineInfo, 0, len(conns))
	for _, c := range conns {
		machines = append(machines, s.machineInfo(c))
	}
	handles := s.coordinator.Sessions.List()
	sessions := make([]SessionInfo, 0, len(handles))
	for _, h := range handles {
		sessions = append(sessions, s.sessionInfo(h))
	}
	return Response{
		Type:       RespStateSnapshot,
		EpochID:    s.epoch.ID(),
		CurrentSeq: s.epoch.CurrentSequence(),
		Machines:   machines,
		Sessions:   sessions,
	}
}

// handleGetEventsSince has no event-replay buffer to draw from, so it
// always reports a truncation and lets the caller fall back to
// GetStateSnapshot, matching the original's unimplemented replay path.
func (s *Server) handleGetEventsSince() Response {
	seq := s.epoch.CurrentSequence()
	return Response{Type: RespEventsSince, Events: nil, Truncated: true, OldestAvailableSeq: &seq}
}

func (s *Server) handleShutdown() Response {
	if s.cfg.Shutdown == nil {
		return errResponse("shutdown not supported (no shutdown token configured)")
	}
	s.cfg.Shutdown()
	return okResponse()
}

// cleanupOwnedSessions orphans (rather than deletes) every session owned
// by cs so a reconnecting client with the same logical client id can
// reclaim them within the orphan grace period.
func (s *Server) cleanupOwnedSessions(cs *connState) {
	effectiveID := cs.effectiveClientID()
	now := uint64(time.Now().UnixMilli())
	for _, h := range s.coordinator.Sessions.List() {
		if h.OwnerClientID != nil && *h.OwnerClientID == effectiveID {
			h.TryOrphan(now)
		}
	}
}

func (s *Server) addSubscriber(cs *connState) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subscribers[cs] = struct{}{}
}

func (s *Server) removeSubscriber(cs *connState) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subscribers, cs)
	close(cs.events)
}

// Broadcast wraps ev with the next sequence number and fans it out to
// every authenticated, interested subscriber. TerminalOutput is
// filtered by each subscriber's subscription set; every other event is
// delivered unconditionally. A subscriber whose queue is full has the
// event dropped and its drop counter bumped instead of blocking the
// broadcaster, matching the original's lagging-receiver semantics.
func (s *Server) Broadcast(ev Event) {
	env := toEventEnvelope(s.epoch.Wrap(ev))

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for cs := range s.subscribers {
		if !cs.authenticated.Load() {
			continue
		}
		if ev.Type == EvtTerminalOutput && !cs.isSubscribed(ev.SessionID) {
			continue
		}
		select {
		case cs.events <- env:
		default:
			cs.dropped.Add(1)
		}
	}
}

func toEventEnvelope(e epoch.Envelope) EventEnvelope {
	ev, _ := e.Event.(Event)
	return EventEnvelope{Seq: e.Seq, TimestampMillis: e.TimestampMillis, Event: ev}
}

// HandleTunnelEvent folds a tunnel-plane occurrence into the
// coordinator's state and broadcasts the corresponding control-plane
// event, bridging internal/tunnelserver's per-connection events into
// this server's shared state. Grounded on the orchestrator's central
// event dispatcher described in spec.md 4.7 (atomic_disconnect + per-
// session try_close on machine disconnect, try_close on agent-reported
// SessionClosed).
func (s *Server) HandleTunnelEvent(ev tunnelserver.Event) {
	switch ev.Kind {
	case tunnelserver.EventMachineConnected:
		var alias, hostname *string
		if ev.Alias != "" {
			alias = &ev.Alias
		}
		if ev.Hostname != "" {
			hostname = &ev.Hostname
		}
		conn := connpool.NewConnection(ev.MachineID, alias, hostname, ev.OS, ev.Arch, ev.Commands, ev.Cancel)
		s.coordinator.Connections.Insert(conn)
		s.Broadcast(Event{Type: EvtMachineConnected, MachineID: ev.MachineID.String(), Hostname: ev.Hostname})

	case tunnelserver.EventMachineDisconnected:
		_, removedSessions := s.coordinator.AtomicDisconnect(ev.MachineID)
		for _, h := range removedSessions {
			h.TryClose()
			s.Broadcast(Event{Type: EvtSessionClosed, MachineID: ev.MachineID.String(), SessionID: h.ID.String()})
		}
		s.Broadcast(Event{Type: EvtMachineDisconnected, MachineID: ev.MachineID.String()})

	case tunnelserver.EventSessionCreated:
		if h := s.coordinator.Sessions.Get(ev.SessionID); h != nil {
			h.SetPID(ev.PID)
			h.TryActivate()
		}
		pid := ev.PID
		s.Broadcast(Event{Type: EvtSessionCreated, MachineID: ev.MachineID.String(), SessionID: ev.SessionID.String(), PID: &pid})

	case tunnelserver.EventSessionClosed:
		if h := s.coordinator.Sessions.Get(ev.SessionID); h != nil {
			if h.TryClose() {
				s.coordinator.Sessions.Remove(h.ID)
				s.Broadcast(Event{Type: EvtSessionClosed, MachineID: ev.MachineID.String(), SessionID: h.ID.String()})
			}
		}

	case tunnelserver.EventSessionData:
		s.Broadcast(Event{Type: EvtTerminalOutput, SessionID: ev.SessionID.String(), Data: ev.Data})

	case tunnelserver.EventHeartbeatAck:
		if conn := s.coordinator.Connections.Get(ev.MachineID); conn != nil {
			conn.RecordHeartbeat()
		}
	}
}
