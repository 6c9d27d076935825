// Package health runs the two background reapers that keep orchestrator
// state consistent once agents stop talking: a heartbeat monitor that
// disconnects agents whose tunnel has gone silent, and an orphan
// cleanup sweep that terminates sessions whose grace period has
// expired after their owning client disconnected. Grounded on the
// teacher's context+ticker background-loop idiom
// (internal/relay/bandwidth.go's StartSync) and on
// kt-orchestrator/src/connection/health.rs and
// kt-orchestrator/src/session/cleanup.rs for the reaping semantics.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiaslow/kterminus/internal/connpool"
	"github.com/adiaslow/kterminus/internal/coordinator"
)

// Defaults mirror the original orchestrator's tuning.
const (
	DefaultHeartbeatTimeout    = 60 * time.Second
	DefaultHeartbeatCheck      = 15 * time.Second
	DefaultOrphanGracePeriod   = 30 * time.Second
	DefaultOrphanCheckInterval = 10 * time.Second
)

// Monitor periodically reaps unhealthy connections and expired orphan
// sessions against a shared Coordinator.
type Monitor struct {
	log         *slog.Logger
	coordinator *coordinator.Coordinator

	heartbeatTimeout time.Duration
	heartbeatCheck   time.Duration
	orphanGrace      time.Duration
	orphanCheck      time.Duration
}

// New creates a Monitor over coord using the given timing parameters.
func New(log *slog.Logger, coord *coordinator.Coordinator, heartbeatTimeout, heartbeatCheck, orphanGrace, orphanCheck time.Duration) *Monitor {
	return &Monitor{
		log:              log,
		coordinator:      coord,
		heartbeatTimeout: heartbeatTimeout,
		heartbeatCheck:   heartbeatCheck,
		orphanGrace:      orphanGrace,
		orphanCheck:      orphanCheck,
	}
}

// Run blocks, running both reaper loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	go m.runHeartbeatReaper(ctx)
	m.runOrphanReaper(ctx)
}

func (m *Monitor) runHeartbeatReaper(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapUnhealthyConnections()
		}
	}
}

func (m *Monitor) reapUnhealthyConnections() {
	for _, conn := range m.coordinator.Connections.List() {
		if conn.IsHealthy(m.heartbeatTimeout) {
			continue
		}
		m.log.Warn("agent heartbeat timed out, disconnecting",
			"machine_id", conn.MachineID,
			"last_heartbeat_ms", conn.LastHeartbeatMillis())
		// Only cancel the connection here; tunnelserver's own read-loop
		// disconnect path performs AtomicDisconnect and broadcasts
		// MachineDisconnected, so subscribers never miss the event.
		conn.Disconnect()
	}
}

func (m *Monitor) runOrphanReaper(ctx context.Context) {
	ticker := time.NewTicker(m.orphanCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredOrphans()
		}
	}
}

func (m *Monitor) cleanupExpiredOrphans() {
	now := uint64(time.Now().UnixMilli())
	graceMillis := uint64(m.orphanGrace.Milliseconds())
	var cutoff uint64
	if now > graceMillis {
		cutoff = now - graceMillis
	}

	cleaned := 0
	for _, s := range m.coordinator.Sessions.List() {
		orphanedAt, ok := s.OrphanedAt()
		if !ok || orphanedAt >= cutoff {
			continue
		}
		if !s.TryClose() {
			// Another cleanup path (disconnect handler, reclaim) already won.
			continue
		}

		m.log.Info("cleaning up expired orphan session",
			"session_id", s.ID,
			"machine_id", s.MachineID,
			"orphaned_for_ms", now-orphanedAt)

		if conn := m.coordinator.Connections.Get(s.MachineID); conn != nil {
			select {
			case conn.Commands <- connpool.Command{Kind: connpool.CommandCloseSession, SessionID: s.ID}:
			default:
				m.log.Warn("failed to queue close command for expired orphan", "session_id", s.ID)
			}
		}
		m.coordinator.Sessions.Remove(s.ID)
		cleaned++
	}

	if cleaned > 0 {
		m.log.Info("orphan cleanup sweep complete", "cleaned", cleaned)
	}
}
