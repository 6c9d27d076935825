package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adiaslow/kterminus/internal/connpool"
	"github.com/adiaslow/kterminus/internal/coordinator"
	"github.com/adiaslow/kterminus/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConnection(id protocol.MachineID, cancel context.CancelFunc) *connpool.Connection {
	return connpool.NewConnection(id, nil, nil, "linux", "x86_64", make(chan connpool.Command, 4), cancel)
}

func TestReapUnhealthyConnectionsDisconnectsStaleAgent(t *testing.T) {
	coord := coordinator.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machineID := protocol.MachineID("stale-machine")
	conn := testConnection(machineID, cancel)
	conn.RecordHeartbeat()
	coord.Connections.Insert(conn)
	coord.Sessions.Create(machineID, nil, nil)

	m := New(testLogger(), coord, time.Millisecond, time.Hour, time.Hour, time.Hour)
	time.Sleep(5 * time.Millisecond)
	m.reapUnhealthyConnections()

	if coord.Connections.Get(machineID) == nil {
		t.Fatal("expected stale connection to stay in the pool until the tunnel server's disconnect path removes it")
	}
	if coord.Sessions.Len() != 1 {
		t.Fatal("expected the stale machine's session to stay until the tunnel server's disconnect path removes it")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected connection's context cancelled on disconnect")
	}
}

func TestReapUnhealthyConnectionsKeepsHealthyAgent(t *testing.T) {
	coord := coordinator.New()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	machineID := protocol.MachineID("healthy-machine")
	conn := testConnection(machineID, cancel)
	coord.Connections.Insert(conn)

	m := New(testLogger(), coord, time.Hour, time.Hour, time.Hour, time.Hour)
	m.reapUnhealthyConnections()

	if coord.Connections.Get(machineID) == nil {
		t.Fatal("expected healthy connection to remain")
	}
}

func TestCleanupExpiredOrphansRemovesExpired(t *testing.T) {
	coord := coordinator.New()
	machineID := protocol.MachineID("m")
	id := coord.Sessions.Create(machineID, nil, nil)
	h := coord.Sessions.Get(id)

	longAgo := uint64(time.Now().Add(-time.Hour).UnixMilli())
	h.TryOrphan(longAgo)

	m := New(testLogger(), coord, time.Hour, time.Hour, 30*time.Second, time.Hour)
	m.cleanupExpiredOrphans()

	if coord.Sessions.Get(id) != nil {
		t.Fatal("expected expired orphan session to be removed")
	}
}

func TestCleanupExpiredOrphansKeepsRecent(t *testing.T) {
	coord := coordinator.New()
	machineID := protocol.MachineID("m")
	id := coord.Sessions.Create(machineID, nil, nil)
	h := coord.Sessions.Get(id)
	h.TryOrphan(uint64(time.Now().UnixMilli()))

	m := New(testLogger(), coord, time.Hour, time.Hour, 30*time.Second, time.Hour)
	m.cleanupExpiredOrphans()

	if coord.Sessions.Get(id) == nil {
		t.Fatal("expected recently orphaned session to remain within grace period")
	}
}

func TestCleanupExpiredOrphansSkipsActiveSessions(t *testing.T) {
	coord := coordinator.New()
	machineID := protocol.MachineID("m")
	id := coord.Sessions.Create(machineID, nil, nil)

	m := New(testLogger(), coord, time.Hour, time.Hour, 30*time.Second, time.Hour)
	m.cleanupExpiredOrphans()

	if coord.Sessions.Get(id) == nil {
		t.Fatal("expected active (non-orphaned) session to be left alone")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	coord := coordinator.New()
	m := New(testLogger(), coord, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
