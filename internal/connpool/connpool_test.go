package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/adiaslow/kterminus/internal/protocol"
)

func testConnection(id string) *Connection {
	alias := id + "-alias"
	hostname := id + ".local"
	_, cancel := context.WithCancel(context.Background())
	return NewConnection(protocol.MachineID(id), &alias, &hostname, "linux", "x86_64", make(chan Command, 1), cancel)
}

func TestPoolNewEmpty(t *testing.T) {
	p := New()
	if p.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", p.Len())
	}
}

func TestInsertAndGet(t *testing.T) {
	p := New()
	p.Insert(testConnection("machine-1"))

	if p.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", p.Len())
	}
	c := p.Get("machine-1")
	if c == nil || c.MachineID != "machine-1" {
		t.Fatal("expected to retrieve machine-1's connection")
	}
}

func TestGetNonexistent(t *testing.T) {
	p := New()
	if p.Get("nonexistent") != nil {
		t.Fatal("expected nil for nonexistent connection")
	}
}

func TestGetByIDOrAliasResolvesEitherForm(t *testing.T) {
	p := New()
	p.Insert(testConnection("machine-1"))

	byID := p.GetByIDOrAlias("machine-1")
	if byID == nil || byID.MachineID != "machine-1" {
		t.Fatal("expected lookup by literal id to succeed")
	}

	byAlias := p.GetByIDOrAlias("machine-1-alias")
	if byAlias == nil || byAlias.MachineID != "machine-1" {
		t.Fatal("expected lookup by alias to succeed")
	}

	if p.GetByIDOrAlias("nonexistent") != nil {
		t.Fatal("expected nil for unresolvable id/alias")
	}
}

func TestRemove(t *testing.T) {
	p := New()
	p.Insert(testConnection("machine-1"))
	p.Insert(testConnection("machine-2"))

	removed := p.Remove("machine-1")
	if removed == nil || removed.MachineID != "machine-1" {
		t.Fatal("expected to remove machine-1")
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 connection remaining, got %d", p.Len())
	}
	if p.Get("machine-1") != nil {
		t.Fatal("expected machine-1 gone")
	}
	if p.Get("machine-2") == nil {
		t.Fatal("expected machine-2 to remain")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	p := New()
	if p.Remove("nonexistent") != nil {
		t.Fatal("expected nil removing nonexistent connection")
	}
}

func TestList(t *testing.T) {
	p := New()
	p.Insert(testConnection("machine-1"))
	p.Insert(testConnection("machine-2"))
	p.Insert(testConnection("machine-3"))

	list := p.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(list))
	}
	seen := map[protocol.MachineID]bool{}
	for _, c := range list {
		seen[c.MachineID] = true
	}
	for _, id := range []protocol.MachineID{"machine-1", "machine-2", "machine-3"} {
		if !seen[id] {
			t.Fatalf("expected %s in list", id)
		}
	}
}

func TestConnectionFields(t *testing.T) {
	c := testConnection("test-machine")
	if c.MachineID != "test-machine" {
		t.Fatalf("unexpected machine id: %s", c.MachineID)
	}
	if c.Alias == nil || *c.Alias != "test-machine-alias" {
		t.Fatalf("unexpected alias: %v", c.Alias)
	}
	if c.Hostname == nil || *c.Hostname != "test-machine.local" {
		t.Fatalf("unexpected hostname: %v", c.Hostname)
	}
	if c.OS != "linux" || c.Arch != "x86_64" {
		t.Fatalf("unexpected os/arch: %s/%s", c.OS, c.Arch)
	}
}

func TestConnectionHeartbeat(t *testing.T) {
	c := testConnection("test-machine")
	initial := c.LastHeartbeatMillis()
	if initial == 0 {
		t.Fatal("expected nonzero initial heartbeat")
	}
	time.Sleep(10 * time.Millisecond)
	c.RecordHeartbeat()
	if c.LastHeartbeatMillis() <= initial {
		t.Fatal("expected heartbeat to advance")
	}
}

func TestConnectionIsHealthy(t *testing.T) {
	c := testConnection("test-machine")
	if !c.IsHealthy(60 * time.Second) {
		t.Fatal("expected healthy with a long timeout")
	}
	if !c.IsHealthy(100 * time.Millisecond) {
		t.Fatal("expected healthy with a short timeout right after creation")
	}
}

func TestConnectionDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConnection("test-machine", nil, nil, "linux", "x86_64", make(chan Command, 1), cancel)

	select {
	case <-ctx.Done():
		t.Fatal("expected context not yet cancelled")
	default:
	}
	c.Disconnect()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context cancelled after Disconnect")
	}
}

func TestCommandToMessageCreateSession(t *testing.T) {
	shell := "/bin/bash"
	cmd := Command{
		Kind:      CommandCreateSession,
		SessionID: 1,
		Shell:     &shell,
		Env:       []protocol.EnvVar{{Name: "TERM", Value: "xterm"}},
		Size:      protocol.TerminalSize{Rows: 24, Cols: 80},
	}
	sessionID, msg := cmd.ToMessage()
	if sessionID != 1 {
		t.Fatalf("expected session id 1, got %d", sessionID)
	}
	if msg.SessionCreate == nil {
		t.Fatal("expected SessionCreate payload")
	}
	if msg.SessionCreate.Shell == nil || *msg.SessionCreate.Shell != "/bin/bash" {
		t.Fatalf("unexpected shell: %v", msg.SessionCreate.Shell)
	}
	if len(msg.SessionCreate.Env) != 1 || msg.SessionCreate.Env[0].Value != "xterm" {
		t.Fatalf("unexpected env: %v", msg.SessionCreate.Env)
	}
	if msg.SessionCreate.InitialSize.Cols != 80 || msg.SessionCreate.InitialSize.Rows != 24 {
		t.Fatalf("unexpected size: %+v", msg.SessionCreate.InitialSize)
	}
}

func TestCommandToMessageHeartbeat(t *testing.T) {
	cmd := Command{Kind: CommandHeartbeat, Timestamp: 12345}
	sessionID, msg := cmd.ToMessage()
	if sessionID != protocol.ControlSessionID {
		t.Fatalf("expected control session id, got %d", sessionID)
	}
	if msg.Heartbeat == nil || msg.Heartbeat.TimestampMillis != 12345 {
		t.Fatalf("unexpected heartbeat payload: %v", msg.Heartbeat)
	}
}
