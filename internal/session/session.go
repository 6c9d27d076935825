// Package session tracks every active terminal session across all
// connected agents: allocation, machine ownership, and the
// Creating/Active/Orphaned/Closing state machine that governs
// disconnect grace periods and cleanup. It mirrors the teacher's
// map+RWMutex registry idiom (internal/relay/workers.go's
// WingRegistry) generalized from wing connections to terminal sessions.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiaslow/kterminus/internal/protocol"
)

// State is a session's position in its lifecycle state machine.
//
//	Creating ──► Active ◄──► Orphaned
//	    │          │            │
//	    └──────────┴────────────┴──► Closing (terminal)
type State uint8

const (
	Creating State = 0
	Active   State = 1
	Orphaned State = 2
	Closing  State = 3
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Orphaned:
		return "orphaned"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Packed state word: low 8 bits hold the State, high 56 bits hold
// orphaned_at_millis/256 (valid only while in Orphaned).
const (
	stateMask      = 0xFF
	timestampShift = 8
)

func packState(s State, orphanedAtMillis uint64) uint64 {
	return uint64(s) | ((orphanedAtMillis / 256) << timestampShift)
}

func unpackState(packed uint64) State {
	return State(packed & stateMask)
}

func unpackOrphanedAt(packed uint64) uint64 {
	if unpackState(packed) != Orphaned {
		return 0
	}
	return (packed >> timestampShift) * 256
}

// LimitExceeded is returned when a machine has reached its session cap.
type LimitExceeded struct {
	MachineID protocol.MachineID
	Current   int
	Max       int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("session limit exceeded for machine %s: %d sessions (max %d)", e.MachineID, e.Current, e.Max)
}

// Handle is a live terminal session bound immutably to the machine that
// owns it. PID and lifecycle state are updated with atomics so readers
// never need to take a lock.
type Handle struct {
	ID            protocol.SessionID
	MachineID     protocol.MachineID
	Shell         *string
	OwnerClientID *string

	pid       atomic.Uint32
	createdAt time.Time
	state     atomic.Uint64
}

// PID returns the remote process ID, or (0, false) if not yet set.
func (h *Handle) PID() (uint32, bool) {
	pid := h.pid.Load()
	return pid, pid != 0
}

// SetPID records the remote process ID once the agent confirms creation.
func (h *Handle) SetPID(pid uint32) {
	h.pid.Store(pid)
}

// Uptime returns how long the session has existed.
func (h *Handle) Uptime() time.Duration {
	return time.Since(h.createdAt)
}

// CreatedAt returns the session's creation time.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// State returns the session's current lifecycle state.
func (h *Handle) State() State {
	return unpackState(h.state.Load())
}

// IsOrphaned reports whether the session is currently orphaned.
func (h *Handle) IsOrphaned() bool {
	return h.State() == Orphaned
}

// OrphanedAt returns the millisecond timestamp the session was orphaned
// at, or (0, false) if it is not currently orphaned.
func (h *Handle) OrphanedAt() (uint64, bool) {
	t := unpackOrphanedAt(h.state.Load())
	return t, t != 0
}

// TryActivate transitions Creating -> Active. Returns false if the
// session was not in Creating state.
func (h *Handle) TryActivate() bool {
	current := h.state.Load()
	if unpackState(current) != Creating {
		return false
	}
	return h.state.CompareAndSwap(current, packState(Active, 0))
}

// TryOrphan transitions Active -> Orphaned, recording timeMillis as the
// orphan time. Returns false if the session was not Active.
func (h *Handle) TryOrphan(timeMillis uint64) bool {
	current := h.state.Load()
	if unpackState(current) != Active {
		return false
	}
	return h.state.CompareAndSwap(current, packState(Orphaned, timeMillis))
}

// TryReclaim transitions Orphaned -> Active. Returns false if the
// session was not Orphaned.
func (h *Handle) TryReclaim() bool {
	current := h.state.Load()
	if unpackState(current) != Orphaned {
		return false
	}
	return h.state.CompareAndSwap(current, packState(Active, 0))
}

// TryClose transitions any state to Closing (terminal). Idempotent: if
// already Closing it returns true without modification. Loops under CAS
// contention since Closing always wins regardless of prior state.
func (h *Handle) TryClose() bool {
	for {
		current := h.state.Load()
		if unpackState(current) == Closing {
			return true
		}
		if h.state.CompareAndSwap(current, packState(Closing, 0)) {
			return true
		}
	}
}

// Manager tracks all sessions across all connected machines.
type Manager struct {
	mu       sync.RWMutex
	sessions map[protocol.SessionID]*Handle
	nextID   atomic.Uint32
}

// New returns an empty Manager. Session IDs are allocated starting at 1;
// 0 is reserved for the control channel.
func New() *Manager {
	m := &Manager{sessions: make(map[protocol.SessionID]*Handle)}
	m.nextID.Store(1)
	return m
}

// AllocateID reserves the next session ID without creating a session.
func (m *Manager) AllocateID() protocol.SessionID {
	return protocol.SessionID(m.nextID.Add(1) - 1)
}

// Create allocates a session ID and registers a new session in the
// Active state, bound to machineID.
func (m *Manager) Create(machineID protocol.MachineID, shell *string, ownerClientID *string) protocol.SessionID {
	id := m.AllocateID()
	h := &Handle{
		ID:            id,
		MachineID:     machineID,
		Shell:         shell,
		OwnerClientID: ownerClientID,
		createdAt:     time.Now(),
	}
	h.state.Store(packState(Active, 0))

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()
	return id
}

// TryCreate creates a session, rejecting it with LimitExceeded if
// machineID already owns maxPerMachine sessions. maxPerMachine of 0
// means unlimited.
func (m *Manager) TryCreate(machineID protocol.MachineID, shell *string, ownerClientID *string, maxPerMachine int) (protocol.SessionID, error) {
	if maxPerMachine > 0 {
		current := len(m.ListForMachine(machineID))
		if current >= maxPerMachine {
			return 0, &LimitExceeded{MachineID: machineID, Current: current, Max: maxPerMachine}
		}
	}
	return m.Create(machineID, shell, ownerClientID), nil
}

// Get returns the session with the given ID, or nil if absent.
func (m *Manager) Get(id protocol.SessionID) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// MachineIDFor returns the owning machine of the given session, if any.
func (m *Manager) MachineIDFor(id protocol.SessionID) (protocol.MachineID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return h.MachineID, true
}

// Remove deletes and returns the session with the given ID, or nil if
// absent.
func (m *Manager) Remove(id protocol.SessionID) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return h
}

// List returns every tracked session.
func (m *Manager) List() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h)
	}
	return out
}

// ListForMachine returns every session owned by machineID.
func (m *Manager) ListForMachine(machineID protocol.MachineID) []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Handle
	for _, h := range m.sessions {
		if h.MachineID == machineID {
			out = append(out, h)
		}
	}
	return out
}

// RemoveByMachine deletes and returns every session owned by machineID.
// Called when an agent disconnects so its sessions can be orphaned or
// torn down by the caller.
func (m *Manager) RemoveByMachine(machineID protocol.MachineID) []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []*Handle
	for id, h := range m.sessions {
		if h.MachineID == machineID {
			removed = append(removed, h)
			delete(m.sessions, id)
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
