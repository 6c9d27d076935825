// Package coordinator provides cross-collection atomicity over the
// connection pool and session manager. It wraps both behind a single
// RWMutex so operations spanning both collections — like tearing down a
// disconnected machine's connection and its sessions together — cannot
// be observed half-done by a concurrent reader. Grounded on the
// teacher's map+RWMutex pattern (internal/relay/workers.go) generalized
// to coordinate two collections instead of guarding one.
package coordinator

import (
	"sync"

	"github.com/adiaslow/kterminus/internal/connpool"
	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/adiaslow/kterminus/internal/session"
)

// Coordinator guards cross-collection operations between a connection
// pool and a session manager. The mutex protects no data of its own —
// Connections and Sessions have their own internal locking for simple
// operations; Coordinator's lock exists purely to serialize operations
// that must appear atomic across both.
type Coordinator struct {
	mu sync.RWMutex

	Connections *connpool.Pool
	Sessions    *session.Manager
}

// New creates a Coordinator with a fresh connection pool and session
// manager.
func New() *Coordinator {
	return &Coordinator{
		Connections: connpool.New(),
		Sessions:    session.New(),
	}
}

// WithPools creates a Coordinator wrapping existing connection and
// session state, useful for tests or composition with pre-populated
// pools.
func WithPools(connections *connpool.Pool, sessions *session.Manager) *Coordinator {
	return &Coordinator{Connections: connections, Sessions: sessions}
}

// RLock acquires the coordination read lock. Callers holding it are
// guaranteed a consistent view across Connections and Sessions for the
// duration.
func (c *Coordinator) RLock() {
	c.mu.RLock()
}

// RUnlock releases the coordination read lock.
func (c *Coordinator) RUnlock() {
	c.mu.RUnlock()
}

// Lock acquires the coordination write lock, excluding all readers and
// other writers for the duration of a cross-collection mutation.
func (c *Coordinator) Lock() {
	c.mu.Lock()
}

// Unlock releases the coordination write lock.
func (c *Coordinator) Unlock() {
	c.mu.Unlock()
}

// AtomicDisconnect removes machineID's connection and all of its
// sessions as a single atomic step: no observer can see the connection
// gone while sessions remain, or vice versa.
func (c *Coordinator) AtomicDisconnect(machineID protocol.MachineID) (*connpool.Connection, []*session.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.Connections.Remove(machineID)
	sessions := c.Sessions.RemoveByMachine(machineID)
	return conn, sessions
}
