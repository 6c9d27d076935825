// Package ptymgr implements the agent-side PTY manager: spawning shells
// under a fixed allowlist, writing input, resizing, and reaping exited
// children. It is grounded on github.com/creack/pty, the same library the
// teacher material uses to back its own PTY-spawning session server.
package ptymgr

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/adiaslow/kterminus/internal/protocol"
	"github.com/creack/pty"
)

// readChunkSize matches the original agent's 4KiB read granularity.
const readChunkSize = 4096

// Output is a chunk of PTY output forwarded to the tunnel client.
type Output struct {
	SessionID protocol.SessionID
	Data      []byte
}

// ErrSessionNotFound is returned by operations referencing an unknown
// session ID.
type ErrSessionNotFound struct {
	SessionID protocol.SessionID
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("pty session not found: %d", e.SessionID)
}

// ErrPTYAllocationFailed wraps a failure to open or spawn a PTY.
type ErrPTYAllocationFailed struct {
	Shell string
	Err   error
}

func (e *ErrPTYAllocationFailed) Error() string {
	return fmt.Sprintf("pty allocation failed for shell %q: %v", e.Shell, e.Err)
}

func (e *ErrPTYAllocationFailed) Unwrap() error { return e.Err }

type session struct {
	id     protocol.SessionID
	cmd    *exec.Cmd
	ptmx   *os.File
	mu     sync.Mutex
	closed bool
}

// Manager tracks the set of active PTY sessions on an agent machine.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[protocol.SessionID]*session

	outputCh chan Output
}

// New creates an empty Manager. outputBuffer sizes the bounded channel that
// carries Output chunks to the caller (the tunnel client's event loop).
func New(log *slog.Logger, outputBuffer int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		sessions: make(map[protocol.SessionID]*session),
		outputCh: make(chan Output, outputBuffer),
	}
}

// Output returns the channel on which PTY output chunks are delivered.
func (m *Manager) Output() <-chan Output {
	return m.outputCh
}

// Create spawns a new PTY session running shell (or the resolved default)
// under env, sized to size, and returns its PID. A dedicated reader
// goroutine begins forwarding output immediately.
func (m *Manager) Create(id protocol.SessionID, shell *string, env []protocol.EnvVar, size protocol.TerminalSize) (uint32, error) {
	resolvedShell, err := ResolveShell(shell)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(resolvedShell)
	cmd.Env = os.Environ()
	for _, kv := range env {
		cmd.Env = append(cmd.Env, kv.Name+"="+kv.Value)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: size.Rows,
		Cols: size.Cols,
	})
	if err != nil {
		return 0, &ErrPTYAllocationFailed{Shell: resolvedShell, Err: err}
	}

	sess := &session{id: id, cmd: cmd, ptmx: ptmx}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.readLoop(sess)

	pid := uint32(0)
	if cmd.Process != nil {
		pid = uint32(cmd.Process.Pid)
	}
	m.log.Info("pty session created", "session_id", id, "shell", resolvedShell, "pid", pid)
	return pid, nil
}

func (m *Manager) readLoop(sess *session) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case m.outputCh <- Output{SessionID: sess.id, Data: chunk}:
			default:
				m.log.Warn("pty output channel full, dropping chunk", "session_id", sess.id)
			}
		}
		if err != nil {
			// EOF or a closed PTY master both end the reader quietly; any
			// other error is logged once before terminating.
			if !isExpectedReadEnd(err) {
				m.log.Warn("pty read error", "session_id", sess.id, "error", err)
			}
			return
		}
	}
}

// Write sends input bytes to a session's PTY.
func (m *Manager) Write(id protocol.SessionID, data []byte) error {
	sess, ok := m.get(id)
	if !ok {
		return &ErrSessionNotFound{SessionID: id}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return &ErrSessionNotFound{SessionID: id}
	}
	_, err := sess.ptmx.Write(data)
	return err
}

// Resize changes a session's PTY dimensions.
func (m *Manager) Resize(id protocol.SessionID, size protocol.TerminalSize) error {
	sess, ok := m.get(id)
	if !ok {
		return &ErrSessionNotFound{SessionID: id}
	}
	return pty.Setsize(sess.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// TryWait performs a non-blocking check for process exit, returning the
// exit code if the process has already exited.
func (m *Manager) TryWait(id protocol.SessionID) (*int32, bool, error) {
	sess, ok := m.get(id)
	if !ok {
		return nil, false, &ErrSessionNotFound{SessionID: id}
	}

	done := make(chan error, 1)
	go func() { done <- sess.cmd.Wait() }()

	select {
	case err := <-done:
		code := exitCodeOf(sess.cmd, err)
		return &code, true, nil
	default:
		return nil, false, nil
	}
}

// Close kills a session's process (if still running), waits for it to
// exit, removes it from the manager, and returns its exit code. Close is
// idempotent: closing an already-closed or unknown session returns
// (nil, nil).
func (m *Manager) Close(id protocol.SessionID) (*int32, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()

	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	err := sess.cmd.Wait()
	_ = sess.ptmx.Close()

	code := exitCodeOf(sess.cmd, err)
	m.log.Info("pty session closed", "session_id", id, "exit_code", code)
	return &code, nil
}

func (m *Manager) get(id protocol.SessionID) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int32 {
	if cmd.ProcessState != nil {
		return int32(cmd.ProcessState.ExitCode())
	}
	if waitErr == nil {
		return 0
	}
	return -1
}
