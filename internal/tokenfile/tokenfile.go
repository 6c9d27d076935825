// Package tokenfile implements the IPC authentication token ownership
// file: a small JSON document recording the token, owning PID, and listen
// address of the orchestrator currently allowed to serve the control
// plane. It ensures exactly one live orchestrator owns the token at a
// time, matching the teacher's load-or-generate-with-0600-perms file
// idiom (internal/auth/keypair.go, internal/auth/store.go) and the
// original ownership semantics in ipc_auth.rs.
package tokenfile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
)

const tokenBytes = 32

// Info is the on-disk shape of the token ownership file.
type Info struct {
	Token   string `json:"token"`
	PID     int    `json:"pid"`
	Address string `json:"address"`
}

// Ownership is the result of attempting to acquire the token file.
type Ownership struct {
	// Acquired is true if this process now owns the token (it wrote it).
	Acquired bool
	// Info is the token info now in effect: ours if Acquired, otherwise
	// the external live owner's.
	Info Info
}

// Store manages a single token ownership file on disk.
type Store struct {
	path string
}

// New returns a Store backed by the file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the default token file location under dir (the
// orchestrator's config directory), named per spec: ipc_auth_token.json.
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "ipc_auth_token.json")
}

// Acquire attempts to take ownership of the token file for this process,
// listening at address. Behavior:
//  1. If the file is absent or malformed, generate a new token and claim
//     ownership.
//  2. If the file is present and its recorded PID is alive, this process
//     must NOT start its own control plane; the caller receives the
//     external owner's info with Acquired=false.
//  3. If the file is present but its PID is not alive, overwrite it as in
//     case 1.
func (s *Store) Acquire(address string, isAlive func(pid int) bool) (Ownership, error) {
	existing, err := s.read()
	if err == nil && existing != nil {
		if isAlive(existing.PID) {
			return Ownership{Acquired: false, Info: *existing}, nil
		}
	}

	token, genErr := generateToken()
	if genErr != nil {
		return Ownership{}, genErr
	}
	info := Info{Token: token, PID: os.Getpid(), Address: address}
	if err := s.write(info); err != nil {
		return Ownership{}, err
	}
	return Ownership{Acquired: true, Info: info}, nil
}

// Release removes the token file, but only if this process is still the
// recorded owner (never clobbers another orchestrator's ownership record).
func (s *Store) Release() error {
	existing, err := s.read()
	if err != nil {
		return nil
	}
	if existing == nil || existing.PID != os.Getpid() {
		return nil
	}
	err = os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Store) read() (*Info, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// Malformed file: treat as absent, it will be regenerated.
		return nil, nil
	}
	return &info, nil
}

func (s *Store) write(info Info) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(s.path, 0o600)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidateToken compares provided against expected. Inputs of different
// lengths are rejected immediately; inputs of equal length are compared
// in constant time, so the position of the first differing byte is not
// revealed through timing.
func ValidateToken(provided, expected string) bool {
	if len(provided) != len(expected) {
		return false
	}
	var result byte
	for i := 0; i < len(provided); i++ {
		result |= provided[i] ^ expected[i]
	}
	return result == 0
}
