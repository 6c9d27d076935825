// Package pairing generates and verifies the short discovery code an
// operator types into an agent to locate the orchestrator without
// configuring a hostname or address by hand. Grounded on
// kt-orchestrator/src/state.rs's generate_pairing_code/verify_pairing_code,
// with the constant-time comparison idiom shared with
// internal/tokenfile's ValidateToken.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strings"
)

// alphabet excludes I, O, 0, 1 to avoid visual confusion when an
// operator reads the code off a screen and types it elsewhere.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// codeLength gives 32^8 (~1.1 trillion) combinations, enough entropy
// for a discovery mechanism that is rate-limited and expires on
// orchestrator restart.
const codeLength = 8

// Code is an orchestrator's pairing code, generated once at startup.
type Code string

// Generate produces a new random pairing code.
func Generate() (Code, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return Code(out), nil
}

// Verify reports whether provided matches the code, case-insensitively
// and in constant time so that probing connections cannot learn the
// code one character at a time via timing.
func (c Code) Verify(provided string) bool {
	want := strings.ToUpper(string(c))
	got := strings.ToUpper(provided)
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// String returns the code as displayed to an operator.
func (c Code) String() string {
	return string(c)
}
