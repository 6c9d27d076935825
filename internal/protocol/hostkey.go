package protocol

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HostKeyVerifier decides whether an agent should trust the
// orchestrator's identity key before completing the tunnel handshake.
// Mirrors the original's "agent accepts server key if configured
// fingerprint matches OR trusts oracle identity verification" design,
// generalized from an SSH host key to the orchestrator's X25519 public
// key (matching the teacher's keypair.go identity model).
type HostKeyVerifier interface {
	// Verify reports whether serverPublicKey should be trusted.
	Verify(serverPublicKey []byte) bool
}

// fingerprintInfo domain-separates the HKDF output so a fingerprint
// derived here can never collide with a key or token derived elsewhere
// from the same public key bytes.
const fingerprintInfo = "kterminus-hostkey-fingerprint-v1"

// Fingerprint returns a stable identifier for a public key, used for
// logging and for fingerprint-pinning comparisons. Derived with
// HKDF-Expand (RFC 5869) rather than a bare hash so the result is
// domain-separated from any other derivation over the same key bytes.
func Fingerprint(publicKey []byte) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, publicKey, nil, []byte(fingerprintInfo))
	// hkdf.New's Reader never errors short of a misconfigured hash or an
	// absurdly long output, neither possible here.
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("protocol: hkdf fingerprint derivation failed: " + err.Error())
	}
	return out
}

// PinnedVerifier trusts only a single, pre-configured public key
// fingerprint, for manual agent/orchestrator pairing setups.
type PinnedVerifier struct {
	Expected [32]byte
}

// NewPinnedVerifier builds a verifier pinned to expectedKey's fingerprint.
func NewPinnedVerifier(expectedKey []byte) PinnedVerifier {
	return PinnedVerifier{Expected: Fingerprint(expectedKey)}
}

func (v PinnedVerifier) Verify(serverPublicKey []byte) bool {
	return Fingerprint(serverPublicKey) == v.Expected
}

// OracleVerifier delegates trust to an external identity oracle (e.g. a
// network-membership service) rather than a single pinned key, for
// fleets where the orchestrator's key is not known in advance.
type OracleVerifier struct {
	// TrustedFunc reports whether the given fingerprint is a known-good
	// orchestrator identity, according to the oracle.
	TrustedFunc func(fingerprint [32]byte) bool
}

func (v OracleVerifier) Verify(serverPublicKey []byte) bool {
	if v.TrustedFunc == nil {
		return false
	}
	return v.TrustedFunc(Fingerprint(serverPublicKey))
}
