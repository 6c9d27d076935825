// Package identity loads or generates the orchestrator's persistent
// X25519 identity keypair, used to populate RegisterAck.ServerPublicKey
// so agents configured with a protocol.HostKeyVerifier can detect an
// unexpected orchestrator. Grounded on the teacher's
// internal/auth/keypair.go EnsureKeyPair/LoadPrivateKey load-or-generate
// idiom, adapted from a base64-encoded file to match this package's own
// naming and directory layout.
package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "orchestrator_identity"

// KeyPair holds the orchestrator's persistent identity key.
type KeyPair struct {
	Private *ecdh.PrivateKey
}

// PublicKey returns the public key bytes to advertise in RegisterAck.
func (k KeyPair) PublicKey() []byte {
	return k.Private.PublicKey().Bytes()
}

// Load loads the keypair from dir, generating and persisting a new one
// (0600) if none exists yet.
func Load(dir string) (KeyPair, error) {
	keyPath := filepath.Join(dir, keyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) > 0 {
		privBytes, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return KeyPair{}, fmt.Errorf("decode identity key: %w", err)
		}
		priv, err := ecdh.X25519().NewPrivateKey(privBytes)
		if err != nil {
			return KeyPair{}, fmt.Errorf("parse identity key: %w", err)
		}
		return KeyPair{Private: priv}, nil
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate identity key: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return KeyPair{}, fmt.Errorf("create identity dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(priv.Bytes())
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("write identity key: %w", err)
	}

	return KeyPair{Private: priv}, nil
}
