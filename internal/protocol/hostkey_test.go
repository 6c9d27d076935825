package protocol

import "testing"

func TestFingerprintIsStableAndDistinguishesKeys(t *testing.T) {
	a := []byte("orchestrator-key-a")
	b := []byte("orchestrator-key-b")

	if Fingerprint(a) != Fingerprint(a) {
		t.Fatal("expected fingerprint to be deterministic for the same key")
	}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("expected different keys to produce different fingerprints")
	}
}

func TestPinnedVerifierAcceptsOnlyExpectedKey(t *testing.T) {
	expected := []byte("trusted-orchestrator-key")
	v := NewPinnedVerifier(expected)

	if !v.Verify(expected) {
		t.Fatal("expected pinned verifier to accept its configured key")
	}
	if v.Verify([]byte("some-other-key")) {
		t.Fatal("expected pinned verifier to reject an unrecognized key")
	}
}

func TestOracleVerifierDelegatesToTrustedFunc(t *testing.T) {
	var checked [32]byte
	v := OracleVerifier{TrustedFunc: func(fp [32]byte) bool {
		checked = fp
		return fp == Fingerprint([]byte("known-good-key"))
	}}

	if !v.Verify([]byte("known-good-key")) {
		t.Fatal("expected oracle verifier to trust a key its oracle approves")
	}
	if checked != Fingerprint([]byte("known-good-key")) {
		t.Fatal("expected oracle verifier to check the key's fingerprint")
	}
	if v.Verify([]byte("unknown-key")) {
		t.Fatal("expected oracle verifier to reject a key its oracle rejects")
	}
}

func TestOracleVerifierWithNilTrustedFuncRejectsEverything(t *testing.T) {
	v := OracleVerifier{}
	if v.Verify([]byte("anything")) {
		t.Fatal("expected a misconfigured oracle verifier to reject by default")
	}
}
