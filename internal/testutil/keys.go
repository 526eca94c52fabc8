// Package testutil provides fixtures for tests: realistic-looking X25519
// public keys and wrapped-key fields. The values are real curve points so
// fixtures are shaped like production data, but nothing here is used
// outside tests.
package testutil

import (
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

// PublicKey derives a fresh X25519 public key for use as a principal's
// registered key in tests.
func PublicKey(t *testing.T) []byte {
	t.Helper()

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("curve25519: %v", err)
	}
	return pub
}

// RandomBytes returns n random bytes, for opaque ciphertext and wrapped-key
// fixtures.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}
