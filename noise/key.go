package noise

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of Curve25519 private and public keys.
const KeySize = 32

// KeyPair is a static Curve25519 identity.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKey creates a random static key pair.
func GenerateKey() (KeyPair, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	var kp KeyPair
	copy(kp.Private[:], dh.Private)
	copy(kp.Public[:], dh.Public)
	return kp, nil
}

// KeyFromPrivate derives the key pair of a stored private key.
func KeyFromPrivate(private []byte) (KeyPair, error) {
	if len(private) != KeySize {
		return KeyPair{}, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(private))
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	var kp KeyPair
	copy(kp.Private[:], private)
	copy(kp.Public[:], public)
	return kp, nil
}

// ParseKey reads a hex encoded private key, as stored in configuration.
func ParseKey(s string) (KeyPair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode private key: %w", err)
	}
	return KeyFromPrivate(b)
}

// String returns the hex encoded private key.
func (kp KeyPair) String() string {
	return hex.EncodeToString(kp.Private[:])
}

func (kp KeyPair) dhKey() noise.DHKey {
	return noise.DHKey{
		Private: append([]byte(nil), kp.Private[:]...),
		Public:  append([]byte(nil), kp.Public[:]...),
	}
}
