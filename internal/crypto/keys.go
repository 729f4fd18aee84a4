// Package crypto holds the primitives of the note key hierarchy: AES-256-GCM
// for every symmetric encryption, Argon2id for password derivation and
// HKDF-SHA256 for deriving sub-keys from the server master key.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of GCM authentication tags in bytes.
	TagSize = 16

	// SaltSize is the size of password derivation salts in bytes.
	SaltSize = 16
)

var (
	// ErrInvalidKeySize is returned when key material is not KeySize bytes.
	ErrInvalidKeySize = errors.New("crypto: key must be 32 bytes")

	// ErrInvalidSaltSize is returned when a salt is not SaltSize bytes.
	ErrInvalidSaltSize = errors.New("crypto: salt must be 16 bytes")
)

// Key is a 256-bit symmetric key. User keys, note keys and password-derived
// wrapping keys all share this type.
type Key [KeySize]byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, ErrInvalidKeySize
	}
	copy(k[:], b)
	return k, nil
}

// Zero overwrites the key in place.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// String keeps keys out of logs and fmt output.
func (k Key) String() string {
	return "crypto.Key(redacted)"
}

// GenerateSalt returns a fresh random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
