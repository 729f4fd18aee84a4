package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDF holds the Argon2id cost parameters.
type KDF struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDF is the production cost: 3 passes over 64 MiB with 4 lanes.
var DefaultKDF = KDF{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   4,
}

// Derive turns a password and a SaltSize salt into KeySize bytes of key
// material.
func (p KDF) Derive(password string, salt []byte) (Key, error) {
	if len(salt) != SaltSize {
		return Key{}, ErrInvalidSaltSize
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return Key{}, fmt.Errorf("crypto: invalid argon2id parameters t=%d m=%d p=%d", p.Time, p.MemoryKiB, p.Threads)
	}

	raw := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
	defer Zero(raw)

	return KeyFromBytes(raw)
}

// HashPassword derives a verifier for password under a fresh salt. The salt
// is independent of any salt used to derive encryption keys.
func (p KDF) HashPassword(password string) (hash, salt []byte, err error) {
	salt, err = GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	k, err := p.Derive(password, salt)
	if err != nil {
		return nil, nil, err
	}

	hash = make([]byte, KeySize)
	copy(hash, k[:])
	k.Zero()
	return hash, salt, nil
}

// VerifyPassword recomputes the verifier for password and compares it to
// hash in constant time.
func (p KDF) VerifyPassword(password string, hash, salt []byte) (bool, error) {
	k, err := p.Derive(password, salt)
	if err != nil {
		return false, err
	}
	defer k.Zero()

	return subtle.ConstantTimeCompare(k[:], hash) == 1, nil
}

// DeriveSubkey expands master into an independent key bound to label.
func DeriveSubkey(master Key, label string) (Key, error) {
	stream := hkdf.New(sha256.New, master[:], nil, []byte(label))

	var k Key
	if _, err := io.ReadFull(stream, k[:]); err != nil {
		return Key{}, fmt.Errorf("crypto: hkdf expand %q: %w", label, err)
	}
	return k, nil
}
