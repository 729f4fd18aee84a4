package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"securenotes-backend/internal/crypto"
)

// ErrEmptyKeyring is returned when a keyring definition holds no keys.
var ErrEmptyKeyring = errors.New("auth: keyring has no keys")

// Keyring holds the versioned master keys that protect session tokens. New
// tokens use the current version; older versions still open tokens issued
// before a rotation. A Keyring is immutable once built.
type Keyring struct {
	current string
	keys    map[string]crypto.Key
}

// NewKeyring builds a keyring whose current version is current.
func NewKeyring(current string, keys map[string]crypto.Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyring
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("auth: current key version %q not in keyring", current)
	}

	copied := make(map[string]crypto.Key, len(keys))
	for version, key := range keys {
		copied[version] = key
	}
	return &Keyring{current: current, keys: copied}, nil
}

// ParseKeyring reads a keyring from "version:base64key" entries separated
// by commas. The first entry is the current version.
func ParseKeyring(def string) (*Keyring, error) {
	var current string
	keys := make(map[string]crypto.Key)

	for _, entry := range strings.Split(def, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		version, encoded, ok := strings.Cut(entry, ":")
		if !ok || version == "" {
			return nil, fmt.Errorf("auth: keyring entry must be version:base64key")
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("auth: duplicate key version %q", version)
		}

		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("auth: key version %q is not valid base64", version)
		}
		key, err := crypto.KeyFromBytes(raw)
		crypto.Zero(raw)
		if err != nil {
			return nil, fmt.Errorf("auth: key version %q: %w", version, err)
		}

		if current == "" {
			current = version
		}
		keys[version] = key
	}

	if current == "" {
		return nil, ErrEmptyKeyring
	}
	return &Keyring{current: current, keys: keys}, nil
}

// GenerateKeyring returns a keyring holding one random key.
func GenerateKeyring(version string) (*Keyring, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyring(version, map[string]crypto.Key{version: key})
}

// FormatKeyEntry encodes one keyring entry in the ParseKeyring format.
func FormatKeyEntry(version string, key crypto.Key) string {
	return version + ":" + base64.StdEncoding.EncodeToString(key[:])
}

// Current returns the version and key used for new tokens.
func (k *Keyring) Current() (string, crypto.Key) {
	return k.current, k.keys[k.current]
}

// Lookup returns the key of version.
func (k *Keyring) Lookup(version string) (crypto.Key, bool) {
	key, ok := k.keys[version]
	return key, ok
}

// Len returns the number of key versions.
func (k *Keyring) Len() int {
	return len(k.keys)
}
