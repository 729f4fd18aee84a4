package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

var (
	// ErrEncryptionFailed is returned when an AEAD seal cannot be performed.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")

	// ErrDecryptionFailed is returned when the authentication tag does not
	// verify, or the ciphertext or nonce is malformed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

func newGCM(key *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with AES-256-GCM. A new random nonce is
// drawn on every call and returned separately from the ciphertext.
func Seal(key Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(&key)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, ErrEncryptionFailed
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open authenticates and decrypts ciphertext. On any failure it returns
// ErrDecryptionFailed and no plaintext.
func Open(key Key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(ciphertext) < TagSize {
		return nil, ErrDecryptionFailed
	}

	gcm, err := newGCM(&key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealKey wraps one key under another.
func SealKey(wrapping Key, key Key) (ciphertext, nonce []byte, err error) {
	return Seal(wrapping, key[:])
}

// OpenKey unwraps a key sealed with SealKey.
func OpenKey(wrapping Key, ciphertext, nonce []byte) (Key, error) {
	raw, err := Open(wrapping, ciphertext, nonce)
	if err != nil {
		return Key{}, err
	}
	defer Zero(raw)

	k, err := KeyFromBytes(raw)
	if err != nil {
		return Key{}, ErrDecryptionFailed
	}
	return k, nil
}
