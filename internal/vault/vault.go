// Package vault manages the key hierarchy of the notes backend. A random
// user key is wrapped under a password-derived key, each note key is wrapped
// under the user key of every grantee, and note content is sealed under its
// note key.
//
// Vaults never begin transactions. Callers pass the entity store of an open
// repository.Tx, and errors coming back are always one of the vault
// sentinels below.
package vault

import (
	"errors"
	"fmt"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/repository"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("vault: not found")

	// ErrTooMany means storage matched more rows than its invariants allow.
	ErrTooMany = errors.New("vault: too many records")

	// ErrConflict means the record already exists.
	ErrConflict = errors.New("vault: already exists")

	// ErrEncryptionFailed means a seal operation failed.
	ErrEncryptionFailed = errors.New("vault: encryption failed")

	// ErrDecryptionFailed means an authentication tag did not verify.
	ErrDecryptionFailed = errors.New("vault: decryption failed")

	// ErrInvalidContent means note content is not valid UTF-8 markdown.
	ErrInvalidContent = errors.New("vault: content is not valid UTF-8")

	// ErrInternal wraps any other failure.
	ErrInternal = errors.New("vault: internal error")
)

// translate maps repository and crypto errors to vault errors. The
// underlying error is kept only as text.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrTooMany):
		return ErrTooMany
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	case errors.Is(err, crypto.ErrEncryptionFailed):
		return ErrEncryptionFailed
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return ErrDecryptionFailed
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
