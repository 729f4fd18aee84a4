package vault

import (
	"unicode/utf8"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/metrics"
	"securenotes-backend/internal/models"

	"github.com/google/uuid"
)

// NoteCipher seals note markdown under a note key.
type NoteCipher struct{}

// NewNoteCipher returns a NoteCipher.
func NewNoteCipher() *NoteCipher {
	return &NoteCipher{}
}

// Seal encrypts markdown under noteKey. Every call draws a new nonce, also
// when the content has not changed.
func (c *NoteCipher) Seal(noteKey crypto.Key, markdown string) (ciphertext, nonce []byte, err error) {
	if !utf8.ValidString(markdown) {
		return nil, nil, ErrInvalidContent
	}

	ciphertext, nonce, err = crypto.Seal(noteKey, []byte(markdown))
	metrics.ObserveCrypto("seal_note", err)
	if err != nil {
		return nil, nil, translate(err)
	}
	return ciphertext, nonce, nil
}

// Open decrypts a note sealed with Seal. It never returns partial content.
func (c *NoteCipher) Open(noteKey crypto.Key, ciphertext, nonce []byte) (string, error) {
	plaintext, err := crypto.Open(noteKey, ciphertext, nonce)
	metrics.ObserveCrypto("open_note", err)
	if err != nil {
		return "", translate(err)
	}
	if !utf8.Valid(plaintext) {
		return "", ErrInvalidContent
	}
	return string(plaintext), nil
}

// SealNote seals markdown into the stored form of note id.
func (c *NoteCipher) SealNote(id uuid.UUID, noteKey crypto.Key, markdown string) (*models.Note, error) {
	ciphertext, nonce, err := c.Seal(noteKey, markdown)
	if err != nil {
		return nil, err
	}
	return &models.Note{ID: id, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// OpenNote decrypts the markdown of note.
func (c *NoteCipher) OpenNote(noteKey crypto.Key, note *models.Note) (string, error) {
	return c.Open(noteKey, note.Ciphertext, note.Nonce)
}
