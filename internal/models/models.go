package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account. It holds no key material.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserKeyRecord is a user key wrapped under a password-derived key. Salt is
// the derivation salt of the wrapping key, never the verifier salt.
type UserKeyRecord struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
}

// PasswordRecord is the password verifier of a user. There is one per user.
type PasswordRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	UserKeyID uuid.UUID
	Hash      []byte
	Salt      []byte
}

// Note is the stored, encrypted form of a note. CreatedAt is assigned by
// storage and is zero until the row is persisted.
type Note struct {
	ID         uuid.UUID
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
}

// NoteKeyGrant is a note key wrapped under one user's key.
type NoteKeyGrant struct {
	ID         uuid.UUID
	NoteID     uuid.UUID
	UserID     uuid.UUID
	Ciphertext []byte
	Nonce      []byte
}

// Session is the server-side half of a login. The bearer token refers to it
// by ID.
type Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Expiration Expiration
}

// IsValid reports whether the session is usable at now.
func (s *Session) IsValid(now time.Time) bool {
	return !s.Expiration.Passed(now)
}
