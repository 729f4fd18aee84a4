package repository

import (
	"context"
	"errors"
	"time"

	"securenotes-backend/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("repository: not found")

	// ErrTooMany means more rows matched than a uniqueness invariant allows.
	ErrTooMany = errors.New("repository: too many rows matched")

	// ErrConflict means a write violated a unique constraint.
	ErrConflict = errors.New("repository: unique constraint violated")
)

// Outcome reports what an insert-or-update style write did.
type Outcome int

const (
	// Inserted means a new row was written.
	Inserted Outcome = iota + 1
	// Updated means an existing row was overwritten.
	Updated
	// Existing means a row was already present and nothing was written.
	Existing
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Existing:
		return "existing"
	}
	return "unknown"
}

// UserStore defines the user table operations.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// UserKeyStore defines the wrapped user key operations.
type UserKeyStore interface {
	CreateUserKey(ctx context.Context, record *models.UserKeyRecord) error
	GetUserKeyByID(ctx context.Context, id uuid.UUID) (*models.UserKeyRecord, error)
	DeleteUserKey(ctx context.Context, id uuid.UUID) error
	// DeleteUserKeysExcept deletes every record of userID other than keepID
	// and returns how many were removed.
	DeleteUserKeysExcept(ctx context.Context, userID, keepID uuid.UUID) (int64, error)
}

// PasswordStore defines the password verifier operations.
type PasswordStore interface {
	// UpsertPassword writes the verifier for record.UserID in one call. On
	// Updated, record.ID is set to the ID of the existing row.
	UpsertPassword(ctx context.Context, record *models.PasswordRecord) (Outcome, error)
	GetPasswordByUserID(ctx context.Context, userID uuid.UUID) (*models.PasswordRecord, error)
}

// NoteStore defines the encrypted note operations.
type NoteStore interface {
	// CreateNoteIfAbsent inserts note unless a row with its ID exists. It
	// returns Inserted (and sets note.CreatedAt) or Existing.
	CreateNoteIfAbsent(ctx context.Context, note *models.Note) (Outcome, error)
	UpdateNote(ctx context.Context, note *models.Note) error
	GetNoteByID(ctx context.Context, id uuid.UUID) (*models.Note, error)
	DeleteNote(ctx context.Context, id uuid.UUID) error
}

// NoteKeyStore defines the note key grant operations.
type NoteKeyStore interface {
	CreateNoteKeyGrant(ctx context.Context, grant *models.NoteKeyGrant) error
	GetNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) (*models.NoteKeyGrant, error)
	ListNoteKeyGrantsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.NoteKeyGrant, error)
	DeleteNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) error
	DeleteNoteKeyGrantsByNoteID(ctx context.Context, noteID uuid.UUID) (int64, error)
}

// SessionStore defines the session operations.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Tx is a unit of work. Every entity operation issued through it commits or
// rolls back together.
type Tx interface {
	UserStore
	UserKeyStore
	PasswordStore
	NoteStore
	NoteKeyStore
	SessionStore

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens units of work. Only the orchestrating caller holds a Store;
// components receive the entity interfaces of an open Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
