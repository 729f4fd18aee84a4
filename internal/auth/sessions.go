package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securenotes-backend/internal/metrics"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound means the session does not exist or was revoked.
	ErrSessionNotFound = errors.New("auth: session not found")

	// ErrSessionExpired means the session exists but its expiration passed.
	ErrSessionExpired = errors.New("auth: session expired")

	// ErrInternal wraps storage failures.
	ErrInternal = errors.New("auth: internal error")
)

func translateSessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrSessionNotFound
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

// SessionRegistry tracks which sessions are still usable. A session is
// Active until its expiration passes or it is revoked; revocation deletes
// the row, so there is no way back.
type SessionRegistry struct {
	now func() time.Time
}

// NewSessionRegistry returns a registry using the wall clock.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{now: time.Now}
}

// Now returns the registry's clock reading.
func (r *SessionRegistry) Now() time.Time {
	return r.now()
}

// Create starts a session for userID.
func (r *SessionRegistry) Create(ctx context.Context, store repository.SessionStore, userID uuid.UUID, expiration models.Expiration) (*models.Session, error) {
	session := &models.Session{
		ID:         uuid.New(),
		UserID:     userID,
		Expiration: expiration,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		return nil, translateSessionError(err)
	}
	metrics.SessionEvents.WithLabelValues("created").Inc()
	return session, nil
}

// Validate returns the session sessionID if it belongs to userID and has
// not expired.
func (r *SessionRegistry) Validate(ctx context.Context, store repository.SessionStore, sessionID, userID uuid.UUID) (*models.Session, error) {
	session, err := store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, translateSessionError(err)
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if !session.IsValid(r.now()) {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Revoke deletes the session sessionID of userID. Sessions of other users
// are reported as not found.
func (r *SessionRegistry) Revoke(ctx context.Context, store repository.SessionStore, sessionID, userID uuid.UUID) error {
	session, err := store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return translateSessionError(err)
	}
	if session.UserID != userID {
		return ErrSessionNotFound
	}

	if err := store.DeleteSession(ctx, sessionID); err != nil {
		return translateSessionError(err)
	}
	metrics.SessionEvents.WithLabelValues("revoked").Inc()
	return nil
}

// Prune deletes every expired session and returns how many were removed.
func (r *SessionRegistry) Prune(ctx context.Context, store repository.SessionStore) (int64, error) {
	n, err := store.DeleteExpiredSessions(ctx, r.now())
	if err != nil {
		return 0, translateSessionError(err)
	}
	metrics.SessionEvents.WithLabelValues("pruned").Add(float64(n))
	return n, nil
}
