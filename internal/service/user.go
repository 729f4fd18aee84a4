package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"
	"securenotes-backend/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// SessionToken is a freshly issued session and its bearer token.
type SessionToken struct {
	ID         uuid.UUID
	Token      string
	Expiration models.Expiration
}

// UserService handles accounts, passwords and sessions.
type UserService struct {
	store      repository.Store
	userKeys   *vault.UserKeyVault
	passwords  *vault.PasswordVault
	sessions   *auth.SessionRegistry
	tokens     *auth.TokenCodec
	sessionTTL time.Duration
}

// NewUserService creates a user service.
func NewUserService(store repository.Store, kdf crypto.KDF, sessions *auth.SessionRegistry, tokens *auth.TokenCodec, sessionTTL time.Duration) *UserService {
	return &UserService{
		store:      store,
		userKeys:   vault.NewUserKeyVault(kdf),
		passwords:  vault.NewPasswordVault(kdf),
		sessions:   sessions,
		tokens:     tokens,
		sessionTTL: sessionTTL,
	}
}

// Signup creates a user with a fresh user key and opens a session for it.
// No password is needed yet; the key lives only in the returned token until
// SetPassword wraps it.
func (s *UserService) Signup(ctx context.Context, username string) (*models.User, *SessionToken, error) {
	const op = "service.Signup"

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, nil, newError(op, KindInvalidInput, errors.New("username is required"))
	}

	user := &models.User{ID: uuid.New(), Username: username}
	var session *SessionToken

	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return newError(op, KindConflict, fmt.Errorf("username %q is taken", username))
			}
			return newError(op, KindInternal, err)
		}

		userKey, err := s.userKeys.Generate()
		if err != nil {
			return newError(op, KindInternal, err)
		}
		defer userKey.Zero()

		session, err = s.openSession(ctx, tx, user.ID, userKey, s.expiration(false))
		if err != nil {
			return newError(op, KindInternal, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, wrapTxError(op, err)
	}

	zerolog.Ctx(ctx).Info().Str("user_id", user.ID.String()).Msg("user created")
	return user, session, nil
}

// SetPassword wraps the caller's user key under password and stores the
// password verifier. It reports whether this was the first password.
func (s *UserService) SetPassword(ctx context.Context, claims *auth.Claims, userID uuid.UUID, password string) (bool, error) {
	const op = "service.SetPassword"

	if claims.UserID != userID {
		return false, newError(op, KindForbidden, errWrongUser)
	}
	if len(password) < MinPasswordLength {
		return false, newError(op, KindInvalidInput, fmt.Errorf("password must be at least %d characters", MinPasswordLength))
	}

	var created bool
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		record, err := s.userKeys.EncryptAndStore(ctx, tx, userID, claims.UserKey, password)
		if err != nil {
			return newError(op, KindInternal, err)
		}

		if _, created, err = s.passwords.Store(ctx, tx, userID, record.ID, password); err != nil {
			return newError(op, KindInternal, err)
		}

		// The verifier now points at record; any other copy is unreachable.
		discarded, err := s.userKeys.DiscardStale(ctx, tx, userID, record.ID)
		if err != nil {
			return newError(op, KindInternal, err)
		}
		if discarded > 1 {
			zerolog.Ctx(ctx).Warn().Str("user_id", userID.String()).Int64("discarded", discarded).Msg("removed user key records from a concurrent password change")
		}
		return nil
	})
	if err != nil {
		return false, wrapTxError(op, err)
	}

	zerolog.Ctx(ctx).Info().Str("user_id", userID.String()).Bool("first", created).Msg("password set")
	return created, nil
}

// Login checks username and password and opens a session. The password
// verifier is checked before any key material is derived.
func (s *UserService) Login(ctx context.Context, username, password string, persistent bool) (*models.User, *SessionToken, error) {
	const op = "service.Login"

	var (
		user    *models.User
		session *SessionToken
	)
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		var err error
		user, err = tx.GetUserByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return newError(op, KindUnauthenticated, errInvalidCredentials)
			}
			return newError(op, KindInternal, err)
		}

		record, err := s.passwords.Get(ctx, tx, user.ID)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				return newError(op, KindUnauthenticated, errInvalidCredentials)
			}
			return newError(op, KindInternal, err)
		}

		ok, err := s.passwords.Verify(password, record)
		if err != nil {
			return newError(op, KindInternal, err)
		}
		if !ok {
			return newError(op, KindUnauthenticated, errInvalidCredentials)
		}

		userKey, err := s.userKeys.Recover(ctx, tx, record.UserKeyID, password)
		if err != nil {
			if errors.Is(err, vault.ErrDecryptionFailed) {
				// The verifier passed, so this is corruption rather than a typo.
				zerolog.Ctx(ctx).Error().Err(err).Str("user_id", user.ID.String()).Msg("user key recovery failed after password check")
				return newError(op, KindUnauthenticated, errInvalidCredentials)
			}
			return newError(op, KindInternal, err)
		}
		defer userKey.Zero()

		session, err = s.openSession(ctx, tx, user.ID, userKey, s.expiration(persistent))
		if err != nil {
			return newError(op, KindInternal, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, wrapTxError(op, err)
	}

	zerolog.Ctx(ctx).Info().Str("user_id", user.ID.String()).Bool("persistent", persistent).Msg("user logged in")
	return user, session, nil
}

// Logout revokes a session of the caller.
func (s *UserService) Logout(ctx context.Context, claims *auth.Claims, userID, sessionID uuid.UUID) error {
	const op = "service.Logout"

	if claims.UserID != userID {
		return newError(op, KindForbidden, errWrongUser)
	}

	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		if err := s.sessions.Revoke(ctx, tx, sessionID, userID); err != nil {
			if errors.Is(err, auth.ErrSessionNotFound) {
				// A missing session and another user's session look the same.
				return newError(op, KindForbidden, err)
			}
			return newError(op, KindInternal, err)
		}
		return nil
	})
	return wrapTxError(op, err)
}

// Authenticate opens a bearer token and checks that its session is live.
func (s *UserService) Authenticate(ctx context.Context, token string) (*auth.Claims, error) {
	const op = "service.Authenticate"

	claims, err := s.tokens.Open(token)
	if err != nil {
		switch {
		case auth.IsTokenError(err, auth.InvalidKey):
			return nil, newError(op, KindUnauthenticated, err)
		case auth.IsTokenError(err, auth.InvalidClaim):
			return nil, newError(op, KindInvalidInput, err)
		}
		return nil, newError(op, KindInternal, err)
	}

	err = repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		_, err := s.sessions.Validate(ctx, tx, claims.SessionID, claims.UserID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, auth.ErrSessionNotFound), errors.Is(err, auth.ErrSessionExpired):
			return newError(op, KindUnauthenticated, err)
		}
		return newError(op, KindInternal, err)
	})
	if err != nil {
		return nil, wrapTxError(op, err)
	}
	return claims, nil
}

// PruneSessions deletes expired sessions.
func (s *UserService) PruneSessions(ctx context.Context) (int64, error) {
	const op = "service.PruneSessions"

	var n int64
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		var err error
		if n, err = s.sessions.Prune(ctx, tx); err != nil {
			return newError(op, KindInternal, err)
		}
		return nil
	})
	if err != nil {
		return 0, wrapTxError(op, err)
	}
	return n, nil
}

func (s *UserService) expiration(persistent bool) models.Expiration {
	if persistent {
		return models.Never()
	}
	return models.At(s.sessions.Now().Add(s.sessionTTL))
}

func (s *UserService) openSession(ctx context.Context, store repository.SessionStore, userID uuid.UUID, userKey crypto.Key, expiration models.Expiration) (*SessionToken, error) {
	session, err := s.sessions.Create(ctx, store, userID, expiration)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Seal(auth.Claims{
		SessionID:  session.ID,
		UserID:     userID,
		UserKey:    userKey,
		Expiration: session.Expiration,
	})
	if err != nil {
		return nil, err
	}
	return &SessionToken{ID: session.ID, Token: token, Expiration: session.Expiration}, nil
}

// wrapTxError passes service errors through and classifies anything else,
// such as a failed commit, as internal.
func wrapTxError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(op, KindInternal, err)
}
