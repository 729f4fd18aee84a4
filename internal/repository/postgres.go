package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securenotes-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and checks that the database
// answers.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	zerolog.Ctx(ctx).Info().Msg("PostgreSQL connection pool established")
	return &PostgresStore{db: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// RunMigrations executes a migration script.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrationSQL string) error {
	if _, err := s.db.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to run migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}

func affected(tag pgconn.CommandTag) error {
	switch n := tag.RowsAffected(); {
	case n < 1:
		return ErrNotFound
	case n > 1:
		return ErrTooMany
	}
	return nil
}

// --- UserStore ---

func (t *postgresTx) CreateUser(ctx context.Context, user *models.User) error {
	sql := `
        INSERT INTO users (id, username)
        VALUES ($1, $2)
        RETURNING created_at`

	err := t.tx.QueryRow(ctx, sql, user.ID, user.Username).Scan(&user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (t *postgresTx) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	sql := `
        SELECT id, username, created_at
        FROM users
        WHERE ` + where

	user := &models.User{}
	err := t.tx.QueryRow(ctx, sql, arg).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (t *postgresTx) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return t.getUser(ctx, "id = $1", id)
}

func (t *postgresTx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return t.getUser(ctx, "username = $1", username)
}

// --- UserKeyStore ---

func (t *postgresTx) CreateUserKey(ctx context.Context, record *models.UserKeyRecord) error {
	sql := `
        INSERT INTO user_keys (id, user_id, encrypted_key, nonce, salt)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := t.tx.Exec(ctx, sql, record.ID, record.UserID, record.Ciphertext, record.Nonce, record.Salt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user key: %w", err)
	}
	return nil
}

func (t *postgresTx) GetUserKeyByID(ctx context.Context, id uuid.UUID) (*models.UserKeyRecord, error) {
	sql := `
        SELECT id, user_id, encrypted_key, nonce, salt
        FROM user_keys
        WHERE id = $1`

	record := &models.UserKeyRecord{}
	err := t.tx.QueryRow(ctx, sql, id).Scan(
		&record.ID,
		&record.UserID,
		&record.Ciphertext,
		&record.Nonce,
		&record.Salt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user key: %w", err)
	}
	return record, nil
}

func (t *postgresTx) DeleteUserKey(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user key: %w", err)
	}
	return affected(tag)
}

func (t *postgresTx) DeleteUserKeysExcept(ctx context.Context, userID, keepID uuid.UUID) (int64, error) {
	sql := `
        DELETE FROM user_keys
        WHERE user_id = $1 AND id <> $2`

	tag, err := t.tx.Exec(ctx, sql, userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale user keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- PasswordStore ---

func (t *postgresTx) UpsertPassword(ctx context.Context, record *models.PasswordRecord) (Outcome, error) {
	// xmax is zero only for a row version created by this INSERT.
	sql := `
        INSERT INTO user_passwords (id, user_id, user_key_id, hash, salt)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id) DO UPDATE SET
            user_key_id = EXCLUDED.user_key_id,
            hash = EXCLUDED.hash,
            salt = EXCLUDED.salt
        RETURNING id, (xmax = 0)`

	var inserted bool
	err := t.tx.QueryRow(ctx, sql,
		record.ID,
		record.UserID,
		record.UserKeyID,
		record.Hash,
		record.Salt,
	).Scan(&record.ID, &inserted)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user password: %w", err)
	}

	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (t *postgresTx) GetPasswordByUserID(ctx context.Context, userID uuid.UUID) (*models.PasswordRecord, error) {
	sql := `
        SELECT id, user_id, user_key_id, hash, salt
        FROM user_passwords
        WHERE user_id = $1`

	record := &models.PasswordRecord{}
	err := t.tx.QueryRow(ctx, sql, userID).Scan(
		&record.ID,
		&record.UserID,
		&record.UserKeyID,
		&record.Hash,
		&record.Salt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user password: %w", err)
	}
	return record, nil
}

// --- NoteStore ---

func (t *postgresTx) CreateNoteIfAbsent(ctx context.Context, note *models.Note) (Outcome, error) {
	sql := `
        INSERT INTO notes (id, encrypted_markdown, nonce)
        VALUES ($1, $2, $3)
        ON CONFLICT (id) DO NOTHING
        RETURNING time_created`

	err := t.tx.QueryRow(ctx, sql, note.ID, note.Ciphertext, note.Nonce).Scan(&note.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Existing, nil
		}
		return 0, fmt.Errorf("failed to create note: %w", err)
	}
	return Inserted, nil
}

func (t *postgresTx) UpdateNote(ctx context.Context, note *models.Note) error {
	sql := `
        UPDATE notes
        SET encrypted_markdown = $2, nonce = $3
        WHERE id = $1
        RETURNING time_created`

	err := t.tx.QueryRow(ctx, sql, note.ID, note.Ciphertext, note.Nonce).Scan(&note.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update note: %w", err)
	}
	return nil
}

func (t *postgresTx) GetNoteByID(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	sql := `
        SELECT id, encrypted_markdown, nonce, time_created
        FROM notes
        WHERE id = $1`

	note := &models.Note{}
	err := t.tx.QueryRow(ctx, sql, id).Scan(&note.ID, &note.Ciphertext, &note.Nonce, &note.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return note, nil
}

func (t *postgresTx) DeleteNote(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return affected(tag)
}

// --- NoteKeyStore ---

func (t *postgresTx) CreateNoteKeyGrant(ctx context.Context, grant *models.NoteKeyGrant) error {
	sql := `
        INSERT INTO note_keys (id, note_id, user_id, encrypted_key, nonce)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := t.tx.Exec(ctx, sql, grant.ID, grant.NoteID, grant.UserID, grant.Ciphertext, grant.Nonce)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create note key: %w", err)
	}
	return nil
}

func (t *postgresTx) GetNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) (*models.NoteKeyGrant, error) {
	sql := `
        SELECT id, note_id, user_id, encrypted_key, nonce
        FROM note_keys
        WHERE note_id = $1 AND user_id = $2`

	grant := &models.NoteKeyGrant{}
	err := t.tx.QueryRow(ctx, sql, noteID, userID).Scan(
		&grant.ID,
		&grant.NoteID,
		&grant.UserID,
		&grant.Ciphertext,
		&grant.Nonce,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get note key: %w", err)
	}
	return grant, nil
}

func (t *postgresTx) ListNoteKeyGrantsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.NoteKeyGrant, error) {
	sql := `
        SELECT id, note_id, user_id, encrypted_key, nonce
        FROM note_keys
        WHERE user_id = $1`

	rows, err := t.tx.Query(ctx, sql, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list note keys: %w", err)
	}
	defer rows.Close()

	grants := []*models.NoteKeyGrant{}
	for rows.Next() {
		grant := &models.NoteKeyGrant{}
		if err := rows.Scan(
			&grant.ID,
			&grant.NoteID,
			&grant.UserID,
			&grant.Ciphertext,
			&grant.Nonce,
		); err != nil {
			return nil, fmt.Errorf("failed to scan note key row: %w", err)
		}
		grants = append(grants, grant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate note keys: %w", err)
	}
	return grants, nil
}

func (t *postgresTx) DeleteNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM note_keys WHERE note_id = $1 AND user_id = $2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete note key: %w", err)
	}
	return affected(tag)
}

func (t *postgresTx) DeleteNoteKeyGrantsByNoteID(ctx context.Context, noteID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM note_keys WHERE note_id = $1`, noteID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete note keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- SessionStore ---

func (t *postgresTx) CreateSession(ctx context.Context, session *models.Session) error {
	sql := `
        INSERT INTO user_sessions (id, user_id, expiration_time)
        VALUES ($1, $2, $3)`

	_, err := t.tx.Exec(ctx, sql, session.ID, session.UserID, session.Expiration.Ptr())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user session: %w", err)
	}
	return nil
}

func (t *postgresTx) GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sql := `
        SELECT id, user_id, expiration_time
        FROM user_sessions
        WHERE id = $1`

	session := &models.Session{}
	var expiresAt *time.Time
	err := t.tx.QueryRow(ctx, sql, id).Scan(&session.ID, &session.UserID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user session: %w", err)
	}
	session.Expiration = models.ExpirationFromPtr(expiresAt)
	return session, nil
}

func (t *postgresTx) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user session: %w", err)
	}
	return affected(tag)
}

func (t *postgresTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	sql := `
        DELETE FROM user_sessions
        WHERE expiration_time IS NOT NULL AND expiration_time <= $1`

	tag, err := t.tx.Exec(ctx, sql, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
