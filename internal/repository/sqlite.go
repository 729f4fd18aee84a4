package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"securenotes-backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRow struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	Username  string    `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type userKeyRow struct {
	ID           uuid.UUID `gorm:"type:text;primaryKey"`
	UserID       uuid.UUID `gorm:"type:text;not null;index"`
	EncryptedKey []byte    `gorm:"not null"`
	Nonce        []byte    `gorm:"not null"`
	Salt         []byte    `gorm:"not null"`
}

func (userKeyRow) TableName() string { return "user_keys" }

type passwordRow struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	UserID    uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	UserKeyID uuid.UUID `gorm:"type:text;not null"`
	Hash      []byte    `gorm:"not null"`
	Salt      []byte    `gorm:"not null"`
}

func (passwordRow) TableName() string { return "user_passwords" }

type noteRow struct {
	ID                uuid.UUID `gorm:"type:text;primaryKey"`
	EncryptedMarkdown []byte    `gorm:"not null"`
	Nonce             []byte    `gorm:"not null"`
	TimeCreated       time.Time `gorm:"not null"`
}

func (noteRow) TableName() string { return "notes" }

type noteKeyRow struct {
	ID           uuid.UUID `gorm:"type:text;primaryKey"`
	NoteID       uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_note_keys_note_user"`
	UserID       uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_note_keys_note_user;index"`
	EncryptedKey []byte    `gorm:"not null"`
	Nonce        []byte    `gorm:"not null"`
}

func (noteKeyRow) TableName() string { return "note_keys" }

type sessionRow struct {
	ID             uuid.UUID  `gorm:"type:text;primaryKey"`
	UserID         uuid.UUID  `gorm:"type:text;not null;index"`
	ExpirationTime *time.Time `gorm:"index"`
}

func (sessionRow) TableName() string { return "user_sessions" }

// SQLiteStore is the embedded SQLite implementation of Store, used for
// development and tests.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLiteStore opens the database at path (":memory:" for a private
// in-memory database) and migrates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database lives only as long as its connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(
		&userRow{},
		&userKeyRow{},
		&passwordRow{},
		&noteRow{},
		&noteKeyRow{},
		&sessionRow{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &sqliteTx{db: tx, now: s.now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteTx struct {
	db  *gorm.DB
	now func() time.Time
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	return t.db.Commit().Error
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	return t.db.Rollback().Error
}

func (t *sqliteTx) q(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx)
}

func sqliteError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return ErrConflict
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func rowsAffected(res *gorm.DB, op string) error {
	if res.Error != nil {
		return sqliteError(res.Error, op)
	}
	switch {
	case res.RowsAffected < 1:
		return ErrNotFound
	case res.RowsAffected > 1:
		return ErrTooMany
	}
	return nil
}

// --- UserStore ---

func (t *sqliteTx) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t.now().UTC()
	}
	row := userRow{ID: user.ID, Username: user.Username, CreatedAt: user.CreatedAt}
	return sqliteError(t.q(ctx).Create(&row).Error, "create user")
}

func (t *sqliteTx) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var row userRow
	if err := t.q(ctx).Where(query, arg).Take(&row).Error; err != nil {
		return nil, sqliteError(err, "get user")
	}
	return &models.User{ID: row.ID, Username: row.Username, CreatedAt: row.CreatedAt.UTC()}, nil
}

func (t *sqliteTx) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return t.getUser(ctx, "id = ?", id)
}

func (t *sqliteTx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return t.getUser(ctx, "username = ?", username)
}

// --- UserKeyStore ---

func (t *sqliteTx) CreateUserKey(ctx context.Context, record *models.UserKeyRecord) error {
	row := userKeyRow{
		ID:           record.ID,
		UserID:       record.UserID,
		EncryptedKey: record.Ciphertext,
		Nonce:        record.Nonce,
		Salt:         record.Salt,
	}
	return sqliteError(t.q(ctx).Create(&row).Error, "create user key")
}

func (t *sqliteTx) GetUserKeyByID(ctx context.Context, id uuid.UUID) (*models.UserKeyRecord, error) {
	var row userKeyRow
	if err := t.q(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, sqliteError(err, "get user key")
	}
	return &models.UserKeyRecord{
		ID:         row.ID,
		UserID:     row.UserID,
		Ciphertext: row.EncryptedKey,
		Nonce:      row.Nonce,
		Salt:       row.Salt,
	}, nil
}

func (t *sqliteTx) DeleteUserKey(ctx context.Context, id uuid.UUID) error {
	return rowsAffected(t.q(ctx).Where("id = ?", id).Delete(&userKeyRow{}), "delete user key")
}

func (t *sqliteTx) DeleteUserKeysExcept(ctx context.Context, userID, keepID uuid.UUID) (int64, error) {
	result := t.q(ctx).Where("user_id = ? AND id <> ?", userID, keepID).Delete(&userKeyRow{})
	if result.Error != nil {
		return 0, sqliteError(result.Error, "delete stale user keys")
	}
	return result.RowsAffected, nil
}

// --- PasswordStore ---

func (t *sqliteTx) UpsertPassword(ctx context.Context, record *models.PasswordRecord) (Outcome, error) {
	var existing passwordRow
	err := t.q(ctx).Where("user_id = ?", record.UserID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := passwordRow{
			ID:        record.ID,
			UserID:    record.UserID,
			UserKeyID: record.UserKeyID,
			Hash:      record.Hash,
			Salt:      record.Salt,
		}
		if err := t.q(ctx).Create(&row).Error; err != nil {
			return 0, sqliteError(err, "insert user password")
		}
		return Inserted, nil
	case err != nil:
		return 0, sqliteError(err, "get user password")
	}

	res := t.q(ctx).Model(&passwordRow{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"user_key_id": record.UserKeyID,
		"hash":        record.Hash,
		"salt":        record.Salt,
	})
	if err := rowsAffected(res, "update user password"); err != nil {
		return 0, err
	}
	record.ID = existing.ID
	return Updated, nil
}

func (t *sqliteTx) GetPasswordByUserID(ctx context.Context, userID uuid.UUID) (*models.PasswordRecord, error) {
	var row passwordRow
	if err := t.q(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return nil, sqliteError(err, "get user password")
	}
	return &models.PasswordRecord{
		ID:        row.ID,
		UserID:    row.UserID,
		UserKeyID: row.UserKeyID,
		Hash:      row.Hash,
		Salt:      row.Salt,
	}, nil
}

// --- NoteStore ---

func (t *sqliteTx) CreateNoteIfAbsent(ctx context.Context, note *models.Note) (Outcome, error) {
	row := noteRow{
		ID:                note.ID,
		EncryptedMarkdown: note.Ciphertext,
		Nonce:             note.Nonce,
		TimeCreated:       t.now().UTC(),
	}
	res := t.q(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return 0, sqliteError(res.Error, "create note")
	}
	if res.RowsAffected == 0 {
		return Existing, nil
	}
	note.CreatedAt = row.TimeCreated
	return Inserted, nil
}

func (t *sqliteTx) UpdateNote(ctx context.Context, note *models.Note) error {
	res := t.q(ctx).Model(&noteRow{}).Where("id = ?", note.ID).Updates(map[string]any{
		"encrypted_markdown": note.Ciphertext,
		"nonce":              note.Nonce,
	})
	if err := rowsAffected(res, "update note"); err != nil {
		return err
	}

	var row noteRow
	if err := t.q(ctx).Select("time_created").Where("id = ?", note.ID).Take(&row).Error; err != nil {
		return sqliteError(err, "get note")
	}
	note.CreatedAt = row.TimeCreated.UTC()
	return nil
}

func (t *sqliteTx) GetNoteByID(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	var row noteRow
	if err := t.q(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, sqliteError(err, "get note")
	}
	return &models.Note{
		ID:         row.ID,
		Ciphertext: row.EncryptedMarkdown,
		Nonce:      row.Nonce,
		CreatedAt:  row.TimeCreated.UTC(),
	}, nil
}

func (t *sqliteTx) DeleteNote(ctx context.Context, id uuid.UUID) error {
	return rowsAffected(t.q(ctx).Where("id = ?", id).Delete(&noteRow{}), "delete note")
}

// --- NoteKeyStore ---

func (t *sqliteTx) CreateNoteKeyGrant(ctx context.Context, grant *models.NoteKeyGrant) error {
	row := noteKeyRow{
		ID:           grant.ID,
		NoteID:       grant.NoteID,
		UserID:       grant.UserID,
		EncryptedKey: grant.Ciphertext,
		Nonce:        grant.Nonce,
	}
	return sqliteError(t.q(ctx).Create(&row).Error, "create note key")
}

func grantFromRow(row noteKeyRow) *models.NoteKeyGrant {
	return &models.NoteKeyGrant{
		ID:         row.ID,
		NoteID:     row.NoteID,
		UserID:     row.UserID,
		Ciphertext: row.EncryptedKey,
		Nonce:      row.Nonce,
	}
}

func (t *sqliteTx) GetNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) (*models.NoteKeyGrant, error) {
	var row noteKeyRow
	err := t.q(ctx).Where("note_id = ? AND user_id = ?", noteID, userID).Take(&row).Error
	if err != nil {
		return nil, sqliteError(err, "get note key")
	}
	return grantFromRow(row), nil
}

func (t *sqliteTx) ListNoteKeyGrantsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.NoteKeyGrant, error) {
	var rows []noteKeyRow
	if err := t.q(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, sqliteError(err, "list note keys")
	}

	grants := make([]*models.NoteKeyGrant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, grantFromRow(row))
	}
	return grants, nil
}

func (t *sqliteTx) DeleteNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) error {
	res := t.q(ctx).Where("note_id = ? AND user_id = ?", noteID, userID).Delete(&noteKeyRow{})
	return rowsAffected(res, "delete note key")
}

func (t *sqliteTx) DeleteNoteKeyGrantsByNoteID(ctx context.Context, noteID uuid.UUID) (int64, error) {
	res := t.q(ctx).Where("note_id = ?", noteID).Delete(&noteKeyRow{})
	if res.Error != nil {
		return 0, sqliteError(res.Error, "delete note keys")
	}
	return res.RowsAffected, nil
}

// --- SessionStore ---

func (t *sqliteTx) CreateSession(ctx context.Context, session *models.Session) error {
	row := sessionRow{
		ID:             session.ID,
		UserID:         session.UserID,
		ExpirationTime: session.Expiration.Ptr(),
	}
	return sqliteError(t.q(ctx).Create(&row).Error, "create user session")
}

func (t *sqliteTx) GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var row sessionRow
	if err := t.q(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, sqliteError(err, "get user session")
	}
	return &models.Session{
		ID:         row.ID,
		UserID:     row.UserID,
		Expiration: models.ExpirationFromPtr(row.ExpirationTime),
	}, nil
}

func (t *sqliteTx) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return rowsAffected(t.q(ctx).Where("id = ?", id).Delete(&sessionRow{}), "delete user session")
}

func (t *sqliteTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	// Timestamps are stored as text, so compare in Go rather than in SQL.
	var rows []sessionRow
	if err := t.q(ctx).Where("expiration_time IS NOT NULL").Find(&rows).Error; err != nil {
		return 0, sqliteError(err, "list user sessions")
	}

	var expired []uuid.UUID
	for _, row := range rows {
		if models.ExpirationFromPtr(row.ExpirationTime).Passed(now) {
			expired = append(expired, row.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	res := t.q(ctx).Where("id IN ?", expired).Delete(&sessionRow{})
	if res.Error != nil {
		return 0, sqliteError(res.Error, "delete expired sessions")
	}
	return res.RowsAffected, nil
}
