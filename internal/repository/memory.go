package repository

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"securenotes-backend/internal/models"

	"github.com/google/uuid"
)

type grantKey struct {
	noteID uuid.UUID
	userID uuid.UUID
}

type memState struct {
	users           map[uuid.UUID]models.User
	usersByUsername map[string]uuid.UUID
	userKeys        map[uuid.UUID]models.UserKeyRecord
	passwords       map[uuid.UUID]models.PasswordRecord // keyed by user ID
	notes           map[uuid.UUID]models.Note
	grants          map[grantKey]models.NoteKeyGrant
	sessions        map[uuid.UUID]models.Session
}

func (st *memState) clone() *memState {
	return &memState{
		users:           maps.Clone(st.users),
		usersByUsername: maps.Clone(st.usersByUsername),
		userKeys:        maps.Clone(st.userKeys),
		passwords:       maps.Clone(st.passwords),
		notes:           maps.Clone(st.notes),
		grants:          maps.Clone(st.grants),
		sessions:        maps.Clone(st.sessions),
	}
}

// InMemoryStore is an in-memory implementation of Store. Transactions are
// serialized: Begin holds the store lock until Commit or Rollback, and
// writes go to a private copy that Commit publishes.
type InMemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewInMemoryStore creates a new, empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		state: &memState{
			users:           make(map[uuid.UUID]models.User),
			usersByUsername: make(map[string]uuid.UUID),
			userKeys:        make(map[uuid.UUID]models.UserKeyRecord),
			passwords:       make(map[uuid.UUID]models.PasswordRecord),
			notes:           make(map[uuid.UUID]models.Note),
			grants:          make(map[grantKey]models.NoteKeyGrant),
			sessions:        make(map[uuid.UUID]models.Session),
		},
		now: time.Now,
	}
}

func (s *InMemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memTx{store: s, state: s.state.clone()}, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *InMemoryStore) Close() error {
	return nil
}

var errTxDone = errors.New("repository: transaction already finished")

type memTx struct {
	store *InMemoryStore
	state *memState
	done  bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.state = t.state
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

// --- UserStore ---

func (t *memTx) CreateUser(ctx context.Context, user *models.User) error {
	if _, exists := t.state.usersByUsername[user.Username]; exists {
		return ErrConflict
	}
	if _, exists := t.state.users[user.ID]; exists {
		return ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t.store.now().UTC()
	}

	t.state.users[user.ID] = *user
	t.state.usersByUsername[user.Username] = user.ID
	return nil
}

func (t *memTx) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, exists := t.state.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (t *memTx) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	id, exists := t.state.usersByUsername[username]
	if !exists {
		return nil, ErrNotFound
	}
	return t.GetUserByID(ctx, id)
}

// --- UserKeyStore ---

func (t *memTx) CreateUserKey(ctx context.Context, record *models.UserKeyRecord) error {
	if _, exists := t.state.userKeys[record.ID]; exists {
		return ErrConflict
	}
	t.state.userKeys[record.ID] = models.UserKeyRecord{
		ID:         record.ID,
		UserID:     record.UserID,
		Ciphertext: bytes.Clone(record.Ciphertext),
		Nonce:      bytes.Clone(record.Nonce),
		Salt:       bytes.Clone(record.Salt),
	}
	return nil
}

func (t *memTx) GetUserKeyByID(ctx context.Context, id uuid.UUID) (*models.UserKeyRecord, error) {
	record, exists := t.state.userKeys[id]
	if !exists {
		return nil, ErrNotFound
	}
	record.Ciphertext = bytes.Clone(record.Ciphertext)
	record.Nonce = bytes.Clone(record.Nonce)
	record.Salt = bytes.Clone(record.Salt)
	return &record, nil
}

func (t *memTx) DeleteUserKey(ctx context.Context, id uuid.UUID) error {
	if _, exists := t.state.userKeys[id]; !exists {
		return ErrNotFound
	}
	delete(t.state.userKeys, id)
	return nil
}

func (t *memTx) DeleteUserKeysExcept(ctx context.Context, userID, keepID uuid.UUID) (int64, error) {
	var n int64
	for id, record := range t.state.userKeys {
		if record.UserID == userID && id != keepID {
			delete(t.state.userKeys, id)
			n++
		}
	}
	return n, nil
}

// --- PasswordStore ---

func (t *memTx) UpsertPassword(ctx context.Context, record *models.PasswordRecord) (Outcome, error) {
	outcome := Inserted
	if existing, exists := t.state.passwords[record.UserID]; exists {
		record.ID = existing.ID
		outcome = Updated
	}
	t.state.passwords[record.UserID] = models.PasswordRecord{
		ID:        record.ID,
		UserID:    record.UserID,
		UserKeyID: record.UserKeyID,
		Hash:      bytes.Clone(record.Hash),
		Salt:      bytes.Clone(record.Salt),
	}
	return outcome, nil
}

func (t *memTx) GetPasswordByUserID(ctx context.Context, userID uuid.UUID) (*models.PasswordRecord, error) {
	record, exists := t.state.passwords[userID]
	if !exists {
		return nil, ErrNotFound
	}
	record.Hash = bytes.Clone(record.Hash)
	record.Salt = bytes.Clone(record.Salt)
	return &record, nil
}

// --- NoteStore ---

func (t *memTx) CreateNoteIfAbsent(ctx context.Context, note *models.Note) (Outcome, error) {
	if _, exists := t.state.notes[note.ID]; exists {
		return Existing, nil
	}
	note.CreatedAt = t.store.now().UTC()
	t.state.notes[note.ID] = models.Note{
		ID:         note.ID,
		Ciphertext: bytes.Clone(note.Ciphertext),
		Nonce:      bytes.Clone(note.Nonce),
		CreatedAt:  note.CreatedAt,
	}
	return Inserted, nil
}

func (t *memTx) UpdateNote(ctx context.Context, note *models.Note) error {
	existing, exists := t.state.notes[note.ID]
	if !exists {
		return ErrNotFound
	}
	existing.Ciphertext = bytes.Clone(note.Ciphertext)
	existing.Nonce = bytes.Clone(note.Nonce)
	t.state.notes[note.ID] = existing
	note.CreatedAt = existing.CreatedAt
	return nil
}

func (t *memTx) GetNoteByID(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	note, exists := t.state.notes[id]
	if !exists {
		return nil, ErrNotFound
	}
	note.Ciphertext = bytes.Clone(note.Ciphertext)
	note.Nonce = bytes.Clone(note.Nonce)
	return &note, nil
}

func (t *memTx) DeleteNote(ctx context.Context, id uuid.UUID) error {
	if _, exists := t.state.notes[id]; !exists {
		return ErrNotFound
	}
	delete(t.state.notes, id)
	return nil
}

// --- NoteKeyStore ---

func (t *memTx) CreateNoteKeyGrant(ctx context.Context, grant *models.NoteKeyGrant) error {
	k := grantKey{noteID: grant.NoteID, userID: grant.UserID}
	if _, exists := t.state.grants[k]; exists {
		return ErrConflict
	}
	t.state.grants[k] = models.NoteKeyGrant{
		ID:         grant.ID,
		NoteID:     grant.NoteID,
		UserID:     grant.UserID,
		Ciphertext: bytes.Clone(grant.Ciphertext),
		Nonce:      bytes.Clone(grant.Nonce),
	}
	return nil
}

func (t *memTx) GetNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) (*models.NoteKeyGrant, error) {
	grant, exists := t.state.grants[grantKey{noteID: noteID, userID: userID}]
	if !exists {
		return nil, ErrNotFound
	}
	grant.Ciphertext = bytes.Clone(grant.Ciphertext)
	grant.Nonce = bytes.Clone(grant.Nonce)
	return &grant, nil
}

func (t *memTx) ListNoteKeyGrantsByUserID(ctx context.Context, userID uuid.UUID) ([]*models.NoteKeyGrant, error) {
	grants := []*models.NoteKeyGrant{}
	for k, grant := range t.state.grants {
		grant := grant
		if k.userID != userID {
			continue
		}
		grant.Ciphertext = bytes.Clone(grant.Ciphertext)
		grant.Nonce = bytes.Clone(grant.Nonce)
		grants = append(grants, &grant)
	}
	return grants, nil
}

func (t *memTx) DeleteNoteKeyGrant(ctx context.Context, noteID, userID uuid.UUID) error {
	k := grantKey{noteID: noteID, userID: userID}
	if _, exists := t.state.grants[k]; !exists {
		return ErrNotFound
	}
	delete(t.state.grants, k)
	return nil
}

func (t *memTx) DeleteNoteKeyGrantsByNoteID(ctx context.Context, noteID uuid.UUID) (int64, error) {
	var n int64
	for k := range t.state.grants {
		if k.noteID == noteID {
			delete(t.state.grants, k)
			n++
		}
	}
	return n, nil
}

// --- SessionStore ---

func (t *memTx) CreateSession(ctx context.Context, session *models.Session) error {
	if _, exists := t.state.sessions[session.ID]; exists {
		return ErrConflict
	}
	t.state.sessions[session.ID] = *session
	return nil
}

func (t *memTx) GetSessionByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, exists := t.state.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (t *memTx) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if _, exists := t.state.sessions[id]; !exists {
		return ErrNotFound
	}
	delete(t.state.sessions, id)
	return nil
}

func (t *memTx) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, session := range t.state.sessions {
		if session.Expiration.Passed(now) {
			delete(t.state.sessions, id)
			n++
		}
	}
	return n, nil
}
