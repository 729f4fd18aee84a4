package vault

import (
	"context"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/metrics"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"

	"github.com/google/uuid"
)

// NoteKeyVault wraps note keys under the user keys of their grantees. Every
// grant of a note wraps the same note key.
type NoteKeyVault struct{}

// NewNoteKeyVault returns a NoteKeyVault.
func NewNoteKeyVault() *NoteKeyVault {
	return &NoteKeyVault{}
}

// Generate returns a new note key. A note gets exactly one, at first save.
func (v *NoteKeyVault) Generate() (crypto.Key, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	return k, nil
}

// Grant gives userID access to noteKey by wrapping it under granteeKey.
// A second grant for the same note and user fails with ErrConflict.
func (v *NoteKeyVault) Grant(ctx context.Context, store repository.NoteKeyStore, noteKey crypto.Key, noteID, userID uuid.UUID, granteeKey crypto.Key) (*models.NoteKeyGrant, error) {
	ciphertext, nonce, err := crypto.SealKey(granteeKey, noteKey)
	metrics.ObserveCrypto("wrap_note_key", err)
	if err != nil {
		return nil, translate(err)
	}

	grant := &models.NoteKeyGrant{
		ID:         uuid.New(),
		NoteID:     noteID,
		UserID:     userID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}
	if err := store.CreateNoteKeyGrant(ctx, grant); err != nil {
		return nil, translate(err)
	}
	return grant, nil
}

// Open unwraps the note key userID holds for noteID. ErrNotFound means the
// user has no grant, which says nothing about whether the note exists.
func (v *NoteKeyVault) Open(ctx context.Context, store repository.NoteKeyStore, noteID, userID uuid.UUID, requesterKey crypto.Key) (crypto.Key, error) {
	grant, err := store.GetNoteKeyGrant(ctx, noteID, userID)
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	return v.unwrap(grant, requesterKey)
}

func (v *NoteKeyVault) unwrap(grant *models.NoteKeyGrant, key crypto.Key) (crypto.Key, error) {
	noteKey, err := crypto.OpenKey(key, grant.Ciphertext, grant.Nonce)
	metrics.ObserveCrypto("unwrap_note_key", err)
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	return noteKey, nil
}

// Revoke deletes the grant of userID for noteID. It does not touch the
// note; deleting the last grant without the note is the caller's bug.
func (v *NoteKeyVault) Revoke(ctx context.Context, store repository.NoteKeyStore, noteID, userID uuid.UUID) error {
	return translate(store.DeleteNoteKeyGrant(ctx, noteID, userID))
}

// RevokeAll deletes every grant for noteID and returns how many there were.
func (v *NoteKeyVault) RevokeAll(ctx context.Context, store repository.NoteKeyStore, noteID uuid.UUID) (int64, error) {
	n, err := store.DeleteNoteKeyGrantsByNoteID(ctx, noteID)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// NoteAccess is an unwrapped note key.
type NoteAccess struct {
	NoteID uuid.UUID
	Key    crypto.Key
}

// List unwraps every note key granted to userID.
func (v *NoteKeyVault) List(ctx context.Context, store repository.NoteKeyStore, userID uuid.UUID, userKey crypto.Key) ([]NoteAccess, error) {
	grants, err := store.ListNoteKeyGrantsByUserID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}

	access := make([]NoteAccess, 0, len(grants))
	for _, grant := range grants {
		noteKey, err := v.unwrap(grant, userKey)
		if err != nil {
			return nil, err
		}
		access = append(access, NoteAccess{NoteID: grant.NoteID, Key: noteKey})
	}
	return access, nil
}
