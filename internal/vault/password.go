package vault

import (
	"context"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"

	"github.com/google/uuid"
)

// PasswordVault stores and checks password verifiers. Verifier salts are
// drawn independently of the salts used to wrap user keys.
type PasswordVault struct {
	kdf crypto.KDF
}

// NewPasswordVault returns a vault hashing passwords with kdf.
func NewPasswordVault(kdf crypto.KDF) *PasswordVault {
	return &PasswordVault{kdf: kdf}
}

// Store writes the verifier of password for userID, pointing it at the
// user key record userKeyID. It reports whether this is the user's first
// password.
func (v *PasswordVault) Store(ctx context.Context, store repository.PasswordStore, userID, userKeyID uuid.UUID, password string) (*models.PasswordRecord, bool, error) {
	hash, salt, err := v.kdf.HashPassword(password)
	if err != nil {
		return nil, false, translate(err)
	}

	record := &models.PasswordRecord{
		ID:        uuid.New(),
		UserID:    userID,
		UserKeyID: userKeyID,
		Hash:      hash,
		Salt:      salt,
	}
	outcome, err := store.UpsertPassword(ctx, record)
	if err != nil {
		return nil, false, translate(err)
	}
	return record, outcome == repository.Inserted, nil
}

// Get returns the verifier of userID.
func (v *PasswordVault) Get(ctx context.Context, store repository.PasswordStore, userID uuid.UUID) (*models.PasswordRecord, error) {
	record, err := store.GetPasswordByUserID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return record, nil
}

// Verify reports whether password matches record.
func (v *PasswordVault) Verify(password string, record *models.PasswordRecord) (bool, error) {
	ok, err := v.kdf.VerifyPassword(password, record.Hash, record.Salt)
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}
