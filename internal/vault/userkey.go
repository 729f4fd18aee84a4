package vault

import (
	"context"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/metrics"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"

	"github.com/google/uuid"
)

// UserKeyVault wraps user keys under password-derived keys.
type UserKeyVault struct {
	kdf crypto.KDF
}

// NewUserKeyVault returns a vault deriving wrapping keys with kdf.
func NewUserKeyVault(kdf crypto.KDF) *UserKeyVault {
	return &UserKeyVault{kdf: kdf}
}

// Generate returns a new random user key. It does not depend on any
// password, so a user can exist before setting one.
func (v *UserKeyVault) Generate() (crypto.Key, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	return k, nil
}

// EncryptAndStore wraps userKey under a key derived from password with a
// fresh salt and persists the result as a new record. Changing a password
// calls this again; the user key itself stays the same.
func (v *UserKeyVault) EncryptAndStore(ctx context.Context, store repository.UserKeyStore, userID uuid.UUID, userKey crypto.Key, password string) (*models.UserKeyRecord, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, translate(err)
	}

	wrapping, err := v.kdf.Derive(password, salt)
	if err != nil {
		return nil, translate(err)
	}
	defer wrapping.Zero()

	ciphertext, nonce, err := crypto.SealKey(wrapping, userKey)
	metrics.ObserveCrypto("wrap_user_key", err)
	if err != nil {
		return nil, translate(err)
	}

	record := &models.UserKeyRecord{
		ID:         uuid.New(),
		UserID:     userID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Salt:       salt,
	}
	if err := store.CreateUserKey(ctx, record); err != nil {
		return nil, translate(err)
	}
	return record, nil
}

// Recover unwraps the user key of record recordID with password. A wrong
// password surfaces as ErrDecryptionFailed.
func (v *UserKeyVault) Recover(ctx context.Context, store repository.UserKeyStore, recordID uuid.UUID, password string) (crypto.Key, error) {
	record, err := store.GetUserKeyByID(ctx, recordID)
	if err != nil {
		return crypto.Key{}, translate(err)
	}

	wrapping, err := v.kdf.Derive(password, record.Salt)
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	defer wrapping.Zero()

	userKey, err := crypto.OpenKey(wrapping, record.Ciphertext, record.Nonce)
	metrics.ObserveCrypto("unwrap_user_key", err)
	if err != nil {
		return crypto.Key{}, translate(err)
	}
	return userKey, nil
}

// DiscardStale deletes every record of userID except current and returns
// how many there were. It runs after the password verifier has been pointed
// at current, so it also removes copies left by a concurrent SetPassword.
func (v *UserKeyVault) DiscardStale(ctx context.Context, store repository.UserKeyStore, userID, current uuid.UUID) (int64, error) {
	n, err := store.DeleteUserKeysExcept(ctx, userID, current)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}
