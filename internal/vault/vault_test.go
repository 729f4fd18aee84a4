package vault

import (
	"context"
	"errors"
	"testing"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

var testKDF = crypto.KDF{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

// openTx returns a transaction on a fresh in-memory store, rolled back at
// the end of the test.
func openTx(t *testing.T) repository.Tx {
	t.Helper()
	tx, err := repository.NewInMemoryStore().Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })
	return tx
}

func mustKey(t *testing.T) crypto.Key {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return k
}

func TestUserKeyVaultRoundTrip(t *testing.T) {
	ctx := context.Background()
	tx := openTx(t)
	v := NewUserKeyVault(testKDF)
	userID := uuid.New()

	userKey, err := v.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	record, err := v.EncryptAndStore(ctx, tx, userID, userKey, "s3cr3t")
	if err != nil {
		t.Fatalf("EncryptAndStore() error = %v", err)
	}
	if record.UserID != userID || len(record.Salt) != crypto.SaltSize || len(record.Nonce) != crypto.NonceSize {
		t.Errorf("EncryptAndStore() record = %+v", record)
	}

	got, err := v.Recover(ctx, tx, record.ID, "s3cr3t")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got != userKey {
		t.Error("Recover() returned a different key")
	}

	if _, err := v.Recover(ctx, tx, record.ID, "wrong"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Recover(wrong password) error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := v.Recover(ctx, tx, uuid.New(), "s3cr3t"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover(unknown record) error = %v, want ErrNotFound", err)
	}
}

func TestUserKeyVaultRewrapKeepsKey(t *testing.T) {
	ctx := context.Background()
	tx := openTx(t)
	v := NewUserKeyVault(testKDF)
	userID := uuid.New()
	userKey := mustKey(t)

	first, err := v.EncryptAndStore(ctx, tx, userID, userKey, "first password")
	if err != nil {
		t.Fatalf("EncryptAndStore() error = %v", err)
	}
	second, err := v.EncryptAndStore(ctx, tx, userID, userKey, "second password")
	if err != nil {
		t.Fatalf("EncryptAndStore() error = %v", err)
	}

	if first.ID == second.ID {
		t.Error("re-wrapping reused the record ID")
	}
	if string(first.Salt) == string(second.Salt) {
		t.Error("re-wrapping reused the salt")
	}

	got, err := v.Recover(ctx, tx, second.ID, "second password")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if got != userKey {
		t.Error("re-wrapped record holds a different user key")
	}

	other, err := v.EncryptAndStore(ctx, tx, uuid.New(), mustKey(t), "someone else")
	if err != nil {
		t.Fatalf("EncryptAndStore() error = %v", err)
	}

	n, err := v.DiscardStale(ctx, tx, userID, second.ID)
	if err != nil {
		t.Fatalf("DiscardStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DiscardStale() = %d, want 1", n)
	}
	if _, err := v.Recover(ctx, tx, first.ID, "first password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Recover(stale record) error = %v, want ErrNotFound", err)
	}
	if _, err := v.Recover(ctx, tx, second.ID, "second password"); err != nil {
		t.Errorf("Recover(current record) error = %v", err)
	}
	if _, err := v.Recover(ctx, tx, other.ID, "someone else"); err != nil {
		t.Errorf("DiscardStale() touched another user's record: %v", err)
	}
}

func TestPasswordVault(t *testing.T) {
	ctx := context.Background()
	tx := openTx(t)
	v := NewPasswordVault(testKDF)
	userID := uuid.New()

	if _, err := v.Get(ctx, tx, userID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() before Store error = %v, want ErrNotFound", err)
	}

	record, created, err := v.Store(ctx, tx, userID, uuid.New(), "s3cr3t")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !created {
		t.Error("first Store() should report created")
	}

	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{"correct password", "s3cr3t", true},
		{"wrong password", "wrong", false},
		{"empty password", "", false},
		{"prefix of password", "s3cr", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.Verify(tt.password, record)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Verify(%q) = %v, want %v", tt.password, ok, tt.want)
			}
		})
	}

	changed, created, err := v.Store(ctx, tx, userID, uuid.New(), "n3w p4ss")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if created {
		t.Error("second Store() should report an update")
	}
	if changed.ID != record.ID {
		t.Errorf("Store() replaced the record ID: %v, want %v", changed.ID, record.ID)
	}

	stored, err := v.Get(ctx, tx, userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok, _ := v.Verify("s3cr3t", stored); ok {
		t.Error("old password still verifies")
	}
	if ok, _ := v.Verify("n3w p4ss", stored); !ok {
		t.Error("new password does not verify")
	}
}

func TestPasswordVaultMalformedRecord(t *testing.T) {
	v := NewPasswordVault(testKDF)
	_, err := v.Verify("s3cr3t", &models.PasswordRecord{Hash: []byte("x"), Salt: []byte("short")})
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Verify(short salt) error = %v, want ErrInternal", err)
	}
}

func TestNoteKeyVault(t *testing.T) {
	ctx := context.Background()
	tx := openTx(t)
	v := NewNoteKeyVault()

	noteID := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	aliceKey, bobKey := mustKey(t), mustKey(t)

	noteKey, err := v.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := v.Grant(ctx, tx, noteKey, noteID, alice, aliceKey); err != nil {
		t.Fatalf("Grant(alice) error = %v", err)
	}
	if _, err := v.Grant(ctx, tx, noteKey, noteID, bob, bobKey); err != nil {
		t.Fatalf("Grant(bob) error = %v", err)
	}
	if _, err := v.Grant(ctx, tx, noteKey, noteID, alice, aliceKey); !errors.Is(err, ErrConflict) {
		t.Errorf("Grant(duplicate) error = %v, want ErrConflict", err)
	}

	// Every grant unwraps to the same note key.
	for _, g := range []struct {
		user uuid.UUID
		key  crypto.Key
	}{{alice, aliceKey}, {bob, bobKey}} {
		got, err := v.Open(ctx, tx, noteID, g.user, g.key)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got != noteKey {
			t.Error("Open() returned a different note key")
		}
	}

	if _, err := v.Open(ctx, tx, noteID, alice, bobKey); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open(wrong user key) error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := v.Open(ctx, tx, noteID, uuid.New(), aliceKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(no grant) error = %v, want ErrNotFound", err)
	}

	access, err := v.List(ctx, tx, alice, aliceKey)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(access) != 1 || access[0].NoteID != noteID || access[0].Key != noteKey {
		t.Errorf("List() = %v", access)
	}

	if err := v.Revoke(ctx, tx, noteID, bob); err != nil {
		t.Errorf("Revoke() error = %v", err)
	}
	if err := v.Revoke(ctx, tx, noteID, bob); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(twice) error = %v, want ErrNotFound", err)
	}

	n, err := v.RevokeAll(ctx, tx, noteID)
	if err != nil {
		t.Fatalf("RevokeAll() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RevokeAll() = %d, want 1", n)
	}
}

func TestNoteKeyGrantRoundTripProperty(t *testing.T) {
	ctx := context.Background()
	v := NewNoteKeyVault()

	rapid.Check(t, func(rt *rapid.T) {
		noteKey, err := crypto.KeyFromBytes(rapid.SliceOfN(rapid.Byte(), crypto.KeySize, crypto.KeySize).Draw(rt, "noteKey"))
		if err != nil {
			rt.Fatalf("KeyFromBytes() error = %v", err)
		}
		granteeKey, err := crypto.KeyFromBytes(rapid.SliceOfN(rapid.Byte(), crypto.KeySize, crypto.KeySize).Draw(rt, "granteeKey"))
		if err != nil {
			rt.Fatalf("KeyFromBytes() error = %v", err)
		}

		tx, err := repository.NewInMemoryStore().Begin(ctx)
		if err != nil {
			rt.Fatalf("Begin() error = %v", err)
		}
		defer tx.Rollback(ctx)

		noteID, userID := uuid.New(), uuid.New()
		if _, err := v.Grant(ctx, tx, noteKey, noteID, userID, granteeKey); err != nil {
			rt.Fatalf("Grant() error = %v", err)
		}
		got, err := v.Open(ctx, tx, noteID, userID, granteeKey)
		if err != nil {
			rt.Fatalf("Open() error = %v", err)
		}
		if got != noteKey {
			rt.Fatalf("Open() returned a different note key")
		}
	})
}

func TestNoteCipher(t *testing.T) {
	c := NewNoteCipher()
	key := mustKey(t)
	markdown := "# Hello\nBody text"

	ct1, nonce1, err := c.Seal(key, markdown)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	ct2, nonce2, err := c.Seal(key, markdown)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if string(nonce1) == string(nonce2) {
		t.Error("re-sealing unchanged content reused the nonce")
	}
	if string(ct1) == string(ct2) {
		t.Error("re-sealing unchanged content produced identical ciphertext")
	}

	got, err := c.Open(key, ct1, nonce1)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != markdown {
		t.Errorf("Open() = %q, want %q", got, markdown)
	}

	tampered := append([]byte(nil), ct1...)
	tampered[0] ^= 0xff
	if got, err := c.Open(key, tampered, nonce1); !errors.Is(err, ErrDecryptionFailed) || got != "" {
		t.Errorf("Open(tampered) = %q, %v; want empty, ErrDecryptionFailed", got, err)
	}

	if _, _, err := c.Seal(key, "bad \xff utf-8"); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("Seal(invalid utf-8) error = %v, want ErrInvalidContent", err)
	}
}

func TestNoteCipherRoundTripProperty(t *testing.T) {
	c := NewNoteCipher()
	key := mustKey(t)

	rapid.Check(t, func(rt *rapid.T) {
		markdown := rapid.String().Draw(rt, "markdown")

		note, err := c.SealNote(uuid.New(), key, markdown)
		if err != nil {
			rt.Fatalf("SealNote() error = %v", err)
		}
		got, err := c.OpenNote(key, note)
		if err != nil {
			rt.Fatalf("OpenNote() error = %v", err)
		}
		if got != markdown {
			rt.Fatalf("OpenNote() = %q, want %q", got, markdown)
		}
	})
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"repository not found", repository.ErrNotFound, ErrNotFound},
		{"repository too many", repository.ErrTooMany, ErrTooMany},
		{"repository conflict", repository.ErrConflict, ErrConflict},
		{"crypto encryption", crypto.ErrEncryptionFailed, ErrEncryptionFailed},
		{"crypto decryption", crypto.ErrDecryptionFailed, ErrDecryptionFailed},
		{"anything else", errors.New("connection reset"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate(tt.in)
			if !errors.Is(got, tt.want) {
				t.Errorf("translate() = %v, want %v", got, tt.want)
			}
			if errors.Is(got, tt.in) {
				t.Errorf("translate() leaked the underlying error %v", tt.in)
			}
		})
	}
}
