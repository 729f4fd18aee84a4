package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/models"
	"securenotes-backend/internal/repository"
	"securenotes-backend/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxMarkdownBytes bounds the size of one note.
const MaxMarkdownBytes = 1 << 20

// NoteSummary is one entry of the note index.
type NoteSummary struct {
	ID        uuid.UUID
	Title     string
	HasTitle  bool
	CreatedAt time.Time
}

// NoteView is a decrypted note.
type NoteView struct {
	NoteSummary
	Markdown string
}

// NoteService reads and writes encrypted notes on behalf of an
// authenticated user.
type NoteService struct {
	store    repository.Store
	noteKeys *vault.NoteKeyVault
	cipher   *vault.NoteCipher
}

// NewNoteService creates a note service.
func NewNoteService(store repository.Store) *NoteService {
	return &NoteService{
		store:    store,
		noteKeys: vault.NewNoteKeyVault(),
		cipher:   vault.NewNoteCipher(),
	}
}

func newView(note *models.Note, markdown string) *NoteView {
	title, ok := Title(markdown)
	return &NoteView{
		NoteSummary: NoteSummary{ID: note.ID, Title: title, HasTitle: ok, CreatedAt: note.CreatedAt},
		Markdown:    markdown,
	}
}

// List returns the notes the caller holds a grant for, oldest first.
func (s *NoteService) List(ctx context.Context, claims *auth.Claims) ([]NoteSummary, error) {
	const op = "service.ListNotes"

	var notes []NoteSummary
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		access, err := s.noteKeys.List(ctx, tx, claims.UserID, claims.UserKey)
		if err != nil {
			return newError(op, KindInternal, err)
		}

		notes = make([]NoteSummary, 0, len(access))
		for _, a := range access {
			note, err := tx.GetNoteByID(ctx, a.NoteID)
			if err != nil {
				return newError(op, KindInternal, fmt.Errorf("note %s: %w", a.NoteID, err))
			}
			markdown, err := s.cipher.OpenNote(a.Key, note)
			if err != nil {
				return newError(op, KindInternal, fmt.Errorf("note %s: %w", a.NoteID, err))
			}
			notes = append(notes, newView(note, markdown).NoteSummary)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTxError(op, err)
	}

	slices.SortFunc(notes, func(a, b NoteSummary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return notes, nil
}

// Get decrypts one note. A missing note is KindNotFound; an existing note
// the caller has no grant for is KindForbidden.
func (s *NoteService) Get(ctx context.Context, claims *auth.Claims, noteID uuid.UUID) (*NoteView, error) {
	const op = "service.GetNote"

	var view *NoteView
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		note, noteKey, err := s.openNote(ctx, tx, op, claims, noteID)
		if err != nil {
			return err
		}
		defer noteKey.Zero()

		markdown, err := s.cipher.OpenNote(noteKey, note)
		if err != nil {
			return newError(op, KindInternal, err)
		}
		view = newView(note, markdown)
		return nil
	})
	if err != nil {
		return nil, wrapTxError(op, err)
	}
	return view, nil
}

// Save creates the note noteID or replaces its content. It reports whether
// the note was created. The note is inserted atomically if absent, so two
// concurrent first saves cannot both create it; an existing note keeps its
// key and gets a fresh nonce.
func (s *NoteService) Save(ctx context.Context, claims *auth.Claims, noteID uuid.UUID, markdown string) (*NoteView, bool, error) {
	const op = "service.SaveNote"

	if len(markdown) > MaxMarkdownBytes {
		return nil, false, newError(op, KindInvalidInput, fmt.Errorf("markdown exceeds %d bytes", MaxMarkdownBytes))
	}

	var (
		view    *NoteView
		created bool
	)
	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		noteKey, err := s.noteKeys.Generate()
		if err != nil {
			return newError(op, KindInternal, err)
		}
		defer noteKey.Zero()

		note, err := s.sealNote(op, noteID, noteKey, markdown)
		if err != nil {
			return err
		}

		outcome, err := tx.CreateNoteIfAbsent(ctx, note)
		if err != nil {
			return newError(op, KindInternal, err)
		}

		switch outcome {
		case repository.Inserted:
			if _, err := s.noteKeys.Grant(ctx, tx, noteKey, noteID, claims.UserID, claims.UserKey); err != nil {
				return newError(op, KindInternal, err)
			}
			created = true

		case repository.Existing:
			existingKey, err := s.openGrant(ctx, tx, op, claims, noteID)
			if err != nil {
				return err
			}
			defer existingKey.Zero()

			if note, err = s.sealNote(op, noteID, existingKey, markdown); err != nil {
				return err
			}
			if err := tx.UpdateNote(ctx, note); err != nil {
				return newError(op, KindInternal, err)
			}

		default:
			return newError(op, KindInternal, fmt.Errorf("unexpected outcome %s", outcome))
		}

		view = newView(note, markdown)
		return nil
	})
	if err != nil {
		return nil, false, wrapTxError(op, err)
	}

	zerolog.Ctx(ctx).Info().Str("note_id", noteID.String()).Bool("created", created).Msg("note saved")
	return view, created, nil
}

// Delete removes a note together with all of its grants.
func (s *NoteService) Delete(ctx context.Context, claims *auth.Claims, noteID uuid.UUID) error {
	const op = "service.DeleteNote"

	err := repository.WithTx(ctx, s.store, func(tx repository.Tx) error {
		_, noteKey, err := s.openNote(ctx, tx, op, claims, noteID)
		if err != nil {
			return err
		}
		noteKey.Zero()

		if _, err := s.noteKeys.RevokeAll(ctx, tx, noteID); err != nil {
			return newError(op, KindInternal, err)
		}
		if err := tx.DeleteNote(ctx, noteID); err != nil {
			return newError(op, KindInternal, err)
		}
		return nil
	})
	if err != nil {
		return wrapTxError(op, err)
	}

	zerolog.Ctx(ctx).Info().Str("note_id", noteID.String()).Msg("note deleted")
	return nil
}

func (s *NoteService) sealNote(op string, noteID uuid.UUID, noteKey crypto.Key, markdown string) (*models.Note, error) {
	note, err := s.cipher.SealNote(noteID, noteKey, markdown)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidContent) {
			return nil, newError(op, KindInvalidInput, err)
		}
		return nil, newError(op, KindInternal, err)
	}
	return note, nil
}

// openNote loads a note and unwraps the caller's key for it, checking the
// note first so that a missing note is reported as such.
func (s *NoteService) openNote(ctx context.Context, tx repository.Tx, op string, claims *auth.Claims, noteID uuid.UUID) (*models.Note, crypto.Key, error) {
	note, err := tx.GetNoteByID(ctx, noteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, crypto.Key{}, newError(op, KindNotFound, fmt.Errorf("note %s not found", noteID))
		}
		return nil, crypto.Key{}, newError(op, KindInternal, err)
	}

	noteKey, err := s.openGrant(ctx, tx, op, claims, noteID)
	if err != nil {
		return nil, crypto.Key{}, err
	}
	return note, noteKey, nil
}

func (s *NoteService) openGrant(ctx context.Context, tx repository.Tx, op string, claims *auth.Claims, noteID uuid.UUID) (crypto.Key, error) {
	noteKey, err := s.noteKeys.Open(ctx, tx, noteID, claims.UserID, claims.UserKey)
	switch {
	case err == nil:
		return noteKey, nil
	case errors.Is(err, vault.ErrNotFound):
		return crypto.Key{}, newError(op, KindForbidden, fmt.Errorf("no grant for note %s", noteID))
	}
	// A grant that does not open under a valid token's key is corruption.
	zerolog.Ctx(ctx).Error().Err(err).Str("note_id", noteID.String()).Msg("note key grant did not open")
	return crypto.Key{}, newError(op, KindInternal, err)
}
