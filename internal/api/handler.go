package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
)

const (
	tokenCookieName = "token"

	// maxBodyBytes leaves room for JSON escaping of a maximum size note.
	maxBodyBytes = 4*service.MaxMarkdownBytes + 1024

	// persistentCookieAge is the longest lifetime browsers accept.
	persistentCookieAge = 400 * 24 * time.Hour
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	users          *service.UserService
	notes          *service.NoteService
	health         Pinger
	validate       *validator.Validate
	allowedOrigins []string
}

// NewHandler creates a Handler.
func NewHandler(users *service.UserService, notes *service.NoteService, health Pinger, allowedOrigins []string) *Handler {
	return &Handler{
		users:          users,
		notes:          notes,
		health:         health,
		validate:       validator.New(),
		allowedOrigins: allowedOrigins,
	}
}

// === Response helpers ===

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500,"message":"internal server error"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// pathUUID parses a UUID path parameter, writing a 400 when it is malformed.
func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// === Response schemas ===

type (
	UserResponse struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}

	SessionResponse struct {
		ID        string     `json:"id"`
		Token     string     `json:"token"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	SignupResponse struct {
		User    UserResponse    `json:"user"`
		Session SessionResponse `json:"session"`
	}

	LoginResponse struct {
		ID      string          `json:"id"`
		Session SessionResponse `json:"session"`
	}

	// NoteSummaryResponse is one entry of GET /v1/notes. Title is null when
	// the note has no heading.
	NoteSummaryResponse struct {
		ID        string    `json:"id"`
		Title     *string   `json:"title"`
		CreatedAt time.Time `json:"createdAt"`
	}

	NoteListResponse struct {
		Data []NoteSummaryResponse `json:"data"`
	}

	NoteResponse struct {
		ID        string    `json:"id"`
		Title     *string   `json:"title"`
		Markdown  string    `json:"markdown"`
		CreatedAt time.Time `json:"createdAt"`
	}
)

func newSessionResponse(s *service.SessionToken) SessionResponse {
	return SessionResponse{ID: s.ID.String(), Token: s.Token, ExpiresAt: s.Expiration.Ptr()}
}

func newNoteSummaryResponse(n service.NoteSummary) NoteSummaryResponse {
	resp := NoteSummaryResponse{ID: n.ID.String(), CreatedAt: n.CreatedAt}
	if n.HasTitle {
		title := n.Title
		resp.Title = &title
	}
	return resp
}

func newNoteResponse(v *service.NoteView) NoteResponse {
	summary := newNoteSummaryResponse(v.NoteSummary)
	return NoteResponse{ID: summary.ID, Title: summary.Title, Markdown: v.Markdown, CreatedAt: summary.CreatedAt}
}

// === User handlers ===

// handleSignup (POST /v1/users)
func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,max=64"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	user, session, err := h.users.Signup(r.Context(), req.Username)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, SignupResponse{
		User:    UserResponse{ID: user.ID.String(), Username: user.Username},
		Session: newSessionResponse(session),
	})
}

// handleSetPassword (PUT /v1/users/{user_id}/password)
func (h *Handler) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	var req struct {
		Password string `json:"password" validate:"required,min=8"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.users.SetPassword(r.Context(), claims, userID, req.Password)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	if created {
		h.respondWithJSON(w, http.StatusCreated, map[string]string{"message": "password set"})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// handleLogin (POST /v1/auth)
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method     string `json:"method" validate:"required,oneof=password"`
		Username   string `json:"username" validate:"required"`
		Password   string `json:"password" validate:"required"`
		Persistent bool   `json:"persistent"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	user, session, err := h.users.Login(r.Context(), req.Username, req.Password, req.Persistent)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	http.SetCookie(w, tokenCookie(session))
	h.respondWithJSON(w, http.StatusOK, LoginResponse{
		ID:      user.ID.String(),
		Session: newSessionResponse(session),
	})
}

func tokenCookie(session *service.SessionToken) *http.Cookie {
	cookie := &http.Cookie{
		Name:     tokenCookieName,
		Value:    session.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
	if t, ok := session.Expiration.Time(); ok {
		cookie.Expires = t
	} else {
		cookie.MaxAge = int(persistentCookieAge / time.Second)
	}
	return cookie
}

// handleLogout (DELETE /v1/users/{user_id}/sessions/{session_id})
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}
	sessionID, ok := h.pathUUID(w, r, "session_id")
	if !ok {
		return
	}

	if err := h.users.Logout(r.Context(), claims, userID, sessionID); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	// Drop the cookie when the caller logged out of its own session.
	if sessionID == claims.SessionID {
		http.SetCookie(w, &http.Cookie{Name: tokenCookieName, Path: "/", MaxAge: -1, HttpOnly: true, Secure: true, SameSite: http.SameSiteStrictMode})
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Note handlers ===

// handleListNotes (GET /v1/notes)
func (h *Handler) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.notes.List(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := NoteListResponse{Data: make([]NoteSummaryResponse, 0, len(notes))}
	for _, n := range notes {
		resp.Data = append(resp.Data, newNoteSummaryResponse(n))
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

// handleGetNote (GET /v1/notes/{note_id})
func (h *Handler) handleGetNote(w http.ResponseWriter, r *http.Request) {
	noteID, ok := h.pathUUID(w, r, "note_id")
	if !ok {
		return
	}

	view, err := h.notes.Get(r.Context(), claimsFromContext(r.Context()), noteID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, newNoteResponse(view))
}

// handleSaveNote (PUT /v1/notes/{note_id})
func (h *Handler) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	noteID, ok := h.pathUUID(w, r, "note_id")
	if !ok {
		return
	}

	// Empty markdown is a valid note, so only presence is checked.
	var req struct {
		Markdown *string `json:"markdown" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	view, created, err := h.notes.Save(r.Context(), claimsFromContext(r.Context()), noteID, *req.Markdown)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respondWithJSON(w, status, newNoteResponse(view))
}

// handleDeleteNote (DELETE /v1/notes/{note_id})
func (h *Handler) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	noteID, ok := h.pathUUID(w, r, "note_id")
	if !ok {
		return
	}

	if err := h.notes.Delete(r.Context(), claimsFromContext(r.Context()), noteID); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth (GET /health)
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// claimsFromContext returns the claims stored by AuthMiddleware. Handlers
// behind the middleware can rely on it being set.
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims
}
