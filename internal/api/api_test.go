package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/repository"
	"securenotes-backend/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testKDF = crypto.KDF{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

type testServer struct {
	*httptest.Server
	store repository.Store
	codec *auth.TokenCodec
}

func newTestServer(t *testing.T, store repository.Store) *testServer {
	t.Helper()
	keyring, err := auth.GenerateKeyring("test")
	if err != nil {
		t.Fatalf("GenerateKeyring() error = %v", err)
	}
	codec, err := auth.NewTokenCodec(keyring)
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v", err)
	}

	users := service.NewUserService(store, testKDF, auth.NewSessionRegistry(), codec, time.Hour)
	notes := service.NewNoteService(store)
	handler := NewHandler(users, notes, store, []string{"http://localhost:3000"})

	srv := httptest.NewServer(handler.Routes(zerolog.Nop()))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, codec: codec}
}

// backends runs fn against every store that needs no external service.
func backends(t *testing.T, fn func(t *testing.T, ts *testServer)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newTestServer(t, repository.NewInMemoryStore()))
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := repository.NewSQLiteStore(context.Background(), ":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { store.Close() })
		fn(t, newTestServer(t, store))
	})
}

// do sends a request and decodes a JSON response into out when out is
// non-nil. It returns the status code.
func (ts *testServer) do(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) signup(t *testing.T, username string) SignupResponse {
	t.Helper()
	var resp SignupResponse
	if code := ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{"username": username}, &resp); code != http.StatusCreated {
		t.Fatalf("signup %q: status = %d, want 201", username, code)
	}
	return resp
}

func (ts *testServer) inTx(t *testing.T, fn func(tx repository.Tx) error) {
	t.Helper()
	if err := repository.WithTx(context.Background(), ts.store, fn); err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func (ts *testServer) nonce(t *testing.T, noteID string) []byte {
	t.Helper()
	var nonce []byte
	ts.inTx(t, func(tx repository.Tx) error {
		note, err := tx.GetNoteByID(context.Background(), uuid.MustParse(noteID))
		if err != nil {
			return err
		}
		nonce = note.Nonce
		return nil
	})
	return nonce
}

func TestNotesScenarios(t *testing.T) {
	backends(t, func(t *testing.T, ts *testServer) {
		const password = "s3cr3t-password"

		// Signup returns a token that opens to the new user's session.
		alice := ts.signup(t, "alice")
		claims, err := ts.codec.Open(alice.Session.Token)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if claims.UserID.String() != alice.User.ID || claims.SessionID.String() != alice.Session.ID {
			t.Fatalf("claims = %v/%v, want %s/%s", claims.UserID, claims.SessionID, alice.User.ID, alice.Session.ID)
		}
		if claims.UserKey == (crypto.Key{}) {
			t.Fatal("token carries an all-zero user key")
		}
		if alice.Session.ExpiresAt == nil {
			t.Error("signup session has no expiry")
		}
		token := alice.Session.Token

		// Setting a password persists a verifier and a wrapped user key, and
		// login recovers the original user key.
		passwordPath := "/v1/users/" + alice.User.ID + "/password"
		if code := ts.do(t, http.MethodPut, passwordPath, token, map[string]string{"password": password}, nil); code != http.StatusCreated {
			t.Fatalf("set password: status = %d, want 201", code)
		}
		ts.inTx(t, func(tx repository.Tx) error {
			record, err := tx.GetPasswordByUserID(context.Background(), claims.UserID)
			if err != nil {
				return err
			}
			_, err = tx.GetUserKeyByID(context.Background(), record.UserKeyID)
			return err
		})

		var login LoginResponse
		code := ts.do(t, http.MethodPost, "/v1/auth", "", map[string]interface{}{
			"method": "password", "username": "alice", "password": password,
		}, &login)
		if code != http.StatusOK {
			t.Fatalf("login: status = %d, want 200", code)
		}
		loginClaims, err := ts.codec.Open(login.Session.Token)
		if err != nil {
			t.Fatalf("Open(login token) error = %v", err)
		}
		if loginClaims.UserKey != claims.UserKey {
			t.Fatal("login recovered a different user key")
		}

		code = ts.do(t, http.MethodPost, "/v1/auth", "", map[string]interface{}{
			"method": "password", "username": "alice", "password": "wrong-password",
		}, nil)
		if code != http.StatusUnauthorized {
			t.Fatalf("login with wrong password: status = %d, want 401", code)
		}

		// Saving a note makes its title visible in the list.
		noteID := uuid.NewString()
		notePath := "/v1/notes/" + noteID
		var saved NoteResponse
		if code := ts.do(t, http.MethodPut, notePath, token, map[string]string{"markdown": "# Hello\nBody text"}, &saved); code != http.StatusCreated {
			t.Fatalf("create note: status = %d, want 201", code)
		}
		if saved.Title == nil || *saved.Title != "Hello" {
			t.Errorf("create note title = %v, want Hello", saved.Title)
		}

		var list NoteListResponse
		if code := ts.do(t, http.MethodGet, "/v1/notes", token, nil, &list); code != http.StatusOK {
			t.Fatalf("list notes: status = %d", code)
		}
		if len(list.Data) != 1 || list.Data[0].ID != noteID || list.Data[0].Title == nil || *list.Data[0].Title != "Hello" {
			t.Fatalf("list notes = %+v", list.Data)
		}

		var note NoteResponse
		if code := ts.do(t, http.MethodGet, notePath, token, nil, &note); code != http.StatusOK {
			t.Fatalf("get note: status = %d", code)
		}
		if note.Markdown != "# Hello\nBody text" {
			t.Errorf("get note markdown = %q", note.Markdown)
		}

		// Updating keeps the note key but draws a new nonce.
		before := ts.nonce(t, noteID)
		if code := ts.do(t, http.MethodPut, notePath, login.Session.Token, map[string]string{"markdown": "# Goodbye\nBody text"}, nil); code != http.StatusOK {
			t.Fatalf("update note: status = %d, want 200", code)
		}
		if after := ts.nonce(t, noteID); bytes.Equal(before, after) {
			t.Error("update reused the nonce")
		}
		if code := ts.do(t, http.MethodGet, notePath, token, nil, &note); code != http.StatusOK || note.Markdown != "# Goodbye\nBody text" {
			t.Fatalf("get updated note: status = %d, markdown = %q", code, note.Markdown)
		}

		// A user without a grant is forbidden, unlike a missing note.
		bob := ts.signup(t, "bob")
		if code := ts.do(t, http.MethodGet, notePath, bob.Session.Token, nil, nil); code != http.StatusForbidden {
			t.Errorf("bob get note: status = %d, want 403", code)
		}
		if code := ts.do(t, http.MethodGet, "/v1/notes/"+uuid.NewString(), bob.Session.Token, nil, nil); code != http.StatusNotFound {
			t.Errorf("bob get missing note: status = %d, want 404", code)
		}

		// Deleting removes the note and its grant.
		if code := ts.do(t, http.MethodDelete, notePath, token, nil, nil); code != http.StatusNoContent {
			t.Fatalf("delete note: status = %d, want 204", code)
		}
		ts.inTx(t, func(tx repository.Tx) error {
			ctx := context.Background()
			if _, err := tx.GetNoteByID(ctx, uuid.MustParse(noteID)); !errors.Is(err, repository.ErrNotFound) {
				t.Errorf("note after delete: %v", err)
			}
			if _, err := tx.GetNoteKeyGrant(ctx, uuid.MustParse(noteID), claims.UserID); !errors.Is(err, repository.ErrNotFound) {
				t.Errorf("grant after delete: %v", err)
			}
			return nil
		})
		if code := ts.do(t, http.MethodGet, notePath, token, nil, nil); code != http.StatusNotFound {
			t.Errorf("get deleted note: status = %d, want 404", code)
		}
	})
}

func TestPasswordChange(t *testing.T) {
	backends(t, func(t *testing.T, ts *testServer) {
		alice := ts.signup(t, "alice")
		path := "/v1/users/" + alice.User.ID + "/password"

		if code := ts.do(t, http.MethodPut, path, alice.Session.Token, map[string]string{"password": "first-password"}, nil); code != http.StatusCreated {
			t.Fatalf("first password: status = %d, want 201", code)
		}
		if code := ts.do(t, http.MethodPut, path, alice.Session.Token, map[string]string{"password": "second-password"}, nil); code != http.StatusOK {
			t.Fatalf("password change: status = %d, want 200", code)
		}
		if code := ts.do(t, http.MethodPut, path, alice.Session.Token, map[string]string{"password": "short"}, nil); code != http.StatusBadRequest {
			t.Errorf("short password: status = %d, want 400", code)
		}

		bob := ts.signup(t, "bob")
		if code := ts.do(t, http.MethodPut, path, bob.Session.Token, map[string]string{"password": "bob-password"}, nil); code != http.StatusForbidden {
			t.Errorf("password for another user: status = %d, want 403", code)
		}

		login := func(password string) int {
			return ts.do(t, http.MethodPost, "/v1/auth", "", map[string]interface{}{
				"method": "password", "username": "alice", "password": password,
			}, nil)
		}
		if code := login("first-password"); code != http.StatusUnauthorized {
			t.Errorf("login with old password: status = %d, want 401", code)
		}
		if code := login("second-password"); code != http.StatusOK {
			t.Errorf("login with new password: status = %d, want 200", code)
		}
	})
}

func TestSignupConflict(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	ts.signup(t, "alice")

	if code := ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{"username": "alice"}, nil); code != http.StatusConflict {
		t.Errorf("duplicate signup: status = %d, want 409", code)
	}
	if code := ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{}, nil); code != http.StatusBadRequest {
		t.Errorf("signup without username: status = %d, want 400", code)
	}
}

func TestLoginRequest(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"unknown method", map[string]interface{}{"method": "webauthn", "username": "a", "password": "b"}, http.StatusBadRequest},
		{"missing method", map[string]interface{}{"username": "a", "password": "b"}, http.StatusBadRequest},
		{"unknown user", map[string]interface{}{"method": "password", "username": "nobody", "password": "whatever-pw"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := ts.do(t, http.MethodPost, "/v1/auth", "", tt.body, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestLoginCookie(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	alice := ts.signup(t, "alice")
	ts.do(t, http.MethodPut, "/v1/users/"+alice.User.ID+"/password", alice.Session.Token, map[string]string{"password": "s3cr3t-password"}, nil)

	body, _ := json.Marshal(map[string]interface{}{"method": "password", "username": "alice", "password": "s3cr3t-password", "persistent": true})
	resp, err := ts.Client().Post(ts.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var login LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatal(err)
	}
	if login.Session.ExpiresAt != nil {
		t.Errorf("persistent session expires at %v", login.Session.ExpiresAt)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == tokenCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("login set no token cookie")
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie flags = %+v", cookie)
	}
	if cookie.Value != login.Session.Token {
		t.Error("cookie and body tokens differ")
	}

	// The cookie alone authenticates.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/notes", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieName, Value: cookie.Value})
	notesResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	notesResp.Body.Close()
	if notesResp.StatusCode != http.StatusOK {
		t.Errorf("cookie auth: status = %d, want 200", notesResp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	alice := ts.signup(t, "alice")
	bob := ts.signup(t, "bob")
	path := "/v1/users/" + alice.User.ID + "/sessions/" + alice.Session.ID

	if code := ts.do(t, http.MethodDelete, path, bob.Session.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("logout as another user: status = %d, want 403", code)
	}
	for name, sessionID := range map[string]string{"foreign": bob.Session.ID, "missing": uuid.NewString()} {
		other := "/v1/users/" + alice.User.ID + "/sessions/" + sessionID
		if code := ts.do(t, http.MethodDelete, other, alice.Session.Token, nil, nil); code != http.StatusForbidden {
			t.Errorf("logout of %s session: status = %d, want 403", name, code)
		}
	}
	if code := ts.do(t, http.MethodDelete, path, alice.Session.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("logout: status = %d, want 204", code)
	}
	if code := ts.do(t, http.MethodGet, "/v1/notes", alice.Session.Token, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("request after logout: status = %d, want 401", code)
	}
	if code := ts.do(t, http.MethodGet, "/v1/notes", bob.Session.Token, nil, nil); code != http.StatusOK {
		t.Errorf("other session after logout: status = %d, want 200", code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	alice := ts.signup(t, "alice")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + alice.Session.Token, http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
		{"valid", "Bearer " + alice.Session.Token, http.StatusOK},
		{"lowercase scheme", "bearer " + alice.Session.Token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/notes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	alice := ts.signup(t, "alice")
	token := alice.Session.Token

	if code := ts.do(t, http.MethodGet, "/v1/notes/not-a-uuid", token, nil, nil); code != http.StatusBadRequest {
		t.Errorf("malformed note id: status = %d, want 400", code)
	}
	if code := ts.do(t, http.MethodPut, "/v1/notes/"+uuid.NewString(), token, map[string]string{}, nil); code != http.StatusBadRequest {
		t.Errorf("note without markdown: status = %d, want 400", code)
	}
	if code := ts.do(t, http.MethodPut, "/v1/notes/"+uuid.NewString(), token, map[string]string{"markdown": ""}, nil); code != http.StatusCreated {
		t.Errorf("empty note: status = %d, want 201", code)
	}
	if code := ts.do(t, http.MethodDelete, "/v1/notes/"+uuid.NewString(), token, nil, nil); code != http.StatusNotFound {
		t.Errorf("delete missing note: status = %d, want 404", code)
	}
}

func TestUntitledNote(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())
	alice := ts.signup(t, "alice")

	var saved map[string]interface{}
	ts.do(t, http.MethodPut, "/v1/notes/"+uuid.NewString(), alice.Session.Token, map[string]string{"markdown": "no heading"}, &saved)
	title, present := saved["title"]
	if !present || title != nil {
		t.Errorf("title = %v (present %v), want null", title, present)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, repository.NewInMemoryStore())

	var health map[string]string
	if code := ts.do(t, http.MethodGet, "/health", "", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v", code, health)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("securenotes_http_requests_total")) {
		t.Errorf("metrics status = %d, missing request counter", resp.StatusCode)
	}
}

func TestErrorResponsesCoverEveryKind(t *testing.T) {
	for k := service.Kind(0); k < service.KindCount; k++ {
		resp := errorResponses[k]
		if resp.status == 0 || resp.message == "" {
			t.Errorf("kind %s has no response", k)
		}
	}
	if errorResponses[service.KindInternal].detail {
		t.Error("internal errors must not expose detail")
	}
}
