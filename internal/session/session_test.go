package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/model"
	"github.com/playerstock/market-console/internal/session"
)

// newAuthBackend serves the auth endpoints: one known account and one
// accepted token.
func newAuthBackend(t *testing.T, validToken string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Email != "demo@example.com" || req.Password != "password" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": validToken})
	})
	mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": validToken})
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+validToken {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
			return
		}
		json.NewEncoder(w).Encode(model.Identity{ID: 1, Name: "Demo User"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSession(t *testing.T, srv *httptest.Server, tokens session.TokenStore) *session.Session {
	t.Helper()
	api := backend.NewClient(backend.WithBaseURL(srv.URL))
	return session.New(api, tokens)
}

func TestLogin_ActivatesAndPersists(t *testing.T) {
	srv := newAuthBackend(t, "tok-1")
	tokens := session.NewMemoryStore()
	sess := newSession(t, srv, tokens)

	if err := sess.Login(context.Background(), "demo@example.com", "password"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if !sess.Authenticated() {
		t.Fatal("session should be authenticated")
	}
	identity, _ := sess.Identity()
	if identity.Name != "Demo User" {
		t.Errorf("unexpected identity %+v", identity)
	}
	if stored, _ := tokens.Load(); stored != "tok-1" {
		t.Errorf("token not persisted, got %q", stored)
	}
}

func TestLogin_RejectionLeavesStateUntouched(t *testing.T) {
	srv := newAuthBackend(t, "tok-1")
	sess := newSession(t, srv, session.NewMemoryStore())

	err := sess.Login(context.Background(), "demo@example.com", "wrong")
	if err == nil {
		t.Fatal("expected login rejection")
	}
	if err.Error() != "Invalid credentials" {
		t.Errorf("backend message should travel verbatim, got %q", err.Error())
	}
	if sess.Authenticated() || sess.Token() != "" {
		t.Error("failed login must not mutate session state")
	}
}

func TestLogout_IsIdempotent(t *testing.T) {
	srv := newAuthBackend(t, "tok-1")
	tokens := session.NewMemoryStore()
	sess := newSession(t, srv, tokens)

	if err := sess.Login(context.Background(), "demo@example.com", "password"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	sess.Logout()
	sess.Logout()

	if sess.Authenticated() || sess.Token() != "" {
		t.Error("session should be anonymous after logout")
	}
	if stored, _ := tokens.Load(); stored != "" {
		t.Errorf("persisted token should be cleared, got %q", stored)
	}
}

func TestRestore_ResolvesPersistedToken(t *testing.T) {
	srv := newAuthBackend(t, "tok-1")
	tokens := session.NewMemoryStore()
	tokens.Save("tok-1")
	sess := newSession(t, srv, tokens)

	sess.Restore(context.Background())

	if !sess.Authenticated() {
		t.Fatal("restore should activate the session")
	}
}

func TestRestore_RejectedTokenDegradesToAnonymous(t *testing.T) {
	srv := newAuthBackend(t, "tok-1")
	tokens := session.NewMemoryStore()
	tokens.Save("expired")
	sess := newSession(t, srv, tokens)

	sess.Restore(context.Background())

	if sess.Authenticated() || sess.Token() != "" {
		t.Error("rejected token should leave the session anonymous")
	}
	if stored, _ := tokens.Load(); stored != "" {
		t.Errorf("rejected token should be dropped from the store, got %q", stored)
	}
}

func TestRestore_BackendDownStaysAnonymousKeepsToken(t *testing.T) {
	tokens := session.NewMemoryStore()
	tokens.Save("tok-1")
	api := backend.NewClient(backend.WithBaseURL("http://127.0.0.1:1"))
	sess := session.New(api, tokens)

	sess.Restore(context.Background())

	if sess.Authenticated() {
		t.Error("session must not authenticate without resolution")
	}
	if stored, _ := tokens.Load(); stored != "tok-1" {
		t.Errorf("transient failure should keep the stored token, got %q", stored)
	}
}

func TestFileStore_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	store := session.NewFileStore(path)

	if tok, err := store.Load(); err != nil || tok != "" {
		t.Fatalf("empty store: got %q, %v", tok, err)
	}
	if err := store.Save("tok-file"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if tok, _ := store.Load(); tok != "tok-file" {
		t.Errorf("expected tok-file, got %q", tok)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clearing an empty store should not error: %v", err)
	}
	if tok, _ := store.Load(); tok != "" {
		t.Errorf("expected empty after clear, got %q", tok)
	}
}
