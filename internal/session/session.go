package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/model"
)

// Session is the process-wide auth state. It moves between anonymous and
// authenticated only; identity is non-absent only while a backend-accepted
// token is held.
type Session struct {
	api    *backend.Client
	tokens TokenStore

	mu       sync.RWMutex
	token    string
	identity *model.Identity
}

// New creates an anonymous session. The backend client's token source
// should point at (*Session).Token so requests pick up auth state changes.
func New(api *backend.Client, tokens TokenStore) *Session {
	return &Session{api: api, tokens: tokens}
}

// Token returns the current bearer token, or "" when anonymous. Satisfies
// backend.TokenSource.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the resolved identity and whether one is held.
func (s *Session) Identity() (model.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return model.Identity{}, false
	}
	return *s.identity, true
}

// Authenticated reports whether the session holds a resolved identity.
func (s *Session) Authenticated() bool {
	_, ok := s.Identity()
	return ok
}

// Login exchanges credentials for a token and activates the session. On
// failure the existing session state is left untouched and the backend's
// message travels back unchanged.
func (s *Session) Login(ctx context.Context, email, password string) error {
	token, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return s.activate(ctx, token)
}

// Register creates an account and activates the session with its token.
func (s *Session) Register(ctx context.Context, name, email, password string) error {
	token, err := s.api.Register(ctx, name, email, password)
	if err != nil {
		return err
	}
	return s.activate(ctx, token)
}

// Logout clears the persisted token and in-memory identity synchronously.
// Idempotent.
func (s *Session) Logout() {
	if err := s.tokens.Clear(); err != nil {
		slog.Warn("failed to clear persisted token", "err", err)
	}
	s.mu.Lock()
	s.token = ""
	s.identity = nil
	s.mu.Unlock()
}

// Restore reads any persisted token and attempts identity resolution. A
// rejected token (expired, revoked) degrades silently to anonymous and
// drops the stored value; transient transport failures also leave the
// session anonymous but keep the stored token for the next start.
func (s *Session) Restore(ctx context.Context) {
	token, err := s.tokens.Load()
	if err != nil {
		slog.Warn("failed to read persisted token", "err", err)
		return
	}
	if token == "" {
		return
	}

	identity, err := s.api.Me(ctx, token)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			slog.Info("persisted token rejected, starting anonymous", "status", apiErr.StatusCode)
			if clearErr := s.tokens.Clear(); clearErr != nil {
				slog.Warn("failed to clear rejected token", "err", clearErr)
			}
		} else {
			slog.Warn("identity resolution unavailable, starting anonymous", "err", err)
		}
		return
	}

	s.mu.Lock()
	s.token = token
	s.identity = &identity
	s.mu.Unlock()
	slog.Info("session restored", "user", identity.Name)
}

// activate persists the token and resolves its identity in one round trip.
// Resolution failure immediately after auth leaves the session anonymous
// rather than holding a token with no identity.
func (s *Session) activate(ctx context.Context, token string) error {
	identity, err := s.api.Me(ctx, token)
	if err != nil {
		return err
	}

	if err := s.tokens.Save(token); err != nil {
		slog.Warn("failed to persist token", "err", err)
	}

	s.mu.Lock()
	s.token = token
	s.identity = &identity
	s.mu.Unlock()
	slog.Info("session activated", "user", identity.Name)
	return nil
}
