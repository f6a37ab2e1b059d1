// Package session holds the auth token and the identity derived from it.
// The session is the only owner of auth state: it moves between exactly two
// states, anonymous and authenticated, and every other component receives
// it as an explicit dependency.
package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// TokenStore persists the single durable bearer token. An empty load means
// anonymous.
type TokenStore interface {
	// Load returns the persisted token, or "" when none is stored.
	Load() (string, error)

	// Save persists the token, replacing any previous value.
	Save(token string) error

	// Clear removes the persisted token. Clearing an empty store is not an
	// error.
	Clear() error
}

// FileStore persists the token as a single file, the console analog of the
// one durable browser-storage key the backend contract assumes.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed token store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultTokenPath returns the conventional token location under the user
// config dir. Falls back to the working directory when no config dir exists.
func DefaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".playerstock-token"
	}
	return filepath.Join(dir, "playerstock", "token")
}

func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(token+"\n"), 0o600)
}

func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryStore implements TokenStore in memory. Used for testing.
type MemoryStore struct {
	token string
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, error)   { return s.token, nil }
func (s *MemoryStore) Save(token string) error { s.token = token; return nil }
func (s *MemoryStore) Clear() error            { s.token = ""; return nil }
