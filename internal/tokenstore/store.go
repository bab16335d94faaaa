package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists the single bearer token for the current login session as a
// file on disk, so the console can reconnect without a fresh login. The token
// is replaced wholesale on login and cleared on logout.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Default resolves the conventional token location under the user's config
// directory.
func Default() (*Store, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return New(filepath.Join(configDir, "lounge-console", "token")), nil
}

// Save writes the token, creating parent directories as needed. The file is
// user-readable only.
func (s *Store) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}
	return os.WriteFile(s.path, []byte(token), 0o600)
}

// Load reads the stored token. A missing file is not an error: it simply
// means no one is logged in, and an empty string is returned.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Clear removes the stored token, as on logout. Clearing an already-empty
// store is a no-op.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
