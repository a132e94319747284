package googleauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// TokenStore caches the Google OAuth token on disk.
type TokenStore struct {
	path string
}

// NewTokenStore creates a token store rooted in dataDir.
func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{
		path: filepath.Join(dataDir, "google.token"),
	}
}

// Path returns the token file location.
func (s *TokenStore) Path() string {
	return s.path
}

// Has reports whether a cached token exists.
func (s *TokenStore) Has() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the cached token.
func (s *TokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("no cached Google OAuth token: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("invalid token file %s: %w", s.path, err)
	}

	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s holds no usable token", s.path)
	}

	return &token, nil
}

// Save writes the token with owner-only permissions.
func (s *TokenStore) Save(token *oauth2.Token) error {
	if token == nil {
		return fmt.Errorf("cannot save nil token")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename token file: %w", err)
	}

	return nil
}

// Clear removes the cached token.
func (s *TokenStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
