// Package credentials persists gateway access tokens on disk and provides
// the PKCE primitives the login tooling builds on.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Credentials is the JSON payload stored in the credentials file.
type Credentials struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	TokenType    string         `json:"token_type"`
	UserInfo     map[string]any `json:"user_info,omitempty"`
}

// Expired reports whether the access token is past its expiry. A zero
// ExpiresAt means the token does not expire.
func (c *Credentials) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Store reads and writes one credentials file.
type Store struct {
	path string
}

// NewStore creates a Store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes c to disk with mode 0600. The file is world-unreadable because
// it carries bearer tokens.
func (s *Store) Save(c *Credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("credentials: write %q: %w", s.path, err)
	}
	// WriteFile only applies the mode on create; reassert it on overwrite.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("credentials: chmod %q: %w", s.path, err)
	}
	return nil
}

// Load reads the stored credentials. A missing file returns (nil, nil).
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("credentials: read %q: %w", s.path, err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("credentials: parse %q: %w", s.path, err)
	}
	return &c, nil
}

// Clear removes the credentials file. It returns true if a file was removed,
// false if none existed.
func (s *Store) Clear() (bool, error) {
	err := os.Remove(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("credentials: remove %q: %w", s.path, err)
}
