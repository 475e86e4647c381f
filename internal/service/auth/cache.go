package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"waveminer/internal/security/secretbox"
)

// TokenCache persists the gateway session between runs, encrypted at rest.
// A missing or unreadable cache is never fatal; the caller just logs in
// again.
type TokenCache struct {
	path string
	box  *secretbox.Box
}

func NewTokenCache(path string, box *secretbox.Box) *TokenCache {
	return &TokenCache{path: path, box: box}
}

// Load returns the cached session if it exists, decrypts, and has not
// expired.
func (tc *TokenCache) Load() (Session, bool) {
	if tc.path == "" {
		return Session{}, false
	}
	raw, err := os.ReadFile(tc.path)
	if err != nil {
		return Session{}, false
	}
	plain, err := tc.box.Decrypt(string(raw))
	if err != nil {
		return Session{}, false
	}
	var s Session
	if err := json.Unmarshal([]byte(plain), &s); err != nil {
		return Session{}, false
	}
	if s.Token == "" || s.Expired() {
		return Session{}, false
	}
	return s, true
}

// Save encrypts and writes the session. Best effort: the file is owner-only.
func (tc *TokenCache) Save(s Session) error {
	if tc.path == "" {
		return errors.New("token cache path not configured")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	sealed, err := tc.box.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("seal token cache: %w", err)
	}
	return os.WriteFile(tc.path, []byte(sealed), 0o600)
}
