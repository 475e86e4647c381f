package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"waveminer/internal/security/secretbox"
)

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestLoginExtractsActorFromToken(t *testing.T) {
	token := signedToken(t, "miner-77")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if creds["username"] != "alice" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": 600,
		})
	}))
	defer srv.Close()

	client := &Client{LoginURL: srv.URL}
	session, err := client.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Actor != "miner-77" {
		t.Fatalf("actor %q, want miner-77", session.Actor)
	}
	if session.Expired() {
		t.Fatal("fresh session reported expired")
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &Client{LoginURL: srv.URL}
	if _, err := client.Login(context.Background(), "alice", "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
}

func TestActorFromTokenMissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ActorFromToken(signed); err == nil {
		t.Fatal("expected error for token without subject")
	}
}

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	box, err := secretbox.New(key)
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	return box
}

func TestTokenCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	cache := NewTokenCache(path, testBox(t))

	want := Session{
		Token:     signedToken(t, "miner-77"),
		Actor:     "miner-77",
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}
	if err := cache.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := cache.Load()
	if !ok {
		t.Fatal("cached session did not load")
	}
	if got.Token != want.Token || got.Actor != want.Actor {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTokenCacheRejectsExpiredSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	cache := NewTokenCache(path, testBox(t))

	stale := Session{
		Token:     "whatever",
		Actor:     "miner-77",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := cache.Save(stale); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := cache.Load(); ok {
		t.Fatal("expired session must not load")
	}
}

func TestTokenCacheMissingFile(t *testing.T) {
	cache := NewTokenCache(filepath.Join(t.TempDir(), "absent"), testBox(t))
	if _, ok := cache.Load(); ok {
		t.Fatal("missing cache file must not load")
	}
}
