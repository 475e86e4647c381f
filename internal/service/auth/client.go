package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"waveminer/internal/domain"
)

// Session is a gateway login result: the bearer token for commands and the
// stream, plus the store-issued actor identity extracted from its claims.
type Session struct {
	Token     string          `json:"token"`
	Actor     domain.Identity `json:"actor"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(time.Now().UTC())
}

// Client performs the login handshake against the gateway auth endpoint.
type Client struct {
	LoginURL   string
	HTTPClient *http.Client
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	if c.LoginURL == "" {
		return Session{}, errors.New("gateway login url missing")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LoginURL, bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Session{}, fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return Session{}, err
	}
	if lr.Token == "" {
		return Session{}, errors.New("login response missing token")
	}
	if lr.ExpiresIn <= 0 {
		lr.ExpiresIn = int64((1 * time.Hour).Seconds())
	}
	actor, err := ActorFromToken(lr.Token)
	if err != nil {
		return Session{}, fmt.Errorf("actor identity: %w", err)
	}
	return Session{
		Token:     lr.Token,
		Actor:     actor,
		ExpiresAt: time.Now().UTC().Add(time.Duration(lr.ExpiresIn) * time.Second),
	}, nil
}

// ActorFromToken reads the subject claim out of the gateway token. The
// gateway signed it; the client only needs the identity, so the signature
// is not verified here.
func ActorFromToken(token string) (domain.Identity, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims shape")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("token missing subject claim")
	}
	return domain.Identity(sub), nil
}
