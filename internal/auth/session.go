// Package auth issues and validates signed session tokens. Tokens are three
// dot-separated base64url segments (claims, nonce, HMAC-SHA256 signature),
// which lets the API-key quota gate reject them structurally: API keys are
// opaque strings and never contain two dots.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidUserID  = errors.New("userID is required")
	ErrInvalidToken   = errors.New("invalid session token")
	ErrExpiredToken   = errors.New("session token expired")
	ErrSecretRequired = errors.New("signing secret is required")
)

// TokenSegments is the number of dot-separated segments in a session token.
// Credentials with this shape are rejected by the API-key quota gate.
const TokenSegments = 3

type claims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager signs and validates stateless session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager constructs a SessionManager with the provided signing
// secret and TTL. The TTL defaults to 30 days, matching the usage cycle.
func NewSessionManager(secret []byte, ttl time.Duration, opts ...SessionOption) (*SessionManager, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	manager := &SessionManager{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// Create issues a new signed token for the provided user.
func (m *SessionManager) Create(userID, email string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	payload, err := json.Marshal(claims{
		UserID:    userID,
		Email:     email,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode claims: %w", err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, fmt.Errorf("generate nonce: %w", err)
	}

	encode := base64.RawURLEncoding.EncodeToString
	body := encode(payload) + "." + encode(nonce)
	signature := m.sign(body)
	return body + "." + encode(signature), expiresAt, nil
}

// Validate checks the token signature and expiry and returns the user ID.
func (m *SessionManager) Validate(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != TokenSegments {
		return "", ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidToken
	}
	expected := m.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(signature, expected) != 1 {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", ErrInvalidToken
	}
	if c.UserID == "" {
		return "", ErrInvalidToken
	}
	if m.now().UTC().Unix() >= c.ExpiresAt {
		return "", ErrExpiredToken
	}
	return c.UserID, nil
}

func (m *SessionManager) sign(body string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}

// LooksLikeSessionToken reports whether a bearer credential is structurally a
// signed session token rather than an opaque API key.
func LooksLikeSessionToken(credential string) bool {
	return strings.Count(credential, ".") == TokenSegments-1
}
