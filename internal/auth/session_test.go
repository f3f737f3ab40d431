package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateAndValidateRoundTrip(t *testing.T) {
	manager, err := NewSessionManager([]byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, expiresAt, err := manager.Create("user-1", "ada@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expiry should be in the future, got %v", expiresAt)
	}
	if got := strings.Count(token, "."); got != TokenSegments-1 {
		t.Fatalf("expected %d segments, got %d dots", TokenSegments, got)
	}

	userID, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager, _ := NewSessionManager([]byte("secret"), time.Hour)
	if _, _, err := manager.Create("", ""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestNewSessionManagerRequiresSecret(t *testing.T) {
	if _, err := NewSessionManager(nil, time.Hour); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	manager, _ := NewSessionManager([]byte("secret"), time.Hour)
	token, _, err := manager.Create("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tampered := "x" + token[1:]
	if _, err := manager.Validate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewSessionManager([]byte("secret-a"), time.Hour)
	verifier, _ := NewSessionManager([]byte("secret-b"), time.Hour)

	token, _, err := issuer.Create("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := verifier.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	current := time.Now()
	manager, _ := NewSessionManager([]byte("secret"), time.Minute, WithNow(func() time.Time { return current }))

	token, _, err := manager.Create("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := manager.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestLooksLikeSessionToken(t *testing.T) {
	manager, _ := NewSessionManager([]byte("secret"), time.Hour)
	token, _, err := manager.Create("user-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !LooksLikeSessionToken(token) {
		t.Fatalf("issued token should look like a session token: %q", token)
	}
	for _, credential := range []string{"", "plain-api-key", "aaaa-bbbb-cccc-dddd", "one.dot"} {
		if LooksLikeSessionToken(credential) {
			t.Fatalf("%q should not look like a session token", credential)
		}
	}
}
