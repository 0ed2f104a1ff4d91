package security

import (
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tokens := NewTokens("super-secret", time.Hour, nil)
	tok, err := tokens.Issue(7, "envA")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	claims, err := tokens.Verify(tok, "envA")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if claims.UserID != 7 {
		t.Fatalf("userID mismatch: got %d want 7", claims.UserID)
	}

	_, err = tokens.Verify(tok, "envB")
	if !errors.Is(err, apperror.ErrEnvironmentMismatch) {
		t.Fatalf("expected EnvironmentMismatch, got %v", err)
	}
}

func TestTokenExpiredRegardlessOfEnvironment(t *testing.T) {
	t.Parallel()

	issuedAt := time.Now().Add(-2 * time.Hour)
	issuer := NewTokens("secret", time.Hour, func() time.Time { return issuedAt })
	tok, err := issuer.Issue(1, "envA")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	verifier := NewTokens("secret", time.Hour, nil)
	for _, env := range []string{"envA", "envB"} {
		_, err = verifier.Verify(tok, env)
		if !errors.Is(err, apperror.ErrTokenExpired) {
			t.Fatalf("env %q: expected TokenExpired, got %v", env, err)
		}
	}
}

func TestTokenWrongSecretAndMalformed(t *testing.T) {
	t.Parallel()

	tok, err := NewTokens("right-secret", time.Hour, nil).Issue(2, "env")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	verifier := NewTokens("wrong-secret", time.Hour, nil)
	if _, err = verifier.Verify(tok, "env"); !errors.Is(err, apperror.ErrInvalidToken) {
		t.Fatalf("expected InvalidToken for wrong secret, got %v", err)
	}
	if _, err = verifier.Verify("not.a.jwt", "env"); !errors.Is(err, apperror.ErrInvalidToken) {
		t.Fatalf("expected InvalidToken for malformed token, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	t.Parallel()

	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt error: %v", err)
	}
	hash, err := HashPassword(salt, "hunter2")
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}
	if !ComparePassword(hash, salt, "hunter2") {
		t.Fatalf("expected password to match")
	}
	if ComparePassword(hash, salt, "hunter3") {
		t.Fatalf("expected wrong password to fail")
	}
	if ComparePassword("", salt, "") {
		t.Fatalf("expected empty hash to never match")
	}
}
