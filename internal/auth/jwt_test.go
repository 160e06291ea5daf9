package auth

import (
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	ts := NewTokenService([]byte("test-secret-key-for-testing-only"), 7*24*time.Hour)

	token, expiresAt, err := ts.Issue("observer-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if expiresAt.Before(time.Now()) {
		t.Error("expected expiration in the future")
	}

	claims, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ObserverID() != "observer-1" {
		t.Errorf("ObserverID: expected %q, got %q", "observer-1", claims.ObserverID())
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	ts := NewTokenService([]byte("test-secret"), -1*time.Hour)

	token, _, err := ts.Issue("observer-2")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ts.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	ts1 := NewTokenService([]byte("secret-one"), 7*24*time.Hour)
	ts2 := NewTokenService([]byte("secret-two"), 7*24*time.Hour)

	token, _, err := ts1.Issue("observer-3")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ts2.Verify(token); err == nil {
		t.Fatal("expected error verifying token signed with a different secret")
	}
}

func TestVerifyMalformedToken(t *testing.T) {
	ts := NewTokenService([]byte("test-secret"), time.Hour)

	if _, err := ts.Verify("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
