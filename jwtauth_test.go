package p2p

import (
	"testing"
	"time"
)

func TestTokenIssuerVerifierRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewTokenIssuer(secret, "p2pmesh", "mesh-peers")
	verifier := NewTokenVerifier(secret, "p2pmesh", "mesh-peers")

	token, err := issuer.Issue("0xabc123", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "0xabc123" {
		t.Fatalf("expected subject 0xabc123, got %s", subject)
	}
}

func TestTokenVerifierRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-a"), "p2pmesh", "")
	verifier := NewTokenVerifier([]byte("secret-b"), "p2pmesh", "")

	token, err := issuer.Issue("0xabc123", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected verification to fail with mismatched secret")
	}
}

func TestTokenVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewTokenIssuer(secret, "p2pmesh", "")
	verifier := NewTokenVerifier(secret, "p2pmesh", "")

	token, err := issuer.Issue("0xabc123", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected verification to fail on expired token")
	}
}

func TestTokenVerifierRejectsWrongAudience(t *testing.T) {
	secret := []byte("test-secret")
	issuer := NewTokenIssuer(secret, "p2pmesh", "wrong-audience")
	verifier := NewTokenVerifier(secret, "p2pmesh", "mesh-peers")

	token, err := issuer.Issue("0xabc123", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected verification to fail on audience mismatch")
	}
}
