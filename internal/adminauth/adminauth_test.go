package adminauth

import (
	"testing"
	"time"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	v, err := NewVerifier("a-shared-secret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	tok, err := v.IssueToken("operator-1", "admin", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "operator-1" || claims.Scope != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, _ := NewVerifier("a-shared-secret")
	tok, err := v.IssueToken("operator-1", "admin", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v1, _ := NewVerifier("secret-one")
	v2, _ := NewVerifier("secret-two")
	tok, err := v1.IssueToken("operator-1", "admin", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v2.Verify(tok); err == nil {
		t.Fatal("expected verification under a different secret to fail")
	}
}

func TestNewVerifierRejectsEmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("expected empty secret to be refused")
	}
}
