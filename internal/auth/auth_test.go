package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("MEDGRANT_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := GenerateToken("acct-doctor", []string{"Clinician", "clinician", " "}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "acct-doctor" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "clinician" {
		t.Fatalf("roles not deduped/normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti claim")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t, "unit-test-secret")

	if _, err := GenerateToken("", nil, time.Minute); err == nil {
		t.Fatal("expected error for empty account")
	}
	if _, err := GenerateToken("acct", nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestMissingSecret(t *testing.T) {
	setSecret(t, "")

	if _, err := GenerateToken("acct", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t, "unit-test-secret")

	for _, token := range []string{"", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestParseRejectsExpired(t *testing.T) {
	setSecret(t, "unit-test-secret")

	token, err := GenerateToken("acct", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t, "secret-one")
	token, err := GenerateToken("acct", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	setSecret(t, "secret-two")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken with rotated secret, got %v", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " acct-1 ", []string{"Admin", "admin"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "acct-1" {
		t.Fatalf("unexpected user id %q ok=%v", id, ok)
	}
	if !HasRole(ctx, "admin") {
		t.Fatal("expected admin role")
	}
	if HasRole(ctx, "clinician") {
		t.Fatal("unexpected clinician role")
	}

	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a user")
	}
}
