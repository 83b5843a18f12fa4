package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tok, err := NewTokens(testSecret, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return tok
}

func TestMintVerifyRoundTrip(t *testing.T) {
	tok := newTokens(t)

	raw, err := tok.Mint("ops-cli", "ops@example.com", RoleAdmin)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if parts := strings.Split(raw, "."); len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	claims, err := tok.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops-cli" {
		t.Errorf("Subject = %q, want ops-cli", claims.Subject)
	}
	if claims.Email != "ops@example.com" {
		t.Errorf("Email = %q, want ops@example.com", claims.Email)
	}
	if claims.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", claims.Role, RoleAdmin)
	}
	if claims.ExpiresAt-claims.IssuedAt != int64(time.Hour/time.Second) {
		t.Errorf("token lifetime = %ds, want 3600", claims.ExpiresAt-claims.IssuedAt)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	tok := newTokens(t)

	raw, err := tok.Mint("agent", "bob@example.com", "agent")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	parts := strings.Split(raw, ".")
	forged := encodeSegment([]byte(`{"sub":"agent","email":"bob@example.com","role":"admin","exp":9999999999,"iat":0}`))
	tampered := parts[0] + "." + forged + "." + parts[2]

	if _, err := tok.Verify(tampered); err == nil {
		t.Fatal("Verify accepted a token with a forged payload")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	tok := newTokens(t)
	other, err := NewTokens("ffffffffffffffffffffffffffffffff", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	raw, err := other.Mint("agent", "bob@example.com", "agent")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := tok.Verify(raw); err == nil {
		t.Fatal("Verify accepted a token signed with another secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tok := newTokens(t)
	issued := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tok.now = func() time.Time { return issued }

	raw, err := tok.Mint("agent", "bob@example.com", "agent")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tok.now = func() time.Time { return issued.Add(time.Hour + time.Second) }
	if _, err := tok.Verify(raw); err == nil {
		t.Fatal("Verify accepted an expired token")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	tok := newTokens(t)
	for _, raw := range []string{"", "abc", "a.b", "a.b.c.d"} {
		if _, err := tok.Verify(raw); err == nil {
			t.Errorf("Verify(%q) accepted a malformed token", raw)
		}
	}
}

func TestNewTokensRefusesShortSecret(t *testing.T) {
	if _, err := NewTokens("tooshort", time.Hour, zerolog.Nop()); err == nil {
		t.Fatal("NewTokens accepted a short secret")
	}
}

func TestEmptySecretUsesDevFallback(t *testing.T) {
	tok, err := NewTokens("", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	raw, err := tok.Mint("dev", "dev@example.com", "agent")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := tok.Verify(raw); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
