// Package auth mints and verifies the HMAC-SHA256 bearer tokens that guard
// the HTTP API. Tokens are the usual three-part form, header.payload.signature
// in base64url, signed with a shared secret from configuration.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RoleAdmin unlocks operational routes such as workload overrides.
const RoleAdmin = "admin"

// devSecret keeps a secretless process bootable for local development.
const devSecret = "insecure-dev-secret-do-not-use-in-production"

// Claims identify the caller behind a token.
type Claims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// Tokens mints and verifies bearer tokens against a single shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens builds a token service. An empty secret falls back to an insecure
// development default with a warning; a short non-empty secret is refused
// outright so a weak production deployment cannot start.
func NewTokens(secret string, ttl time.Duration, log zerolog.Logger) (*Tokens, error) {
	if secret == "" {
		log.Warn().Msg("AUTH_SECRET not set, using insecure development secret")
		secret = devSecret
	} else if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret too short: %d bytes, need at least 32", len(secret))
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint issues a signed token for the given identity.
func (t *Tokens) Mint(subject, email, role string) (string, error) {
	now := t.now()
	claims := Claims{
		Subject:   subject,
		Email:     email,
		Role:      role,
		ExpiresAt: now.Add(t.ttl).Unix(),
		IssuedAt:  now.Unix(),
	}

	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	signed := encodeSegment(headerJSON) + "." + encodeSegment(claimsJSON)
	return signed + "." + t.sign(signed), nil
}

// Verify checks the signature and expiry of a token and returns its claims.
func (t *Tokens) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	signed := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(t.sign(signed)), []byte(parts[2])) {
		return nil, errors.New("invalid token signature")
	}

	claimsJSON, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode token claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal token claims: %w", err)
	}

	if t.now().Unix() > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	return &claims, nil
}

func (t *Tokens) sign(message string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(message))
	return encodeSegment(mac.Sum(nil))
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
