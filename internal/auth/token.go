package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedToken returned when an access token cannot be decoded. Callers
// treat such a token as expired and force a refresh.
var ErrMalformedToken = errors.New("malformed access token")

// Claims are the fields the client reads out of the access token payload.
// The signature is the server's business; only structure is checked here.
type Claims struct {
	TokenType string `json:"token_type"`
	Exp       int64  `json:"exp"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	IsStaff   bool   `json:"is_staff"`
}

// ExpiresAt returns the embedded expiry instant.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

// Expired reports whether the token is no longer valid at the given instant.
// A token is valid strictly before its expiry.
func (c Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// DecodeClaims parses the payload segment of a JWT without verifying the
// signature. Anything that does not look like a three-segment token with a
// JSON payload is ErrMalformedToken.
func DecodeClaims(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("want 3 segments, got %d: %w", len(parts), ErrMalformedToken)
	}
	payload := parts[1]
	if payload == "" {
		return Claims{}, fmt.Errorf("empty payload segment: %w", ErrMalformedToken)
	}
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("%v: %w", err, ErrMalformedToken)
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, fmt.Errorf("%v: %w", err, ErrMalformedToken)
	}
	if c.Exp == 0 {
		return Claims{}, fmt.Errorf("missing exp claim: %w", ErrMalformedToken)
	}
	return c, nil
}
