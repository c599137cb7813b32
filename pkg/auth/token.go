package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyTag identifies agent API keys
	APIKeyTag = "ag_"
	// ClaimTokenTag identifies claim tokens
	ClaimTokenTag = "agclaim_"
	// SecretLength is the number of random bytes in a secret (32 bytes = 256 bits)
	SecretLength = 32
	// APIKeyPrefixLength is the number of leading characters stored as the credential lookup index
	APIKeyPrefixLength = 8
	// ClaimTokenPrefixLength is the number of leading characters stored as the claim token lookup index
	ClaimTokenPrefixLength = 16
	// DefaultHashCost is the bcrypt cost used when none is configured
	DefaultHashCost = bcrypt.DefaultCost
)

// TokenGenerator generates tagged random secrets and hashes them with bcrypt
type TokenGenerator struct {
	cost int
}

// NewTokenGenerator creates a token generator with the given bcrypt cost.
// A cost outside bcrypt's accepted range falls back to DefaultHashCost.
func NewTokenGenerator(cost int) *TokenGenerator {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	return &TokenGenerator{cost: cost}
}

// Cost returns the bcrypt cost in use
func (tg *TokenGenerator) Cost() int {
	return tg.cost
}

// Generate creates a new secret with the given tag.
// Format: <tag><base64url(32 random bytes)>
func (tg *TokenGenerator) Generate(tag string) (string, error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return tag + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// Hash computes the bcrypt hash of a secret for storage
func (tg *TokenGenerator) Hash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), tg.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Compare checks a secret against a stored hash in constant time.
// A mismatch returns false with a nil error; a malformed hash returns an error.
func (tg *TokenGenerator) Compare(hash, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// ValidateFormat checks that a secret carries the tag followed by a valid base64url body
func ValidateFormat(secret, tag string) error {
	if !strings.HasPrefix(secret, tag) {
		return fmt.Errorf("secret must start with %q", tag)
	}
	body := strings.TrimPrefix(secret, tag)
	if len(body) == 0 {
		return fmt.Errorf("secret is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(body); err != nil {
		return fmt.Errorf("invalid secret encoding: %w", err)
	}
	return nil
}

// LookupPrefix returns the first n characters of a secret, or "" if it is shorter
func LookupPrefix(secret string, n int) string {
	if len(secret) < n {
		return ""
	}
	return secret[:n]
}
