package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCapabilityTTL is the lifetime of a capability token when none is configured
const DefaultCapabilityTTL = 24 * time.Hour

// CapabilityClaims is the claim set carried by a capability token. The subject is the agent id
// and CredentialID the API key the token was exchanged for.
type CapabilityClaims struct {
	Name         string   `json:"name"`
	Permissions  []string `json:"permissions"`
	CredentialID string   `json:"cid"`
	jwt.RegisteredClaims
}

// CapabilityIssuer signs and verifies HS256 capability tokens.
// The token type is deprecated in favour of API keys and cannot be refreshed.
type CapabilityIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewCapabilityIssuer creates an issuer. An empty secret disables the token type.
func NewCapabilityIssuer(secret []byte, issuer string, ttl time.Duration) *CapabilityIssuer {
	if ttl <= 0 {
		ttl = DefaultCapabilityTTL
	}
	return &CapabilityIssuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Enabled reports whether a signing secret is configured
func (c *CapabilityIssuer) Enabled() bool {
	return c != nil && len(c.secret) > 0
}

// Issue signs a capability token for the given identity with the fixed expiry. The identity
// must have authenticated with an API key; the token stays bound to that key.
func (c *CapabilityIssuer) Issue(identity *Identity) (string, time.Time, error) {
	if !c.Enabled() {
		return "", time.Time{}, errors.New("capability tokens are disabled")
	}
	if identity.Capability || identity.CredentialID == "" {
		return "", time.Time{}, ErrAPIKeyRequired
	}
	now := c.now()
	expiresAt := now.Add(c.ttl)
	perms := make([]string, 0, len(identity.Permissions))
	for _, p := range identity.Permissions.List() {
		perms = append(perms, string(p))
	}
	claims := CapabilityClaims{
		Name:         identity.Name,
		Permissions:  perms,
		CredentialID: identity.CredentialID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.AgentID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign capability token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates signature, issuer and expiry and returns the claims.
// Every failure maps to ErrInvalidCredential.
func (c *CapabilityIssuer) Verify(token string) (*CapabilityClaims, error) {
	if !c.Enabled() {
		return nil, ErrInvalidCredential
	}
	claims := &CapabilityClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, &Error{Code: CodeInvalidCredential, Message: ErrInvalidCredential.Message, Err: err}
	}
	if claims.Subject == "" || claims.CredentialID == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// Refresh is permanently retired and always fails with ErrGone
func (c *CapabilityIssuer) Refresh(string) (string, error) {
	return "", ErrGone
}

// LooksLikeJWT reports whether a bearer value has the three-segment compact JWS shape
func LooksLikeJWT(value string) bool {
	return strings.Count(value, ".") == 2 && !strings.HasPrefix(value, APIKeyTag)
}

// SessionClaims is the developer session token claim set. The subject is the user id.
type SessionClaims struct {
	DeveloperID string `json:"developer_id"`
	jwt.RegisteredClaims
}

// SessionVerifier validates HS256 developer session tokens issued by the dashboard
type SessionVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewSessionVerifier creates a developer session verifier
func NewSessionVerifier(secret []byte) *SessionVerifier {
	return &SessionVerifier{secret: secret, now: time.Now}
}

// Verify returns the developer principal carried by a session token
func (v *SessionVerifier) Verify(token string) (*DeveloperPrincipal, error) {
	if len(v.secret) == 0 || token == "" {
		return nil, ErrUnauthorized
	}
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return nil, &Error{Code: CodeUnauthorized, Message: "invalid developer session", Err: err}
	}
	if claims.Subject == "" || claims.DeveloperID == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: "invalid developer session"}
	}
	return &DeveloperPrincipal{UserID: claims.Subject, DeveloperID: claims.DeveloperID}, nil
}

// SignSession issues a developer session token. Used by tooling and tests; the dashboard owns issuance.
func SignSession(secret []byte, principal DeveloperPrincipal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		DeveloperID: principal.DeveloperID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
