package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
)

// Sentinel errors returned by every store implementation
var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated
	ErrConflict = errors.New("conflict")
	// ErrAlreadyRedeemed is returned when the conditional redemption update matched no row
	ErrAlreadyRedeemed = errors.New("claim token already redeemed")
)

// AgentStore persists agent accounts and the developer plan lookup
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *auth.Agent) error
	// CreateAgentWithCredential inserts an agent and its first credential atomically.
	// On any error neither row is written.
	CreateAgentWithCredential(ctx context.Context, agent *auth.Agent, cred *auth.Credential) error
	GetAgent(ctx context.Context, id string) (*auth.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*auth.Agent, error)
	// TouchAgent records last activity. Callers treat failures as best-effort.
	TouchAgent(ctx context.Context, id string, at time.Time) error
	SetAgentStatus(ctx context.Context, id string, status auth.AgentStatus) error
	// GetDeveloperPlan returns the plan tier name of a developer account
	GetDeveloperPlan(ctx context.Context, developerID string) (string, error)
}

// CredentialStore persists API key records
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *auth.Credential) error
	// FindActiveCredentialsByPrefix returns every non-revoked credential whose visible prefix matches.
	// More than one row is possible.
	FindActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*auth.Credential, error)
	ListCredentials(ctx context.Context, agentID string) ([]*auth.Credential, error)
	// RevokeCredential sets revoked_at on a credential owned by agentID
	RevokeCredential(ctx context.Context, agentID, credentialID string, at time.Time) error
}

// RedeemRequest describes one atomic redemption
type RedeemRequest struct {
	TokenID     string
	AgentID     string
	DeveloperID string
	UserID      string
	At          time.Time
}

// ClaimTokenStore persists claim tokens
type ClaimTokenStore interface {
	CreateClaimToken(ctx context.Context, token *auth.ClaimToken) error
	// FindPendingClaimTokensByPrefix returns tokens with a matching prefix and redeemed_at IS NULL
	FindPendingClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error)
	// FindRedeemedClaimTokensByPrefix returns tokens with a matching prefix that were already redeemed
	FindRedeemedClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error)
	// RedeemClaimToken marks the token redeemed only if it is still unredeemed and transfers
	// ownership of the agent in the same transaction. Returns ErrAlreadyRedeemed when the
	// conditional update affected no row; nothing is applied in that case.
	RedeemClaimToken(ctx context.Context, req RedeemRequest) error
	// PurgeClaimTokens deletes tokens that expired before the cutoff
	PurgeClaimTokens(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// SecretStore is the narrow persistence interface for the identity layer
type SecretStore interface {
	AgentStore
	CredentialStore
	ClaimTokenStore
}

// WindowKey identifies one fixed rate limit window
type WindowKey struct {
	SubjectID   string
	Category    string
	WindowStart time.Time
}

// CounterStore provides atomic rate limit and usage counters
type CounterStore interface {
	// ConsumeWindow atomically creates or increments the counter for key unless it has already
	// reached max. It returns the count after the call and whether the request was admitted.
	// A rejected call leaves the counter unchanged.
	ConsumeWindow(ctx context.Context, key WindowKey, max int, window time.Duration) (count int, admitted bool, err error)
	// IncrementDailyUsage bumps the advisory per-day usage counter
	IncrementDailyUsage(ctx context.Context, subjectID string, day time.Time) error
	// GetDailyUsage reads the advisory per-day usage counter
	GetDailyUsage(ctx context.Context, subjectID string, day time.Time) (int64, error)
	// PurgeCounters removes windows that ended before the cutoff
	PurgeCounters(ctx context.Context, endedBefore time.Time) (int64, error)
}

// Pinger is implemented by stores that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// DayStart truncates t to the start of its UTC day
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
