// Package memory provides an in-process implementation of the storage interfaces.
//
// It is only correct for a single process. Multi-instance deployments must use the SQL or
// Redis backends, whose atomic primitives coordinate across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

type counter struct {
	count int
	end   time.Time
}

type dailyKey struct {
	subject string
	day     time.Time
}

// Store implements storage.SecretStore and storage.CounterStore in memory
type Store struct {
	mu          sync.Mutex
	agents      map[string]*auth.Agent
	names       map[string]string
	credentials map[string]*auth.Credential
	claims      map[string]*auth.ClaimToken
	plans       map[string]string
	windows     map[storage.WindowKey]*counter
	daily       map[dailyKey]int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		agents:      make(map[string]*auth.Agent),
		names:       make(map[string]string),
		credentials: make(map[string]*auth.Credential),
		claims:      make(map[string]*auth.ClaimToken),
		plans:       make(map[string]string),
		windows:     make(map[storage.WindowKey]*counter),
		daily:       make(map[dailyKey]int64),
	}
}

var (
	_ storage.SecretStore  = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
)

// SetDeveloperPlan registers a developer account's plan tier
func (s *Store) SetDeveloperPlan(developerID, plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[developerID] = plan
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyAgent(a *auth.Agent) *auth.Agent {
	c := *a
	c.Permissions = auth.NewPermissionSet(a.Permissions.List()...)
	if a.OwnerID != nil {
		owner := *a.OwnerID
		c.OwnerID = &owner
	}
	if a.LastActive != nil {
		t := *a.LastActive
		c.LastActive = &t
	}
	return &c
}

func copyCredential(cr *auth.Credential) *auth.Credential {
	c := *cr
	c.Permissions = auth.NewPermissionSet(cr.Permissions.List()...)
	if cr.RevokedAt != nil {
		t := *cr.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

func copyClaim(t *auth.ClaimToken) *auth.ClaimToken {
	c := *t
	if t.RedeemedAt != nil {
		r := *t.RedeemedAt
		c.RedeemedAt = &r
	}
	if t.RedeemedByUserID != nil {
		u := *t.RedeemedByUserID
		c.RedeemedByUserID = &u
	}
	return &c
}

// CreateAgent stores a new agent; names are unique
func (s *Store) CreateAgent(ctx context.Context, agent *auth.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[agent.Name]; exists {
		return storage.ErrConflict
	}
	if _, exists := s.agents[agent.ID]; exists {
		return storage.ErrConflict
	}
	s.agents[agent.ID] = copyAgent(agent)
	s.names[agent.Name] = agent.ID
	return nil
}

// CreateAgentWithCredential inserts an agent and its first credential under one lock
func (s *Store) CreateAgentWithCredential(ctx context.Context, agent *auth.Agent, cred *auth.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[agent.Name]; exists {
		return storage.ErrConflict
	}
	if _, exists := s.agents[agent.ID]; exists {
		return storage.ErrConflict
	}
	if _, exists := s.credentials[cred.ID]; exists {
		return storage.ErrConflict
	}
	s.agents[agent.ID] = copyAgent(agent)
	s.names[agent.Name] = agent.ID
	s.credentials[cred.ID] = copyCredential(cred)
	return nil
}

// GetAgent returns an agent by id
func (s *Store) GetAgent(ctx context.Context, id string) (*auth.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyAgent(a), nil
}

// GetAgentByName returns an agent by its unique name
func (s *Store) GetAgentByName(ctx context.Context, name string) (*auth.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyAgent(s.agents[id]), nil
}

// TouchAgent records last activity
func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.LastActive = &at
	return nil
}

// SetAgentStatus changes an agent's status
func (s *Store) SetAgentStatus(ctx context.Context, id string, status auth.AgentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

// GetDeveloperPlan returns the plan registered with SetDeveloperPlan
func (s *Store) GetDeveloperPlan(ctx context.Context, developerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[developerID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return plan, nil
}

// CreateCredential stores a credential record
func (s *Store) CreateCredential(ctx context.Context, cred *auth.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[cred.ID]; exists {
		return storage.ErrConflict
	}
	s.credentials[cred.ID] = copyCredential(cred)
	return nil
}

// FindActiveCredentialsByPrefix returns non-revoked credentials with the given prefix
func (s *Store) FindActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*auth.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Credential
	for _, c := range s.credentials {
		if c.VisiblePrefix == prefix && c.RevokedAt == nil {
			out = append(out, copyCredential(c))
		}
	}
	return out, nil
}

// ListCredentials returns every credential owned by an agent, including revoked ones
func (s *Store) ListCredentials(ctx context.Context, agentID string) ([]*auth.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Credential
	for _, c := range s.credentials {
		if c.AgentID == agentID {
			out = append(out, copyCredential(c))
		}
	}
	return out, nil
}

// RevokeCredential marks a credential revoked
func (s *Store) RevokeCredential(ctx context.Context, agentID, credentialID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok || c.AgentID != agentID || c.RevokedAt != nil {
		return storage.ErrNotFound
	}
	c.RevokedAt = &at
	return nil
}

// CreateClaimToken stores a claim token
func (s *Store) CreateClaimToken(ctx context.Context, token *auth.ClaimToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.claims[token.ID]; exists {
		return storage.ErrConflict
	}
	s.claims[token.ID] = copyClaim(token)
	return nil
}

// FindPendingClaimTokensByPrefix returns unredeemed tokens with the given prefix
func (s *Store) FindPendingClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error) {
	return s.findClaims(ctx, prefix, false)
}

// FindRedeemedClaimTokensByPrefix returns redeemed tokens with the given prefix
func (s *Store) FindRedeemedClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error) {
	return s.findClaims(ctx, prefix, true)
}

func (s *Store) findClaims(ctx context.Context, prefix string, redeemed bool) ([]*auth.ClaimToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.ClaimToken
	for _, t := range s.claims {
		if t.VisiblePrefix == prefix && (t.RedeemedAt != nil) == redeemed {
			out = append(out, copyClaim(t))
		}
	}
	return out, nil
}

// RedeemClaimToken applies the conditional redemption and the ownership transfer under one lock
func (s *Store) RedeemClaimToken(ctx context.Context, req storage.RedeemRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.claims[req.TokenID]
	if !ok {
		return storage.ErrNotFound
	}
	if t.RedeemedAt != nil {
		return storage.ErrAlreadyRedeemed
	}
	a, ok := s.agents[req.AgentID]
	if !ok {
		return storage.ErrNotFound
	}
	at := req.At
	user := req.UserID
	developer := req.DeveloperID
	t.RedeemedAt = &at
	t.RedeemedByUserID = &user
	a.OwnerID = &developer
	a.UpdatedAt = at
	return nil
}

// PurgeClaimTokens deletes tokens that expired before the cutoff
func (s *Store) PurgeClaimTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.claims {
		if t.ExpiresAt.Before(expiredBefore) {
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}

// ConsumeWindow checks and increments a fixed window counter under the store lock
func (s *Store) ConsumeWindow(ctx context.Context, key storage.WindowKey, max int, window time.Duration) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.windows[key]
	if !ok {
		c = &counter{end: key.WindowStart.Add(window)}
		s.windows[key] = c
	}
	if c.count >= max {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// IncrementDailyUsage bumps the advisory daily counter
func (s *Store) IncrementDailyUsage(ctx context.Context, subjectID string, day time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[dailyKey{subject: subjectID, day: storage.DayStart(day)}]++
	return nil
}

// GetDailyUsage reads the advisory daily counter
func (s *Store) GetDailyUsage(ctx context.Context, subjectID string, day time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[dailyKey{subject: subjectID, day: storage.DayStart(day)}], nil
}

// PurgeCounters drops windows that ended before the cutoff
func (s *Store) PurgeCounters(ctx context.Context, endedBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.windows {
		if c.end.Before(endedBefore) {
			delete(s.windows, k)
			n++
		}
	}
	for k := range s.daily {
		if k.day.AddDate(0, 0, 1).Before(endedBefore) {
			delete(s.daily, k)
			n++
		}
	}
	return n, nil
}
