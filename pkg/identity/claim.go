package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// ClaimTokenTTL is the fixed lifetime of a claim token
const ClaimTokenTTL = time.Hour

// IssuedClaimToken is returned once at creation; the plaintext is never retrievable again
type IssuedClaimToken struct {
	Token     string    `json:"claim_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClaimService runs the one-time ownership transfer protocol
type ClaimService struct {
	store storage.SecretStore
	opts  Options
}

// NewClaimService creates a claim token service
func NewClaimService(store storage.SecretStore, opts Options) *ClaimService {
	return &ClaimService{store: store, opts: opts.withDefaults()}
}

// Create issues a claim token for agentID. The agent must exist and be active.
func (s *ClaimService) Create(ctx context.Context, agentID string) (issued *IssuedClaimToken, err error) {
	ctx, span := startSpan(ctx, "identity.CreateClaimToken", attribute.String("agent.id", agentID))
	defer func() { endSpan(span, err) }()

	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, auth.ErrAgentNotFound
	}
	if err != nil {
		return nil, s.opts.storeFailure(ctx, "get_agent", err)
	}
	if !agent.IsActive() {
		return nil, auth.ErrAgentInactive
	}

	secret, err := s.opts.Tokens.Generate(auth.ClaimTokenTag)
	if err != nil {
		return nil, auth.Internal(err)
	}
	hash, err := s.opts.Tokens.Hash(secret)
	if err != nil {
		return nil, auth.Internal(err)
	}

	now := s.opts.now()
	token := &auth.ClaimToken{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		SecretHash:    hash,
		VisiblePrefix: auth.LookupPrefix(secret, auth.ClaimTokenPrefixLength),
		ExpiresAt:     now.Add(ClaimTokenTTL),
		CreatedAt:     now,
	}
	if err := s.store.CreateClaimToken(ctx, token); err != nil {
		return nil, s.opts.storeFailure(ctx, "create_claim_token", err)
	}

	s.opts.Logger.WithFields(map[string]interface{}{
		"agent_id": agentID,
		"prefix":   token.VisiblePrefix,
	}).Info("claim token created")

	return &IssuedClaimToken{Token: secret, ExpiresAt: token.ExpiresAt}, nil
}

// Redeem transfers ownership of the token's agent to developerID.
//
// Failures are checked in order: unknown or mismatched token (INVALID_CLAIM_TOKEN), expiry
// (CLAIM_TOKEN_EXPIRED), then redemption already applied (CLAIM_TOKEN_USED). The final
// transition is a conditional store update, so concurrent redemptions of one token yield
// exactly one transfer.
func (s *ClaimService) Redeem(ctx context.Context, plaintext, developerID, userID string) (result *auth.TransferResult, err error) {
	ctx, span := startSpan(ctx, "identity.RedeemClaimToken", attribute.String("developer.id", developerID))
	defer func() {
		s.record(err)
		endSpan(span, err)
	}()

	if developerID == "" || userID == "" {
		return nil, auth.ErrUnauthorized
	}
	if auth.ValidateFormat(plaintext, auth.ClaimTokenTag) != nil {
		return nil, auth.ErrInvalidClaimToken
	}
	prefix := auth.LookupPrefix(plaintext, auth.ClaimTokenPrefixLength)
	if prefix == "" {
		return nil, auth.ErrInvalidClaimToken
	}

	candidates, err := s.store.FindPendingClaimTokensByPrefix(ctx, prefix)
	if err != nil {
		return nil, s.opts.storeFailure(ctx, "find_claim_tokens", err)
	}
	token := s.match(candidates, plaintext)
	if token == nil {
		return nil, s.classifyUnmatched(ctx, prefix, plaintext)
	}
	span.SetAttributes(attribute.String("agent.id", token.AgentID))

	now := s.opts.now()
	if token.State(now) == auth.ClaimTokenExpired {
		return nil, auth.ErrClaimTokenExpired
	}

	err = s.store.RedeemClaimToken(ctx, storage.RedeemRequest{
		TokenID:     token.ID,
		AgentID:     token.AgentID,
		DeveloperID: developerID,
		UserID:      userID,
		At:          now,
	})
	switch {
	case errors.Is(err, storage.ErrAlreadyRedeemed):
		return nil, auth.ErrClaimTokenUsed
	case errors.Is(err, storage.ErrNotFound):
		return nil, auth.ErrAgentNotFound
	case err != nil:
		return nil, s.opts.storeFailure(ctx, "redeem_claim_token", err)
	}

	result = &auth.TransferResult{
		AgentID:     token.AgentID,
		DeveloperID: developerID,
		ClaimedAt:   now,
	}
	agent, err := s.store.GetAgent(ctx, token.AgentID)
	if err != nil {
		// The transfer is committed; report it without display fields.
		s.opts.Logger.WithError(err).WithField("agent_id", token.AgentID).Warn("failed to load claimed agent")
	} else {
		result.AgentName = agent.Name
		result.AgentDisplayName = agent.DisplayName
	}

	s.opts.Logger.WithFields(map[string]interface{}{
		"agent_id":     token.AgentID,
		"developer_id": developerID,
		"user_id":      userID,
		"prefix":       token.VisiblePrefix,
	}).Info("agent claimed")

	return result, nil
}

func (s *ClaimService) match(candidates []*auth.ClaimToken, plaintext string) *auth.ClaimToken {
	for _, cand := range candidates {
		ok, err := s.opts.Tokens.Compare(cand.SecretHash, plaintext)
		if err != nil {
			s.opts.Logger.WithError(err).WithField("claim_token_id", cand.ID).Warn("stored claim token hash is malformed")
			continue
		}
		if ok {
			return cand
		}
	}
	return nil
}

// classifyUnmatched reports CLAIM_TOKEN_USED when the secret matches an already redeemed token
func (s *ClaimService) classifyUnmatched(ctx context.Context, prefix, plaintext string) error {
	redeemed, err := s.store.FindRedeemedClaimTokensByPrefix(ctx, prefix)
	if err != nil {
		return s.opts.storeFailure(ctx, "find_claim_tokens", err)
	}
	if s.match(redeemed, plaintext) != nil {
		return auth.ErrClaimTokenUsed
	}
	return auth.ErrInvalidClaimToken
}

func (s *ClaimService) record(err error) {
	if s.opts.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(auth.CodeOf(err))
	}
	s.opts.Metrics.ClaimRedemptionsTotal.WithLabelValues(outcome).Inc()
}
