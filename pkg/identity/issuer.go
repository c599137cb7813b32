package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

var agentNamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

const (
	maxDisplayNameLength = 64
	maxDescriptionLength = 500
)

// RegisterRequest describes a new agent
type RegisterRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validate checks the request fields
func (r *RegisterRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if !agentNamePattern.MatchString(r.Name) {
		return auth.InvalidRequest("name must be 3-32 characters of lowercase letters, digits, '_' or '-'")
	}
	if len(r.DisplayName) > maxDisplayNameLength {
		return auth.InvalidRequest("display_name is too long")
	}
	if len(r.Description) > maxDescriptionLength {
		return auth.InvalidRequest("description is too long")
	}
	return nil
}

// Registration is the result of RegisterAgent. APIKey is the only copy of the plaintext key.
type Registration struct {
	Agent      *auth.Agent      `json:"agent"`
	APIKey     string           `json:"api_key"`
	Credential *auth.Credential `json:"credential"`
}

// Issuer creates agents and their credentials
type Issuer struct {
	store        storage.SecretStore
	capabilities *auth.CapabilityIssuer
	opts         Options
}

// NewIssuer creates a credential issuer. capabilities may be nil when the deprecated
// token type is disabled.
func NewIssuer(store storage.SecretStore, capabilities *auth.CapabilityIssuer, opts Options) *Issuer {
	return &Issuer{store: store, capabilities: capabilities, opts: opts.withDefaults()}
}

// RegisterAgent creates an active, unclaimed agent with default permissions and issues its first key
func (i *Issuer) RegisterAgent(ctx context.Context, req RegisterRequest) (reg *Registration, err error) {
	ctx, span := startSpan(ctx, "identity.RegisterAgent", attribute.String("agent.name", req.Name))
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := i.opts.now()
	agent := &auth.Agent{
		ID:          uuid.NewString(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Status:      auth.AgentStatusActive,
		Permissions: auth.DefaultPermissions(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if agent.DisplayName == "" {
		agent.DisplayName = agent.Name
	}

	secret, cred, err := i.newCredential(agent.ID, agent.Permissions)
	if err != nil {
		return nil, err
	}
	if err := i.store.CreateAgentWithCredential(ctx, agent, cred); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, auth.ErrNameTaken
		}
		return nil, i.opts.storeFailure(ctx, "create_agent", err)
	}
	i.credentialIssued()

	i.opts.Logger.WithFields(map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"prefix":   cred.VisiblePrefix,
	}).Info("agent registered")

	return &Registration{Agent: agent, APIKey: secret, Credential: cred}, nil
}

// IssueAPIKey generates a new key for agentID. The plaintext secret is returned exactly once.
func (i *Issuer) IssueAPIKey(ctx context.Context, agentID string, permissions auth.PermissionSet) (secret string, cred *auth.Credential, err error) {
	ctx, span := startSpan(ctx, "identity.IssueAPIKey", attribute.String("agent.id", agentID))
	defer func() { endSpan(span, err) }()

	if len(permissions) == 0 {
		return "", nil, auth.InvalidRequest("at least one permission is required")
	}
	return i.issue(ctx, agentID, permissions)
}

func (i *Issuer) issue(ctx context.Context, agentID string, permissions auth.PermissionSet) (string, *auth.Credential, error) {
	secret, cred, err := i.newCredential(agentID, permissions)
	if err != nil {
		return "", nil, err
	}
	if err := i.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, i.opts.storeFailure(ctx, "create_credential", err)
	}
	i.credentialIssued()
	return secret, cred, nil
}

// newCredential generates a key and its unsaved record
func (i *Issuer) newCredential(agentID string, permissions auth.PermissionSet) (string, *auth.Credential, error) {
	secret, err := i.opts.Tokens.Generate(auth.APIKeyTag)
	if err != nil {
		return "", nil, auth.Internal(err)
	}
	hash, err := i.opts.Tokens.Hash(secret)
	if err != nil {
		return "", nil, auth.Internal(err)
	}

	cred := &auth.Credential{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		SecretHash:    hash,
		VisiblePrefix: auth.LookupPrefix(secret, auth.APIKeyPrefixLength),
		Permissions:   permissions,
		CreatedAt:     i.opts.now(),
	}
	return secret, cred, nil
}

func (i *Issuer) credentialIssued() {
	if i.opts.Metrics != nil {
		i.opts.Metrics.CredentialsIssuedTotal.Inc()
	}
}

// GetAgent returns the agent record behind an identity
func (i *Issuer) GetAgent(ctx context.Context, agentID string) (*auth.Agent, error) {
	agent, err := i.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, auth.ErrAgentNotFound
	}
	if err != nil {
		return nil, i.opts.storeFailure(ctx, "get_agent", err)
	}
	return agent, nil
}

// ListAPIKeys returns an agent's credentials, newest first
func (i *Issuer) ListAPIKeys(ctx context.Context, agentID string) ([]*auth.Credential, error) {
	creds, err := i.store.ListCredentials(ctx, agentID)
	if err != nil {
		return nil, i.opts.storeFailure(ctx, "list_credentials", err)
	}
	return creds, nil
}

// RevokeAPIKey revokes a credential owned by agentID. A key owned by another agent, or one
// already revoked, is reported as ErrKeyNotFound.
func (i *Issuer) RevokeAPIKey(ctx context.Context, agentID, credentialID string) (err error) {
	ctx, span := startSpan(ctx, "identity.RevokeAPIKey", attribute.String("agent.id", agentID))
	defer func() { endSpan(span, err) }()

	if err := i.store.RevokeCredential(ctx, agentID, credentialID, i.opts.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return auth.ErrKeyNotFound
		}
		return i.opts.storeFailure(ctx, "revoke_credential", err)
	}
	if i.opts.Metrics != nil {
		i.opts.Metrics.CredentialsRevokedTotal.Inc()
	}
	return nil
}

// IssueCapabilityToken signs a deprecated capability token for an identity that authenticated
// with an API key. A capability token can never be exchanged for another one.
func (i *Issuer) IssueCapabilityToken(identity *auth.Identity) (string, time.Time, error) {
	if !i.capabilities.Enabled() {
		return "", time.Time{}, auth.ErrGone
	}
	if identity.Capability || identity.CredentialID == "" {
		return "", time.Time{}, auth.ErrAPIKeyRequired
	}
	token, expiresAt, err := i.capabilities.Issue(identity)
	if err != nil {
		return "", time.Time{}, auth.Internal(err)
	}
	return token, expiresAt, nil
}

// RefreshCapabilityToken is a permanent tombstone
func (i *Issuer) RefreshCapabilityToken(token string) (string, error) {
	return i.capabilities.Refresh(token)
}
