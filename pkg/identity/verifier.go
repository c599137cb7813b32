package identity

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

const defaultTouchTimeout = 2 * time.Second

// VerifyOption adjusts a single verification
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	allowInactive bool
}

// AllowInactive accepts suspended agents, for operations that only report the agent's own state
func AllowInactive() VerifyOption {
	return func(o *verifyOptions) { o.allowInactive = true }
}

// Verifier resolves bearer credentials to agent identities
type Verifier struct {
	store        storage.SecretStore
	capabilities *auth.CapabilityIssuer
	opts         Options
	touchTimeout time.Duration
}

// NewVerifier creates a verifier. Capability tokens are accepted only when capabilities is enabled.
func NewVerifier(store storage.SecretStore, capabilities *auth.CapabilityIssuer, opts Options) *Verifier {
	return &Verifier{
		store:        store,
		capabilities: capabilities,
		opts:         opts.withDefaults(),
		touchTimeout: defaultTouchTimeout,
	}
}

// Verify resolves a bearer value to the owning agent's identity
func (v *Verifier) Verify(ctx context.Context, bearer string, options ...VerifyOption) (id *auth.Identity, err error) {
	ctx, span := startSpan(ctx, "identity.Verify")
	defer func() {
		v.record(err)
		endSpan(span, err)
	}()

	var o verifyOptions
	for _, opt := range options {
		opt(&o)
	}

	if bearer == "" {
		return nil, auth.ErrUnauthorized
	}

	var (
		agentID      string
		permissions  auth.PermissionSet
		credentialID string
		capability   bool
	)
	if v.capabilities.Enabled() && auth.LooksLikeJWT(bearer) {
		claims, err := v.capabilities.Verify(bearer)
		if err != nil {
			return nil, err
		}
		cred, err := v.boundCredential(ctx, claims)
		if err != nil {
			return nil, err
		}
		agentID = claims.Subject
		permissions = auth.PermissionSet{}
		for _, raw := range claims.Permissions {
			if p, err := auth.ParsePermission(raw); err == nil && cred.Permissions.Has(p) {
				permissions[p] = struct{}{}
			}
		}
		credentialID = cred.ID
		capability = true
	} else {
		cred, err := v.matchCredential(ctx, bearer)
		if err != nil {
			return nil, err
		}
		agentID = cred.AgentID
		permissions = cred.Permissions
		credentialID = cred.ID
	}
	span.SetAttributes(attribute.String("agent.id", agentID))

	agent, err := v.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, auth.ErrAgentNotFound
	}
	if err != nil {
		return nil, v.opts.storeFailure(ctx, "get_agent", err)
	}
	if !agent.IsActive() && !o.allowInactive {
		return nil, auth.ErrAgentInactive
	}

	v.touch(ctx, agent.ID)

	return &auth.Identity{
		AgentID:      agent.ID,
		Name:         agent.Name,
		Permissions:  permissions,
		CredentialID: credentialID,
		OwnerID:      agent.OwnerID,
		Capability:   capability,
	}, nil
}

// boundCredential returns the API key a capability token was exchanged for. Revoking the key
// invalidates every capability token minted from it.
func (v *Verifier) boundCredential(ctx context.Context, claims *auth.CapabilityClaims) (*auth.Credential, error) {
	creds, err := v.store.ListCredentials(ctx, claims.Subject)
	if err != nil {
		return nil, v.opts.storeFailure(ctx, "list_credentials", err)
	}
	for _, cred := range creds {
		if cred.ID == claims.CredentialID && cred.AgentID == claims.Subject && cred.RevokedAt == nil {
			return cred, nil
		}
	}
	return nil, auth.ErrInvalidCredential
}

// matchCredential finds the active credential whose hash matches secret. Every candidate
// sharing the lookup prefix is compared until one matches.
func (v *Verifier) matchCredential(ctx context.Context, secret string) (*auth.Credential, error) {
	if err := auth.ValidateFormat(secret, auth.APIKeyTag); err != nil {
		return nil, auth.ErrInvalidCredential
	}
	prefix := auth.LookupPrefix(secret, auth.APIKeyPrefixLength)
	if prefix == "" {
		return nil, auth.ErrInvalidCredential
	}

	candidates, err := v.store.FindActiveCredentialsByPrefix(ctx, prefix)
	if err != nil {
		return nil, v.opts.storeFailure(ctx, "find_credentials", err)
	}

	for _, cand := range candidates {
		ok, err := v.opts.Tokens.Compare(cand.SecretHash, secret)
		if err != nil {
			v.opts.Logger.WithError(err).WithField("credential_id", cand.ID).Warn("stored credential hash is malformed")
			continue
		}
		if ok {
			return cand, nil
		}
	}
	return nil, auth.ErrInvalidCredential
}

// touch records last activity; failures are logged and otherwise ignored
func (v *Verifier) touch(ctx context.Context, agentID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.touchTimeout)
	defer cancel()
	if err := v.store.TouchAgent(ctx, agentID, v.opts.now()); err != nil {
		v.opts.Logger.WithError(err).WithField("agent_id", agentID).Debug("failed to record agent activity")
	}
}

func (v *Verifier) record(err error) {
	if v.opts.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(auth.CodeOf(err))
	}
	v.opts.Metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
}
