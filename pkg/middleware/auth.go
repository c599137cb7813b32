package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/contextkeys"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/identity"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/ratelimit"
)

// Identity headers forwarded to downstream handlers. Client-supplied values are always stripped.
const (
	HeaderAgentID          = "X-Agent-Id"
	HeaderAgentName        = "X-Agent-Name"
	HeaderAgentPermissions = "X-Agent-Permissions"
)

// Verifier resolves a bearer credential to an agent identity
type Verifier interface {
	Verify(ctx context.Context, bearer string, opts ...identity.VerifyOption) (*auth.Identity, error)
}

// PlanSource resolves the plan tier governing an identity
type PlanSource interface {
	ForAgent(ctx context.Context, id *auth.Identity) (billing.PlanTier, error)
}

// Admission admits or rejects a request in a category
type Admission interface {
	CheckAndConsume(ctx context.Context, subjectID, category string, plan billing.PlanTier) (*ratelimit.Decision, error)
	CheckAndConsumeLimit(ctx context.Context, subjectID string, limit ratelimit.Limit, plan billing.PlanTier) (*ratelimit.Decision, error)
}

// AuthMiddleware authenticates agents and applies admission control
type AuthMiddleware struct {
	verifier  Verifier
	admission Admission
	plans     PlanSource
	audit     *auth.AuditLogger
	logger    *observability.Logger
	now       func() time.Time
}

// NewAuthMiddleware creates the middleware. admission and plans may be nil when no route
// declares a category.
func NewAuthMiddleware(verifier Verifier, admission Admission, plans PlanSource, audit *auth.AuditLogger, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if audit == nil {
		audit = auth.NewAuditLogger(logger)
	}
	return &AuthMiddleware{
		verifier:  verifier,
		admission: admission,
		plans:     plans,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// Option configures a single protected route
type Option func(*routeOptions)

type routeOptions struct {
	category      string
	permission    auth.Permission
	allowInactive bool
	apiKeyOnly    bool
}

// Category applies admission control for the named rate limit category
func Category(category string) Option {
	return func(o *routeOptions) { o.category = category }
}

// RequirePermission rejects identities lacking p with 403
func RequirePermission(p auth.Permission) Option {
	return func(o *routeOptions) { o.permission = p }
}

// RequireAPIKey rejects identities that authenticated with a capability token. Routes that mint
// credentials use it so a capability token can never renew itself or outlive its key.
func RequireAPIKey() Option {
	return func(o *routeOptions) { o.apiKeyOnly = true }
}

// AllowInactive lets suspended agents through, for routes that only report their own state
func AllowInactive() Option {
	return func(o *routeOptions) { o.allowInactive = true }
}

// Authenticate returns middleware that verifies the bearer credential, then optionally
// checks admission, before calling next with the identity in the request context
func (m *AuthMiddleware) Authenticate(opts ...Option) func(http.Handler) http.Handler {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}
	var verifyOpts []identity.VerifyOption
	if o.allowInactive {
		verifyOpts = append(verifyOpts, identity.AllowInactive())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(HeaderAgentID)
			r.Header.Del(HeaderAgentName)
			r.Header.Del(HeaderAgentPermissions)

			bearer, ok := httputil.BearerToken(r)
			if !ok {
				m.deny(w, r, "", auth.ErrUnauthorized)
				return
			}

			id, err := m.verifier.Verify(r.Context(), bearer, verifyOpts...)
			if err != nil {
				m.deny(w, r, "", err)
				return
			}

			ctx := contextkeys.WithIdentity(r.Context(), id)
			ctx = contextkeys.WithAgentID(ctx, id.AgentID)

			if o.apiKeyOnly && id.Capability {
				m.deny(w, r.WithContext(ctx), id.AgentID, auth.ErrAPIKeyRequired)
				return
			}

			if o.permission != "" && !id.HasPermission(o.permission) {
				m.deny(w, r.WithContext(ctx), id.AgentID, auth.ErrForbidden)
				return
			}

			if o.category != "" {
				plan := m.planFor(ctx, id)
				decision, err := m.admission.CheckAndConsume(ctx, id.AgentID, o.category, plan)
				if err != nil {
					observability.FromContextOr(ctx, m.logger).WithError(err).WithField("category", o.category).Error("admission check failed")
					httputil.WriteInternalError(w)
					return
				}
				if !m.admit(w, r.WithContext(ctx), id.AgentID, decision) {
					return
				}
				ctx = contextkeys.WithDecision(ctx, decision)
			}

			r.Header.Set(HeaderAgentID, id.AgentID)
			r.Header.Set(HeaderAgentName, id.Name)
			r.Header.Set(HeaderAgentPermissions, id.Permissions.String())

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// planFor resolves the identity's plan; a lookup failure falls back to free
func (m *AuthMiddleware) planFor(ctx context.Context, id *auth.Identity) billing.PlanTier {
	if m.plans == nil {
		return billing.PlanFree
	}
	plan, err := m.plans.ForAgent(ctx, id)
	if err != nil {
		observability.FromContextOr(ctx, m.logger).WithError(err).Warn("plan lookup failed, applying free plan")
		return billing.PlanFree
	}
	return plan
}

// deny writes the error response for a failed authentication or authorization
func (m *AuthMiddleware) deny(w http.ResponseWriter, r *http.Request, agentID string, err error) {
	e := auth.AsError(err)
	if e.Code == auth.CodeInternal {
		observability.FromContextOr(r.Context(), m.logger).WithError(e.Err).Error("authentication failed with internal error")
	}
	_ = m.audit.LogFromRequest(r, &auth.AuditEvent{
		Action:  auth.ActionAuthFailure,
		Status:  auth.StatusDenied,
		AgentID: agentID,
	}, e)
	httputil.WriteCodedError(w, e.HTTPStatus(), string(e.Code), e.Message)
}

// GetIdentity returns the authenticated identity, or nil
func GetIdentity(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(contextkeys.IdentityKey).(*auth.Identity)
	return id
}

// GetDecision returns the admission decision taken for the request, or nil
func GetDecision(r *http.Request) *ratelimit.Decision {
	d, _ := r.Context().Value(contextkeys.DecisionKey).(*ratelimit.Decision)
	return d
}
