package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/identity"
	"github.com/platinummonkey/agentgate/pkg/middleware"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/ratelimit"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// agentHandlers serves the agent-facing identity endpoints
type agentHandlers struct {
	issuer *identity.Issuer
	claims *identity.ClaimService
	authn  *middleware.AuthMiddleware
	plans  *billing.PlanResolver
	usage  *ratelimit.UsageRecorder
	audit  *auth.AuditLogger
	logger *observability.Logger
}

// RegisterRoutes registers agent routes
func (h *agentHandlers) RegisterRoutes(router *mux.Router) {
	write := middleware.RequirePermission(auth.PermissionWrite)
	keyOnly := middleware.RequireAPIKey()

	router.Handle("/agents/register",
		h.authn.RateLimitByIP(ratelimit.CategoryRegister)(http.HandlerFunc(h.register))).Methods("POST")

	router.Handle("/agents/me",
		h.authn.Authenticate(middleware.AllowInactive())(http.HandlerFunc(h.me))).Methods("GET")
	router.Handle("/agents/me/usage",
		h.authn.Authenticate(middleware.AllowInactive())(http.HandlerFunc(h.getUsage))).Methods("GET")

	router.Handle("/agents/me/keys",
		h.authn.Authenticate()(http.HandlerFunc(h.listKeys))).Methods("GET")
	router.Handle("/agents/me/keys",
		h.authn.Authenticate(write, keyOnly)(http.HandlerFunc(h.createKey))).Methods("POST")
	router.Handle("/agents/me/keys/{id}",
		h.authn.Authenticate(write, keyOnly)(http.HandlerFunc(h.revokeKey))).Methods("DELETE")

	router.Handle("/agents/me/claim-token",
		h.authn.Authenticate(write, keyOnly, middleware.Category(ratelimit.CategoryClaimToken))(http.HandlerFunc(h.createClaimToken))).Methods("POST")

	router.Handle("/auth/token",
		h.authn.Authenticate(keyOnly)(http.HandlerFunc(h.issueCapabilityToken))).Methods("POST")
	router.HandleFunc("/auth/refresh", h.refresh).Methods("POST")
}

// register handles POST /api/v1/agents/register
func (h *agentHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if !parseBody(w, r, &req) {
		return
	}

	reg, err := h.issuer.RegisterAgent(r.Context(), req)
	ev := &auth.AuditEvent{Action: auth.ActionAgentRegister, Status: auth.StatusSuccess, ResourceID: req.Name}
	if err != nil {
		ev.Status = auth.StatusFailure
		_ = h.audit.LogFromRequest(r, ev, err)
		writeError(w, r, h.logger, err)
		return
	}
	ev.AgentID = reg.Agent.ID
	ev.Prefix = reg.Credential.VisiblePrefix
	_ = h.audit.LogFromRequest(r, ev, nil)

	httputil.WriteCreated(w, reg)
}

// meResponse describes the calling agent and the credential it authenticated with
type meResponse struct {
	Agent        *auth.Agent        `json:"agent"`
	CredentialID string             `json:"credential_id,omitempty"`
	Permissions  auth.PermissionSet `json:"permissions"`
}

// me handles GET /api/v1/agents/me. Suspended agents may call it to learn their status.
func (h *agentHandlers) me(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	agent, err := h.issuer.GetAgent(r.Context(), id.AgentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteSuccess(w, meResponse{
		Agent:        agent,
		CredentialID: id.CredentialID,
		Permissions:  id.Permissions,
	})
}

// UsageResponse reports the advisory daily usage counter against the plan ceiling
type UsageResponse struct {
	Date       string           `json:"date"`
	Used       int64            `json:"used"`
	Plan       billing.PlanTier `json:"plan"`
	DailyLimit int              `json:"daily_limit"` // -1 when unlimited
	Remaining  *int64           `json:"remaining,omitempty"`
}

// getUsage handles GET /api/v1/agents/me/usage
func (h *agentHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)

	plan, err := h.plans.ForAgent(r.Context(), id)
	if err != nil {
		observability.FromContextOr(r.Context(), h.logger).WithError(err).Warn("plan lookup failed, reporting free plan")
		plan = billing.PlanFree
	}
	used, err := h.usage.Today(r.Context(), id.AgentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := UsageResponse{
		Date:       storage.DayStart(time.Now()).Format("2006-01-02"),
		Used:       used,
		Plan:       plan,
		DailyLimit: plan.DailyLimit(),
	}
	if !plan.IsUnlimited() {
		remaining := int64(plan.DailyLimit()) - used
		if remaining < 0 {
			remaining = 0
		}
		resp.Remaining = &remaining
	}
	httputil.WriteSuccess(w, resp)
}

// listKeys handles GET /api/v1/agents/me/keys
func (h *agentHandlers) listKeys(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	creds, err := h.issuer.ListAPIKeys(r.Context(), id.AgentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if creds == nil {
		creds = []*auth.Credential{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"keys": creds})
}

// CreateKeyRequest is the body of POST /api/v1/agents/me/keys
type CreateKeyRequest struct {
	Permissions auth.PermissionSet `json:"permissions"`
}

// CreateKeyResponse carries the only copy of the new plaintext key
type CreateKeyResponse struct {
	APIKey     string           `json:"api_key"`
	Credential *auth.Credential `json:"credential"`
}

// createKey handles POST /api/v1/agents/me/keys. A key may not carry permissions the
// calling credential lacks.
func (h *agentHandlers) createKey(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	var req CreateKeyRequest
	if !parseBody(w, r, &req) {
		return
	}
	ev := &auth.AuditEvent{Action: auth.ActionKeyIssue, Status: auth.StatusSuccess, AgentID: id.AgentID}

	if !id.Permissions.Contains(req.Permissions) {
		ev.Status = auth.StatusDenied
		_ = h.audit.LogFromRequest(r, ev, auth.ErrForbidden)
		writeError(w, r, h.logger, auth.ErrForbidden)
		return
	}

	secret, cred, err := h.issuer.IssueAPIKey(r.Context(), id.AgentID, req.Permissions)
	if err != nil {
		ev.Status = auth.StatusFailure
		_ = h.audit.LogFromRequest(r, ev, err)
		writeError(w, r, h.logger, err)
		return
	}
	ev.ResourceID = cred.ID
	ev.Prefix = cred.VisiblePrefix
	_ = h.audit.LogFromRequest(r, ev, nil)

	httputil.WriteCreated(w, CreateKeyResponse{APIKey: secret, Credential: cred})
}

// revokeKey handles DELETE /api/v1/agents/me/keys/{id}
func (h *agentHandlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	keyID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	err := h.issuer.RevokeAPIKey(r.Context(), id.AgentID, keyID)
	ev := &auth.AuditEvent{Action: auth.ActionKeyRevoke, Status: auth.StatusSuccess, AgentID: id.AgentID, ResourceID: keyID}
	if err != nil {
		ev.Status = auth.StatusFailure
		_ = h.audit.LogFromRequest(r, ev, err)
		writeError(w, r, h.logger, err)
		return
	}
	_ = h.audit.LogFromRequest(r, ev, nil)
	httputil.WriteNoContent(w)
}

// createClaimToken handles POST /api/v1/agents/me/claim-token
func (h *agentHandlers) createClaimToken(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	issued, err := h.claims.Create(r.Context(), id.AgentID)
	ev := &auth.AuditEvent{Action: auth.ActionClaimTokenCreate, Status: auth.StatusSuccess, AgentID: id.AgentID}
	if err != nil {
		ev.Status = auth.StatusFailure
		_ = h.audit.LogFromRequest(r, ev, err)
		writeError(w, r, h.logger, err)
		return
	}
	_ = h.audit.LogFromRequest(r, ev, nil)
	httputil.WriteCreated(w, issued)
}

// CapabilityTokenResponse is a deprecated short-lived bearer token
type CapabilityTokenResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Deprecated bool      `json:"deprecated"`
}

// issueCapabilityToken handles POST /api/v1/auth/token. It answers 410 when capability
// tokens are disabled.
func (h *agentHandlers) issueCapabilityToken(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	token, expiresAt, err := h.issuer.IssueCapabilityToken(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Deprecation", "true")
	httputil.WriteSuccess(w, CapabilityTokenResponse{Token: token, ExpiresAt: expiresAt, Deprecated: true})
}

// refresh handles POST /api/v1/auth/refresh, which is permanently retired
func (h *agentHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	_, err := h.issuer.RefreshCapabilityToken("")
	_ = h.audit.LogFromRequest(r, &auth.AuditEvent{
		Action: auth.ActionRefreshAttempt,
		Status: auth.StatusDenied,
	}, err)
	writeError(w, r, h.logger, err)
}
