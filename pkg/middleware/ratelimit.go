package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/contextkeys"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/ratelimit"
)

// RateLimitResponse is the 429 body
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	ResetAt    string `json:"reset_at"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimitByIP applies a named category to unauthenticated requests keyed by client IP.
// IP subjects carry no plan ceiling.
func (m *AuthMiddleware) RateLimitByIP(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := "ip:" + httputil.ClientIP(r)
			decision, err := m.admission.CheckAndConsume(r.Context(), subject, category, billing.PlanEnterprise)
			if err != nil {
				observability.FromContextOr(r.Context(), m.logger).WithError(err).WithField("category", category).Error("admission check failed")
				httputil.WriteInternalError(w)
				return
			}
			if !m.admit(w, r, "", decision) {
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithDecision(r.Context(), decision)))
		})
	}
}

// admit writes rate limit headers and, on rejection, the 429 response. It reports whether the
// request may continue.
func (m *AuthMiddleware) admit(w http.ResponseWriter, r *http.Request, agentID string, d *ratelimit.Decision) bool {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return true
	}

	retryAfter := d.RetryAfter(m.now())
	_ = m.audit.LogFromRequest(r, &auth.AuditEvent{
		Action:     auth.ActionRateLimitExceeded,
		Status:     auth.StatusDenied,
		AgentID:    agentID,
		ResourceID: d.Category,
	}, nil)

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	_ = httputil.WriteJSON(w, http.StatusTooManyRequests, RateLimitResponse{
		Error:      auth.ErrRateLimited.Message,
		Code:       string(auth.CodeRateLimited),
		ResetAt:    d.ResetAt.UTC().Format(time.RFC3339),
		RetryAfter: retryAfter,
	})
	return false
}
