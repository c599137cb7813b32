package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/platinummonkey/agentgate/pkg/contextkeys"
	"github.com/platinummonkey/agentgate/pkg/observability"
)

// AuditEvent is one security-relevant action. Secrets never appear here; only visible prefixes.
type AuditEvent struct {
	Action       string
	Status       string
	AgentID      string
	DeveloperID  string
	UserID       string
	ResourceID   string
	Prefix       string
	IPAddress    string
	UserAgent    string
	ErrorCode    ErrorCode
	ErrorMessage string
	CreatedAt    time.Time
}

// AuditLogger writes audit events as structured log entries tagged audit=true
type AuditLogger struct {
	logger *observability.Logger
	now    func() time.Time
}

// NewAuditLogger creates an audit logger. A nil logger discards events.
func NewAuditLogger(logger *observability.Logger) *AuditLogger {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &AuditLogger{logger: logger, now: time.Now}
}

// LogAction records an audit event
func (al *AuditLogger) LogAction(ctx context.Context, ev *AuditEvent) error {
	if ev.Action == "" {
		return fmt.Errorf("action is required")
	}
	if ev.Status == "" {
		return fmt.Errorf("status is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = al.now().UTC()
	}

	fields := map[string]interface{}{
		"audit":  true,
		"action": ev.Action,
		"status": ev.Status,
	}
	optional := map[string]string{
		"agent_id":     ev.AgentID,
		"developer_id": ev.DeveloperID,
		"user_id":      ev.UserID,
		"resource_id":  ev.ResourceID,
		"prefix":       ev.Prefix,
		"ip_address":   ev.IPAddress,
		"user_agent":   ev.UserAgent,
		"error_code":   string(ev.ErrorCode),
		"error":        ev.ErrorMessage,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}

	l := observability.FromContextOr(ctx, al.logger).WithFields(fields)
	if ev.Status == StatusSuccess {
		l.Info("audit")
	} else {
		l.Warn("audit")
	}
	return nil
}

// LogFromRequest records an audit event enriched with the caller's address and user agent
func (al *AuditLogger) LogFromRequest(r *http.Request, ev *AuditEvent, err error) error {
	ev.IPAddress = clientIP(r)
	ev.UserAgent = r.UserAgent()
	if err != nil {
		ev.ErrorCode = CodeOf(err)
		ev.ErrorMessage = AsError(err).Message
	}
	return al.LogAction(r.Context(), ev)
}

// clientIP prefers the address resolved against the trusted proxy list
func clientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Audit actions
const (
	ActionAgentRegister     = "agent.register"
	ActionKeyIssue          = "key.issue"
	ActionKeyRevoke         = "key.revoke"
	ActionClaimTokenCreate  = "claim_token.create"
	ActionClaimTokenRedeem  = "claim_token.redeem"
	ActionAuthSuccess       = "auth.success"
	ActionAuthFailure       = "auth.failure"
	ActionRefreshAttempt    = "auth.refresh"
	ActionRateLimitExceeded = "ratelimit.exceeded"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)
