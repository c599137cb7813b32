// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// producers and consumers agree on the key and the stored type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/agentgate/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, identity)
//	identity, _ := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.Auth (pkg/middleware/auth.go)
	// Required by: every agent-authenticated endpoint
	// Type: *auth.Identity
	IdentityKey Key = "agent_identity"

	// AgentIDKey contains the authenticated agent id
	// Set by: middleware.Auth
	// Used by: Logger, audit trail
	// Type: string
	AgentIDKey Key = "agent_id"

	// DeveloperKey contains *auth.DeveloperPrincipal
	// Set by: middleware.DeveloperSession (pkg/middleware/developer.go)
	// Required by: claim redemption
	// Type: *auth.DeveloperPrincipal
	DeveloperKey Key = "developer_principal"

	// DecisionKey contains the *ratelimit.Decision taken for the request
	// Set by: middleware.Auth when a category is configured
	// Used by: handlers reporting remaining quota
	// Type: *ratelimit.Decision
	DecisionKey Key = "ratelimit_decision"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the resolved client address
	// Set by: httputil.ClientIPMiddleware
	// Used by: per-IP admission, request logs, audit trail
	// Type: string
	ClientIPKey Key = "client_ip"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithAgentID adds the authenticated agent id to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithDeveloper adds the authenticated developer principal to the context
func WithDeveloper(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, DeveloperKey, principal)
}

// WithDecision adds the admission decision to the context
func WithDecision(ctx context.Context, decision interface{}) context.Context {
	return context.WithValue(ctx, DecisionKey, decision)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetAgentID retrieves the authenticated agent id from context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// WithClientIP adds the resolved client address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetClientIP retrieves the resolved client address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
