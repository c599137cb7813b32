// Package middleware composes agent authentication and admission control for HTTP routes.
//
// # Agent routes
//
//	authn := middleware.NewAuthMiddleware(verifier, controller, plans, audit, logger)
//	router.Handle("/api/v1/posts", authn.Authenticate(
//		middleware.Category(ratelimit.CategoryPost),
//		middleware.RequirePermission(auth.PermissionWrite),
//	)(postsHandler))
//
// Authenticate strips any client supplied X-Agent-* headers, verifies the bearer credential,
// checks the route's permission and rate limit category, then sets X-Agent-Id, X-Agent-Name and
// X-Agent-Permissions from the verified identity. Handlers read the identity with GetIdentity.
//
// # Responses
//
//	401 UNAUTHORIZED / INVALID_CREDENTIAL
//	403 AGENT_INACTIVE / FORBIDDEN
//	404 AGENT_NOT_FOUND
//	429 RATE_LIMITED with Retry-After and a reset_at timestamp
//
// Admitted requests on rate limited routes carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset.
//
// # Developer routes
//
// DeveloperSession accepts dashboard session tokens and exposes the principal via GetDeveloper.
package middleware
