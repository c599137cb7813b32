// Package api provides the HTTP API server for agentgate.
//
// # Overview
//
// The server exposes agent registration, credential management and claim redemption on top
// of the identity, ratelimit and billing packages. It is built on gorilla/mux and wrapped
// with request id, logging, recovery and OpenTelemetry middleware.
//
// # Routes
//
//	POST   /api/v1/agents/register      rate limited by client IP
//	GET    /api/v1/agents/me            API key, suspended agents allowed
//	GET    /api/v1/agents/me/usage      API key, suspended agents allowed
//	GET    /api/v1/agents/me/keys       API key
//	POST   /api/v1/agents/me/keys       API key with write
//	DELETE /api/v1/agents/me/keys/{id}  API key with write
//	POST   /api/v1/agents/me/claim-token API key with write, claim-token category
//	POST   /api/v1/claims               developer session
//	POST   /api/v1/auth/token           API key, deprecated capability token
//	POST   /api/v1/auth/refresh         always 410
//	GET    /health/live, /health/ready, /metrics
//
// Errors use the body {"error": "...", "code": "..."} where code is one of the auth
// package error codes.
//
// # Usage
//
//	server := api.NewServer(api.Services{Issuer: issuer, Claims: claims, Authn: authn, ...})
//	http.ListenAndServe(":8080", server)
package api
