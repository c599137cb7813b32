// Package storage defines the persistence contracts for agent identities, credentials,
// claim tokens and admission counters.
//
// # Overview
//
// Secrets and counters are split into two interfaces so they can live in different
// backends. The SecretStore holds everything that must be durable and consistent:
//
//   - AgentStore: agent records, status and the owning developer's plan
//   - CredentialStore: hashed API keys, looked up by their visible prefix
//   - ClaimTokenStore: hashed one-time claim tokens and their atomic redemption
//
// The CounterStore holds fixed-window admission counters and daily usage. Losing
// counter state only weakens rate limiting, so callers treat its errors as non-fatal.
//
// # Backends
//
// Three implementations are provided:
//
//   - memory: process-local maps guarded by a mutex. Used by tests and single-node dev.
//   - sqlstore: PostgreSQL (lib/pq) or SQLite (go-sqlite3) through database/sql.
//     Implements both SecretStore and CounterStore.
//   - redisstore: CounterStore only, on go-redis with per-window key expiry.
//
// Selecting a backend:
//
//	cfg := storage.DefaultConfig()
//	cfg.Driver = "postgres"
//	cfg.URL = "postgres://localhost/agentgate?sslmode=disable"
//	cfg.CounterBackend = "redis"
//	cfg.RedisURL = "redis://localhost:6379/0"
//
// # Errors
//
// Backends translate driver errors into ErrNotFound, ErrConflict and
// ErrAlreadyRedeemed. Anything else is an infrastructure failure and is wrapped
// with the failing operation.
//
// # Redemption
//
// RedeemClaimToken must mark the token redeemed and set the agent owner in one atomic
// step. Exactly one of any number of concurrent callers for the same token succeeds;
// the rest get ErrAlreadyRedeemed.
//
// # Registration
//
// CreateAgentWithCredential writes the agent and its first key together. A failure
// leaves no agent behind, so a retry with the same name does not hit ErrConflict.
//
// # Time
//
// All timestamps are stored in UTC. Daily usage is keyed by DayStart, the UTC
// midnight of the given instant.
package storage
