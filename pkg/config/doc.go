// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	AGENTGATE_HOST="0.0.0.0"
//	AGENTGATE_PORT="8080"
//	AGENTGATE_HEALTH_PORT="9090"
//	AGENTGATE_READ_TIMEOUT="15s"
//	AGENTGATE_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	AGENTGATE_STORAGE_DRIVER="postgres"  # postgres, sqlite, memory
//	AGENTGATE_DATABASE_URL="postgres://localhost/agentgate?sslmode=disable"
//	AGENTGATE_DATABASE_MAX_CONNS="20"
//	AGENTGATE_QUERY_TIMEOUT="5s"
//	AGENTGATE_COUNTER_BACKEND="redis"  # sql, redis, memory
//	AGENTGATE_REDIS_URL="redis://localhost:6379"
//	AGENTGATE_REDIS_POOL_SIZE="10"
//
// Auth settings:
//
//	AGENTGATE_BCRYPT_COST="10"
//	AGENTGATE_SESSION_SECRET="..."      # required
//	AGENTGATE_CAPABILITY_SECRET="..."   # enables deprecated capability tokens
//	AGENTGATE_CAPABILITY_TTL="24h"
//
// Rate limit and plan settings:
//
//	AGENTGATE_RATELIMIT_FILE="/etc/agentgate/limits.yaml"
//	AGENTGATE_RATELIMIT_WATCH="true"
//	AGENTGATE_USAGE_WORKERS="4"
//	AGENTGATE_PLAN_CACHE_TTL="1m"
//
// Observability settings:
//
//	AGENTGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	AGENTGATE_METRICS_ENABLED="true"
//	AGENTGATE_OTEL_ENABLED="true"
//	AGENTGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// Maintenance settings:
//
//	AGENTGATE_JANITOR_SCHEDULE="@hourly"
//	AGENTGATE_COUNTER_RETENTION="48h"
//	AGENTGATE_CLAIM_TOKEN_RETENTION="168h"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
//   - pkg/maintenance: Uses the janitor schedule
package config
