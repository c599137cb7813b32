package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration, including the Redis counter backend
	Storage storage.Config

	// Credential and session configuration
	Auth AuthConfig

	// Admission control configuration
	RateLimit RateLimitConfig

	// Plan resolution cache
	PlanCache billing.ResolverConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Background maintenance
	Maintenance MaintenanceConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For
	TrustedProxies []string
}

// AuthConfig holds credential hashing and token signing settings
type AuthConfig struct {
	BcryptCost int

	// Deprecated capability tokens are accepted only when a secret is set
	CapabilitySecret string
	CapabilityIssuer string
	CapabilityTTL    time.Duration

	// SessionSecret verifies developer session tokens on the claim endpoint
	SessionSecret string
}

// RateLimitConfig holds admission control settings
type RateLimitConfig struct {
	// LimitsFile optionally overrides the category table
	LimitsFile string
	// WatchLimits reloads LimitsFile when it changes
	WatchLimits bool

	// Usage counter worker pool
	UsageWorkers   int
	UsageQueueSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// MaintenanceConfig holds the janitor schedule and retention
type MaintenanceConfig struct {
	Enabled             bool
	Schedule            string // cron spec, descriptors such as @hourly allowed
	CounterRetention    time.Duration
	ClaimTokenRetention time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		RateLimit:     loadRateLimitConfig(),
		PlanCache:     loadPlanCacheConfig(),
		Observability: loadObservabilityConfig(),
		Maintenance:   loadMaintenanceConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AGENTGATE_HOST", "0.0.0.0"),
		Port:            getEnv("AGENTGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AGENTGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AGENTGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AGENTGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AGENTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AGENTGATE_HEALTH_PORT", "9090"),
		TrustedProxies:  getEnvList("AGENTGATE_TRUSTED_PROXIES"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if driver := getEnv("AGENTGATE_STORAGE_DRIVER", ""); driver != "" {
		cfg.Driver = strings.ToLower(driver)
	}
	if url := getEnv("AGENTGATE_DATABASE_URL", ""); url != "" {
		cfg.URL = url
	}
	if maxConns := getEnvInt("AGENTGATE_DATABASE_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("AGENTGATE_DATABASE_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("AGENTGATE_QUERY_TIMEOUT", 0); timeout > 0 {
		cfg.QueryTimeout = timeout
	}

	if backend := getEnv("AGENTGATE_COUNTER_BACKEND", ""); backend != "" {
		cfg.CounterBackend = strings.ToLower(backend)
	}

	// Redis config
	if redisURL := getEnv("AGENTGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("AGENTGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("AGENTGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("AGENTGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("AGENTGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadAuthConfig loads credential settings from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		BcryptCost:       getEnvInt("AGENTGATE_BCRYPT_COST", auth.DefaultHashCost),
		CapabilitySecret: getEnv("AGENTGATE_CAPABILITY_SECRET", ""),
		CapabilityIssuer: getEnv("AGENTGATE_CAPABILITY_ISSUER", "agentgate"),
		CapabilityTTL:    getEnvDuration("AGENTGATE_CAPABILITY_TTL", auth.DefaultCapabilityTTL),
		SessionSecret:    getEnv("AGENTGATE_SESSION_SECRET", ""),
	}
}

// loadRateLimitConfig loads admission control settings from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		LimitsFile:     getEnv("AGENTGATE_RATELIMIT_FILE", ""),
		WatchLimits:    getEnvBool("AGENTGATE_RATELIMIT_WATCH", false),
		UsageWorkers:   getEnvInt("AGENTGATE_USAGE_WORKERS", 4),
		UsageQueueSize: getEnvInt("AGENTGATE_USAGE_QUEUE_SIZE", 1024),
	}
}

func loadPlanCacheConfig() billing.ResolverConfig {
	def := billing.DefaultResolverConfig()
	return billing.ResolverConfig{
		CacheSize: getEnvInt("AGENTGATE_PLAN_CACHE_SIZE", def.CacheSize),
		CacheTTL:  getEnvDuration("AGENTGATE_PLAN_CACHE_TTL", def.CacheTTL),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("AGENTGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("AGENTGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AGENTGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AGENTGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AGENTGATE_OTEL_SERVICE_NAME", "agentgate"),
		OTelServiceVersion: getEnv("AGENTGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AGENTGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("AGENTGATE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// loadMaintenanceConfig loads janitor settings from environment
func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:             getEnvBool("AGENTGATE_JANITOR_ENABLED", true),
		Schedule:            getEnv("AGENTGATE_JANITOR_SCHEDULE", "@hourly"),
		CounterRetention:    getEnvDuration("AGENTGATE_COUNTER_RETENTION", 48*time.Hour),
		ClaimTokenRetention: getEnvDuration("AGENTGATE_CLAIM_TOKEN_RETENTION", 7*24*time.Hour),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if _, err := httputil.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	// Validate auth config
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if c.Auth.CapabilitySecret != "" && c.Auth.CapabilityTTL <= 0 {
		return fmt.Errorf("capability token TTL must be positive")
	}

	// Validate rate limit config
	if c.RateLimit.WatchLimits && c.RateLimit.LimitsFile == "" {
		return fmt.Errorf("rate limit watch requires a limits file")
	}
	if c.RateLimit.UsageWorkers < 0 || c.RateLimit.UsageQueueSize < 0 {
		return fmt.Errorf("usage worker pool sizes must not be negative")
	}

	// Validate maintenance config
	if c.Maintenance.Enabled {
		if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
			return fmt.Errorf("invalid janitor schedule %q: %w", c.Maintenance.Schedule, err)
		}
		if c.Maintenance.CounterRetention <= 0 || c.Maintenance.ClaimTokenRetention <= 0 {
			return fmt.Errorf("janitor retention periods must be positive")
		}
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
		if c.Storage.URL == "" {
			return fmt.Errorf("database URL is required for %s storage", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres, sqlite, or memory)", c.Storage.Driver)
	}

	switch c.Storage.CounterBackend {
	case "sql":
		if c.Storage.Driver == "memory" {
			return fmt.Errorf("sql counter backend requires a sql storage driver")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis counter backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid counter backend: %s (must be sql, redis, or memory)", c.Storage.CounterBackend)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable as a list
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
