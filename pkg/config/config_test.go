package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// TestGetEnvHelpers tests the getEnv* helper functions
func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "custom")
	t.Setenv("TEST_BOOL_TRUE", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_NO", "no")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_BAD", "ninety")

	if got := getEnv("TEST_STRING", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_STRING_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if !getEnvBool("TEST_BOOL_TRUE", false) || !getEnvBool("TEST_BOOL_ONE", false) {
		t.Error("getEnvBool() should accept true and 1")
	}
	if getEnvBool("TEST_BOOL_NO", true) {
		t.Error("getEnvBool() should treat other values as false")
	}
	if !getEnvBool("TEST_BOOL_UNSET", true) {
		t.Error("getEnvBool() should return the default when unset")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt() = %v, want default 7 for invalid input", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvDuration("TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want default for invalid input", got)
	}
}

// TestLoadStorageConfig tests storage and redis settings
func TestLoadStorageConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got := loadStorageConfig()
		want := storage.DefaultConfig()
		if got.Driver != want.Driver || got.URL != want.URL || got.CounterBackend != want.CounterBackend {
			t.Errorf("loadStorageConfig() = %+v, want defaults %+v", got, want)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		t.Setenv("AGENTGATE_STORAGE_DRIVER", "Postgres")
		t.Setenv("AGENTGATE_DATABASE_URL", "postgres://db/agentgate")
		t.Setenv("AGENTGATE_DATABASE_MAX_CONNS", "50")
		t.Setenv("AGENTGATE_QUERY_TIMEOUT", "2s")
		t.Setenv("AGENTGATE_COUNTER_BACKEND", "redis")
		t.Setenv("AGENTGATE_REDIS_URL", "redis://cache:6379")
		t.Setenv("AGENTGATE_REDIS_DB", "3")
		t.Setenv("AGENTGATE_REDIS_POOL_SIZE", "25")

		got := loadStorageConfig()
		if got.Driver != "postgres" {
			t.Errorf("Driver = %v, want postgres", got.Driver)
		}
		if got.URL != "postgres://db/agentgate" {
			t.Errorf("URL = %v", got.URL)
		}
		if got.MaxConns != 50 {
			t.Errorf("MaxConns = %v, want 50", got.MaxConns)
		}
		if got.QueryTimeout != 2*time.Second {
			t.Errorf("QueryTimeout = %v, want 2s", got.QueryTimeout)
		}
		if got.CounterBackend != "redis" || got.RedisURL != "redis://cache:6379" {
			t.Errorf("counter backend = %v %v", got.CounterBackend, got.RedisURL)
		}
		if got.RedisDB != 3 || got.RedisPoolSize != 25 {
			t.Errorf("RedisDB = %v, RedisPoolSize = %v", got.RedisDB, got.RedisPoolSize)
		}
	})
}

// TestLoadObservabilityConfig tests observability settings
func TestLoadObservabilityConfig(t *testing.T) {
	t.Setenv("AGENTGATE_LOG_LEVEL", "debug")
	t.Setenv("AGENTGATE_METRICS_ENABLED", "false")
	t.Setenv("AGENTGATE_OTEL_ENABLED", "true")
	t.Setenv("AGENTGATE_OTEL_SAMPLE_RATIO", "0.1")

	got := loadObservabilityConfig()
	if got.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", got.LogLevel)
	}
	if got.MetricsEnabled {
		t.Error("MetricsEnabled should be false")
	}
	if !got.OTelEnabled || got.OTelServiceName != "agentgate" || got.OTelSampleRatio != 0.1 {
		t.Errorf("otel config = %+v", got)
	}
}

// TestLoadMaintenanceConfig tests janitor defaults
func TestLoadMaintenanceConfig(t *testing.T) {
	got := loadMaintenanceConfig()
	if !got.Enabled || got.Schedule != "@hourly" {
		t.Errorf("maintenance = %+v", got)
	}
	if got.CounterRetention != 48*time.Hour {
		t.Errorf("CounterRetention = %v, want 48h", got.CounterRetention)
	}
	if got.ClaimTokenRetention != 7*24*time.Hour {
		t.Errorf("ClaimTokenRetention = %v, want 168h", got.ClaimTokenRetention)
	}
}

func validConfig() Config {
	return Config{
		Server:      ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage:     storage.DefaultConfig(),
		Auth:        AuthConfig{SessionSecret: "secret", CapabilityTTL: time.Hour},
		RateLimit:   RateLimitConfig{UsageWorkers: 1, UsageQueueSize: 1},
		Maintenance: loadMaintenanceConfig(),
	}
}

// TestConfigValidate tests configuration validation
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = "8080" }, "must be different"},
		{"trusted proxies", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1"} }, ""},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/99"} }, "invalid trusted proxy"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "invalid storage driver"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.URL = "" }, "database URL is required"},
		{"memory with sql counters", func(c *Config) { c.Storage.Driver = "memory" }, "requires a sql storage driver"},
		{"memory with memory counters", func(c *Config) { c.Storage.Driver = "memory"; c.Storage.CounterBackend = "memory" }, ""},
		{"redis without url", func(c *Config) { c.Storage.CounterBackend = "redis" }, "redis URL is required"},
		{"redis", func(c *Config) { c.Storage.CounterBackend = "redis"; c.Storage.RedisURL = "redis://localhost:6379" }, ""},
		{"bad counter backend", func(c *Config) { c.Storage.CounterBackend = "etcd" }, "invalid counter backend"},
		{"missing session secret", func(c *Config) { c.Auth.SessionSecret = "" }, "session secret is required"},
		{"capability without ttl", func(c *Config) { c.Auth.CapabilitySecret = "x"; c.Auth.CapabilityTTL = 0 }, "TTL must be positive"},
		{"watch without file", func(c *Config) { c.RateLimit.WatchLimits = true }, "requires a limits file"},
		{"bad schedule", func(c *Config) { c.Maintenance.Schedule = "every hour" }, "invalid janitor schedule"},
		{"cron schedule", func(c *Config) { c.Maintenance.Schedule = "*/15 * * * *" }, ""},
		{"bad schedule ignored when disabled", func(c *Config) { c.Maintenance.Enabled = false; c.Maintenance.Schedule = "x" }, ""},
		{"zero retention", func(c *Config) { c.Maintenance.CounterRetention = 0 }, "retention periods must be positive"},
		{"otel without endpoint", func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelServiceName = "svc" }, "endpoint is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfig tests the LoadConfig function
func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		t.Setenv("AGENTGATE_SESSION_SECRET", "s3cret")
		t.Setenv("AGENTGATE_STORAGE_DRIVER", "memory")
		t.Setenv("AGENTGATE_COUNTER_BACKEND", "memory")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Server.Port != "8080" || cfg.Storage.Driver != "memory" {
			t.Errorf("LoadConfig() = %+v", cfg)
		}
		if cfg.PlanCache.CacheTTL != time.Minute {
			t.Errorf("PlanCache.CacheTTL = %v, want 1m", cfg.PlanCache.CacheTTL)
		}
		if len(cfg.Server.TrustedProxies) != 0 {
			t.Errorf("TrustedProxies = %v, want none by default", cfg.Server.TrustedProxies)
		}
	})

	t.Run("trusted proxies", func(t *testing.T) {
		t.Setenv("AGENTGATE_SESSION_SECRET", "s3cret")
		t.Setenv("AGENTGATE_STORAGE_DRIVER", "memory")
		t.Setenv("AGENTGATE_COUNTER_BACKEND", "memory")
		t.Setenv("AGENTGATE_TRUSTED_PROXIES", "10.0.0.0/8, ,fd00::/8")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if len(cfg.Server.TrustedProxies) != 2 || cfg.Server.TrustedProxies[1] != "fd00::/8" {
			t.Errorf("TrustedProxies = %v", cfg.Server.TrustedProxies)
		}
	})

	t.Run("missing session secret", func(t *testing.T) {
		t.Setenv("AGENTGATE_SESSION_SECRET", "")
		if _, err := LoadConfig(); err == nil {
			t.Error("LoadConfig() expected error")
		}
	})
}
