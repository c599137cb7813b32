package storage

import "time"

// Config for storage backends
type Config struct {
	Driver string // "postgres", "sqlite", "memory"

	// SQL config
	URL          string
	MaxConns     int
	MinConns     int
	QueryTimeout time.Duration // Bound applied to every store call

	// Counter backend: "sql", "redis", "memory"
	CounterBackend string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		URL:             "file:agentgate.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxConns:        20,
		MinConns:        2,
		QueryTimeout:    5 * time.Second,
		CounterBackend:  "sql",
		RedisDB:         -1,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}
}
