package main

import (
	"context"
	"fmt"
	"io"

	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
	"github.com/platinummonkey/agentgate/pkg/storage/memory"
	"github.com/platinummonkey/agentgate/pkg/storage/redisstore"
	"github.com/platinummonkey/agentgate/pkg/storage/sqlstore"
)

// stores holds the selected backends. Secrets and Counters may be the same value.
type stores struct {
	Secrets  storage.SecretStore
	Counters storage.CounterStore

	critical map[string]storage.Pinger
	optional map[string]storage.Pinger
	closers  []io.Closer
}

// openStores connects the configured storage driver and counter backend
func openStores(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*stores, error) {
	s := &stores{
		critical: make(map[string]storage.Pinger),
		optional: make(map[string]storage.Pinger),
	}

	var (
		sqlStore *sqlstore.Store
		memStore *memory.Store
	)
	switch cfg.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; state is lost on restart and not shared between instances")
		memStore = memory.New()
		s.Secrets = memStore
		s.critical["storage"] = memStore
	case "postgres", "sqlite":
		db, err := sqlstore.Open(cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db)
		if err := db.Migrate(ctx); err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("failed to migrate %s schema: %w", db.Dialect(), err)
		}
		sqlStore = db
		s.Secrets = db
		s.critical["database"] = db
		logger.WithField("driver", db.Dialect().String()).Info("SQL storage initialized")
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	switch cfg.CounterBackend {
	case "sql":
		if sqlStore == nil {
			s.Close(logger)
			return nil, fmt.Errorf("sql counter backend requires a sql storage driver")
		}
		s.Counters = sqlStore
	case "redis":
		rs, err := redisstore.Open(cfg)
		if err != nil {
			s.Close(logger)
			return nil, err
		}
		s.closers = append(s.closers, rs)
		s.Counters = rs
		// Counter failures fail open, so Redis only degrades the service
		s.optional["redis"] = rs
		logger.Info("Redis counter backend initialized")
	case "memory":
		if memStore == nil {
			memStore = memory.New()
		}
		s.Counters = memStore
	default:
		s.Close(logger)
		return nil, fmt.Errorf("unsupported counter backend: %s", cfg.CounterBackend)
	}

	return s, nil
}

// RegisterHealth adds every backend to the readiness probe
func (s *stores) RegisterHealth(h *observability.HealthChecker) {
	for name, p := range s.critical {
		h.AddCritical(name, p)
	}
	for name, p := range s.optional {
		h.AddOptional(name, p)
	}
}

// Close releases every backend connection
func (s *stores) Close(logger *observability.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage backend")
		}
	}
}
