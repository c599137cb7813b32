package sqlstore

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS developers (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT 'free',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		permissions TEXT NOT NULL,
		owner_developer_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS api_credentials (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		secret_hash TEXT NOT NULL,
		visible_prefix TEXT NOT NULL,
		permissions TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_credentials_prefix ON api_credentials (visible_prefix) WHERE revoked_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS claim_tokens (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		secret_hash TEXT NOT NULL,
		visible_prefix TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		redeemed_at TIMESTAMPTZ,
		redeemed_by_user_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claim_tokens_prefix ON claim_tokens (visible_prefix)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		subject_id TEXT NOT NULL,
		category TEXT NOT NULL,
		window_start BIGINT NOT NULL,
		window_end BIGINT NOT NULL,
		hits INTEGER NOT NULL,
		PRIMARY KEY (subject_id, category, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		subject_id TEXT NOT NULL,
		day TEXT NOT NULL,
		hits BIGINT NOT NULL,
		PRIMARY KEY (subject_id, day)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS developers (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT 'free',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		permissions TEXT NOT NULL,
		owner_developer_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS api_credentials (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		secret_hash TEXT NOT NULL,
		visible_prefix TEXT NOT NULL,
		permissions TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_credentials_prefix ON api_credentials (visible_prefix) WHERE revoked_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS claim_tokens (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		secret_hash TEXT NOT NULL,
		visible_prefix TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		redeemed_at TIMESTAMP,
		redeemed_by_user_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_claim_tokens_prefix ON claim_tokens (visible_prefix)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		subject_id TEXT NOT NULL,
		category TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		hits INTEGER NOT NULL,
		PRIMARY KEY (subject_id, category, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		subject_id TEXT NOT NULL,
		day TEXT NOT NULL,
		hits INTEGER NOT NULL,
		PRIMARY KEY (subject_id, day)
	)`,
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == SQLite {
		stmts = sqliteSchema
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertDeveloper registers or updates a developer's plan tier
func (s *Store) UpsertDeveloper(ctx context.Context, developerID, plan string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		INSERT INTO developers (id, plan) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET plan = excluded.plan
	`)
	if _, err := s.db.ExecContext(ctx, query, developerID, plan); err != nil {
		return fmt.Errorf("failed to upsert developer: %w", err)
	}
	return nil
}
