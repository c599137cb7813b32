package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

const credentialColumns = `id, agent_id, secret_hash, visible_prefix, permissions, created_at, revoked_at`

func scanCredential(row rowScanner) (*auth.Credential, error) {
	var (
		cred    auth.Credential
		perms   string
		revoked sql.NullTime
	)
	if err := row.Scan(&cred.ID, &cred.AgentID, &cred.SecretHash, &cred.VisiblePrefix,
		&perms, &cred.CreatedAt, &revoked); err != nil {
		return nil, err
	}
	set, err := auth.ParsePermissionSet(perms)
	if err != nil {
		return nil, fmt.Errorf("corrupt permissions for credential %s: %w", cred.ID, err)
	}
	cred.Permissions = set
	cred.CreatedAt = cred.CreatedAt.UTC()
	cred.RevokedAt = nullTimePtr(revoked)
	return &cred, nil
}

// CreateCredential inserts an API key record
func (s *Store) CreateCredential(ctx context.Context, cred *auth.Credential) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.insertCredential(ctx, s.db, cred)
}

func (s *Store) insertCredential(ctx context.Context, db execer, cred *auth.Credential) error {
	query := s.rebind(`
		INSERT INTO api_credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`)
	_, err := db.ExecContext(ctx, query,
		cred.ID, cred.AgentID, cred.SecretHash, cred.VisiblePrefix,
		cred.Permissions.String(), utc(cred.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// FindActiveCredentialsByPrefix returns all non-revoked credentials with the prefix
func (s *Store) FindActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*auth.Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		SELECT ` + credentialColumns + ` FROM api_credentials
		WHERE visible_prefix = ? AND revoked_at IS NULL
		ORDER BY created_at
	`)
	return s.queryCredentials(ctx, query, prefix)
}

// ListCredentials returns every credential of an agent, newest first
func (s *Store) ListCredentials(ctx context.Context, agentID string) ([]*auth.Credential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		SELECT ` + credentialColumns + ` FROM api_credentials
		WHERE agent_id = ?
		ORDER BY created_at DESC
	`)
	return s.queryCredentials(ctx, query, agentID)
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...interface{}) ([]*auth.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*auth.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

// RevokeCredential revokes an active credential owned by agentID
func (s *Store) RevokeCredential(ctx context.Context, agentID, credentialID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		UPDATE api_credentials SET revoked_at = ?
		WHERE id = ? AND agent_id = ? AND revoked_at IS NULL
	`)
	res, err := s.db.ExecContext(ctx, query, utc(at), credentialID, agentID)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	return requireAffected(res)
}
