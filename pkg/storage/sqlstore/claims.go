package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

const claimColumns = `id, agent_id, secret_hash, visible_prefix, expires_at, created_at, redeemed_at, redeemed_by_user_id`

func scanClaim(row rowScanner) (*auth.ClaimToken, error) {
	var (
		token      auth.ClaimToken
		redeemedAt sql.NullTime
		redeemedBy sql.NullString
	)
	if err := row.Scan(&token.ID, &token.AgentID, &token.SecretHash, &token.VisiblePrefix,
		&token.ExpiresAt, &token.CreatedAt, &redeemedAt, &redeemedBy); err != nil {
		return nil, err
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	token.RedeemedAt = nullTimePtr(redeemedAt)
	token.RedeemedByUserID = nullStringPtr(redeemedBy)
	return &token, nil
}

// CreateClaimToken inserts a pending claim token
func (s *Store) CreateClaimToken(ctx context.Context, token *auth.ClaimToken) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		INSERT INTO claim_tokens (` + claimColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
	`)
	_, err := s.db.ExecContext(ctx, query,
		token.ID, token.AgentID, token.SecretHash, token.VisiblePrefix,
		utc(token.ExpiresAt), utc(token.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create claim token: %w", err)
	}
	return nil
}

// FindPendingClaimTokensByPrefix returns unredeemed tokens with the prefix
func (s *Store) FindPendingClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error) {
	return s.findClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_tokens
		WHERE visible_prefix = ? AND redeemed_at IS NULL
		ORDER BY created_at
	`, prefix)
}

// FindRedeemedClaimTokensByPrefix returns redeemed tokens with the prefix
func (s *Store) FindRedeemedClaimTokensByPrefix(ctx context.Context, prefix string) ([]*auth.ClaimToken, error) {
	return s.findClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_tokens
		WHERE visible_prefix = ? AND redeemed_at IS NOT NULL
		ORDER BY created_at
	`, prefix)
}

func (s *Store) findClaims(ctx context.Context, query string, prefix string) ([]*auth.ClaimToken, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*auth.ClaimToken
	for rows.Next() {
		token, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim tokens: %w", err)
	}
	return tokens, nil
}

// RedeemClaimToken marks the token redeemed and transfers the agent in one transaction.
// The conditional update is the serialization point: of N concurrent callers exactly one
// sees an affected row, the rest get storage.ErrAlreadyRedeemed and roll back.
func (s *Store) RedeemClaimToken(ctx context.Context, req storage.RedeemRequest) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := utc(req.At)

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE claim_tokens SET redeemed_at = ?, redeemed_by_user_id = ?
		WHERE id = ? AND redeemed_at IS NULL
	`), at, req.UserID, req.TokenID)
	if err != nil {
		return fmt.Errorf("failed to redeem claim token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrAlreadyRedeemed
	}

	res, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE agents SET owner_developer_id = ?, updated_at = ? WHERE id = ?
	`), req.DeveloperID, at, req.AgentID)
	if err != nil {
		return fmt.Errorf("failed to transfer agent ownership: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit redemption: %w", err)
	}
	return nil
}

// PurgeClaimTokens deletes tokens that expired before the cutoff
func (s *Store) PurgeClaimTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM claim_tokens WHERE expires_at < ?`), utc(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge claim tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
