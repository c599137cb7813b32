package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

const agentColumns = `id, name, display_name, description, status, permissions, owner_developer_id, created_at, updated_at, last_active_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scanAgent(row rowScanner) (*auth.Agent, error) {
	var (
		agent      auth.Agent
		status     string
		perms      string
		owner      sql.NullString
		lastActive sql.NullTime
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.DisplayName, &agent.Description,
		&status, &perms, &owner, &agent.CreatedAt, &agent.UpdatedAt, &lastActive)
	if err != nil {
		return nil, err
	}
	set, err := auth.ParsePermissionSet(perms)
	if err != nil {
		return nil, fmt.Errorf("corrupt permissions for agent %s: %w", agent.ID, err)
	}
	agent.Status = auth.AgentStatus(status)
	agent.Permissions = set
	agent.OwnerID = nullStringPtr(owner)
	agent.LastActive = nullTimePtr(lastActive)
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.UpdatedAt = agent.UpdatedAt.UTC()
	return &agent, nil
}

// CreateAgent inserts a new agent; a duplicate id or name returns storage.ErrConflict
func (s *Store) CreateAgent(ctx context.Context, agent *auth.Agent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.insertAgent(ctx, s.db, agent)
}

// CreateAgentWithCredential inserts an agent and its first credential in one transaction
func (s *Store) CreateAgentWithCredential(ctx context.Context, agent *auth.Agent, cred *auth.Credential) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertAgent(ctx, tx, agent); err != nil {
		return err
	}
	if err := s.insertCredential(ctx, tx, cred); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit agent registration: %w", err)
	}
	return nil
}

func (s *Store) insertAgent(ctx context.Context, db execer, agent *auth.Agent) error {
	query := s.rebind(`
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	var lastActive interface{}
	if agent.LastActive != nil {
		lastActive = utc(*agent.LastActive)
	}
	var owner interface{}
	if agent.OwnerID != nil {
		owner = *agent.OwnerID
	}

	_, err := db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.DisplayName, agent.Description,
		string(agent.Status), agent.Permissions.String(), owner,
		utc(agent.CreatedAt), utc(agent.UpdatedAt), lastActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent by id
func (s *Store) GetAgent(ctx context.Context, id string) (*auth.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`SELECT ` + agentColumns + ` FROM agents WHERE id = ?`)
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// GetAgentByName loads an agent by its unique name
func (s *Store) GetAgentByName(ctx context.Context, name string) (*auth.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`SELECT ` + agentColumns + ` FROM agents WHERE name = ?`)
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return agent, nil
}

// TouchAgent updates last_active_at
func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`UPDATE agents SET last_active_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	return requireAffected(res)
}

// SetAgentStatus changes an agent's status
func (s *Store) SetAgentStatus(ctx context.Context, id string, status auth.AgentStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return requireAffected(res)
}

// GetDeveloperPlan returns the plan tier of a developer account
func (s *Store) GetDeveloperPlan(ctx context.Context, developerID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var plan string
	query := s.rebind(`SELECT plan FROM developers WHERE id = ?`)
	err := s.db.QueryRowContext(ctx, query, developerID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get developer plan: %w", err)
	}
	return plan, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
