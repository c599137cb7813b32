package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/agentgate/pkg/storage"
)

// Dialect selects SQL syntax differences between PostgreSQL and SQLite
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// driverName returns the database/sql driver registered for the dialect
func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "postgres"
}

// ParseDialect maps a configured driver name to a dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return 0, fmt.Errorf("unsupported sql driver: %s", driver)
	}
}

// Store implements storage.SecretStore and storage.CounterStore on database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

var (
	_ storage.SecretStore  = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
	_ storage.Pinger       = (*Store)(nil)
)

// New wraps an existing connection pool
func New(db *sql.DB, dialect Dialect, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, dialect: dialect, timeout: timeout}
}

// Open connects to the configured database and verifies connectivity
func Open(cfg storage.Config) (*Store, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.driverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}

	if dialect == SQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY under concurrency
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MinConns)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}

	store := New(db, dialect, cfg.QueryTimeout)

	ctx, cancel := store.withTimeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	return store, nil
}

// DB returns the underlying pool for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured dialect
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// withTimeout bounds every store call
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// rebind converts '?' placeholders to the dialect's positional form
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isUniqueViolation recognizes unique constraint failures from either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// utc normalizes timestamps so SQLite's text encoding compares correctly
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
