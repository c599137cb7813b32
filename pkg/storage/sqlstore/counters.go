package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/agentgate/pkg/storage"
)

// dayLayout is the text form of daily_usage.day
const dayLayout = "2006-01-02"

// ConsumeWindow performs the check and the increment in a single statement.
// The row is created with hits=1 or incremented only while hits < max; when the guard
// fails no row is returned and the counter is left unchanged.
func (s *Store) ConsumeWindow(ctx context.Context, key storage.WindowKey, max int, window time.Duration) (int, bool, error) {
	if max <= 0 {
		return 0, false, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := key.WindowStart.UnixMilli()
	end := key.WindowStart.Add(window).UnixMilli()

	query := s.rebind(`
		INSERT INTO rate_limit_windows (subject_id, category, window_start, window_end, hits)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (subject_id, category, window_start)
		DO UPDATE SET hits = rate_limit_windows.hits + 1
		WHERE rate_limit_windows.hits < ?
		RETURNING hits
	`)

	var hits int
	err := s.db.QueryRowContext(ctx, query, key.SubjectID, key.Category, start, end, max).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return max, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to consume rate limit window: %w", err)
	}
	return hits, true, nil
}

// IncrementDailyUsage bumps the per-day usage counter
func (s *Store) IncrementDailyUsage(ctx context.Context, subjectID string, day time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.rebind(`
		INSERT INTO daily_usage (subject_id, day, hits) VALUES (?, ?, 1)
		ON CONFLICT (subject_id, day) DO UPDATE SET hits = daily_usage.hits + 1
	`)
	if _, err := s.db.ExecContext(ctx, query, subjectID, storage.DayStart(day).Format(dayLayout)); err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return nil
}

// GetDailyUsage reads the per-day usage counter; a missing row reads as zero
func (s *Store) GetDailyUsage(ctx context.Context, subjectID string, day time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var hits int64
	query := s.rebind(`SELECT hits FROM daily_usage WHERE subject_id = ? AND day = ?`)
	err := s.db.QueryRowContext(ctx, query, subjectID, storage.DayStart(day).Format(dayLayout)).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return hits, nil
}

// PurgeCounters deletes windows and daily rows that ended before the cutoff
func (s *Store) PurgeCounters(ctx context.Context, endedBefore time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM rate_limit_windows WHERE window_end < ?`), endedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limit windows: %w", err)
	}
	windows, _ := res.RowsAffected()

	// daily rows are kept until the day after they close
	lastDone := storage.DayStart(endedBefore).AddDate(0, 0, -1).Format(dayLayout)
	res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM daily_usage WHERE day < ?`), lastDone)
	if err != nil {
		return 0, fmt.Errorf("failed to purge daily usage: %w", err)
	}
	days, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return windows + days, nil
}
