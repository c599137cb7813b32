package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/agentgate/pkg/async"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

const usageTaskTimeout = 5 * time.Second

// UsageRecorder maintains the advisory per-day usage counter off the request path
type UsageRecorder struct {
	counters storage.CounterStore
	pool     *async.WorkerPool
	logger   *observability.Logger
	now      func() time.Time
}

// NewUsageRecorder creates a recorder. With a nil pool each increment runs in its own goroutine.
func NewUsageRecorder(counters storage.CounterStore, pool *async.WorkerPool, logger *observability.Logger) *UsageRecorder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &UsageRecorder{counters: counters, pool: pool, logger: logger, now: time.Now}
}

// Record schedules an increment of today's usage for subjectID. It never blocks and never fails
// the caller; a full queue drops the increment.
func (u *UsageRecorder) Record(ctx context.Context, subjectID string) {
	day := u.now()
	task := func(ctx context.Context) error {
		return u.counters.IncrementDailyUsage(ctx, subjectID, day)
	}

	if u.pool == nil {
		async.SafeGo(ctx, u.logger, usageTaskTimeout, "daily_usage", task)
		return
	}
	if err := u.pool.TrySubmit(task); err != nil {
		l := u.logger.WithError(err).WithField("subject", subjectID)
		if errors.Is(err, async.ErrPoolFull) {
			l.Debug("usage queue full, dropping increment")
			return
		}
		l.Warn("failed to schedule usage increment")
	}
}

// Today returns the advisory usage counter for subjectID for the current UTC day
func (u *UsageRecorder) Today(ctx context.Context, subjectID string) (int64, error) {
	return u.counters.GetDailyUsage(ctx, subjectID, u.now())
}
