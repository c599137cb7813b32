package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/agentgate/pkg/observability"
)

// Job names used as the purged rows metric label
const (
	JobCounters    = "counters"
	JobClaimTokens = "claim_tokens"
)

const runTimeout = 5 * time.Minute

// CounterPurger removes expired rate limit windows and usage rows
type CounterPurger interface {
	PurgeCounters(ctx context.Context, endedBefore time.Time) (int64, error)
}

// ClaimTokenPurger removes long-expired claim tokens
type ClaimTokenPurger interface {
	PurgeClaimTokens(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// Config controls the janitor schedule and retention
type Config struct {
	Schedule            string
	CounterRetention    time.Duration
	ClaimTokenRetention time.Duration
}

// DefaultConfig runs hourly, keeping counters for 48h and expired claim tokens for 7 days
func DefaultConfig() Config {
	return Config{
		Schedule:            "@hourly",
		CounterRetention:    48 * time.Hour,
		ClaimTokenRetention: 7 * 24 * time.Hour,
	}
}

// Result reports the rows removed by one run
type Result struct {
	Counters    int64
	ClaimTokens int64
}

// Janitor periodically purges storage rows that no longer affect admission or redemption
type Janitor struct {
	counters CounterPurger
	claims   ClaimTokenPurger
	cfg      Config
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewJanitor creates a janitor. Either purger may be nil to skip that job.
func NewJanitor(counters CounterPurger, claims ClaimTokenPurger, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Janitor {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.CounterRetention <= 0 {
		cfg.CounterRetention = def.CounterRetention
	}
	if cfg.ClaimTokenRetention <= 0 {
		cfg.ClaimTokenRetention = def.ClaimTokenRetention
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Janitor{
		counters: counters,
		claims:   claims,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.WithField("component", "janitor"),
		now:      time.Now,
	}
}

// RunOnce runs every purge job. A failing job does not prevent the others.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := j.now().UTC()

	if j.counters != nil {
		n, err := j.counters.PurgeCounters(ctx, now.Add(-j.cfg.CounterRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge counters: %w", err))
		}
		res.Counters = n
		j.record(JobCounters, n)
	}

	if j.claims != nil {
		n, err := j.claims.PurgeClaimTokens(ctx, now.Add(-j.cfg.ClaimTokenRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge claim tokens: %w", err))
		}
		res.ClaimTokens = n
		j.record(JobClaimTokens, n)
	}

	return res, errors.Join(errs...)
}

// Run schedules RunOnce on the configured cron spec until ctx is cancelled, then waits for a
// running job to finish
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(j.cfg.Schedule, func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runTimeout)
		defer cancel()
		defer observability.RecoverPanic(j.logger, "janitor")

		res, err := j.RunOnce(runCtx)
		l := j.logger.WithFields(map[string]interface{}{
			"counters":     res.Counters,
			"claim_tokens": res.ClaimTokens,
		})
		if err != nil {
			l.WithError(err).Error("maintenance run failed")
			return
		}
		l.Info("maintenance run completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor %q: %w", j.cfg.Schedule, err)
	}

	c.Start()
	j.logger.WithField("schedule", j.cfg.Schedule).Info("janitor started")

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) record(job string, n int64) {
	if j.metrics != nil && n > 0 {
		j.metrics.PurgedRowsTotal.WithLabelValues(job).Add(float64(n))
	}
}
