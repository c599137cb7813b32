package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// DailyWindow is the length of the plan ceiling window
const DailyWindow = 24 * time.Hour

// Controller decides whether a subject may make a request in a category
type Controller struct {
	counters storage.CounterStore
	table    *Table
	usage    *UsageRecorder
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithUsageRecorder records advisory daily usage for every admitted request
func WithUsageRecorder(u *UsageRecorder) ControllerOption {
	return func(c *Controller) { c.usage = u }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates an admission controller over a counter store
func NewController(counters storage.CounterStore, table *Table, opts ...ControllerOption) *Controller {
	if table == nil {
		table = NewTable(nil)
	}
	c := &Controller{
		counters: counters,
		table:    table,
		logger:   observability.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the category table in use
func (c *Controller) Table() *Table {
	return c.table
}

// CheckAndConsume admits or rejects one request by subjectID in a named category under plan.
// The returned error is non-nil only for an unknown category.
func (c *Controller) CheckAndConsume(ctx context.Context, subjectID, category string, plan billing.PlanTier) (*Decision, error) {
	limit, ok := c.table.Get(category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return c.check(ctx, subjectID, category, limit, plan), nil
}

// CheckAndConsumeLimit applies an ad-hoc limit that bypasses the named table.
// Identical limits share one counter per subject.
func (c *Controller) CheckAndConsumeLimit(ctx context.Context, subjectID string, limit Limit, plan billing.PlanTier) (*Decision, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	category := fmt.Sprintf("adhoc:%d:%d", limit.MaxRequests, limit.Window.Milliseconds())
	return c.check(ctx, subjectID, category, limit, plan), nil
}

func (c *Controller) check(ctx context.Context, subjectID, category string, limit Limit, plan billing.PlanTier) *Decision {
	ctx, span := observability.Tracer().Start(ctx, "ratelimit.CheckAndConsume", trace.WithAttributes(
		attribute.String("ratelimit.category", category),
		attribute.String("billing.plan", string(plan)),
	))
	defer span.End()

	now := c.now()

	d := c.consume(ctx, subjectID, category, limit, now)
	if !d.Allowed {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
		return d
	}

	// The daily slot is only taken by requests the category window admitted.
	if ceiling := plan.DailyLimit(); ceiling != billing.Unlimited {
		daily := c.consume(ctx, subjectID, CategoryDaily, NewLimit(ceiling, DailyWindow), now)
		if !daily.Allowed {
			span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
			return daily
		}
	}

	span.SetAttributes(attribute.Bool("ratelimit.allowed", true))
	if c.usage != nil {
		c.usage.Record(ctx, subjectID)
	}
	return d
}

func (c *Controller) consume(ctx context.Context, subjectID, category string, limit Limit, now time.Time) *Decision {
	start := WindowStart(now, limit.Window)
	d := &Decision{
		Category: category,
		Limit:    limit.MaxRequests,
		ResetAt:  start.Add(limit.Window),
	}

	if limit.MaxRequests <= 0 {
		c.record(category, "rejected")
		return d
	}

	key := storage.WindowKey{SubjectID: subjectID, Category: category, WindowStart: start}
	count, admitted, err := c.counters.ConsumeWindow(ctx, key, limit.MaxRequests, limit.Window)
	if err != nil {
		if c.metrics != nil {
			c.metrics.StoreErrorsTotal.WithLabelValues("consume_window").Inc()
		}
		observability.FromContextOr(ctx, c.logger).WithError(err).WithFields(map[string]interface{}{
			"subject":  subjectID,
			"category": category,
		}).Warn("rate limit store unavailable, admitting request")
		c.record(category, "failed_open")
		d.Allowed = true
		d.FailedOpen = true
		d.Remaining = limit.MaxRequests
		return d
	}

	d.Allowed = admitted
	if remaining := limit.MaxRequests - count; remaining > 0 {
		d.Remaining = remaining
	}
	if admitted {
		c.record(category, "allowed")
	} else {
		c.record(category, "rejected")
	}
	return d
}

func (c *Controller) record(category, decision string) {
	if c.metrics == nil {
		return
	}
	// Ad-hoc categories are collapsed to keep label cardinality bounded
	if strings.HasPrefix(category, "adhoc:") {
		category = "adhoc"
	}
	c.metrics.RateLimitDecisionsTotal.WithLabelValues(category, decision).Inc()
}
