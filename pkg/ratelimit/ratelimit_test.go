package ratelimit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/agentgate/pkg/async"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
	"github.com/platinummonkey/agentgate/pkg/storage/memory"
	"github.com/platinummonkey/agentgate/pkg/storage/redisstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClock() *testClock {
	// 250ms into a second so a 1s window has room on both sides
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)}
}

type failingCounters struct {
	storage.CounterStore
}

func (failingCounters) ConsumeWindow(ctx context.Context, key storage.WindowKey, max int, window time.Duration) (int, bool, error) {
	return 0, false, errors.New("connection refused")
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 34, 56, 789*int(time.Millisecond), time.UTC)

	assert.Equal(t, time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC), WindowStart(now, time.Second))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), WindowStart(now, time.Hour))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), WindowStart(now, DailyWindow))
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	assert.Equal(t, 2, d.RetryAfter(now))
	assert.Equal(t, 1, d.RetryAfter(now.Add(time.Hour)))
}

func TestController_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ctrl := NewController(memory.New(), NewTable(map[string]Limit{"burst": NewLimit(3, time.Second)}), WithClock(clock.Now))

	windowEnd := WindowStart(clock.Now(), time.Second).Add(time.Second)

	for i := 0; i < 3; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", "burst", billing.PlanEnterprise)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", "burst", billing.PlanEnterprise)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.False(t, d.ResetAt.Before(windowEnd))

	clock.Advance(time.Second)
	d, err = ctrl.CheckAndConsume(ctx, "agent-1", "burst", billing.PlanEnterprise)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestController_IndependentCategories(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	metrics := observability.NewTestMetrics()
	ctrl := NewController(memory.New(), NewTable(nil), WithClock(clock.Now), WithMetrics(metrics))

	for i := 0; i < 100; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", CategoryVote, billing.PlanEnterprise)
		require.NoError(t, err)
		require.True(t, d.Allowed, "vote %d", i+1)
	}

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", CategoryVote, billing.PlanEnterprise)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = ctrl.CheckAndConsume(ctx, "agent-1", CategoryPost, billing.PlanEnterprise)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = ctrl.CheckAndConsume(ctx, "agent-2", CategoryVote, billing.PlanEnterprise)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.Equal(t, float64(101), testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues(CategoryVote, "allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues(CategoryVote, "rejected")))
}

func TestController_PlanCeiling(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ctrl := NewController(memory.New(), NewTable(map[string]Limit{"bulk": NewLimit(5000, time.Hour)}), WithClock(clock.Now))

	ceiling := billing.PlanFree.DailyLimit()
	for i := 0; i < ceiling; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanFree)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CategoryDaily, d.Category)
	assert.Equal(t, ceiling, d.Limit)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), d.ResetAt)

	// Enterprise has no ceiling
	d, err = ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanEnterprise)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(DailyWindow)
	d, err = ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestController_RejectedRequestsKeepDailyAllowance(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ctrl := NewController(memory.New(), NewTable(map[string]Limit{
		"burst": NewLimit(2, time.Hour),
		"bulk":  NewLimit(5000, time.Hour),
	}), WithClock(clock.Now))

	for i := 0; i < 50; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", "burst", billing.PlanFree)
		require.NoError(t, err)
		if i < 2 {
			require.True(t, d.Allowed)
			continue
		}
		require.False(t, d.Allowed)
		assert.Equal(t, "burst", d.Category)
	}

	ceiling := billing.PlanFree.DailyLimit()
	for i := 2; i < ceiling; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanFree)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", "bulk", billing.PlanFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CategoryDaily, d.Category)
}

func TestController_FailsOpen(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewTestMetrics()
	ctrl := NewController(failingCounters{memory.New()}, NewTable(nil), WithMetrics(metrics))

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", CategoryPost, billing.PlanFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailedOpen)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoreErrorsTotal.WithLabelValues("consume_window")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues(CategoryPost, "failed_open")))
}

func TestController_AdHocLimit(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	metrics := observability.NewTestMetrics()
	ctrl := NewController(memory.New(), NewTable(nil), WithClock(clock.Now), WithMetrics(metrics))

	limit := NewLimit(2, time.Minute)
	for i := 0; i < 2; i++ {
		d, err := ctrl.CheckAndConsumeLimit(ctx, "ip:203.0.113.7", limit, billing.PlanEnterprise)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, "adhoc:2:60000", d.Category)
	}
	d, err := ctrl.CheckAndConsumeLimit(ctx, "ip:203.0.113.7", limit, billing.PlanEnterprise)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues("adhoc", "allowed")))

	_, err = ctrl.CheckAndConsumeLimit(ctx, "x", Limit{MaxRequests: 1}, billing.PlanEnterprise)
	assert.Error(t, err)
}

func TestController_EdgeCases(t *testing.T) {
	ctx := context.Background()
	ctrl := NewController(memory.New(), NewTable(map[string]Limit{"closed": NewLimit(0, time.Minute)}))

	_, err := ctrl.CheckAndConsume(ctx, "agent-1", "nope", billing.PlanFree)
	assert.True(t, errors.Is(err, ErrUnknownCategory))

	d, err := ctrl.CheckAndConsume(ctx, "agent-1", "closed", billing.PlanEnterprise)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestController_SharedRedisAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	newInstance := func() *Controller {
		store, err := redisstore.Open(storage.Config{RedisURL: "redis://" + mr.Addr(), RedisPoolSize: 10})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return NewController(store, NewTable(map[string]Limit{"post": NewLimit(10, time.Hour)}))
	}
	instances := []*Controller{newInstance(), newInstance()}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(ctrl *Controller) {
			defer wg.Done()
			d, err := ctrl.CheckAndConsume(context.Background(), "agent-1", "post", billing.PlanEnterprise)
			if err != nil || !d.Allowed {
				return
			}
			mu.Lock()
			allowed++
			mu.Unlock()
		}(instances[i%2])
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestUsageRecorder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	pool := async.NewWorkerPool(ctx, observability.NewNopLogger(), 2, 16, "daily_usage", time.Second)
	t.Cleanup(func() { _ = pool.Shutdown(time.Second) })

	recorder := NewUsageRecorder(store, pool, nil)
	ctrl := NewController(store, NewTable(nil), WithUsageRecorder(recorder))

	for i := 0; i < 5; i++ {
		d, err := ctrl.CheckAndConsume(ctx, "agent-1", CategoryComment, billing.PlanPro)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	assert.Eventually(t, func() bool {
		n, err := recorder.Today(ctx, "agent-1")
		return err == nil && n == 5
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("without a pool", func(t *testing.T) {
		r := NewUsageRecorder(store, nil, nil)
		r.Record(ctx, "agent-2")
		assert.Eventually(t, func() bool {
			n, err := r.Today(ctx, "agent-2")
			return err == nil && n == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestParseLimits(t *testing.T) {
	t.Run("merge over defaults", func(t *testing.T) {
		limits, err := ParseLimits([]byte(`
categories:
  vote:
    max_requests: 50
    window_ms: 60000
  reaction:
    max_requests: 5
    window_ms: 1000
`))
		require.NoError(t, err)
		assert.Equal(t, NewLimit(50, time.Minute), limits[CategoryVote])
		assert.Equal(t, NewLimit(5, time.Second), limits["reaction"])
		assert.Equal(t, DefaultLimits()[CategoryPost], limits[CategoryPost])
	})

	t.Run("replace", func(t *testing.T) {
		limits, err := ParseLimits([]byte("replace: true\ncategories:\n  vote: {max_requests: 1, window_ms: 1000}\n"))
		require.NoError(t, err)
		assert.Len(t, limits, 1)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, doc := range []string{
			"categories: [",
			"   \n",
			"categories:\n  vote: {max_requests: 1, window_ms: 0}\n",
			"categories:\n  vote: {max_requests: -1, window_ms: 1000}\n",
			"categories:\n  daily: {max_requests: 1, window_ms: 1000}\n",
		} {
			_, err := ParseLimits([]byte(doc))
			assert.Error(t, err, doc)
		}
	})
}

func TestTable(t *testing.T) {
	table := NewTable(nil)
	assert.Contains(t, table.Categories(), CategoryClaimToken)

	err := table.Replace(map[string]Limit{"vote": {MaxRequests: 1}})
	assert.Error(t, err)
	l, ok := table.Get(CategoryVote)
	require.True(t, ok)
	assert.Equal(t, 100, l.MaxRequests)
	assert.Equal(t, time.Hour, l.Window)
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  vote: {max_requests: 5, window_ms: 1000}\n"), 0o644))

	limits, err := LoadFile(path)
	require.NoError(t, err)
	table := NewTable(limits)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchFile(ctx, path, table, nil) }()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  vote: {max_requests: 7, window_ms: 1000}\n"), 0o644))

	assert.Eventually(t, func() bool {
		l, _ := table.Get(CategoryVote)
		return l.MaxRequests == 7
	}, 3*time.Second, 20*time.Millisecond)

	// An invalid document leaves the table untouched
	require.NoError(t, os.WriteFile(path, []byte("categories: ["), 0o644))
	time.Sleep(200 * time.Millisecond)
	l, _ := table.Get(CategoryVote)
	assert.Equal(t, 7, l.MaxRequests)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
