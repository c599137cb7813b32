package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/storage"
)

// PlanLookup is the slice of the agent store the resolver needs
type PlanLookup interface {
	GetDeveloperPlan(ctx context.Context, developerID string) (string, error)
}

// ResolverConfig tunes the plan cache
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultResolverConfig caches up to 10k developers for one minute
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{CacheSize: 10_000, CacheTTL: time.Minute}
}

// PlanResolver maps an agent to the plan tier of its owner
type PlanResolver struct {
	store   PlanLookup
	cache   *lru.LRU[string, PlanTier]
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewPlanResolver creates a resolver backed by store
func NewPlanResolver(store PlanLookup, cfg ResolverConfig, metrics *observability.Metrics, logger *observability.Logger) *PlanResolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultResolverConfig().CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultResolverConfig().CacheTTL
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PlanResolver{
		store:   store,
		cache:   lru.NewLRU[string, PlanTier](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics: metrics,
		logger:  logger,
	}
}

// ForAgent returns the plan governing identity; unclaimed agents are free
func (r *PlanResolver) ForAgent(ctx context.Context, identity *auth.Identity) (PlanTier, error) {
	if identity == nil || identity.OwnerID == nil || *identity.OwnerID == "" {
		return PlanFree, nil
	}
	return r.ForDeveloper(ctx, *identity.OwnerID)
}

// ForDeveloper returns a developer's plan tier, consulting the cache first.
// A developer without a record is on the free plan.
func (r *PlanResolver) ForDeveloper(ctx context.Context, developerID string) (PlanTier, error) {
	if plan, ok := r.cache.Get(developerID); ok {
		r.record("hit")
		return plan, nil
	}
	r.record("miss")

	raw, err := r.store.GetDeveloperPlan(ctx, developerID)
	if errors.Is(err, storage.ErrNotFound) {
		r.cache.Add(developerID, PlanFree)
		return PlanFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve plan for developer %s: %w", developerID, err)
	}

	plan, err := ParsePlanTier(raw)
	if err != nil {
		r.logger.WithField("developer_id", developerID).WithField("plan", raw).Warn("unknown plan tier, using free")
		plan = PlanFree
	}
	r.cache.Add(developerID, plan)
	return plan, nil
}

// Invalidate drops a developer's cached plan after a plan change
func (r *PlanResolver) Invalidate(developerID string) {
	r.cache.Remove(developerID)
}

func (r *PlanResolver) record(result string) {
	if r.metrics != nil {
		r.metrics.PlanCacheLookupsTotal.WithLabelValues(result).Inc()
	}
}
