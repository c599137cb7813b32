package billing

import (
	"fmt"
	"strings"
)

// PlanTier represents a developer subscription tier
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Unlimited marks a plan without a daily ceiling
const Unlimited = -1

var dailyLimits = map[PlanTier]int{
	PlanFree:       1_000,
	PlanStarter:    10_000,
	PlanPro:        100_000,
	PlanEnterprise: Unlimited,
}

// ParsePlanTier validates a plan name
func ParsePlanTier(s string) (PlanTier, error) {
	p := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := dailyLimits[p]; !ok {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return p, nil
}

// DailyLimit returns the plan's daily request ceiling, or Unlimited.
// Unknown tiers get the free ceiling.
func (p PlanTier) DailyLimit() int {
	if limit, ok := dailyLimits[p]; ok {
		return limit
	}
	return dailyLimits[PlanFree]
}

// IsUnlimited reports whether the plan has no daily ceiling
func (p PlanTier) IsUnlimited() bool {
	return p.DailyLimit() == Unlimited
}

// Plans returns every tier in ascending order
func Plans() []PlanTier {
	return []PlanTier{PlanFree, PlanStarter, PlanPro, PlanEnterprise}
}
