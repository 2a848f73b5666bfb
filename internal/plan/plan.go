// Package plan holds the static catalogue of subscription tiers and the
// limits attached to each. The registry is read-only after startup; quota
// overrides for testing are applied once during config load.
package plan

import (
	"sort"
	"time"
)

// Tier identifies a subscription level.
type Tier string

const (
	TierGuest Tier = "GUEST"
	TierFree  Tier = "FREE"
	TierPro   Tier = "PRO"
)

// Service names recognized by the system. Adding a service means adding it
// here and registering a runner for it; nothing else changes.
const (
	ServiceAccessibility    = "accessibility"
	ServiceDuplicateContent = "duplicateContent"
	ServiceBacklinks        = "backlinks"
	ServiceSchema           = "schema"
	ServiceMultiLanguage    = "multiLanguage"
	ServiceRankTracker      = "rankTracker"
)

var catalogue = []string{
	ServiceAccessibility,
	ServiceDuplicateContent,
	ServiceBacklinks,
	ServiceSchema,
	ServiceMultiLanguage,
	ServiceRankTracker,
}

// Catalogue returns the deployment-fixed set of service names, sorted.
func Catalogue() []string {
	out := make([]string, len(catalogue))
	copy(out, catalogue)
	sort.Strings(out)
	return out
}

// IsKnownService reports whether name is part of the catalogue.
func IsKnownService(name string) bool {
	for _, s := range catalogue {
		if s == name {
			return true
		}
	}
	return false
}

// Limits describes what a tier may do.
type Limits struct {
	Tier       Tier
	DailyScans int
	// Retries is both the per-service retry allowance (attempts beyond the
	// first execution) and the daily retry-call budget.
	Retries   int
	Downloads bool
	CacheTTL  time.Duration
	// services is nil for "all catalogue services".
	services []string
}

// MaxAttempts is the total number of executions a single service may consume:
// the initial run plus the retry allowance.
func (l Limits) MaxAttempts() int {
	return l.Retries + 1
}

// AllowedServices resolves the tier's service set against the catalogue.
func (l Limits) AllowedServices() []string {
	if l.services == nil {
		return Catalogue()
	}
	out := make([]string, len(l.services))
	copy(out, l.services)
	sort.Strings(out)
	return out
}

// Allows reports whether the tier may run the named service.
func (l Limits) Allows(name string) bool {
	if l.services == nil {
		return IsKnownService(name)
	}
	for _, s := range l.services {
		if s == name {
			return true
		}
	}
	return false
}

var registry = map[Tier]Limits{
	TierGuest: {
		Tier:       TierGuest,
		DailyScans: 1,
		Retries:    0,
		Downloads:  false,
		CacheTTL:   6 * time.Hour,
		services:   []string{ServiceAccessibility},
	},
	TierFree: {
		Tier:       TierFree,
		DailyScans: 2,
		Retries:    1,
		Downloads:  false,
		CacheTTL:   12 * time.Hour,
		services:   []string{ServiceAccessibility, ServiceDuplicateContent},
	},
	TierPro: {
		Tier:       TierPro,
		DailyScans: 50,
		Retries:    2,
		Downloads:  true,
		CacheTTL:   24 * time.Hour,
		services:   nil,
	},
}

// Lookup returns the limits for a tier. Unknown tiers fall back to GUEST so a
// corrupted plan snapshot can never widen access.
func Lookup(tier Tier) Limits {
	if l, ok := registry[tier]; ok {
		return l
	}
	return registry[TierGuest]
}

// Override replaces selected numeric limits for a tier. Used by the config
// layer to honor quota overrides in test deployments.
func Override(tier Tier, dailyScans, retries int) {
	l, ok := registry[tier]
	if !ok {
		return
	}
	if dailyScans > 0 {
		l.DailyScans = dailyScans
	}
	if retries >= 0 {
		l.Retries = retries
	}
	registry[tier] = l
}

// ParseTier normalizes a stored tier string.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierGuest, TierFree, TierPro:
		return Tier(s)
	default:
		return TierGuest
	}
}
