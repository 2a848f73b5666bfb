// Package quota resolves caller identity and enforces per-plan limits:
// daily scan quota, retry budget, allowed services, and downloads. Quota
// consumption happens after admission so rejected requests never leak
// budget.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/store"
)

// ErrDownloadsRestricted is returned when the plan forbids report exports.
var ErrDownloadsRestricted = errors.New("downloads restricted")

// Identity is the resolved caller: a verified user or an anonymous IP.
type Identity struct {
	UserID string
	IP     string
	Tier   plan.Tier
}

// Key is the usage-counter key: user id when present, else IP.
func (i Identity) Key() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.IP
}

// UserType labels the identity for metric rows.
func (i Identity) UserType() string {
	if i.UserID != "" {
		return "user"
	}
	return "guest"
}

// Limits returns the plan limits for this identity.
func (i Identity) Limits() plan.Limits {
	return plan.Lookup(i.Tier)
}

// Enforcer checks and consumes plan budgets against the repository.
type Enforcer struct {
	store *store.Store
	now   func() time.Time
}

// New creates an Enforcer.
func New(st *store.Store) *Enforcer {
	return &Enforcer{store: st, now: time.Now}
}

// Resolve derives the caller identity. A verified user id maps to the
// user's plan; anonymous callers are GUEST keyed by IP. An expired
// subscription demotes to FREE.
func (e *Enforcer) Resolve(ctx context.Context, userID, ip string) Identity {
	if userID == "" {
		return Identity{IP: ip, Tier: plan.TierGuest}
	}

	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("userId", userID).Msg("User lookup failed, treating as FREE")
		}
		return Identity{UserID: userID, Tier: plan.TierFree}
	}

	tier := u.Plan
	if tier == plan.TierPro && subscriptionLapsed(u, e.now()) {
		log.Debug().Str("userId", userID).Msg("Subscription lapsed, demoting to FREE")
		tier = plan.TierFree
	}
	return Identity{UserID: userID, Tier: tier}
}

func subscriptionLapsed(u *store.User, now time.Time) bool {
	if !u.SubscriptionActive {
		return true
	}
	if u.SubscriptionExpiresAt != nil && *u.SubscriptionExpiresAt < now.Unix() {
		return true
	}
	return false
}

// Day returns today's usage-counter key in the server's timezone. The
// calendar rollover is implicit in the key; nothing ever resets counters.
func (e *Enforcer) Day() string {
	return e.now().Format("2006-01-02")
}

// CheckScan rejects when today's scan budget is already spent, without
// consuming anything. Admission re-checks atomically in ConsumeScan, so a
// race here can only cause a spurious pass, never an overshoot.
func (e *Enforcer) CheckScan(ctx context.Context, id Identity) error {
	limits := id.Limits()
	scans, _, _, err := e.store.DailyUsage(ctx, id.Key(), e.Day())
	if err != nil {
		return err
	}
	if scans >= limits.DailyScans {
		return &store.QuotaError{Kind: "scans", Limit: limits.DailyScans, Current: scans}
	}
	return nil
}

// ConsumeScan takes one unit of today's scan budget, or returns the
// store.QuotaError describing the exhausted limit.
func (e *Enforcer) ConsumeScan(ctx context.Context, id Identity) error {
	limits := id.Limits()
	_, err := e.store.ConsumeDailyScan(ctx, id.Key(), e.Day(), limits.DailyScans)
	return err
}

// ConsumeRetry takes one unit of today's retry budget.
func (e *Enforcer) ConsumeRetry(ctx context.Context, id Identity) error {
	limits := id.Limits()
	_, err := e.store.ConsumeRetry(ctx, id.Key(), e.Day(), limits.Retries)
	return err
}

// ConsumeDownload admits a report export, or ErrDownloadsRestricted when
// the plan forbids downloads. Allowed downloads are counted but unbounded.
func (e *Enforcer) ConsumeDownload(ctx context.Context, id Identity) error {
	if !id.Limits().Downloads {
		return ErrDownloadsRestricted
	}
	_, err := e.store.ConsumeDownload(ctx, id.Key(), e.Day(), -1)
	return err
}

// FilterServices splits the requested service set into the plan-allowed
// subset and the restricted remainder. Unknown names are dropped entirely.
func FilterServices(limits plan.Limits, requested []string) (allowed, restricted []string) {
	for _, name := range requested {
		if !plan.IsKnownService(name) {
			continue
		}
		if limits.Allows(name) {
			allowed = append(allowed, name)
		} else {
			restricted = append(restricted, name)
		}
	}
	return allowed, restricted
}
