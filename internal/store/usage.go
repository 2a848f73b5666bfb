package store

import (
	"context"
	"fmt"

	"github.com/siteprobe/siteprobe/internal/plan"
)

// User is an account row. GUEST callers have no row; their identity is the
// request IP and the repository treats it as a synthetic key.
type User struct {
	ID                    string
	Plan                  plan.Tier
	SubscriptionActive    bool
	SubscriptionExpiresAt *int64 // unix seconds
}

// GetUser loads one user, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{ID: id}
	var planStr string
	var active int
	var expires *int64
	err := s.db.QueryRowContext(ctx, `
		SELECT plan, subscription_active, subscription_expires_at FROM users WHERE id = ?`,
		id).Scan(&planStr, &active, &expires)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Plan = plan.ParseTier(planStr)
	u.SubscriptionActive = active != 0
	u.SubscriptionExpiresAt = expires
	return u, nil
}

// UpsertUser creates or replaces a user row. Used by provisioning and tests.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, plan, subscription_active, subscription_expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan = excluded.plan,
			subscription_active = excluded.subscription_active,
			subscription_expires_at = excluded.subscription_expires_at`,
		u.ID, string(u.Plan), boolToInt(u.SubscriptionActive), u.SubscriptionExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ConsumeDailyScan atomically checks and increments the scan counter for
// (identity, day). The single-writer connection serializes concurrent
// callers, so the read-compare-increment cycle cannot interleave.
func (s *Store) ConsumeDailyScan(ctx context.Context, identity, day string, limit int) (int, error) {
	return s.consumeCounter(ctx, identity, day, limit, "scans")
}

// ConsumeRetry is the retry-budget analogue of ConsumeDailyScan.
func (s *Store) ConsumeRetry(ctx context.Context, identity, day string, limit int) (int, error) {
	return s.consumeCounter(ctx, identity, day, limit, "retries")
}

// ConsumeDownload counts export downloads. A negative limit means unlimited.
func (s *Store) ConsumeDownload(ctx context.Context, identity, day string, limit int) (int, error) {
	return s.consumeCounter(ctx, identity, day, limit, "downloads")
}

// DailyUsage reports today's counters without consuming anything.
func (s *Store) DailyUsage(ctx context.Context, identity, day string) (scans, retries, downloads int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT scans_used, retries_used, downloads_used FROM usage_counters
		WHERE identity = ? AND day = ?`, identity, day).Scan(&scans, &retries, &downloads)
	if err != nil {
		if isNoRows(err) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, fmt.Errorf("daily usage %s/%s: %w", identity, day, err)
	}
	return scans, retries, downloads, nil
}

func (s *Store) consumeCounter(ctx context.Context, identity, day string, limit int, kind string) (int, error) {
	column, ok := map[string]string{
		"scans":     "scans_used",
		"retries":   "retries_used",
		"downloads": "downloads_used",
	}[kind]
	if !ok {
		return 0, fmt.Errorf("unknown usage counter kind %q", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin consume %s: %w", kind, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_counters (identity, day) VALUES (?, ?)`, identity, day); err != nil {
		return 0, fmt.Errorf("ensure usage row %s/%s: %w", identity, day, err)
	}

	var used int
	if err := tx.QueryRowContext(ctx,
		"SELECT "+column+" FROM usage_counters WHERE identity = ? AND day = ?",
		identity, day).Scan(&used); err != nil {
		return 0, fmt.Errorf("read usage %s/%s: %w", identity, day, err)
	}

	if limit >= 0 && used >= limit {
		return used, &QuotaError{Kind: kind, Limit: limit, Current: used}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE usage_counters SET "+column+" = "+column+" + 1 WHERE identity = ? AND day = ?",
		identity, day); err != nil {
		return 0, fmt.Errorf("increment usage %s/%s: %w", identity, day, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consume %s: %w", kind, err)
	}
	return used + 1, nil
}
