package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteprobe/siteprobe/internal/plan"
)

func TestUserRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	expires := int64(1900000000)
	require.NoError(t, st.UpsertUser(ctx, &User{
		ID:                    "u1",
		Plan:                  plan.TierPro,
		SubscriptionActive:    true,
		SubscriptionExpiresAt: &expires,
	}))

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, u.Plan)
	assert.True(t, u.SubscriptionActive)
	require.NotNil(t, u.SubscriptionExpiresAt)
	assert.Equal(t, expires, *u.SubscriptionExpiresAt)

	// Upsert replaces.
	require.NoError(t, st.UpsertUser(ctx, &User{ID: "u1", Plan: plan.TierFree}))
	u, err = st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, u.Plan)
	assert.False(t, u.SubscriptionActive)
	assert.Nil(t, u.SubscriptionExpiresAt)
}

func TestConsumeDailyScan(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	used, err := st.ConsumeDailyScan(ctx, "ip:203.0.113.9", "2026-08-25", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	used, err = st.ConsumeDailyScan(ctx, "ip:203.0.113.9", "2026-08-25", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, used)

	_, err = st.ConsumeDailyScan(ctx, "ip:203.0.113.9", "2026-08-25", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "scans", qe.Kind)
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 2, qe.Current)

	// A new day starts a fresh counter.
	used, err = st.ConsumeDailyScan(ctx, "ip:203.0.113.9", "2026-08-26", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	// Another identity is unaffected.
	used, err = st.ConsumeDailyScan(ctx, "user:u1", "2026-08-25", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestCountersAreIndependent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.ConsumeDailyScan(ctx, "user:u1", "2026-08-25", 5)
	require.NoError(t, err)
	_, err = st.ConsumeRetry(ctx, "user:u1", "2026-08-25", 5)
	require.NoError(t, err)
	_, err = st.ConsumeDownload(ctx, "user:u1", "2026-08-25", -1)
	require.NoError(t, err)

	scans, retries, downloads, err := st.DailyUsage(ctx, "user:u1", "2026-08-25")
	require.NoError(t, err)
	assert.Equal(t, 1, scans)
	assert.Equal(t, 1, retries)
	assert.Equal(t, 1, downloads)

	scans, retries, downloads, err = st.DailyUsage(ctx, "user:u1", "2026-08-26")
	require.NoError(t, err)
	assert.Zero(t, scans)
	assert.Zero(t, retries)
	assert.Zero(t, downloads)
}

func TestConsumeRetryZeroBudget(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ConsumeRetry(context.Background(), "ip:guest", "2026-08-25", 0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

// Concurrent consumers must never overshoot the limit: the single-writer
// connection serializes the check-and-increment cycle.
func TestConsumeDailyScanConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const limit = 5
	const callers = 20

	var wg sync.WaitGroup
	granted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ConsumeDailyScan(ctx, "user:hot", "2026-08-25", limit); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	assert.Equal(t, limit, len(granted))

	scans, _, _, err := st.DailyUsage(ctx, "user:hot", "2026-08-25")
	require.NoError(t, err)
	assert.Equal(t, limit, scans)
}
