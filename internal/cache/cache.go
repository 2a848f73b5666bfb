// Package cache serves completed scans by fingerprint under plan-dependent
// TTLs, and sweeps expired entries in the background. Expiry is enforced on
// read as well, so the sweeper is purely best-effort.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/store"
)

// ErrNotCacheable is returned when storing a scan that is not in a
// cacheable terminal state.
var ErrNotCacheable = errors.New("scan not cacheable")

// Service is the fingerprint cache over the repository.
type Service struct {
	store *store.Store
	now   func() time.Time

	mu           sync.Mutex
	lastSweep    time.Time
	lastSweepErr error
}

// New creates a cache service.
func New(st *store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Lookup returns the cached scan bundle for a fingerprint, or nil on miss.
// Bypass requests (retries, explicit force) always miss. Expired entries
// are treated as misses and deleted out of band.
func (c *Service) Lookup(ctx context.Context, fingerprint string, bypass bool) (*scan.Bundle, error) {
	if bypass {
		return nil, nil
	}

	entry, err := c.store.FindCacheEntry(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("cache lookup %s: %w", fingerprint, err)
	}
	if entry == nil {
		return nil, nil
	}
	if !entry.ExpiresAt.After(c.now()) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.store.DeleteCacheEntry(ctx, fingerprint); err != nil {
				log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to delete expired cache entry")
			}
		}()
		return nil, nil
	}

	bundle, err := c.store.LoadScanBundle(ctx, entry.ScanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Referenced scan was cleaned up underneath the entry.
			return nil, nil
		}
		return nil, fmt.Errorf("cache load scan %s: %w", entry.ScanID, err)
	}
	return bundle, nil
}

// Store caches a settled scan under its fingerprint with the plan TTL.
// Only completed and partial scans are cacheable.
func (c *Service) Store(ctx context.Context, bundle *scan.Bundle) error {
	status := bundle.Scan.Status
	if status != scan.StatusCompleted && status != scan.StatusPartial {
		return fmt.Errorf("%w: status %s", ErrNotCacheable, status)
	}

	ttl := plan.Lookup(bundle.Scan.Plan).CacheTTL
	expiresAt := c.now().Add(ttl)
	if err := c.store.PutCacheEntry(ctx, bundle.Scan.Fingerprint, bundle.Scan.ID, expiresAt); err != nil {
		return fmt.Errorf("cache store %s: %w", bundle.Scan.ID, err)
	}

	log.Debug().
		Str("scanId", bundle.Scan.ID).
		Str("fingerprint", bundle.Scan.Fingerprint).
		Dur("ttl", ttl).
		Msg("Scan cached")
	return nil
}

// RunSweeper deletes expired entries on a fixed interval until ctx is
// cancelled. Intended to run as a background goroutine.
func (c *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Cache sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cache sweeper stopped")
			return
		case <-ticker.C:
			c.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep pass.
func (c *Service) SweepOnce(ctx context.Context) {
	removed, err := c.store.SweepExpiredCache(ctx, c.now())

	c.mu.Lock()
	c.lastSweep = c.now()
	c.lastSweepErr = err
	c.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Cache sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Cache sweep removed expired entries")
	}
}

// SweeperStatus reports the last sweep time and error for readiness checks.
func (c *Service) SweeperStatus() (last time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSweep, c.lastSweepErr
}
