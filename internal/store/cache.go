package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry maps a fingerprint to a completed scan until it expires.
type CacheEntry struct {
	Fingerprint string
	ScanID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// FindCacheEntry returns the live entry for a fingerprint, or nil.
func (s *Store) FindCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	entry := &CacheEntry{Fingerprint: fingerprint}
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT scan_id, created_at, expires_at FROM cache_entries WHERE fingerprint = ?`,
		fingerprint).Scan(&entry.ScanID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cache entry %s: %w", fingerprint, err)
	}
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	entry.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return entry, nil
}

// PutCacheEntry stores a fingerprint -> scan mapping. Write races never
// raise; on collision the newer entry replaces the older.
func (s *Store) PutCacheEntry(ctx context.Context, fingerprint, scanID string, expiresAt time.Time) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, scan_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			scan_id = excluded.scan_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		fingerprint, scanID, now, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("put cache entry %s: %w", fingerprint, err)
	}
	return nil
}

// DeleteCacheEntry removes one entry. Missing entries are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", fingerprint, err)
	}
	return nil
}

// SweepExpiredCache deletes every entry whose expiry has passed and reports
// how many were removed.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache rows affected: %w", err)
	}
	return removed, nil
}
