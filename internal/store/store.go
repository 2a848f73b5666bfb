// Package store is the transactional repository behind the scan engine.
// It owns the SQLite database and exposes the only operations the rest of
// the system may use to read or mutate persistent state. No business logic
// lives here; callers observe the sentinel errors below and nothing else.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Sentinel errors callers may observe.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDuplicateScanID   = errors.New("duplicate scan id")
	ErrQuotaExceeded     = errors.New("quota exceeded")
)

// QuotaError carries the limit and current counter alongside ErrQuotaExceeded.
type QuotaError struct {
	Kind    string // "scans", "retries", "downloads"
	Limit   int
	Current int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded: %d/%d", e.Kind, e.Current, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (or creates) the database under dataDir and prepares the schema.
func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, "siteprobe.db"))
}

// NewMemory opens an in-process database. Used by tests.
func NewMemory() (*Store, error) {
	return open(":memory:")
}

func open(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer connection. This also
	// serializes the quota read-modify-write cycles.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Scan store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		normalized_url TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','completed','partial','failed')),
		cached INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		completed_at INTEGER,
		total_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		CHECK ((user_id <> '') + (ip <> '') = 1)
	);

	CREATE INDEX IF NOT EXISTS idx_scans_fingerprint ON scans(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at);

	CREATE TABLE IF NOT EXISTS scan_services (
		scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','success','failed')),
		result TEXT,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		error_retryable INTEGER NOT NULL DEFAULT 0,
		execution_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (scan_id, name)
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		CHECK (expires_at > created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT 'FREE',
		subscription_active INTEGER NOT NULL DEFAULT 0,
		subscription_expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		identity TEXT NOT NULL,
		day TEXT NOT NULL,
		scans_used INTEGER NOT NULL DEFAULT 0,
		retries_used INTEGER NOT NULL DEFAULT 0,
		downloads_used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (identity, day)
	);

	CREATE TABLE IF NOT EXISTS scan_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		user_type TEXT NOT NULL,
		plan TEXT NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		cached INTEGER NOT NULL DEFAULT 0,
		total_ms INTEGER NOT NULL DEFAULT 0,
		services_total INTEGER NOT NULL DEFAULT 0,
		services_failed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_metrics_created ON scan_metrics(created_at);

	CREATE TABLE IF NOT EXISTS service_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_ms INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_service_metrics_created ON service_metrics(created_at);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, unixepoch())`)
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
