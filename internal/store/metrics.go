package store

import (
	"context"
	"fmt"
	"time"
)

// ScanMetric is one append-only analytical row written after a scan settles
// or is served from cache.
type ScanMetric struct {
	ScanID         string
	UserType       string // "user" or "guest"
	Plan           string
	URL            string
	Status         string
	Cached         bool
	TotalMs        int64
	ServicesTotal  int
	ServicesFailed int
	CreatedAt      time.Time
}

// ServiceMetric is the per-service analytical row.
type ServiceMetric struct {
	ScanID       string
	Service      string
	Status       string
	ExecutionMs  int64
	Attempts     int
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
}

// InsertScanMetric appends one scan metric row.
func (s *Store) InsertScanMetric(ctx context.Context, m *ScanMetric) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_metrics (scan_id, user_type, plan, url, status, cached, total_ms, services_total, services_failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ScanID, m.UserType, m.Plan, m.URL, m.Status, boolToInt(m.Cached),
		m.TotalMs, m.ServicesTotal, m.ServicesFailed, created.Unix())
	if err != nil {
		return fmt.Errorf("insert scan metric %s: %w", m.ScanID, err)
	}
	return nil
}

// InsertServiceMetric appends one service metric row.
func (s *Store) InsertServiceMetric(ctx context.Context, m *ServiceMetric) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_metrics (scan_id, service, status, execution_ms, attempts, error_code, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ScanID, m.Service, m.Status, m.ExecutionMs, m.Attempts,
		m.ErrorCode, m.ErrorMessage, created.Unix())
	if err != nil {
		return fmt.Errorf("insert service metric %s/%s: %w", m.ScanID, m.Service, err)
	}
	return nil
}

// Aggregates summarizes scan activity since a point in time for the
// monitoring endpoint.
type Aggregates struct {
	TotalScans    int64            `json:"totalScans"`
	CacheHits     int64            `json:"cacheHits"`
	AvgTotalMs    float64          `json:"avgTotalMs"`
	StatusCounts  map[string]int64 `json:"statusCounts"`
	ServiceErrors map[string]int64 `json:"serviceErrors"`
}

// AggregateMetrics computes the monitoring summary from the metric tables.
func (s *Store) AggregateMetrics(ctx context.Context, since time.Time) (*Aggregates, error) {
	agg := &Aggregates{
		StatusCounts:  map[string]int64{},
		ServiceErrors: map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(cached), 0),
		       COALESCE(AVG(total_ms), 0)
		FROM scan_metrics WHERE created_at >= ?`, since.Unix()).
		Scan(&agg.TotalScans, &agg.CacheHits, &agg.AvgTotalMs)
	if err != nil {
		return nil, fmt.Errorf("aggregate scan metrics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM scan_metrics
		WHERE created_at >= ? GROUP BY status`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("aggregate status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count row: %w", err)
		}
		agg.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	svcRows, err := s.db.QueryContext(ctx, `
		SELECT service, COUNT(1) FROM service_metrics
		WHERE created_at >= ? AND status = 'failed' GROUP BY service`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("aggregate service errors: %w", err)
	}
	defer svcRows.Close()
	for svcRows.Next() {
		var service string
		var count int64
		if err := svcRows.Scan(&service, &count); err != nil {
			return nil, fmt.Errorf("scan service error row: %w", err)
		}
		agg.ServiceErrors[service] = count
	}
	if err := svcRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service errors: %w", err)
	}

	return agg, nil
}
