package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
)

// CreateScanWithServices atomically inserts the scan row and one pending
// service row per name. The only failure mode callers handle is
// ErrDuplicateScanID; everything else is a storage fault.
func (s *Store) CreateScanWithServices(ctx context.Context, sc *scan.Scan, services []*scan.ServiceExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create scan: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (id, url, normalized_url, fingerprint, user_id, ip, plan, status, cached, total_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.URL, sc.NormalizedURL, sc.Fingerprint, sc.UserID, sc.IP,
		string(sc.Plan), string(sc.Status), boolToInt(sc.Cached), sc.TotalMs, sc.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateScanID
		}
		return fmt.Errorf("insert scan %s: %w", sc.ID, err)
	}

	for _, svc := range services {
		var result any
		if svc.Result != nil {
			result = string(svc.Result)
		}
		code, message, retryable := "", "", 0
		if svc.Err != nil {
			code, message = svc.Err.Code, svc.Err.Message
			retryable = boolToInt(svc.Err.Retryable)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_services (scan_id, name, status, result, error_code, error_message, error_retryable, execution_ms, attempts, max_attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sc.ID, svc.Name, string(svc.Status), result, code, message, retryable,
			svc.ExecutionMs, svc.Attempts, svc.MaxAttempts,
		)
		if err != nil {
			return fmt.Errorf("insert service %s/%s: %w", sc.ID, svc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create scan: %w", err)
	}
	return nil
}

// LoadScanBundle reads the scan and all its service rows in one transaction
// so callers always see a consistent snapshot.
func (s *Store) LoadScanBundle(ctx context.Context, scanID string) (*scan.Bundle, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin load bundle: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, url, normalized_url, fingerprint, user_id, ip, plan, status, cached, started_at, completed_at, total_ms, created_at
		FROM scans WHERE id = ?`, scanID)

	sc, err := scanScanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load scan %s: %w", scanID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT name, status, result, error_code, error_message, error_retryable, execution_ms, attempts, max_attempts
		FROM scan_services WHERE scan_id = ? ORDER BY name`, scanID)
	if err != nil {
		return nil, fmt.Errorf("load services for %s: %w", scanID, err)
	}
	defer rows.Close()

	bundle := &scan.Bundle{Scan: sc}
	for rows.Next() {
		svc := &scan.ServiceExecution{ScanID: scanID}
		var status, code, message string
		var result sql.NullString
		var retryable int
		if err := rows.Scan(&svc.Name, &status, &result, &code, &message, &retryable,
			&svc.ExecutionMs, &svc.Attempts, &svc.MaxAttempts); err != nil {
			return nil, fmt.Errorf("scan service row for %s: %w", scanID, err)
		}
		svc.Status = scan.ServiceStatus(status)
		if result.Valid && result.String != "" {
			svc.Result = json.RawMessage(result.String)
		}
		if code != "" {
			svc.Err = &scan.ServiceError{Code: code, Message: message, Retryable: retryable != 0}
		}
		bundle.Services = append(bundle.Services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services for %s: %w", scanID, err)
	}
	return bundle, nil
}

// TransitionPatch carries the columns written together with a status change.
type TransitionPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	TotalMs     *int64
	Cached      *bool
}

// TransitionScan performs the CAS-guarded status change. Only the caller
// whose expected from-status matches the current row wins; everyone else
// observes ErrInvalidTransition.
func (s *Store) TransitionScan(ctx context.Context, scanID string, from, to scan.Status, patch TransitionPatch) error {
	if !scan.CanTransition(from, to) {
		return ErrInvalidTransition
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, patch.StartedAt.Unix())
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, patch.CompletedAt.Unix())
	}
	if patch.TotalMs != nil {
		sets = append(sets, "total_ms = ?")
		args = append(args, *patch.TotalMs)
	}
	if patch.Cached != nil {
		sets = append(sets, "cached = ?")
		args = append(args, boolToInt(*patch.Cached))
	}
	args = append(args, scanID, string(from))

	res, err := s.db.ExecContext(ctx,
		"UPDATE scans SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return fmt.Errorf("transition scan %s %s->%s: %w", scanID, from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition scan %s rows affected: %w", scanID, err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scans WHERE id = ?`, scanID).Scan(&exists); err != nil {
			return fmt.Errorf("check scan %s exists: %w", scanID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// ServicePatch describes a partial update of one service row. Nil fields are
// left untouched. ClearError and ClearResult reset the respective columns.
// IfRunning makes the update a CAS on status = 'running'; a row already
// settled by someone else surfaces as ErrInvalidTransition.
type ServicePatch struct {
	Status      *scan.ServiceStatus
	Result      json.RawMessage
	ClearResult bool
	Err         *scan.ServiceError
	ClearError  bool
	ExecutionMs *int64
	Attempts    *int
	IfRunning   bool
}

// UpdateService applies a patch to a single service row.
func (s *Store) UpdateService(ctx context.Context, scanID, name string, patch ServicePatch) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ClearResult {
		sets = append(sets, "result = NULL")
	} else if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(patch.Result))
	}
	if patch.ClearError {
		sets = append(sets, "error_code = '', error_message = '', error_retryable = 0")
	} else if patch.Err != nil {
		sets = append(sets, "error_code = ?, error_message = ?, error_retryable = ?")
		args = append(args, patch.Err.Code, patch.Err.Message, boolToInt(patch.Err.Retryable))
	}
	if patch.ExecutionMs != nil {
		sets = append(sets, "execution_ms = ?")
		args = append(args, *patch.ExecutionMs)
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *patch.Attempts)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, scanID, name)

	where := "WHERE scan_id = ? AND name = ?"
	if patch.IfRunning {
		where += " AND status = 'running'"
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE scan_services SET "+strings.Join(sets, ", ")+" "+where, args...)
	if err != nil {
		return fmt.Errorf("update service %s/%s: %w", scanID, name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update service %s/%s rows affected: %w", scanID, name, err)
	}
	if affected == 0 {
		if patch.IfRunning {
			var exists int
			if err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM scan_services WHERE scan_id = ? AND name = ?`, scanID, name).Scan(&exists); err != nil {
				return fmt.Errorf("check service %s/%s exists: %w", scanID, name, err)
			}
			if exists > 0 {
				return ErrInvalidTransition
			}
		}
		return ErrNotFound
	}
	return nil
}

// ResetService is the surgical reset used by the retry path: status back to
// pending, error and execution time cleared, attempts untouched.
func (s *Store) ResetService(ctx context.Context, scanID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_services
		SET status = 'pending', result = NULL,
		    error_code = '', error_message = '', error_retryable = 0,
		    execution_ms = 0
		WHERE scan_id = ? AND name = ?`, scanID, name)
	if err != nil {
		return fmt.Errorf("reset service %s/%s: %w", scanID, name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset service %s/%s rows affected: %w", scanID, name, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttempts bumps the attempts counter by one and returns the new
// value. Attempts are monotonic across retry cycles.
func (s *Store) IncrementAttempts(ctx context.Context, scanID, name string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE scan_services SET attempts = attempts + 1
		WHERE scan_id = ? AND name = ?
		RETURNING attempts`, scanID, name).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts %s/%s: %w", scanID, name, err)
	}
	return attempts, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanScanRow(row scannable) (*scan.Scan, error) {
	sc := &scan.Scan{}
	var planStr, status string
	var cached int
	var startedAt, completedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&sc.ID, &sc.URL, &sc.NormalizedURL, &sc.Fingerprint, &sc.UserID, &sc.IP,
		&planStr, &status, &cached, &startedAt, &completedAt, &sc.TotalMs, &createdAt)
	if err != nil {
		return nil, err
	}
	sc.Plan = plan.ParseTier(planStr)
	sc.Status = scan.Status(status)
	sc.Cached = cached != 0
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		sc.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		sc.CompletedAt = &t
	}
	sc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return sc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
