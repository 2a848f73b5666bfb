package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/quota"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/store"
)

var (
	// ErrNoRetryableServices means nothing in the scan is eligible for
	// re-execution.
	ErrNoRetryableServices = errors.New("no retryable services")
	// ErrScanActive means another caller already flipped the scan back to
	// running; the current state should be returned unchanged.
	ErrScanActive = errors.New("scan already running")
)

// Retry re-executes the failed, retryable services of a settled scan. The
// caller's daily retry budget is consumed first; the terminal-to-running
// CAS then guarantees at most one concurrent caller dispatches work.
// Returns the names of the services being re-executed.
func (o *Orchestrator) Retry(ctx context.Context, enforcer *quota.Enforcer, id quota.Identity, scanID string, subset []string) ([]string, error) {
	if err := enforcer.ConsumeRetry(ctx, id); err != nil {
		return nil, err
	}

	bundle, err := o.store.LoadScanBundle(ctx, scanID)
	if err != nil {
		return nil, err
	}
	sc := bundle.Scan
	if sc.Status == scan.StatusRunning || sc.Status == scan.StatusPending {
		return nil, ErrScanActive
	}

	eligible := eligibleForRetry(bundle, subset)
	if len(eligible) == 0 {
		return nil, ErrNoRetryableServices
	}

	// Only the first caller wins this transition; losers observe the scan
	// already running and return the current state unchanged.
	err = o.store.TransitionScan(ctx, scanID, sc.Status, scan.StatusRunning, store.TransitionPatch{})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrScanActive
		}
		return nil, fmt.Errorf("reopen scan %s for retry: %w", scanID, err)
	}

	for _, name := range eligible {
		if err := o.store.ResetService(ctx, scanID, name); err != nil {
			log.Error().Err(err).Str("scanId", scanID).Str("service", name).Msg("Failed to reset service for retry")
		}
	}

	o.sink.Emit(events.Event{
		Level: "info", Name: "scan_retry_started",
		ScanID: scanID, UserType: id.UserType(), Plan: string(id.Tier),
		URL: sc.NormalizedURL,
	})
	o.notify(scanID)

	go o.orchestrateRetry(sc, eligible)
	return eligible, nil
}

// orchestrateRetry is the fan-out tail of the new-scan path restricted to
// the reset services. Finalization recomputes the terminal status over the
// full service set, so earlier successes are preserved.
func (o *Orchestrator) orchestrateRetry(sc *scan.Scan, eligible []string) {
	started := o.now()
	o.fanOut(sc, eligible, services.ServiceConfig{})
	o.finalize(sc, started)
}

// eligibleForRetry computes the services that may be reset: failed, marked
// retryable, and still under their attempt budget, intersected with the
// caller-supplied subset when one is given.
func eligibleForRetry(bundle *scan.Bundle, subset []string) []string {
	wanted := map[string]bool{}
	for _, name := range subset {
		wanted[name] = true
	}

	var eligible []string
	for _, svc := range bundle.Services {
		if !svc.CanRetry() {
			continue
		}
		if len(wanted) > 0 && !wanted[svc.Name] {
			continue
		}
		eligible = append(eligible, svc.Name)
	}
	return eligible
}

// RetryEligibility reports, for every service of a scan, whether it can be
// retried right now. Used by the retry/status endpoint.
func (o *Orchestrator) RetryEligibility(ctx context.Context, scanID string) (map[string]bool, error) {
	bundle, err := o.store.LoadScanBundle(ctx, scanID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(bundle.Services))
	for _, svc := range bundle.Services {
		out[svc.Name] = svc.CanRetry()
	}
	return out, nil
}
