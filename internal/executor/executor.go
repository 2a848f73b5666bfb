// Package executor runs a single service work item: one (scan, service)
// execution under a timeout, with outcome classification and persistence.
// The public contract is total; Execute captures every failure into the
// service row and never propagates.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/config"
	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/store"
)

// Executor executes one service at a time against the repository.
type Executor struct {
	store    *store.Store
	registry *services.Registry
	sink     *events.Sink
	cfg      *config.Config
	now      func() time.Time
}

// New creates an Executor.
func New(st *store.Store, registry *services.Registry, sink *events.Sink, cfg *config.Config) *Executor {
	return &Executor{store: st, registry: registry, sink: sink, cfg: cfg, now: time.Now}
}

// Execute runs the named service for a scan. scanCtx carries the scan-wide
// deadline; the service additionally observes its own per-service timeout.
// The returned status is the persisted terminal state of this attempt.
func (e *Executor) Execute(scanCtx context.Context, sc *scan.Scan, name string, svcCfg services.ServiceConfig) scan.ServiceStatus {
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	running := scan.ServiceRunning
	if err := e.store.UpdateService(writeCtx, sc.ID, name, store.ServicePatch{Status: &running}); err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Str("service", name).Msg("Failed to mark service running")
		return e.fail(sc, name, 0, &scan.ServiceError{Code: scan.CodeUnknown, Message: "storage failure before dispatch", Retryable: true})
	}
	if _, err := e.store.IncrementAttempts(writeCtx, sc.ID, name); err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Str("service", name).Msg("Failed to increment attempts")
	}

	e.sink.Emit(events.Event{
		Level: "info", Name: "service_started",
		ScanID: sc.ID, UserType: userType(sc), Plan: string(sc.Plan),
		URL: sc.NormalizedURL, ServiceName: name,
	})

	start := e.now()
	result, runErr := e.run(scanCtx, sc, name, svcCfg)
	elapsed := e.now().Sub(start).Milliseconds()

	if runErr != nil {
		svcErr := e.classify(scanCtx, runErr)
		return e.fail(sc, name, elapsed, svcErr)
	}
	return e.succeed(scanCtx, sc, name, elapsed, result)
}

// run invokes the collaborator under the per-service timeout, converting
// panics into errors so one service can never take down the fan-out.
func (e *Executor) run(scanCtx context.Context, sc *scan.Scan, name string, svcCfg services.ServiceConfig) (result json.RawMessage, err error) {
	runner := e.registry.Get(name)
	if runner == nil {
		return nil, &services.InvalidInputError{Reason: fmt.Sprintf("no runner registered for %q", name)}
	}

	ctx, cancel := context.WithTimeout(scanCtx, e.cfg.ServiceTimeoutFor(name))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("scanId", sc.ID).Str("service", name).Msg("Service runner panicked")
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()

	return runner.Run(ctx, sc.NormalizedURL, svcCfg)
}

// classify maps a run error onto the persisted descriptor. When the
// scan-wide deadline was the one that fired, the code is SCAN_TIMEOUT
// rather than the per-service TIMEOUT.
func (e *Executor) classify(scanCtx context.Context, runErr error) *scan.ServiceError {
	if scanCtx.Err() == context.DeadlineExceeded {
		return &scan.ServiceError{Code: scan.CodeScanTimeout, Message: "scan deadline exceeded", Retryable: true}
	}
	c := services.Classify(runErr)
	return &scan.ServiceError{Code: c.Code, Message: c.Message, Retryable: c.Retryable}
}

// succeed persists a successful run. A runner that outlives the scan
// deadline gets its result discarded: the row has been settled as
// SCAN_TIMEOUT and must never transition back to success.
func (e *Executor) succeed(scanCtx context.Context, sc *scan.Scan, name string, elapsedMs int64, result json.RawMessage) scan.ServiceStatus {
	if scanCtx.Err() != nil {
		log.Warn().Str("scanId", sc.ID).Str("service", name).Msg("Discarding service result after scan deadline")
		return scan.ServiceFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	success := scan.ServiceSuccess
	patch := store.ServicePatch{
		Status:      &success,
		Result:      result,
		ClearError:  true,
		ExecutionMs: &elapsedMs,
		IfRunning:   true,
	}
	if err := e.store.UpdateService(ctx, sc.ID, name, patch); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn().Str("scanId", sc.ID).Str("service", name).Msg("Service row already settled, dropping late success")
			return scan.ServiceFailed
		}
		log.Error().Err(err).Str("scanId", sc.ID).Str("service", name).Msg("Failed to persist service success")
	}

	e.sink.Emit(events.Event{
		Level: "info", Name: "service_completed",
		ScanID: sc.ID, UserType: userType(sc), Plan: string(sc.Plan),
		ServiceName: name, ExecutionMs: elapsedMs,
	})
	return success
}

func (e *Executor) fail(sc *scan.Scan, name string, elapsedMs int64, svcErr *scan.ServiceError) scan.ServiceStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failed := scan.ServiceFailed
	patch := store.ServicePatch{
		Status:      &failed,
		ClearResult: true,
		Err:         svcErr,
		ExecutionMs: &elapsedMs,
	}
	if err := e.store.UpdateService(ctx, sc.ID, name, patch); err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Str("service", name).Msg("Failed to persist service failure")
	}

	e.sink.Emit(events.Event{
		Level: "warn", Name: "service_failed",
		ScanID: sc.ID, UserType: userType(sc), Plan: string(sc.Plan),
		ServiceName: name, ExecutionMs: elapsedMs,
		ErrorCode: svcErr.Code, ErrorMessage: svcErr.Message,
	})
	return failed
}

func userType(sc *scan.Scan) string {
	if sc.UserID != "" {
		return "user"
	}
	return "guest"
}
