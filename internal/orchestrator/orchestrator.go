// Package orchestrator fans a scan out to its permitted services, isolates
// their failures from one another, and finalizes the scan from the service
// rows. It also owns the retry path. No scan state is held in process; the
// repository is the single source of truth.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/siteprobe/siteprobe/internal/cache"
	"github.com/siteprobe/siteprobe/internal/config"
	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/executor"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/store"
)

// Notifier receives a callback after every persisted state change so live
// listeners (the websocket hub) can push updates. May be nil.
type Notifier interface {
	ScanUpdated(scanID string)
}

// Orchestrator coordinates scan execution.
type Orchestrator struct {
	store    *store.Store
	cache    *cache.Service
	executor *executor.Executor
	sink     *events.Sink
	cfg      *config.Config
	sem      *semaphore.Weighted
	notifier Notifier
	now      func() time.Time
}

// New creates an Orchestrator. The semaphore bounds in-flight executors
// across all scans in this process.
func New(st *store.Store, ca *cache.Service, exec *executor.Executor, sink *events.Sink, cfg *config.Config, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:    st,
		cache:    ca,
		executor: exec,
		sink:     sink,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		notifier: notifier,
		now:      time.Now,
	}
}

// OrchestrateNew runs a freshly created scan: restricted services are
// failed synchronously, the effective set fans out concurrently, and the
// scan is finalized from the resulting rows. Call from a goroutine; the
// method blocks until the scan settles.
func (o *Orchestrator) OrchestrateNew(ctx context.Context, scanID string, effective, restricted []string, svcCfg services.ServiceConfig) {
	bundle, err := o.store.LoadScanBundle(ctx, scanID)
	if err != nil {
		log.Error().Err(err).Str("scanId", scanID).Msg("Orchestrator could not load scan")
		return
	}
	sc := bundle.Scan
	if sc.Status != scan.StatusPending {
		log.Warn().Str("scanId", scanID).Str("status", string(sc.Status)).Msg("Scan is not pending, refusing to orchestrate")
		return
	}

	started := o.now()
	err = o.store.TransitionScan(ctx, scanID, scan.StatusPending, scan.StatusRunning,
		store.TransitionPatch{StartedAt: &started})
	if err != nil {
		log.Error().Err(err).Str("scanId", scanID).Msg("Failed to start scan")
		o.failBeforeDispatch(ctx, sc)
		return
	}
	sc.StartedAt = &started

	// Restricted services never transition through running: they are
	// failed synchronously before fan-out and count toward progress
	// immediately.
	for _, name := range restricted {
		failed := scan.ServiceFailed
		patch := store.ServicePatch{
			Status: &failed,
			Err: &scan.ServiceError{
				Code:      scan.CodeServiceRestricted,
				Message:   "service not included in plan " + string(sc.Plan),
				Retryable: false,
			},
		}
		if err := o.store.UpdateService(ctx, scanID, name, patch); err != nil {
			log.Error().Err(err).Str("scanId", scanID).Str("service", name).Msg("Failed to mark restricted service")
		}
	}
	o.notify(scanID)

	o.fanOut(sc, effective, svcCfg)
	o.finalize(sc, started)
}

// fanOut dispatches every effective service concurrently and waits for all
// of them to settle. Dispatches are isolated: one executor's failure or
// timeout never aborts another.
func (o *Orchestrator) fanOut(sc *scan.Scan, effective []string, svcCfg services.ServiceConfig) {
	scanCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ScanTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var inner chan struct{} = make(chan struct{}, len(effective))
		for _, name := range effective {
			name := name
			go func() {
				defer func() { inner <- struct{}{} }()
				if err := o.sem.Acquire(scanCtx, 1); err != nil {
					// Deadline hit while queued; the row is still
					// pending and finalize will mark it.
					return
				}
				defer o.sem.Release(1)
				o.executor.Execute(scanCtx, sc, name, svcCfg)
				o.notify(sc.ID)
			}()
		}
		for range effective {
			<-inner
		}
	}()

	select {
	case <-done:
	case <-time.After(o.cfg.ScanTimeout + o.cfg.TimeoutGrace):
		// Stragglers past the grace period are abandoned; their rows are
		// settled by finalize and may never transition back to success.
		log.Warn().Str("scanId", sc.ID).Msg("Abandoning executors past scan deadline grace")
	}
}

// finalize recomputes the terminal status from the service rows, never from
// ambient memory, and stores the cache entry for cacheable outcomes.
func (o *Orchestrator) finalize(sc *scan.Scan, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bundle, err := o.store.LoadScanBundle(ctx, sc.ID)
	if err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Msg("Failed to reload scan for finalization")
		return
	}

	// Anything not yet settled was overtaken by the scan deadline.
	for _, svc := range bundle.Services {
		if svc.Status.Completed() {
			continue
		}
		failed := scan.ServiceFailed
		patch := store.ServicePatch{
			Status:      &failed,
			ClearResult: true,
			Err: &scan.ServiceError{
				Code:      scan.CodeScanTimeout,
				Message:   "scan deadline exceeded",
				Retryable: true,
			},
		}
		if err := o.store.UpdateService(ctx, sc.ID, svc.Name, patch); err != nil {
			log.Error().Err(err).Str("scanId", sc.ID).Str("service", svc.Name).Msg("Failed to time out service")
		} else {
			svc.Status = failed
			svc.Err = patch.Err
		}
	}

	terminal := scan.TerminalStatus(bundle.Services)
	completed := o.now()
	totalMs := completed.Sub(started).Milliseconds()
	err = o.store.TransitionScan(ctx, sc.ID, scan.StatusRunning, terminal, store.TransitionPatch{
		CompletedAt: &completed,
		TotalMs:     &totalMs,
	})
	if err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Str("to", string(terminal)).Msg("Failed to finalize scan")
		return
	}
	bundle.Scan.Status = terminal
	bundle.Scan.CompletedAt = &completed
	bundle.Scan.TotalMs = totalMs

	if terminal == scan.StatusCompleted || terminal == scan.StatusPartial {
		if err := o.cache.Store(ctx, bundle); err != nil {
			log.Warn().Err(err).Str("scanId", sc.ID).Msg("Failed to cache completed scan")
		}
	}

	o.emitFinal(bundle)
	o.notify(sc.ID)
}

// failBeforeDispatch handles a pre-dispatch fatal error: the scan moves
// straight from pending to failed.
func (o *Orchestrator) failBeforeDispatch(ctx context.Context, sc *scan.Scan) {
	completed := o.now()
	err := o.store.TransitionScan(ctx, sc.ID, scan.StatusPending, scan.StatusFailed,
		store.TransitionPatch{CompletedAt: &completed})
	if err != nil {
		log.Error().Err(err).Str("scanId", sc.ID).Msg("Failed to fail scan before dispatch")
		return
	}
	o.sink.Emit(events.Event{
		Level: "error", Name: "scan_failed",
		ScanID: sc.ID, UserType: userType(sc), Plan: string(sc.Plan), URL: sc.NormalizedURL,
	})
	o.notify(sc.ID)
}

func (o *Orchestrator) emitFinal(bundle *scan.Bundle) {
	sc := bundle.Scan

	eventName := "scan_completed"
	level := "info"
	if sc.Status == scan.StatusFailed {
		eventName = "scan_failed"
		level = "warn"
	}
	o.sink.Emit(events.Event{
		Level: level, Name: eventName,
		ScanID: sc.ID, UserType: userType(sc), Plan: string(sc.Plan),
		URL: sc.NormalizedURL, ExecutionMs: sc.TotalMs,
	})

	var failedCount int
	for _, svc := range bundle.Services {
		if svc.Status == scan.ServiceFailed {
			failedCount++
		}
	}
	o.sink.RecordScanMetric(&store.ScanMetric{
		ScanID:         sc.ID,
		UserType:       userType(sc),
		Plan:           string(sc.Plan),
		URL:            sc.NormalizedURL,
		Status:         string(sc.Status),
		Cached:         false,
		TotalMs:        sc.TotalMs,
		ServicesTotal:  len(bundle.Services),
		ServicesFailed: failedCount,
	})
	for _, svc := range bundle.Services {
		m := &store.ServiceMetric{
			ScanID:      sc.ID,
			Service:     svc.Name,
			Status:      string(svc.Status),
			ExecutionMs: svc.ExecutionMs,
			Attempts:    svc.Attempts,
		}
		if svc.Err != nil {
			m.ErrorCode = svc.Err.Code
			m.ErrorMessage = svc.Err.Message
		}
		o.sink.RecordServiceMetric(m)
	}
}

func (o *Orchestrator) notify(scanID string) {
	if o.notifier != nil {
		o.notifier.ScanUpdated(scanID)
	}
}

func userType(sc *scan.Scan) string {
	if sc.UserID != "" {
		return "user"
	}
	return "guest"
}
