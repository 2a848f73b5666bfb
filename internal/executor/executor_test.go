package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteprobe/siteprobe/internal/config"
	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/store"
)

type fixture struct {
	store    *store.Store
	registry *services.Registry
	exec     *Executor
	scan     *scan.Scan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := events.New(st, zerolog.Nop(), "test")
	t.Cleanup(sink.Close)

	cfg := config.Defaults()
	cfg.ServiceTimeout = 200 * time.Millisecond

	registry := services.NewRegistry()
	exec := New(st, registry, sink, cfg)

	sc := &scan.Scan{
		ID:            scan.NewID(),
		URL:           "https://example.com/",
		NormalizedURL: "https://example.com/",
		Fingerprint:   "fp",
		IP:            "203.0.113.9",
		Plan:          plan.TierPro,
		Status:        scan.StatusRunning,
		CreatedAt:     time.Now().UTC(),
	}
	rows := []*scan.ServiceExecution{{
		ScanID: sc.ID, Name: plan.ServiceAccessibility,
		Status: scan.ServicePending, MaxAttempts: 3,
	}}
	require.NoError(t, st.CreateScanWithServices(context.Background(), sc, rows))

	return &fixture{store: st, registry: registry, exec: exec, scan: sc}
}

func (f *fixture) serviceRow(t *testing.T) *scan.ServiceExecution {
	t.Helper()
	bundle, err := f.store.LoadScanBundle(context.Background(), f.scan.ID)
	require.NoError(t, err)
	svc := bundle.Service(plan.ServiceAccessibility)
	require.NotNil(t, svc)
	return svc
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			return json.RawMessage(`{"issueCount":0}`), nil
		}))

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceSuccess, status)

	svc := f.serviceRow(t)
	assert.Equal(t, scan.ServiceSuccess, svc.Status)
	assert.JSONEq(t, `{"issueCount":0}`, string(svc.Result))
	assert.Nil(t, svc.Err)
	assert.Equal(t, 1, svc.Attempts)
}

func TestExecuteFailureClassified(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			return nil, &services.UpstreamError{StatusCode: 404, URL: u}
		}))

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeUpstream4xx, svc.Err.Code)
	assert.False(t, svc.Err.Retryable)
	assert.Nil(t, svc.Result)
}

func TestExecuteServiceTimeout(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeTimeout, svc.Err.Code)
	assert.True(t, svc.Err.Retryable)
}

func TestExecuteScanDeadlineWins(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	scanCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status := f.exec.Execute(scanCtx, f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeScanTimeout, svc.Err.Code)
	assert.True(t, svc.Err.Retryable)
}

func TestExecutePanicCaptured(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			panic("runner exploded")
		}))

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeUnknown, svc.Err.Code)
	assert.True(t, svc.Err.Retryable)
}

func TestExecuteNoRunner(t *testing.T) {
	f := newFixture(t)

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeInvalidInput, svc.Err.Code)
	assert.False(t, svc.Err.Retryable)
}

func TestExecuteLateSuccessDiscarded(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			// Ignores its context and reports success after the scan
			// deadline has long expired.
			time.Sleep(100 * time.Millisecond)
			return json.RawMessage(`{"ok":true}`), nil
		}))

	scanCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	status := f.exec.Execute(scanCtx, f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	// The row stays running for finalization to settle; the late result
	// was never persisted.
	svc := f.serviceRow(t)
	assert.NotEqual(t, scan.ServiceSuccess, svc.Status)
	assert.Nil(t, svc.Result)
}

func TestExecuteSettledRowKeepsFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			// Someone else settles the row mid-run, the way finalization
			// does when it times a scan out.
			failed := scan.ServiceFailed
			err := f.store.UpdateService(context.Background(), f.scan.ID, plan.ServiceAccessibility, store.ServicePatch{
				Status: &failed,
				Err:    &scan.ServiceError{Code: scan.CodeScanTimeout, Message: "scan deadline exceeded", Retryable: true},
			})
			if err != nil {
				return nil, err
			}
			return json.RawMessage(`{"ok":true}`), nil
		}))

	status := f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	assert.Equal(t, scan.ServiceFailed, status)

	svc := f.serviceRow(t)
	assert.Equal(t, scan.ServiceFailed, svc.Status)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeScanTimeout, svc.Err.Code)
	assert.Nil(t, svc.Result)
}

func TestExecuteAttemptsMonotonic(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.registry.Register(plan.ServiceAccessibility, services.RunnerFunc(
		func(ctx context.Context, u string, cfg services.ServiceConfig) (json.RawMessage, error) {
			calls++
			return nil, errors.New("flaky")
		}))

	f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})
	require.NoError(t, f.store.ResetService(context.Background(), f.scan.ID, plan.ServiceAccessibility))
	f.exec.Execute(context.Background(), f.scan, plan.ServiceAccessibility, services.ServiceConfig{})

	assert.Equal(t, 2, calls)
	svc := f.serviceRow(t)
	assert.Equal(t, 2, svc.Attempts)
}
