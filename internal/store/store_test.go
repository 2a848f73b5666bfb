package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testScan(id string) *scan.Scan {
	return &scan.Scan{
		ID:            id,
		URL:           "https://example.com/page",
		NormalizedURL: "https://example.com/page",
		Fingerprint:   "fp-" + id,
		IP:            "203.0.113.9",
		Plan:          plan.TierFree,
		Status:        scan.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func testServices(scanID string, names ...string) []*scan.ServiceExecution {
	out := make([]*scan.ServiceExecution, 0, len(names))
	for _, name := range names {
		out = append(out, &scan.ServiceExecution{
			ScanID:      scanID,
			Name:        name,
			Status:      scan.ServicePending,
			MaxAttempts: 2,
		})
	}
	return out
}

func TestCreateAndLoadScan(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-1")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, testServices(sc.ID, "accessibility", "duplicateContent")))

	bundle, err := st.LoadScanBundle(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, bundle.Scan.ID)
	assert.Equal(t, scan.StatusPending, bundle.Scan.Status)
	assert.Equal(t, plan.TierFree, bundle.Scan.Plan)
	assert.Len(t, bundle.Services, 2)
	assert.Equal(t, scan.ServicePending, bundle.Services[0].Status)
	assert.Equal(t, 2, bundle.Services[0].MaxAttempts)
	assert.Nil(t, bundle.Scan.StartedAt)
	assert.Nil(t, bundle.Scan.CompletedAt)
}

func TestCreateScanDuplicateID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-dup")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, nil))

	dup := testScan("scan-dup")
	dup.Fingerprint = "other"
	err := st.CreateScanWithServices(ctx, dup, nil)
	assert.ErrorIs(t, err, ErrDuplicateScanID)
}

func TestLoadScanNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.LoadScanBundle(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionScanCAS(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-cas")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, nil))

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.TransitionScan(ctx, sc.ID, scan.StatusPending, scan.StatusRunning,
		TransitionPatch{StartedAt: &started}))

	// Second caller with a stale expectation loses.
	err := st.TransitionScan(ctx, sc.ID, scan.StatusPending, scan.StatusRunning, TransitionPatch{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	completed := started.Add(3 * time.Second)
	totalMs := int64(3000)
	require.NoError(t, st.TransitionScan(ctx, sc.ID, scan.StatusRunning, scan.StatusCompleted,
		TransitionPatch{CompletedAt: &completed, TotalMs: &totalMs}))

	bundle, err := st.LoadScanBundle(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusCompleted, bundle.Scan.Status)
	require.NotNil(t, bundle.Scan.StartedAt)
	assert.Equal(t, started.Unix(), bundle.Scan.StartedAt.Unix())
	require.NotNil(t, bundle.Scan.CompletedAt)
	assert.Equal(t, int64(3000), bundle.Scan.TotalMs)
}

func TestTransitionScanIllegalEdge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-illegal")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, nil))

	// pending -> completed is not in the state machine at all.
	err := st.TransitionScan(ctx, sc.ID, scan.StatusPending, scan.StatusCompleted, TransitionPatch{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Legal edge but missing scan.
	err = st.TransitionScan(ctx, "missing", scan.StatusPending, scan.StatusRunning, TransitionPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateService(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-upd")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, testServices(sc.ID, "accessibility")))

	success := scan.ServiceSuccess
	ms := int64(420)
	require.NoError(t, st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{
		Status:      &success,
		Result:      json.RawMessage(`{"issueCount":3}`),
		ExecutionMs: &ms,
	}))

	bundle, err := st.LoadScanBundle(ctx, sc.ID)
	require.NoError(t, err)
	svc := bundle.Service("accessibility")
	require.NotNil(t, svc)
	assert.Equal(t, scan.ServiceSuccess, svc.Status)
	assert.JSONEq(t, `{"issueCount":3}`, string(svc.Result))
	assert.Equal(t, int64(420), svc.ExecutionMs)
	assert.Nil(t, svc.Err)

	// Flip to failed with an error, clearing the stale result.
	failed := scan.ServiceFailed
	require.NoError(t, st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{
		Status:      &failed,
		ClearResult: true,
		Err:         &scan.ServiceError{Code: scan.CodeTimeout, Message: "deadline", Retryable: true},
	}))

	bundle, err = st.LoadScanBundle(ctx, sc.ID)
	require.NoError(t, err)
	svc = bundle.Service("accessibility")
	assert.Nil(t, svc.Result)
	require.NotNil(t, svc.Err)
	assert.Equal(t, scan.CodeTimeout, svc.Err.Code)
	assert.True(t, svc.Err.Retryable)

	err = st.UpdateService(ctx, sc.ID, "nope", ServicePatch{Status: &failed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateServiceIfRunningCAS(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-ifrun")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, testServices(sc.ID, "accessibility")))

	success := scan.ServiceSuccess
	// Row is pending, so the guarded write is refused.
	err := st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{
		Status: &success, Result: json.RawMessage(`{"late":true}`), IfRunning: true,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	running := scan.ServiceRunning
	require.NoError(t, st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{Status: &running}))
	require.NoError(t, st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{
		Status: &success, Result: json.RawMessage(`{"late":false}`), IfRunning: true,
	}))

	// A missing row is still ErrNotFound, not a lost CAS.
	err = st.UpdateService(ctx, sc.ID, "ghost", ServicePatch{Status: &success, IfRunning: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetServiceKeepsAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sc := testScan("scan-reset")
	require.NoError(t, st.CreateScanWithServices(ctx, sc, testServices(sc.ID, "accessibility")))

	attempts, err := st.IncrementAttempts(ctx, sc.ID, "accessibility")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	failed := scan.ServiceFailed
	ms := int64(100)
	require.NoError(t, st.UpdateService(ctx, sc.ID, "accessibility", ServicePatch{
		Status:      &failed,
		ExecutionMs: &ms,
		Err:         &scan.ServiceError{Code: scan.CodeNetwork, Message: "refused", Retryable: true},
	}))

	require.NoError(t, st.ResetService(ctx, sc.ID, "accessibility"))

	bundle, err := st.LoadScanBundle(ctx, sc.ID)
	require.NoError(t, err)
	svc := bundle.Service("accessibility")
	assert.Equal(t, scan.ServicePending, svc.Status)
	assert.Nil(t, svc.Result)
	assert.Nil(t, svc.Err)
	assert.Equal(t, int64(0), svc.ExecutionMs)
	// Attempts are monotonic across retry cycles.
	assert.Equal(t, 1, svc.Attempts)

	attempts, err = st.IncrementAttempts(ctx, sc.ID, "accessibility")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestIncrementAttemptsMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.IncrementAttempts(context.Background(), "missing", "accessibility")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	st := newTestStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
