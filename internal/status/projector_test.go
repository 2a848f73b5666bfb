package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
)

func sampleBundle() *scan.Bundle {
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)
	return &scan.Bundle{
		Scan: &scan.Scan{
			ID:            "01K3AAAAAAAAAAAAAAAAAAAAAA",
			URL:           "https://Example.com/page",
			NormalizedURL: "https://example.com/page",
			Plan:          plan.TierFree,
			Status:        scan.StatusPartial,
			StartedAt:     &started,
			CompletedAt:   &completed,
			TotalMs:       3000,
		},
		Services: []*scan.ServiceExecution{
			{
				Name: plan.ServiceAccessibility, Status: scan.ServiceSuccess,
				Result: json.RawMessage(`{"issueCount":2}`), Attempts: 1, MaxAttempts: 2,
			},
			{
				Name: plan.ServiceDuplicateContent, Status: scan.ServiceFailed,
				Err:      &scan.ServiceError{Code: scan.CodeTimeout, Message: "service timed out", Retryable: true},
				Attempts: 1, MaxAttempts: 2,
			},
		},
	}
}

func TestProjectShape(t *testing.T) {
	view := Project(sampleBundle(), false)

	assert.Equal(t, "01K3AAAAAAAAAAAAAAAAAAAAAA", view.ScanID)
	assert.Equal(t, "partial", view.Status)
	assert.Equal(t, "https://Example.com/page", view.URL)
	require.NotNil(t, view.StartedAt)
	assert.Equal(t, "2026-08-25T10:00:00Z", *view.StartedAt)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, "2026-08-25T10:00:03Z", *view.CompletedAt)
	assert.Equal(t, "1.0", view.Meta.Version)
	assert.False(t, view.Meta.Cached)

	// Every catalogue service has a key, requested or not.
	assert.Len(t, view.Services, 6)
	for _, name := range plan.Catalogue() {
		assert.Contains(t, view.Services, name)
	}
}

func TestProjectServiceViews(t *testing.T) {
	view := Project(sampleBundle(), false)

	succeeded := view.Services[plan.ServiceAccessibility]
	assert.Equal(t, "success", succeeded.Status)
	assert.JSONEq(t, `{"issueCount":2}`, string(succeeded.Data))
	assert.Nil(t, succeeded.Error)
	assert.Equal(t, 1, succeeded.Retry.Attempts)
	assert.Equal(t, 2, succeeded.Retry.MaxAttempts)
	assert.False(t, succeeded.Retry.CanRetry)

	failed := view.Services[plan.ServiceDuplicateContent]
	assert.Equal(t, "failed", failed.Status)
	assert.Nil(t, failed.Data)
	require.NotNil(t, failed.Error)
	assert.Equal(t, scan.CodeTimeout, failed.Error.Code)
	assert.True(t, failed.Error.Retryable)
	assert.True(t, failed.Retry.CanRetry)

	// Rows the store never held appear as pending with zero attempts.
	missing := view.Services[plan.ServiceBacklinks]
	assert.Equal(t, "pending", missing.Status)
	assert.Nil(t, missing.Data)
	assert.Nil(t, missing.Error)
	assert.Equal(t, 0, missing.Retry.Attempts)
	assert.Equal(t, 2, missing.Retry.MaxAttempts)
}

func TestProjectProgressOverCatalogue(t *testing.T) {
	view := Project(sampleBundle(), false)
	assert.Equal(t, 6, view.Progress.TotalServices)
	assert.Equal(t, 2, view.Progress.CompletedServices)
	assert.Equal(t, 33, view.Progress.Percentage)
}

func TestProjectCachedFlag(t *testing.T) {
	view := Project(sampleBundle(), true)
	assert.True(t, view.Meta.Cached)
}

func TestProjectNilTimes(t *testing.T) {
	bundle := sampleBundle()
	bundle.Scan.StartedAt = nil
	bundle.Scan.CompletedAt = nil
	view := Project(bundle, false)
	assert.Nil(t, view.StartedAt)
	assert.Nil(t, view.CompletedAt)
}

// The envelope shape is a compatibility contract: services must always carry
// an explicit error key, and data must be absent rather than null on failure.
func TestProjectJSONContract(t *testing.T) {
	raw, err := json.Marshal(Project(sampleBundle(), false))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	servicesMap := decoded["services"].(map[string]any)
	failed := servicesMap[plan.ServiceDuplicateContent].(map[string]any)
	_, hasData := failed["data"]
	assert.False(t, hasData, "failed services must omit data")
	assert.NotNil(t, failed["error"])

	succeeded := servicesMap[plan.ServiceAccessibility].(map[string]any)
	assert.Contains(t, succeeded, "error", "error key is always present")
	assert.Nil(t, succeeded["error"])

	meta := decoded["meta"].(map[string]any)
	assert.Equal(t, "1.0", meta["version"])
}

func TestProjectProgressView(t *testing.T) {
	p := ProjectProgress(sampleBundle())
	assert.Equal(t, "01K3AAAAAAAAAAAAAAAAAAAAAA", p.ScanID)
	assert.Equal(t, "partial", p.Status)
	assert.Equal(t, 6, p.Progress.TotalServices)
}
