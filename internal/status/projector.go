// Package status projects a scan bundle into the locked polling response
// shape. The projector is pure: no writes, no side effects, and the shape
// is byte-compatible across versions.
package status

import (
	"encoding/json"
	"time"

	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/scan"
)

// ResponseVersion is the meta.version stamp of the polling contract.
const ResponseVersion = "1.0"

// ErrorView is the per-service error descriptor.
type ErrorView struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RetryView reports attempt accounting for a service.
type RetryView struct {
	Attempts    int  `json:"attempts"`
	MaxAttempts int  `json:"maxAttempts"`
	CanRetry    bool `json:"canRetry"`
}

// ServiceView is one service's slot in the response. Data is present only
// on success; Error only on failure.
type ServiceView struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorView      `json:"error"`
	Retry  RetryView       `json:"retry"`
}

// MetaView carries response metadata.
type MetaView struct {
	Version string `json:"version"`
	Cached  bool   `json:"cached"`
}

// ScanView is the locked response body under "data".
type ScanView struct {
	ScanID      string                 `json:"scanId"`
	Status      string                 `json:"status"`
	URL         string                 `json:"url"`
	StartedAt   *string                `json:"startedAt"`
	CompletedAt *string                `json:"completedAt"`
	Progress    scan.Progress          `json:"progress"`
	Services    map[string]ServiceView `json:"services"`
	Meta        MetaView               `json:"meta"`
}

// ProgressView is the lightweight projection for the progress endpoint.
type ProgressView struct {
	ScanID   string        `json:"scanId"`
	Status   string        `json:"status"`
	Progress scan.Progress `json:"progress"`
}

// Project converts a bundle into the full response body. The service key
// set is always the complete catalogue: rows the bundle is missing appear
// as pending with zeroed retry accounting.
func Project(bundle *scan.Bundle, cached bool) *ScanView {
	sc := bundle.Scan
	limits := plan.Lookup(sc.Plan)

	view := &ScanView{
		ScanID:      sc.ID,
		Status:      string(sc.Status),
		URL:         sc.URL,
		StartedAt:   isoTime(sc.StartedAt),
		CompletedAt: isoTime(sc.CompletedAt),
		Progress:    scan.ComputeProgress(bundle.Services),
		Services:    make(map[string]ServiceView, len(plan.Catalogue())),
		Meta:        MetaView{Version: ResponseVersion, Cached: cached},
	}

	for _, name := range plan.Catalogue() {
		svc := bundle.Service(name)
		if svc == nil {
			view.Services[name] = ServiceView{
				Status: string(scan.ServicePending),
				Retry:  RetryView{MaxAttempts: limits.MaxAttempts()},
			}
			continue
		}

		sv := ServiceView{
			Status: string(svc.Status),
			Retry: RetryView{
				Attempts:    svc.Attempts,
				MaxAttempts: svc.MaxAttempts,
				CanRetry:    svc.CanRetry(),
			},
		}
		if svc.Status == scan.ServiceSuccess {
			sv.Data = svc.Result
		}
		if svc.Status == scan.ServiceFailed && svc.Err != nil {
			sv.Error = &ErrorView{
				Code:      svc.Err.Code,
				Message:   svc.Err.Message,
				Retryable: svc.Err.Retryable,
			}
		}
		view.Services[name] = sv
	}

	// Progress is defined over the catalogue, not over whatever rows
	// happen to exist.
	view.Progress.TotalServices = len(plan.Catalogue())
	if view.Progress.TotalServices > 0 {
		view.Progress.Percentage = 100 * view.Progress.CompletedServices / view.Progress.TotalServices
	}

	return view
}

// ProjectProgress builds the lightweight progress body.
func ProjectProgress(bundle *scan.Bundle) *ProgressView {
	full := Project(bundle, bundle.Scan.Cached)
	return &ProgressView{
		ScanID:   full.ScanID,
		Status:   full.Status,
		Progress: full.Progress,
	}
}

func isoTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
