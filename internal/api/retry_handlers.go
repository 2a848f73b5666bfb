package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/orchestrator"
	"github.com/siteprobe/siteprobe/internal/plan"
)

type retryRequest struct {
	Services []string `json:"services"`
}

// handleRetry re-executes the failed, retryable services of a settled scan.
// A concurrent retry of the same scan is not an error: losers get the
// current state back.
func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request, scanID string) {
	ctx := req.Context()

	var body retryRequest
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
			return
		}
	}
	for _, name := range body.Services {
		if !plan.IsKnownService(name) {
			writeError(w, http.StatusBadRequest, errCodeInvalidInput, "unknown service: "+name)
			return
		}
	}

	id := r.identity(ctx, req)
	retrying, err := r.orchestrator.Retry(ctx, r.enforcer, id, scanID, body.Services)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrScanActive):
			// The scan is already running again; return it as-is.
			r.handleGetScan(w, req, scanID)
		case errors.Is(err, orchestrator.ErrNoRetryableServices):
			writeError(w, http.StatusBadRequest, errCodeNoRetryable, "no services are eligible for retry")
		default:
			r.respondRetryError(w, err, scanID)
		}
		return
	}

	writeSuccess(w, http.StatusAccepted, map[string]any{
		"scanId":          scanID,
		"retriedServices": retrying,
	})
}

func (r *Router) respondRetryError(w http.ResponseWriter, err error, scanID string) {
	if isNotFound(err) {
		writeError(w, http.StatusNotFound, errCodeNotFound, "scan not found")
		return
	}
	if isQuota(err) {
		respondQuota(w, err, "daily retry limit reached")
		return
	}
	log.Error().Err(err).Str("scanId", scanID).Msg("Retry failed")
	writeError(w, http.StatusInternalServerError, errCodeInternal, "retry failed")
}

// handleRetryStatus reports per-service retry eligibility.
func (r *Router) handleRetryStatus(w http.ResponseWriter, req *http.Request, scanID string) {
	bundle, err := r.store.LoadScanBundle(req.Context(), scanID)
	if err != nil {
		respondLoadError(w, err, scanID)
		return
	}

	type eligibility struct {
		CanRetry    bool   `json:"canRetry"`
		Attempts    int    `json:"attempts"`
		MaxAttempts int    `json:"maxAttempts"`
		ErrorCode   string `json:"errorCode,omitempty"`
	}
	svcs := make(map[string]eligibility, len(bundle.Services))
	anyRetryable := false
	for _, svc := range bundle.Services {
		e := eligibility{
			CanRetry:    svc.CanRetry(),
			Attempts:    svc.Attempts,
			MaxAttempts: svc.MaxAttempts,
		}
		if svc.Err != nil {
			e.ErrorCode = svc.Err.Code
		}
		if e.CanRetry {
			anyRetryable = true
		}
		svcs[svc.Name] = e
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"scanId":    scanID,
		"status":    string(bundle.Scan.Status),
		"retryable": anyRetryable,
		"services":  svcs,
	})
}
