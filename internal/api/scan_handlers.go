package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/plan"
	"github.com/siteprobe/siteprobe/internal/quota"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/services"
	"github.com/siteprobe/siteprobe/internal/status"
	"github.com/siteprobe/siteprobe/internal/store"
	"github.com/siteprobe/siteprobe/internal/urlnorm"
)

type createScanRequest struct {
	URL      string          `json:"url"`
	Services []string        `json:"services"`
	Force    bool            `json:"force"`
	Config   json.RawMessage `json:"config"`
}

// planView is the plan block of the creation response.
type planView struct {
	Type               string   `json:"type"`
	AllowedServices    []string `json:"allowedServices"`
	RestrictedServices []string `json:"restrictedServices"`
}

// createScanView is the 202 acceptance shape. Polling returns the full
// projection; this only confirms admission.
type createScanView struct {
	ScanID    string   `json:"scanId"`
	Status    string   `json:"status"`
	URL       string   `json:"url"`
	StartedAt *string  `json:"startedAt"`
	Plan      planView `json:"plan"`
}

// handleCreateScan admits a new scan. The quota pre-check rejects exhausted
// callers before the fingerprint is even computed; cache hits are served
// without consuming any budget; only a miss consumes a scan and dispatches.
func (r *Router) handleCreateScan(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var body createScanRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "url is required")
		return
	}
	for _, name := range body.Services {
		if !plan.IsKnownService(name) {
			writeError(w, http.StatusBadRequest, errCodeInvalidInput, "unknown service: "+name)
			return
		}
	}

	svcCfg, err := services.DecodeConfig(body.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "invalid service config: "+err.Error())
		return
	}

	normalized, err := urlnorm.Normalize(body.URL, r.normOptions())
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "invalid url: "+err.Error())
		return
	}

	id := r.identity(ctx, req)
	limits := id.Limits()

	if err := r.enforcer.CheckScan(ctx, id); err != nil {
		respondQuota(w, err, "daily scan limit reached")
		return
	}

	// An omitted service list means the whole catalogue; every scan carries
	// one row per catalogue service so terminal scans are fully settled.
	requested := body.Services
	if len(requested) == 0 {
		requested = plan.Catalogue()
	}
	effective, _ := quota.FilterServices(limits, requested)
	restricted := catalogueComplement(effective)

	fingerprint := urlnorm.Fingerprint(normalized, requested)

	if !body.Force {
		if hit, err := r.cache.Lookup(ctx, fingerprint, false); err != nil {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Cache lookup failed, treating as miss")
		} else if hit != nil {
			r.sink.Emit(events.Event{
				Level: "info", Name: "scan_cache_hit",
				ScanID: hit.Scan.ID, UserType: id.UserType(), Plan: string(id.Tier),
				URL: normalized,
			})
			r.sink.RecordScanMetric(&store.ScanMetric{
				ScanID:        hit.Scan.ID,
				UserType:      id.UserType(),
				Plan:          string(id.Tier),
				URL:           normalized,
				Status:        string(hit.Scan.Status),
				Cached:        true,
				TotalMs:       hit.Scan.TotalMs,
				ServicesTotal: len(hit.Services),
			})
			writeSuccess(w, http.StatusOK, status.Project(hit, true))
			return
		}
	}

	if err := r.enforcer.ConsumeScan(ctx, id); err != nil {
		respondQuota(w, err, "daily scan limit reached")
		return
	}

	// An id collision gets a fresh draw instead of surfacing as a fault.
	var sc *scan.Scan
	for attempt := 0; ; attempt++ {
		sc = &scan.Scan{
			ID:            r.newScanID(),
			URL:           body.URL,
			NormalizedURL: normalized,
			Fingerprint:   fingerprint,
			UserID:        id.UserID,
			IP:            ownerIP(id),
			Plan:          id.Tier,
			Status:        scan.StatusPending,
			CreatedAt:     time.Now().UTC(),
		}

		// Restricted rows are settled by the orchestrator before fan-out.
		rows := make([]*scan.ServiceExecution, 0, len(effective)+len(restricted))
		for _, name := range append(append([]string{}, effective...), restricted...) {
			rows = append(rows, &scan.ServiceExecution{
				ScanID:      sc.ID,
				Name:        name,
				Status:      scan.ServicePending,
				MaxAttempts: limits.MaxAttempts(),
			})
		}

		err := r.store.CreateScanWithServices(ctx, sc, rows)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateScanID) && attempt < 2 {
			continue
		}
		log.Error().Err(err).Str("scanId", sc.ID).Msg("Failed to create scan")
		writeError(w, http.StatusInternalServerError, errCodeInternal, "failed to create scan")
		return
	}

	r.sink.Emit(events.Event{
		Level: "info", Name: "scan_created",
		ScanID: sc.ID, UserType: id.UserType(), Plan: string(id.Tier),
		URL: normalized,
	})

	go r.orchestrator.OrchestrateNew(context.WithoutCancel(ctx), sc.ID, effective, restricted, svcCfg)

	allowed := limits.AllowedServices()
	writeSuccess(w, http.StatusAccepted, createScanView{
		ScanID: sc.ID,
		Status: string(sc.Status),
		URL:    sc.URL,
		Plan: planView{
			Type:               string(id.Tier),
			AllowedServices:    allowed,
			RestrictedServices: catalogueComplement(allowed),
		},
	})
}

// catalogueComplement returns the catalogue services absent from names.
func catalogueComplement(names []string) []string {
	in := make(map[string]bool, len(names))
	for _, name := range names {
		in[name] = true
	}
	out := make([]string, 0, len(plan.Catalogue()))
	for _, name := range plan.Catalogue() {
		if !in[name] {
			out = append(out, name)
		}
	}
	return out
}

// handleGetScan serves the locked polling response.
func (r *Router) handleGetScan(w http.ResponseWriter, req *http.Request, scanID string) {
	bundle, err := r.store.LoadScanBundle(req.Context(), scanID)
	if err != nil {
		respondLoadError(w, err, scanID)
		return
	}
	writeSuccess(w, http.StatusOK, status.Project(bundle, bundle.Scan.Cached))
}

// handleGetProgress serves the lightweight progress projection.
func (r *Router) handleGetProgress(w http.ResponseWriter, req *http.Request, scanID string) {
	bundle, err := r.store.LoadScanBundle(req.Context(), scanID)
	if err != nil {
		respondLoadError(w, err, scanID)
		return
	}
	writeSuccess(w, http.StatusOK, status.ProjectProgress(bundle))
}

// handleExport renders the scan report PDF for plans with downloads.
func (r *Router) handleExport(w http.ResponseWriter, req *http.Request, scanID string) {
	ctx := req.Context()
	id := r.identity(ctx, req)

	if err := r.enforcer.ConsumeDownload(ctx, id); err != nil {
		if errors.Is(err, quota.ErrDownloadsRestricted) {
			writeError(w, http.StatusForbidden, errCodeDownloadsBlocked, "report downloads are not included in plan "+string(id.Tier))
			return
		}
		respondQuota(w, err, "download limit reached")
		return
	}

	bundle, err := r.store.LoadScanBundle(ctx, scanID)
	if err != nil {
		respondLoadError(w, err, scanID)
		return
	}
	if !bundle.Scan.Status.Terminal() {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "scan has not finished")
		return
	}

	pdf, err := r.reporter.Generate(bundle)
	if err != nil {
		log.Error().Err(err).Str("scanId", scanID).Msg("Failed to render scan report")
		writeError(w, http.StatusInternalServerError, errCodeInternal, "failed to render report")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="scan-`+scanID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

func (r *Router) identity(ctx context.Context, req *http.Request) quota.Identity {
	return r.enforcer.Resolve(ctx, req.Header.Get("X-User-Id"), clientIP(req))
}

func (r *Router) normOptions() urlnorm.Options {
	return urlnorm.Options{
		ForceHTTPS:          r.config.ForceHTTPS,
		StripTrackingParams: r.config.StripTrackingParams,
	}
}

func respondLoadError(w http.ResponseWriter, err error, scanID string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errCodeNotFound, "scan not found")
		return
	}
	log.Error().Err(err).Str("scanId", scanID).Msg("Failed to load scan")
	writeError(w, http.StatusInternalServerError, errCodeInternal, "failed to load scan")
}

func respondQuota(w http.ResponseWriter, err error, message string) {
	var qe *store.QuotaError
	if errors.As(err, &qe) {
		writeQuotaError(w, quotaCode(qe.Kind), message, qe.Limit, qe.Current)
		return
	}
	log.Error().Err(err).Msg("Quota check failed")
	writeError(w, http.StatusInternalServerError, errCodeInternal, "quota check failed")
}

// ownerIP keeps exactly one of user id and IP on the scan row.
func ownerIP(id quota.Identity) string {
	if id.UserID != "" {
		return ""
	}
	return id.IP
}

// clientIP prefers proxy headers over the socket address.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if real := req.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
