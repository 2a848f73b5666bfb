// Package api exposes the scan orchestration HTTP surface: scan creation,
// the locked polling endpoints, retry, export, health, and monitoring.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/cache"
	"github.com/siteprobe/siteprobe/internal/config"
	"github.com/siteprobe/siteprobe/internal/events"
	"github.com/siteprobe/siteprobe/internal/logging"
	"github.com/siteprobe/siteprobe/internal/orchestrator"
	"github.com/siteprobe/siteprobe/internal/quota"
	"github.com/siteprobe/siteprobe/internal/report"
	"github.com/siteprobe/siteprobe/internal/scan"
	"github.com/siteprobe/siteprobe/internal/store"
	"github.com/siteprobe/siteprobe/internal/websocket"
)

// Router handles HTTP routing
type Router struct {
	mux          *http.ServeMux
	config       *config.Config
	store        *store.Store
	cache        *cache.Service
	enforcer     *quota.Enforcer
	orchestrator *orchestrator.Orchestrator
	reporter     *report.Generator
	sink         *events.Sink
	wsHub        *websocket.Hub
	startTime    time.Time
	newScanID    func() string
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, st *store.Store, ca *cache.Service, enf *quota.Enforcer, orch *orchestrator.Orchestrator, sink *events.Sink, wsHub *websocket.Hub) http.Handler {
	r := &Router{
		mux:          http.NewServeMux(),
		config:       cfg,
		store:        st,
		cache:        ca,
		enforcer:     enf,
		orchestrator: orch,
		reporter:     report.NewGenerator(),
		sink:         sink,
		wsHub:        wsHub,
		startTime:    time.Now(),
		newScanID:    scan.NewID,
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes. Every route is registered both bare
// and under /api/ so deployments behind a gateway prefix work unchanged.
func (r *Router) setupRoutes() {
	handle := func(path string, handler http.Handler) {
		r.mux.Handle(path, handler)
		r.mux.Handle("/api"+path, handler)
	}

	handle("/health", http.HandlerFunc(r.handleHealth))
	handle("/version", http.HandlerFunc(r.handleVersion))

	handle("/scan", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleCreateScan(w, req)
	}))
	handle("/scan/", http.HandlerFunc(r.handleScanSubtree))

	handle("/monitoring/metrics", http.HandlerFunc(r.handleMonitoringMetrics))
	handle("/monitoring/prometheus", promhttp.Handler())

	// WebSocket endpoint
	r.mux.HandleFunc("/ws", r.wsHub.HandleWebSocket)
}

// handleScanSubtree dispatches /scan/{id}[/suffix] by path shape.
func (r *Router) handleScanSubtree(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, "/api"), "/scan/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errCodeNotFound, "scan id required")
		return
	}
	scanID := parts[0]

	suffix := ""
	if len(parts) > 1 {
		suffix = strings.Join(parts[1:], "/")
	}

	switch {
	case suffix == "" || suffix == "results":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleGetScan(w, req, scanID)
	case suffix == "progress":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleGetProgress(w, req, scanID)
	case suffix == "retry":
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleRetry(w, req, scanID)
	case suffix == "retry/status":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleRetryStatus(w, req, scanID)
	case suffix == "export":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
			return
		}
		r.handleExport(w, req, scanID)
	default:
		writeError(w, http.StatusNotFound, errCodeNotFound, "unknown scan endpoint")
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if origin := req.Header.Get("Origin"); origin != "" && r.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-Request-Id")
		w.Header().Set("Vary", "Origin")
	}

	// Handle preflight requests
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if req.URL.Path != "/ws" {
		r.addSecurityHeaders(w)
	}

	ctx, requestID := requestContext(req)
	req = req.WithContext(ctx)
	w.Header().Set("X-Request-Id", requestID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.mux.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	recordAPIRequest(req.Method, normalizeRoute(req.URL.Path), rec.status, elapsed)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("requestId", requestID).
		Int("status", rec.status).
		Dur("duration", elapsed).
		Msg("Request handled")
}

func (r *Router) originAllowed(origin string) bool {
	for _, pattern := range r.config.AllowedOrigins {
		if wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestContext(req *http.Request) (context.Context, string) {
	requestID := req.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return logging.WithRequestID(req.Context(), requestID)
}
