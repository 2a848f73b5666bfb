package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/rs/zerolog/log"
)

// Version is stamped by the build; main copies its ldflags value here.
var Version = "dev"

// handleHealth reports process and dependency health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	dbStatus := "ok"
	if err := r.store.Ping(ctx); err != nil {
		healthy = false
		dbStatus = err.Error()
	}

	sweepAt, sweepErr := r.cache.SweeperStatus()
	sweeper := map[string]any{"lastRun": nil, "lastError": nil}
	if !sweepAt.IsZero() {
		sweeper["lastRun"] = sweepAt.UTC().Format(time.RFC3339)
	}
	if sweepErr != nil {
		sweeper["lastError"] = sweepErr.Error()
	}

	health := map[string]any{
		"status":           healthStatus(healthy),
		"version":          Version,
		"timestamp":        time.Now().Unix(),
		"uptime":           time.Since(r.startTime).Seconds(),
		"database":         dbStatus,
		"cacheSweeper":     sweeper,
		"websocketClients": r.wsHub.ClientCount(),
		"system":           systemStats(ctx),
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func healthStatus(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}

// systemStats samples host utilisation; failures degrade to partial output.
func systemStats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if memStats, err := gomem.VirtualMemoryWithContext(ctx); err == nil {
		stats["memoryUsedPercent"] = memStats.UsedPercent
	}
	if cpuPercent, err := gocpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercent) > 0 {
		stats["cpuPercent"] = cpuPercent[0]
	}
	return stats
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"version": Version})
}

var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// handleMonitoringMetrics serves aggregate scan metrics over a time range.
func (r *Router) handleMonitoringMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errCodeInvalidInput, "method not allowed")
		return
	}

	rangeKey := req.URL.Query().Get("timeRange")
	if rangeKey == "" {
		rangeKey = "24h"
	}
	window, ok := timeRanges[rangeKey]
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidInput, "invalid timeRange")
		return
	}

	agg, err := r.store.AggregateMetrics(req.Context(), time.Now().Add(-window))
	if err != nil {
		log.Error().Err(err).Str("timeRange", rangeKey).Msg("Failed to aggregate metrics")
		writeError(w, http.StatusInternalServerError, errCodeInternal, "failed to aggregate metrics")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"timeRange":  rangeKey,
		"aggregates": agg,
	})
}
