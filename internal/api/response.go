package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/store"
)

// API error codes surfaced in the response envelope.
const (
	errCodeInvalidInput     = "INVALID_INPUT"
	errCodeNotFound         = "NOT_FOUND"
	errCodeDailyLimit       = "DAILY_LIMIT_REACHED"
	errCodeRetryLimit       = "RETRY_LIMIT_REACHED"
	errCodeNoRetryable      = "NO_RETRYABLE_SERVICES"
	errCodeDownloadsBlocked = "DOWNLOADS_RESTRICTED"
	errCodeInternal         = "INTERNAL"
)

type errorBody struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Limit           *int   `json:"limit,omitempty"`
	Current         *int   `json:"current,omitempty"`
	UpgradeRequired bool   `json:"upgradeRequired,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &errorBody{Code: code, Message: message}})
}

func writeQuotaError(w http.ResponseWriter, code, message string, limit, current int) {
	writeJSON(w, http.StatusTooManyRequests, envelope{
		Success: false,
		Error: &errorBody{
			Code: code, Message: message,
			Limit: &limit, Current: &current, UpgradeRequired: true,
		},
	})
}

// quotaCode maps the exhausted counter kind to its wire error code.
func quotaCode(kind string) string {
	if kind == "retries" {
		return errCodeRetryLimit
	}
	return errCodeDailyLimit
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

func isQuota(err error) bool { return errors.Is(err, store.ErrQuotaExceeded) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
