// Package scan defines the scan domain model: the scan and per-service
// records, the validated status transitions, and the derived progress
// projection. All persistence lives in the store package; this package is
// pure data and rules.
package scan

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/siteprobe/siteprobe/internal/plan"
)

// Status is the scan-level lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a scan status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// ServiceStatus is the per-service lifecycle state.
type ServiceStatus string

const (
	ServicePending ServiceStatus = "pending"
	ServiceRunning ServiceStatus = "running"
	ServiceSuccess ServiceStatus = "success"
	ServiceFailed  ServiceStatus = "failed"
)

// Completed reports whether the service has settled either way.
func (s ServiceStatus) Completed() bool {
	return s == ServiceSuccess || s == ServiceFailed
}

// Error classification codes shared by the executor and the plan filter.
const (
	CodeTimeout           = "TIMEOUT"
	CodeNetwork           = "NETWORK"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUpstream4xx       = "UPSTREAM_4XX"
	CodeUpstream5xx       = "UPSTREAM_5XX"
	CodeUnknown           = "UNKNOWN"
	CodeScanTimeout       = "SCAN_TIMEOUT"
	CodeServiceRestricted = "SERVICE_RESTRICTED"
)

// ServiceError is the persisted error descriptor for a failed service.
type ServiceError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ServiceError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Scan is one submitted URL analysis.
type Scan struct {
	ID            string
	URL           string // as submitted, for display
	NormalizedURL string
	Fingerprint   string
	UserID        string // exactly one of UserID/IP is set
	IP            string
	Plan          plan.Tier // snapshot at creation time
	Status        Status
	Cached        bool
	StartedAt     *time.Time
	CompletedAt   *time.Time
	TotalMs       int64
	CreatedAt     time.Time
}

// Identity returns the owning identity key: user id when present, else IP.
func (s *Scan) Identity() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.IP
}

// ServiceExecution is the per-service record within a scan.
type ServiceExecution struct {
	ScanID      string
	Name        string
	Status      ServiceStatus
	Result      json.RawMessage // present only on success
	Err         *ServiceError   // present only on failed
	ExecutionMs int64
	Attempts    int
	MaxAttempts int
}

// CanRetry reports whether this service is eligible for the retry path.
func (e *ServiceExecution) CanRetry() bool {
	return e.Status == ServiceFailed &&
		e.Err != nil && e.Err.Retryable &&
		e.Attempts < e.MaxAttempts
}

// Bundle is a scan row plus all its service rows read in one consistent
// snapshot.
type Bundle struct {
	Scan     *Scan
	Services []*ServiceExecution
}

// Service returns the named service row, or nil.
func (b *Bundle) Service(name string) *ServiceExecution {
	for _, svc := range b.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// NewID mints a URL-safe, sortable scan identifier.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
