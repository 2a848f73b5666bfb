// Package services defines the flat collaborator interface the orchestrator
// requires of each analysis service, the registry the catalogue services
// are looked up in, and the error classification shared by all runners.
// Services are values registered by name; there is no subtyping.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// Runner executes one analysis of a normalized URL and returns an opaque
// JSON result. Errors should be classified; anything unclassified defaults
// to UNKNOWN and retryable.
type Runner interface {
	Run(ctx context.Context, normalizedURL string, cfg ServiceConfig) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, normalizedURL string, cfg ServiceConfig) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, normalizedURL string, cfg ServiceConfig) (json.RawMessage, error) {
	return f(ctx, normalizedURL, cfg)
}

// Per-service configuration records. Each service declares a closed record
// type; unknown keys are rejected at ingress.

// AccessibilityConfig tunes the accessibility checker.
type AccessibilityConfig struct {
	CheckContrast bool `json:"checkContrast,omitempty"`
}

// DuplicateContentConfig tunes the duplicate-content detector.
type DuplicateContentConfig struct {
	ShingleSize int `json:"shingleSize,omitempty"`
}

// BacklinksConfig tunes the backlinks scraper.
type BacklinksConfig struct {
	MaxLinks int `json:"maxLinks,omitempty"`
}

// SchemaConfig tunes the structured-data validator.
type SchemaConfig struct {
	RequireOrganization bool `json:"requireOrganization,omitempty"`
}

// MultiLanguageConfig tunes the multi-language analyzer.
type MultiLanguageConfig struct {
	ExpectedLocales []string `json:"expectedLocales,omitempty"`
}

// RankTrackerConfig tunes the rank tracker.
type RankTrackerConfig struct {
	Keywords []string `json:"keywords,omitempty"`
}

// ServiceConfig is the tagged union of per-service records carried through
// the orchestrator. Absent members mean defaults.
type ServiceConfig struct {
	Accessibility    *AccessibilityConfig    `json:"accessibility,omitempty"`
	DuplicateContent *DuplicateContentConfig `json:"duplicateContent,omitempty"`
	Backlinks        *BacklinksConfig        `json:"backlinks,omitempty"`
	Schema           *SchemaConfig           `json:"schema,omitempty"`
	MultiLanguage    *MultiLanguageConfig    `json:"multiLanguage,omitempty"`
	RankTracker      *RankTrackerConfig      `json:"rankTracker,omitempty"`
}

// DecodeConfig parses a service config payload, rejecting unknown keys.
func DecodeConfig(raw json.RawMessage) (ServiceConfig, error) {
	var cfg ServiceConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode service config: %w", err)
	}
	return cfg, nil
}

// Registry is the lookup table of catalogue services.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a runner to a service name, replacing any previous one.
func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[name] = runner
}

// Get returns the runner for a name, or nil.
func (r *Registry) Get(name string) Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[name]
}

// Names lists registered services, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpstreamError reports a non-2xx response from the analyzed site or an
// upstream dependency.
type UpstreamError struct {
	StatusCode int
	URL        string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.StatusCode, e.URL)
}

// InvalidInputError reports input the service cannot operate on.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// Classification carries the persisted error triple for a failed run.
type Classification struct {
	Code      string
	Message   string
	Retryable bool
}

// Classify maps a runner error onto the fixed error taxonomy. Timeouts and
// network faults are retryable; bad input and upstream 4xx are not; the
// catch-all is UNKNOWN and retryable.
func Classify(err error) Classification {
	var upstream *UpstreamError
	var invalid *InvalidInputError
	var netErr net.Error
	var dnsErr *net.DNSError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Code: "TIMEOUT", Message: "service timed out", Retryable: true}
	case errors.As(err, &invalid):
		return Classification{Code: "INVALID_INPUT", Message: invalid.Error(), Retryable: false}
	case errors.As(err, &upstream):
		if upstream.StatusCode >= 500 {
			return Classification{Code: "UPSTREAM_5XX", Message: upstream.Error(), Retryable: true}
		}
		return Classification{Code: "UPSTREAM_4XX", Message: upstream.Error(), Retryable: false}
	case errors.As(err, &dnsErr):
		return Classification{Code: "NETWORK", Message: err.Error(), Retryable: true}
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return Classification{Code: "TIMEOUT", Message: err.Error(), Retryable: true}
		}
		return Classification{Code: "NETWORK", Message: err.Error(), Retryable: true}
	case isConnectionError(err):
		return Classification{Code: "NETWORK", Message: err.Error(), Retryable: true}
	default:
		return Classification{Code: "UNKNOWN", Message: err.Error(), Retryable: true}
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host")
}
