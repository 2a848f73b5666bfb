// Package events is the observability sink: structured JSON events emitted
// synchronously to stdout, and metric rows persisted asynchronously through
// a bounded queue. The sink never blocks or fails its caller; when the
// queue is full the oldest pending row is dropped and counted.
package events

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/siteprobe/siteprobe/internal/store"
)

const defaultQueueSize = 256

var (
	droppedMetricsOnce sync.Once
	droppedMetrics     prometheus.Counter
)

func initDroppedMetrics() {
	droppedMetrics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "siteprobe",
		Subsystem: "events",
		Name:      "dropped_metrics_total",
		Help:      "Metric rows dropped because the persistence queue was full.",
	})
	prometheus.MustRegister(droppedMetrics)
}

// Event is the fixed emission schema.
type Event struct {
	Level        string
	Name         string // e.g. "scan_completed", "service_failed"
	ScanID       string
	UserType     string
	Plan         string
	URL          string
	ServiceName  string
	ExecutionMs  int64
	ErrorCode    string
	ErrorMessage string
}

type metricJob struct {
	scan    *store.ScanMetric
	service *store.ServiceMetric
}

// Sink fans events to stdout and metric rows to the repository.
type Sink struct {
	store       *store.Store
	logger      zerolog.Logger
	environment string

	queue  chan metricJob
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New creates a Sink and starts its persistence worker. The provided writer
// is normally os.Stdout; tests substitute a buffer.
func New(st *store.Store, logger zerolog.Logger, environment string) *Sink {
	httpSinkMetricsInit()

	s := &Sink{
		store:       st,
		logger:      logger,
		environment: environment,
		queue:       make(chan metricJob, defaultQueueSize),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func httpSinkMetricsInit() {
	droppedMetricsOnce.Do(initDroppedMetrics)
}

// Emit writes one structured event synchronously. Sensitive query
// parameters are stripped from the URL before emission.
func (s *Sink) Emit(e Event) {
	evt := s.eventAt(e.Level)
	evt = evt.Str("event", e.Name).
		Str("environment", s.environment).
		Time("timestamp", time.Now().UTC())
	if e.ScanID != "" {
		evt = evt.Str("scanId", e.ScanID)
	}
	if e.UserType != "" {
		evt = evt.Str("userType", e.UserType)
	}
	if e.Plan != "" {
		evt = evt.Str("plan", e.Plan)
	}
	if e.URL != "" {
		evt = evt.Str("url", Redact(e.URL))
	}
	if e.ServiceName != "" {
		evt = evt.Str("serviceName", e.ServiceName)
	}
	if e.ExecutionMs > 0 {
		evt = evt.Int64("executionMs", e.ExecutionMs)
	}
	if e.ErrorCode != "" {
		evt = evt.Str("errorCode", e.ErrorCode)
	}
	if e.ErrorMessage != "" {
		evt = evt.Str("errorMessage", e.ErrorMessage)
	}
	evt.Msg(e.Name)
}

func (s *Sink) eventAt(level string) *zerolog.Event {
	switch strings.ToLower(level) {
	case "warn":
		return s.logger.Warn()
	case "error":
		return s.logger.Error()
	case "debug":
		return s.logger.Debug()
	default:
		return s.logger.Info()
	}
}

// RecordScanMetric enqueues one scan metric row for persistence.
func (s *Sink) RecordScanMetric(m *store.ScanMetric) {
	s.enqueue(metricJob{scan: m})
}

// RecordServiceMetric enqueues one service metric row for persistence.
func (s *Sink) RecordServiceMetric(m *store.ServiceMetric) {
	s.enqueue(metricJob{service: m})
}

func (s *Sink) enqueue(job metricJob) {
	select {
	case <-s.done:
		return
	default:
	}

	for {
		select {
		case s.queue <- job:
			return
		default:
			// Queue full: drop the oldest pending row and retry.
			select {
			case <-s.queue:
				httpSinkMetricsInit()
				droppedMetrics.Inc()
			default:
			}
		}
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.queue:
			s.persist(job)
		case <-s.done:
			// Drain what is left before exiting.
			for {
				select {
				case job := <-s.queue:
					s.persist(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) persist(job metricJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case job.scan != nil:
		err = s.store.InsertScanMetric(ctx, job.scan)
	case job.service != nil:
		err = s.store.InsertServiceMetric(ctx, job.service)
	}
	if err != nil {
		// Metric persistence is fail-safe: log and move on.
		log.Warn().Err(err).Msg("Failed to persist metric row")
	}
}

// Close stops accepting new rows and flushes the queue.
func (s *Sink) Close() {
	s.closed.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// sensitiveParams are stripped from emitted URLs.
var sensitiveParams = []string{"password", "token", "auth"}

// Redact removes sensitive query parameters from a URL string. Unparseable
// input is passed through untouched rather than lost.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := u.Query()
	changed := false
	for key := range query {
		lower := strings.ToLower(key)
		for _, sensitive := range sensitiveParams {
			if strings.Contains(lower, sensitive) {
				query.Del(key)
				changed = true
				break
			}
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = query.Encode()
	return u.String()
}
