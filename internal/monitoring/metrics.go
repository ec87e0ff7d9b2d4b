package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudscope"

// Metrics holds the application collectors on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	rows          *prometheus.CounterVec

	scoringCalls    *prometheus.CounterVec
	scoringAttempts *prometheus.CounterVec
	chunkDuration   prometheus.Histogram
	breakerState    prometheus.Gauge
	breakerOpens    prometheus.Counter

	persistDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	events          *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance with its own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"method", "path"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Submitted batches by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "End-to-end duration of batch submissions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rows_total",
			Help:      "Rows processed by status.",
		}, []string{"status"}),

		scoringCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "chunks_total",
			Help:      "Scored chunks by final result.",
		}, []string{"result"}),
		scoringAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "attempts_total",
			Help:      "Outbound scoring calls by result.",
		}, []string{"result"}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of a chunk including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "circuit_breaker_opens_total",
			Help:      "Number of times the circuit breaker opened.",
		}),

		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "save_duration_seconds",
			Help:      "Duration of batch persistence.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Batch cache lookups by result.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "blocked_total",
			Help:      "Rejected submissions by limiter backend.",
		}, []string{"backend"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "batch.scored events by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.batches, m.batchDuration, m.rows,
		m.scoringCalls, m.scoringAttempts, m.chunkDuration, m.breakerState, m.breakerOpens,
		m.persistDuration, m.cacheLookups, m.rateLimited, m.events,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime returns the time since the metrics were created
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.start)
}

// RequestStarted tracks an in-flight request; call the returned func when done
func (m *Metrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.httpInFlight.Inc()
	return m.httpInFlight.Dec
}

// RecordRequest records a completed HTTP request
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBatch records a finished submission by outcome (done, failed, cancelled)
func (m *Metrics) RecordBatch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// RecordRows records scored and unscored row counts
func (m *Metrics) RecordRows(scored, unscored int) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues("scored").Add(float64(scored))
	m.rows.WithLabelValues("unscored").Add(float64(unscored))
}

// RecordScoringChunk records the final result of one chunk
func (m *Metrics) RecordScoringChunk(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.scoringCalls.WithLabelValues(result).Inc()
	m.chunkDuration.Observe(duration.Seconds())
}

// RecordScoringAttempt records one outbound call
func (m *Metrics) RecordScoringAttempt(result string) {
	if m == nil {
		return
	}
	m.scoringAttempts.WithLabelValues(result).Inc()
}

// SetBreakerState publishes the breaker state; opened counts transitions into open
func (m *Metrics) SetBreakerState(state int, opened bool) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
	if opened {
		m.breakerOpens.Inc()
	}
}

// RecordPersistence records a store write
func (m *Metrics) RecordPersistence(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.persistDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCacheLookup records a batch cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordRateLimited records a rejected submission
func (m *Metrics) RecordRateLimited(backend string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(backend).Inc()
}

// RecordEvent records a publish attempt
func (m *Metrics) RecordEvent(result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(result).Inc()
}
