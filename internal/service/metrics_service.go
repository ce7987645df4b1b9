package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/user-guard-api/internal/models"
)

// Rate limit decision outcomes used as metric labels.
const (
	OutcomeAllowed     = "allowed"
	OutcomeBlocked     = "blocked"
	OutcomeLocked      = "locked"
	OutcomeFailOpen    = "fail_open"
	OutcomeUnavailable = "unavailable"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	rateDecisions   *prometheus.CounterVec
	auditRecords    *prometheus.CounterVec
	auditFailures   *prometheus.CounterVec
	tokenOperations *prometheus.CounterVec

	cacheHitCount     uint64
	cacheMissCount    uint64
	requestCount      uint64
	allowedCount      uint64
	deniedCount       uint64
	lockCount         uint64
	failOpenCount     uint64
	auditWrittenCount uint64
	auditFailedCount  uint64
	rotationCount     uint64
	rotationDenied    uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	rateDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Abuse guard decisions by policy and outcome",
	}, []string{"policy", "outcome"})

	auditRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_records_total",
		Help: "Activity records persisted by action",
	}, []string{"action"})

	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Activity records that could not be persisted",
	}, []string{"reason"})

	tokenOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refresh_token_operations_total",
		Help: "Refresh token lifecycle operations by outcome",
	}, []string{"operation", "outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		rateDecisions, auditRecords, auditFailures, tokenOperations, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		rateDecisions:   rateDecisions,
		auditRecords:    auditRecords,
		auditFailures:   auditFailures,
		tokenOperations: tokenOperations,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// TrackGauge registers a gauge sampled from fn on every scrape.
func (m *MetricsService) TrackGauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordRateLimitDecision counts one guard decision.
func (m *MetricsService) RecordRateLimitDecision(policy, outcome string) {
	if m == nil {
		return
	}
	m.rateDecisions.WithLabelValues(policy, outcome).Inc()
	switch outcome {
	case OutcomeAllowed:
		atomic.AddUint64(&m.allowedCount, 1)
	case OutcomeLocked:
		atomic.AddUint64(&m.lockCount, 1)
		atomic.AddUint64(&m.deniedCount, 1)
	case OutcomeFailOpen:
		atomic.AddUint64(&m.failOpenCount, 1)
		atomic.AddUint64(&m.allowedCount, 1)
	default:
		atomic.AddUint64(&m.deniedCount, 1)
	}
}

// RecordAuditWrite counts a persisted activity record.
func (m *MetricsService) RecordAuditWrite(action models.ActivityAction) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(string(action)).Inc()
	atomic.AddUint64(&m.auditWrittenCount, 1)
}

// RecordAuditFailure counts an activity record that was dropped.
func (m *MetricsService) RecordAuditFailure(reason string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(reason).Inc()
	atomic.AddUint64(&m.auditFailedCount, 1)
}

// RecordTokenOperation counts a refresh token lifecycle operation.
func (m *MetricsService) RecordTokenOperation(operation string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "rejected"
	}
	m.tokenOperations.WithLabelValues(operation, outcome).Inc()
	if operation == "rotate" {
		if success {
			atomic.AddUint64(&m.rotationCount, 1)
		} else {
			atomic.AddUint64(&m.rotationDenied, 1)
		}
	}
}

// Snapshot returns aggregated counters suitable for the admin security endpoint.
func (m *MetricsService) Snapshot() models.SecurityMetrics {
	if m == nil {
		return models.SecurityMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	return models.SecurityMetrics{
		RequestsTotal:        atomic.LoadUint64(&m.requestCount),
		RateLimitAllowed:     atomic.LoadUint64(&m.allowedCount),
		RateLimitDenied:      atomic.LoadUint64(&m.deniedCount),
		AccountLocks:         atomic.LoadUint64(&m.lockCount),
		FailOpenDecisions:    atomic.LoadUint64(&m.failOpenCount),
		AuditRecordsWritten:  atomic.LoadUint64(&m.auditWrittenCount),
		AuditWriteFailures:   atomic.LoadUint64(&m.auditFailedCount),
		TokenRotations:       atomic.LoadUint64(&m.rotationCount),
		TokenRotationsDenied: atomic.LoadUint64(&m.rotationDenied),
		CacheHitRatio:        cacheRatio,
		Goroutines:           runtime.NumGoroutine(),
		GeneratedAt:          time.Now().UTC(),
	}
}
