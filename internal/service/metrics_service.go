package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/madrasa-sync/internal/models"
)

// Delivery outcomes recorded per queued mutation.
const (
	OutcomeSynced   = "synced"
	OutcomeConflict = "conflict"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// MetricsService encapsulates Prometheus instrumentation for both binaries.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	drainDuration   *prometheus.HistogramVec
	queueItems      *prometheus.GaugeVec
	online          prometheus.Gauge
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

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_deliveries_total",
		Help: "Delivery attempts of queued mutations by outcome",
	}, []string{"record_type", "outcome"})

	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_total",
		Help: "Resolved conflicts by resolution and rule",
	}, []string{"resolution", "rule"})

	drainDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_drain_duration_seconds",
		Help:    "Duration of drain passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})

	queueItems := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_queue_items",
		Help: "Queued mutations by status",
	}, []string{"status"})

	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_online",
		Help: "1 when the remote record store is reachable",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, dbQueryDuration, deliveries, conflicts, drainDuration, queueItems, online, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		dbQueryDuration: dbQueryDuration,
		deliveries:      deliveries,
		conflicts:       conflicts,
		drainDuration:   drainDuration,
		queueItems:      queueItems,
		online:          online,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordDelivery counts one delivery outcome.
func (m *MetricsService) RecordDelivery(recordType models.RecordType, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(recordType), outcome).Inc()
}

// RecordConflict counts a resolved conflict.
func (m *MetricsService) RecordConflict(c models.ConflictCase) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(c.Resolution), string(c.Rule)).Inc()
}

// ObserveDrain records a completed drain pass and the queue depth after it.
func (m *MetricsService) ObserveDrain(result models.DrainResult, counts map[models.MutationStatus]int) {
	if m == nil {
		return
	}
	if !result.Skipped {
		m.drainDuration.WithLabelValues(string(result.Trigger)).Observe(result.Duration.Seconds())
	}
	m.SetQueueDepth(counts)
}

// SetQueueDepth publishes the per-status queue gauge.
func (m *MetricsService) SetQueueDepth(counts map[models.MutationStatus]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.queueItems.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetOnline publishes connectivity.
func (m *MetricsService) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
