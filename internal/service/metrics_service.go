package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcome labels.
const (
	LoginOutcomeSuccess  = "success"
	LoginOutcomeInvalid  = "invalid"
	LoginOutcomeBlocked  = "blocked"
	LoginOutcomeInactive = "inactive"
	LoginOutcomeError    = "error"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the authentication pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	loginTotal      *prometheus.CounterVec
	gateRejections  *prometheus.CounterVec
	abuseBlocks     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	permLookups     *prometheus.CounterVec
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

	loginTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})

	gateRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_gate_rejections_total",
		Help: "Requests rejected by the authentication gate",
	}, []string{"reason"})

	abuseBlocks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_blocks_total",
		Help: "Block records written by the abuse guard",
	}, []string{"scope", "reason"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_store_errors_total",
		Help: "Failed abuse store operations",
	}, []string{"op"})

	permLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_cache_lookups_total",
		Help: "Permission cache lookups by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, dbQueryDuration, loginTotal, gateRejections, abuseBlocks, storeErrors, permLookups, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		dbQueryDuration: dbQueryDuration,
		loginTotal:      loginTotal,
		gateRejections:  gateRejections,
		abuseBlocks:     abuseBlocks,
		storeErrors:     storeErrors,
		permLookups:     permLookups,
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

// RecordLogin counts a login attempt by outcome.
func (m *MetricsService) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

// RecordGateRejection counts a request the gate turned away.
func (m *MetricsService) RecordGateRejection(reason string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(reason).Inc()
}

// RecordBlock counts a block record written for scope.
func (m *MetricsService) RecordBlock(scope, reason string) {
	if m == nil {
		return
	}
	m.abuseBlocks.WithLabelValues(scope, reason).Inc()
}

// RecordStoreError counts a failed abuse store operation.
func (m *MetricsService) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordPermissionLookup counts a permission cache hit or miss.
func (m *MetricsService) RecordPermissionLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.permLookups.WithLabelValues(result).Inc()
}
