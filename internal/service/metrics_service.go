package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the auth subsystem.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	authOutcomes    *prometheus.CounterVec
	tokensPurged    prometheus.Counter
	activeRotations prometheus.Gauge
}

// NewMetricsService registers the collectors on a private registry.
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

	authOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_operations_total",
		Help: "Authentication operations by type and outcome",
	}, []string{"operation", "outcome"})

	tokensPurged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_tokens_purged_total",
		Help: "Expired refresh tokens removed by the purger",
	})

	activeRotations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "refresh_rotations_in_flight",
		Help: "Refresh rotations currently executing",
	})

	registry.MustRegister(requestDuration, requestTotal, authOutcomes, tokensPurged, activeRotations)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		authOutcomes:    authOutcomes,
		tokensPurged:    tokensPurged,
		activeRotations: activeRotations,
	}
}

// Handler exposes the /metrics endpoint handler.
func (m *MetricsService) Handler() http.Handler {
	return m.handler
}

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := []string{method, path, strconv.Itoa(status)}
	m.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(labels...).Inc()
}

// CountAuthOperation records the outcome of an auth operation.
func (m *MetricsService) CountAuthOperation(operation, outcome string) {
	m.authOutcomes.WithLabelValues(operation, outcome).Inc()
}

// CountPurgedTokens adds to the purge total.
func (m *MetricsService) CountPurgedTokens(n int64) {
	if n > 0 {
		m.tokensPurged.Add(float64(n))
	}
}

// RotationStarted/RotationFinished track in-flight rotations.
func (m *MetricsService) RotationStarted()  { m.activeRotations.Inc() }
func (m *MetricsService) RotationFinished() { m.activeRotations.Dec() }
