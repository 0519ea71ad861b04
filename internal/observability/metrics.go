package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-router/models"
)

const namespace = "router"

// Metrics holds the Prometheus collectors. It satisfies the router metrics
// hook and the registry availability observer.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	cooldowns       *prometheus.CounterVec
	cooldownLevel   *prometheus.GaugeVec
	available       *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routing requests by terminal outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Adapter calls by backend and result",
		}, []string{"backend_id", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Adapter call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend_id"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Cooldown windows opened per backend",
		}, []string{"backend_id"}),
		cooldownLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_level",
			Help:      "Current cooldown escalation level",
		}, []string{"backend_id"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_available",
			Help:      "1 when the backend is in rotation",
		}, []string{"backend_id"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.requests, m.requestDuration,
		m.attempts, m.attemptDuration,
		m.cooldowns, m.cooldownLevel,
		m.available,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records a finished routing request
func (m *Metrics) ObserveRequest(outcome models.Outcome, duration time.Duration) {
	m.requests.WithLabelValues(string(outcome)).Inc()
	m.requestDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

// ObserveAttempt records one adapter call. An empty failure is a success.
func (m *Metrics) ObserveAttempt(backendID string, failure models.FailureKind, duration time.Duration) {
	result := "success"
	if failure != "" {
		result = string(failure)
	}
	m.attempts.WithLabelValues(backendID, result).Inc()
	m.attemptDuration.WithLabelValues(backendID).Observe(duration.Seconds())
}

// ObserveCooldown records a backend entering cooldown
func (m *Metrics) ObserveCooldown(backendID string, level int) {
	m.cooldowns.WithLabelValues(backendID).Inc()
	m.cooldownLevel.WithLabelValues(backendID).Set(float64(level))
}

// BackendAvailability tracks registry availability changes
func (m *Metrics) BackendAvailability(backendID string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	m.available.WithLabelValues(backendID).Set(v)
}

// Instrument is HTTP middleware counting requests by chi route pattern
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
