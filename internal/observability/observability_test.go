package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/models"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.ObservabilityConfig
		environment string
		wantErr     bool
	}{
		{name: "json development", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}, environment: "development"},
		{name: "console production", cfg: config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"}, environment: "production"},
		{name: "uppercase level", cfg: config.ObservabilityConfig{LogLevel: "WARN", LogFormat: "json"}, environment: "development"},
		{name: "bad level", cfg: config.ObservabilityConfig{LogLevel: "loud", LogFormat: "json"}, wantErr: true},
		{name: "bad format", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg, tt.environment)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestMetrics_Router(t *testing.T) {
	m := NewMetrics()

	m.ObserveRequest(models.OutcomeSucceeded, 120*time.Millisecond)
	m.ObserveRequest(models.OutcomeSucceeded, 80*time.Millisecond)
	m.ObserveRequest(models.OutcomeExhausted, time.Second)
	m.ObserveAttempt("local", "", 50*time.Millisecond)
	m.ObserveAttempt("cloud", models.FailureTimeout, 30*time.Second)
	m.ObserveCooldown("cloud", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("local", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("cloud", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cooldowns.WithLabelValues("cloud")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cooldownLevel.WithLabelValues("cloud")))
}

func TestMetrics_BackendAvailability(t *testing.T) {
	m := NewMetrics()

	m.BackendAvailability("local", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.available.WithLabelValues("local")))

	m.BackendAvailability("local", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.available.WithLabelValues("local")))
}

func TestMetrics_InstrumentAndHandler(t *testing.T) {
	m := NewMetrics()

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/api/v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.httpRequests.WithLabelValues(http.MethodGet, "/api/v1/conversations/{id}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "router_http_requests_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
