package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/app"
	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/middleware"
	"go.uber.org/zap"
)

const testSecret = "routes-test-secret"

// fakeOllama answers /api/chat with a single done chunk; the "broken" model
// fails with a 500 so the router falls back.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req struct {
				Model string `json:"model"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Model == "broken" {
				http.Error(w, "model crashed", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"model":   req.Model,
				"message": map[string]string{"role": "assistant", "content": "hi from " + req.Model},
				"done":    true,
			})
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"broken"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, admin bool) (http.Handler, *app.Dependencies) {
	t.Helper()
	srv := fakeOllama(t)

	cfg := &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		Routing: config.RoutingConfig{
			Window:            50,
			CooldownThreshold: 3,
			CooldownBase:      time.Second,
			CooldownFactor:    2,
			CooldownMax:       time.Minute,
			AttemptTimeout:    5 * time.Second,
			RequestDeadline:   10 * time.Second,
		},
		Conversation:  config.ConversationConfig{MaxTurns: 10},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
		Backends: []config.BackendConfig{
			{ID: "primary", Kind: "ollama", Model: "broken", Capabilities: []string{"generate"}, Priority: 10, BaseURL: srv.URL},
			{ID: "secondary", Kind: "ollama", Model: "llama3", Capabilities: []string{"generate"}, Priority: 1, BaseURL: srv.URL},
		},
	}
	if admin {
		cfg.Admin = config.AdminConfig{JWTSecret: testSecret, JWTIssuer: "llm-router"}
	}

	deps, err := app.NewDependencies(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(context.Background()) })

	return SetupRoutes(deps), deps
}

func do(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := middleware.NewHMACValidator(testSecret, "llm-router").IssueToken("operator", roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestSetupRoutes_Health(t *testing.T) {
	h, _ := newTestHandler(t, false)

	w := do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = do(h, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "router_backend_available")

	w = do(h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_RouteWithFallback(t *testing.T) {
	h, deps := newTestHandler(t, false)

	w := do(h, http.MethodPost, "/api/v1/route",
		`{"text":"hello","conversation_id":"conv-1"}`,
		map[string]string{middleware.RequestIDHeader: "req-42"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var response struct {
		Data struct {
			RequestID           string   `json:"request_id"`
			ChosenBackendID     string   `json:"chosen_backend_id"`
			Text                string   `json:"text"`
			AttemptedBackendIDs []string `json:"attempted_backend_ids"`
			Outcome             string   `json:"outcome"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "req-42", response.Data.RequestID)
	assert.Equal(t, "secondary", response.Data.ChosenBackendID)
	assert.Equal(t, "hi from llama3", response.Data.Text)
	assert.Equal(t, []string{"primary", "secondary"}, response.Data.AttemptedBackendIDs)
	assert.Equal(t, "succeeded", response.Data.Outcome)

	w = do(h, http.MethodGet, "/api/v1/conversations/conv-1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_backend_id":"secondary"`)

	assert.Equal(t, 1, deps.Tracker.Stats("primary").ConsecutiveFailures)

	// no database configured
	w = do(h, http.MethodGet, "/api/v1/conversations/conv-1/decisions", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetupRoutes_RouteValidation(t *testing.T) {
	h, _ := newTestHandler(t, false)

	w := do(h, http.MethodPost, "/api/v1/route", `{"conversation_id":"conv-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/api/v1/route/candidates", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backend_id":"primary"`)
}

func TestSetupRoutes_AdminDisabled(t *testing.T) {
	h, _ := newTestHandler(t, false)

	w := do(h, http.MethodGet, "/api/v1/admin/backends", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_Admin(t *testing.T) {
	h, deps := newTestHandler(t, true)

	t.Run("missing token", func(t *testing.T) {
		w := do(h, http.MethodGet, "/api/v1/admin/backends", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing role", func(t *testing.T) {
		w := do(h, http.MethodGet, "/api/v1/admin/backends", "",
			map[string]string{"Authorization": adminToken(t, "viewer")})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("register, override and deregister", func(t *testing.T) {
		auth := map[string]string{"Authorization": adminToken(t, middleware.RoleAdmin)}

		w := do(h, http.MethodGet, "/api/v1/admin/backends", "", auth)
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(h, http.MethodPost, "/api/v1/admin/backends",
			`{"id":"tertiary","kind":"ollama","model":"llama3","capabilities":["generate"],"base_url":"http://127.0.0.1:1"}`, auth)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, 3, deps.Registry.Count())

		w = do(h, http.MethodPut, "/api/v1/admin/backends/tertiary/priority", `{"priority":99}`, auth)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tertiary", deps.Router.Candidates("generate")[0].ID)

		w = do(h, http.MethodDelete, "/api/v1/admin/backends/tertiary", "", auth)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, 2, deps.Registry.Count())
	})

	t.Run("probe", func(t *testing.T) {
		auth := map[string]string{"Authorization": adminToken(t, middleware.RoleAdmin)}

		w := do(h, http.MethodPost, "/api/v1/admin/backends/secondary/probe", "", auth)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"available":true`)
	})
}
