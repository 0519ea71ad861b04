package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/performance"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

// Prober runs health probes on demand
type Prober interface {
	ProbeAll(ctx context.Context) map[string]providers.ProbeResult
	ProbeBackend(ctx context.Context, id string) (providers.ProbeResult, error)
}

// AdminHandler administers the backend registry
type AdminHandler struct {
	registry *providers.Registry
	factory  *providers.Factory
	tracker  *performance.Tracker
	prober   Prober
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(registry *providers.Registry, factory *providers.Factory, tracker *performance.Tracker, prober Prober, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		factory:  factory,
		tracker:  tracker,
		prober:   prober,
		logger:   logger,
	}
}

// BackendView is a descriptor with its derived performance figures
type BackendView struct {
	models.ModelDescriptor
	CoolingDown bool              `json:"cooling_down"`
	Eligible    bool              `json:"eligible"`
	Stats       performance.Stats `json:"stats"`
}

func (h *AdminHandler) view(d models.ModelDescriptor) BackendView {
	now := time.Now()
	return BackendView{
		ModelDescriptor: d,
		CoolingDown:     d.CoolingDown(now),
		Eligible:        d.Available && !d.Removed && !d.CoolingDown(now),
		Stats:           h.tracker.Stats(d.ID),
	}
}

// PriorityRequest is the body of a priority override
type PriorityRequest struct {
	Priority *int `json:"priority" validate:"required"`
}

// AvailabilityRequest is the body of a manual availability change
type AvailabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

// ProbeView is one probe result
type ProbeView struct {
	BackendID string `json:"backend_id"`
	Available bool   `json:"available"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func probeView(id string, result providers.ProbeResult) ProbeView {
	v := ProbeView{BackendID: id, Available: result.Available, LatencyMs: result.LatencyMs()}
	if result.Err != nil {
		v.Error = result.Err.Error()
	}
	return v
}

// HandleListBackends handles GET /api/v1/admin/backends
func (h *AdminHandler) HandleListBackends(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.List()
	views := make([]BackendView, 0, len(descs))
	for _, d := range descs {
		views = append(views, h.view(d))
	}
	_ = utils.WriteOK(w, views)
}

// HandleGetBackend handles GET /api/v1/admin/backends/{id}
func (h *AdminHandler) HandleGetBackend(w http.ResponseWriter, r *http.Request) {
	desc, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, h.view(*desc))
}

// HandleRegisterBackend handles POST /api/v1/admin/backends
func (h *AdminHandler) HandleRegisterBackend(w http.ResponseWriter, r *http.Request) {
	var spec providers.BackendSpec
	if err := utils.DecodeJSON(r, &spec); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&spec); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	desc, err := h.factory.RegisterSpec(h.registry, spec)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("backend registered via admin API",
		zap.String("backend_id", desc.ID),
		zap.String("provider_kind", string(desc.ProviderKind)))
	_ = utils.WriteCreated(w, h.view(*desc))
}

// HandleDeregisterBackend handles DELETE /api/v1/admin/backends/{id}
func (h *AdminHandler) HandleDeregisterBackend(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(chi.URLParam(r, "id")); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleOverridePriority handles PUT /api/v1/admin/backends/{id}/priority
func (h *AdminHandler) HandleOverridePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PriorityRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.registry.OverridePriority(id, *req.Priority); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.writeBackend(w, id)
}

// HandleSetAvailability handles PUT /api/v1/admin/backends/{id}/availability.
// Enabling clears any disabled reason, which is how a backend re-enters
// rotation after its credentials were fixed.
func (h *AdminHandler) HandleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AvailabilityRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.registry.SetAvailability(id, *req.Available, models.DisabledReasonAdmin); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.writeBackend(w, id)
}

// HandleProbeAll handles POST /api/v1/admin/probe
func (h *AdminHandler) HandleProbeAll(w http.ResponseWriter, r *http.Request) {
	results := h.prober.ProbeAll(r.Context())

	views := make([]ProbeView, 0, len(results))
	for _, d := range h.registry.List() {
		if result, ok := results[d.ID]; ok {
			views = append(views, probeView(d.ID, result))
		}
	}
	_ = utils.WriteOK(w, views)
}

// HandleProbeBackend handles POST /api/v1/admin/backends/{id}/probe
func (h *AdminHandler) HandleProbeBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.prober.ProbeBackend(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, probeView(id, result))
}

func (h *AdminHandler) writeBackend(w http.ResponseWriter, id string) {
	desc, err := h.registry.Get(id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, h.view(*desc))
}
