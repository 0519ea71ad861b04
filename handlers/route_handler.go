package handlers

import (
	"context"
	"net/http"

	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

// Router is the routing entry point used by the HTTP layer
type Router interface {
	Route(ctx context.Context, req *models.RoutingRequest) (*models.RoutingResult, error)
	Candidates(capability models.Capability) []models.ModelDescriptor
}

// RouteHandler serves routing requests
type RouteHandler struct {
	router Router
	logger *zap.Logger
}

// NewRouteHandler creates a new RouteHandler
func NewRouteHandler(router Router, logger *zap.Logger) *RouteHandler {
	return &RouteHandler{
		router: router,
		logger: logger,
	}
}

// HandleRoute handles POST /api/v1/route
func (h *RouteHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.RoutingRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestIDFromContext(ctx)
	}

	result, err := h.router.Route(ctx, &req)
	if err != nil {
		HandleRoutingError(w, result, err, h.logger)
		return
	}

	h.logger.Debug("routing request served",
		zap.String("request_id", result.RequestID),
		zap.String("conversation_id", result.ConversationID),
		zap.String("backend_id", result.ChosenBackendID),
		zap.Int64("latency_ms", result.LatencyMs))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write routing response", zap.Error(err))
	}
}

// CandidateView is one entry of the candidate preview
type CandidateView struct {
	Rank      int    `json:"rank"`
	BackendID string `json:"backend_id"`
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
}

// HandleCandidates handles GET /api/v1/route/candidates?capability=...
// It shows the order the router would try backends in right now.
func (h *RouteHandler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	capability := models.Capability(r.URL.Query().Get("capability"))
	if capability == "" {
		capability = models.CapabilityGenerate
	}
	if !models.ValidCapability(capability) {
		_ = utils.WriteBadRequest(w, "unknown capability", map[string]interface{}{"capability": string(capability)})
		return
	}

	ranked := h.router.Candidates(capability)
	views := make([]CandidateView, 0, len(ranked))
	for i, d := range ranked {
		views = append(views, CandidateView{
			Rank:      i + 1,
			BackendID: d.ID,
			Model:     d.Model,
			Priority:  d.Priority,
		})
	}

	if err := utils.WriteOK(w, views); err != nil {
		h.logger.Error("failed to write candidates response", zap.Error(err))
	}
}
