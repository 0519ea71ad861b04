package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

const (
	defaultDecisionLimit = 20
	maxDecisionLimit     = 200
)

// ConversationStore is the slice of the conversation store the HTTP layer uses
type ConversationStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.ConversationContext, error)
	Reset(ctx context.Context, id string) error
}

// ConversationHandler exposes conversation history and routing decisions
type ConversationHandler struct {
	store     ConversationStore
	decisions repositories.DecisionRepository
	logger    *zap.Logger
}

// NewConversationHandler creates a handler. decisions may be nil when no
// database is configured.
func NewConversationHandler(store ConversationStore, decisions repositories.DecisionRepository, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:     store,
		decisions: decisions,
		logger:    logger,
	}
}

// ConversationView is the response for a conversation lookup
type ConversationView struct {
	*models.ConversationContext
	Messages []models.Message `json:"messages"`
	Size     int              `json:"size"`
}

// HandleGetConversation handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	exists, err := h.store.Exists(ctx, id)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to look up conversation", err), h.logger)
		return
	}
	if !exists {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound, "conversation not found", nil).
			WithDetail("conversation_id", id), h.logger)
		return
	}

	conv, err := h.store.Get(ctx, id)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to load conversation", err), h.logger)
		return
	}

	_ = utils.WriteOK(w, ConversationView{
		ConversationContext: conv,
		Messages:            conv.Messages(),
		Size:                conv.Size(),
	})
}

// HandleDeleteConversation handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Reset(r.Context(), id); err != nil {
		HandleServiceError(w, services.WrapInternal("failed to reset conversation", err), h.logger)
		return
	}

	h.logger.Info("conversation reset", zap.String("conversation_id", id))
	utils.WriteNoContent(w)
}

// HandleListDecisions handles GET /api/v1/conversations/{id}/decisions?limit=N
func (h *ConversationHandler) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		HandleServiceError(w, services.ErrStoreDisabled, h.logger)
		return
	}

	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDecisionLimit {
			_ = utils.WriteBadRequest(w, "limit must be between 1 and 200", nil)
			return
		}
		limit = n
	}

	logs, err := h.decisions.ListByConversation(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if logs == nil {
		logs = []*models.DecisionLog{}
	}
	_ = utils.WriteOK(w, logs)
}

// HandleGetDecision handles GET /api/v1/decisions/{requestID}
func (h *ConversationHandler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		HandleServiceError(w, services.ErrStoreDisabled, h.logger)
		return
	}

	log, err := h.decisions.GetByRequestID(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, log)
}
