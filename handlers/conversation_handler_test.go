package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/conversation"
	"go.uber.org/zap"
)

// MockDecisionRepository is a mock implementation of repositories.DecisionRepository
type MockDecisionRepository struct {
	mock.Mock
}

func (m *MockDecisionRepository) Insert(ctx context.Context, log *models.DecisionLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockDecisionRepository) InsertAttempts(ctx context.Context, requestID string, attempts []models.Attempt) error {
	return m.Called(ctx, requestID, attempts).Error(0)
}

func (m *MockDecisionRepository) GetByRequestID(ctx context.Context, requestID string) (*models.DecisionLog, error) {
	args := m.Called(ctx, requestID)
	if log := args.Get(0); log != nil {
		return log.(*models.DecisionLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.DecisionLog, error) {
	args := m.Called(ctx, conversationID, limit)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.DecisionLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDecisionRepository) WithTx(tx repositories.Transaction) repositories.DecisionRepository {
	return m
}

func conversationRouter(h *ConversationHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{id}", h.HandleGetConversation)
	r.Delete("/api/v1/conversations/{id}", h.HandleDeleteConversation)
	r.Get("/api/v1/conversations/{id}/decisions", h.HandleListDecisions)
	r.Get("/api/v1/decisions/{requestID}", h.HandleGetDecision)
	return r
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestConversationHandler_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(models.ContextBudget{MaxTurns: 10}, nil, zap.NewNop())
	require.NoError(t, store.AppendTurn(ctx, "conv-1", models.Turn{
		Role:      models.RoleAssistant,
		Prompt:    "hi",
		Content:   "hello",
		BackendID: "local",
		CreatedAt: time.Now(),
	}))

	router := conversationRouter(NewConversationHandler(store, nil, zap.NewNop()))

	t.Run("existing conversation", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/api/v1/conversations/conv-1")
		assert.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Data struct {
				ID              string           `json:"id"`
				ActiveBackendID string           `json:"active_backend_id"`
				Messages        []models.Message `json:"messages"`
				Size            int              `json:"size"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "conv-1", response.Data.ID)
		assert.Equal(t, "local", response.Data.ActiveBackendID)
		assert.Len(t, response.Data.Messages, 2)
		assert.Equal(t, len("hi")+len("hello"), response.Data.Size)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/api/v1/conversations/missing")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete resets history", func(t *testing.T) {
		w := serve(router, http.MethodDelete, "/api/v1/conversations/conv-1")
		assert.Equal(t, http.StatusNoContent, w.Code)

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestConversationHandler_Decisions(t *testing.T) {
	store := conversation.NewStore(models.ContextBudget{}, nil, zap.NewNop())

	t.Run("store disabled", func(t *testing.T) {
		router := conversationRouter(NewConversationHandler(store, nil, zap.NewNop()))

		w := serve(router, http.MethodGet, "/api/v1/conversations/conv-1/decisions")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = serve(router, http.MethodGet, "/api/v1/decisions/req-1")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("list with default limit", func(t *testing.T) {
		repo := new(MockDecisionRepository)
		repo.On("ListByConversation", mock.Anything, "conv-1", defaultDecisionLimit).Return([]*models.DecisionLog{
			{RequestID: "req-2", ConversationID: "conv-1", Outcome: models.OutcomeSucceeded},
			{RequestID: "req-1", ConversationID: "conv-1", Outcome: models.OutcomeExhausted},
		}, nil)
		router := conversationRouter(NewConversationHandler(store, repo, zap.NewNop()))

		w := serve(router, http.MethodGet, "/api/v1/conversations/conv-1/decisions")

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data []models.DecisionLog `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		require.Len(t, response.Data, 2)
		assert.Equal(t, "req-2", response.Data[0].RequestID)
		repo.AssertExpectations(t)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		repo := new(MockDecisionRepository)
		repo.On("ListByConversation", mock.Anything, "conv-9", 5).Return(nil, nil)
		router := conversationRouter(NewConversationHandler(store, repo, zap.NewNop()))

		w := serve(router, http.MethodGet, "/api/v1/conversations/conv-9/decisions?limit=5")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("invalid limit", func(t *testing.T) {
		repo := new(MockDecisionRepository)
		router := conversationRouter(NewConversationHandler(store, repo, zap.NewNop()))

		for _, limit := range []string{"0", "201", "abc"} {
			w := serve(router, http.MethodGet, "/api/v1/conversations/conv-1/decisions?limit="+limit)
			assert.Equal(t, http.StatusBadRequest, w.Code, limit)
		}
		repo.AssertNotCalled(t, "ListByConversation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("get decision", func(t *testing.T) {
		repo := new(MockDecisionRepository)
		repo.On("GetByRequestID", mock.Anything, "req-1").Return(&models.DecisionLog{
			RequestID: "req-1",
			Outcome:   models.OutcomeSucceeded,
			Attempts:  []models.Attempt{{BackendID: "local", LatencyMs: 12}},
		}, nil)
		repo.On("GetByRequestID", mock.Anything, "req-404").Return(nil,
			services.NewDomainError(services.ErrorTypeNotFound, "routing decision not found", nil))
		router := conversationRouter(NewConversationHandler(store, repo, zap.NewNop()))

		w := serve(router, http.MethodGet, "/api/v1/decisions/req-1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"backend_id":"local"`)

		w = serve(router, http.MethodGet, "/api/v1/decisions/req-404")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
