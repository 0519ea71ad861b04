package handlers

import (
	"net/http"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

// StatusForError maps a domain error type to its HTTP status
func StatusForError(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden:
		return http.StatusForbidden
	case services.ErrorTypeConflict:
		return http.StatusConflict
	case services.ErrorTypeNoCandidate, services.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case services.ErrorTypeExhausted:
		return http.StatusBadGateway
	case services.ErrorTypeCancelled:
		return utils.StatusClientClosedRequest
	case services.ErrorTypeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := StatusForError(err)
	message := err.Error()
	details := services.GetErrorDetails(err)

	if status == http.StatusInternalServerError {
		// internal causes stay in the logs
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		message = "An internal error occurred"
		details = nil
	} else {
		logger.Debug("handled service error",
			zap.Int("status", status),
			zap.String("type", string(services.GetErrorType(err))),
			zap.Any("details", details))
	}

	if err := utils.WriteError(w, status, message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// routeErrorResponse is the body of a failed routing request. The routing
// result rides along so callers see every attempt.
type routeErrorResponse struct {
	utils.ErrorResponse
	Data *models.RoutingResult `json:"data,omitempty"`
}

// HandleRoutingError writes a terminal non-success routing outcome
func HandleRoutingError(w http.ResponseWriter, result *models.RoutingResult, err error, logger *zap.Logger) {
	if result == nil {
		HandleServiceError(w, err, logger)
		return
	}

	status := StatusForError(err)
	message, details := err.Error(), services.GetErrorDetails(err)
	if status == http.StatusInternalServerError {
		logger.Error("routing request hit an internal error", zap.Error(err))
		message, details = "An internal error occurred", nil
	}
	body := routeErrorResponse{
		ErrorResponse: utils.ErrorResponse{
			Error:     string(result.Outcome),
			Message:   message,
			RequestID: result.RequestID,
			Details:   details,
		},
		Data: result,
	}

	logger.Info("routing request failed",
		zap.String("request_id", result.RequestID),
		zap.String("conversation_id", result.ConversationID),
		zap.String("outcome", string(result.Outcome)),
		zap.Strings("attempted", result.AttemptedBackendIDs))

	if err := utils.WriteJSON(w, status, body); err != nil {
		logger.Error("failed to write routing error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
