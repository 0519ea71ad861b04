package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/upb/llm-router/models"
)

// Adapter is the uniform contract every concrete backend implements.
// Implementations hold no retry policy; a single Invoke is a single attempt.
type Adapter interface {
	// Kind returns the provider variant
	Kind() models.ProviderKind

	// Invoke sends the request with the conversation history. The deadline
	// travels in ctx. Errors are always *AdapterError.
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)

	// Probe performs a cheap liveness check
	Probe(ctx context.Context) ProbeResult
}

// InvokeRequest is what the router hands an adapter for one attempt
type InvokeRequest struct {
	// BackendID of the descriptor being dispatched
	BackendID string `json:"backend_id"`

	// Model identifier understood by the provider
	Model string `json:"model"`

	// Text is the new user input
	Text string `json:"text"`

	// Capability the request was routed for; empty means generate
	Capability models.Capability `json:"capability,omitempty"`

	// History is the conversation snapshot preceding Text
	History []models.Message `json:"history,omitempty"`

	// Stream asks the adapter to use the provider's streaming API.
	// Chunks are collected and returned together.
	Stream bool `json:"stream,omitempty"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// System prompt, optional
	System string `json:"system,omitempty"`
}

// ServesChat reports whether a chat completion can answer a request routed
// for capability. The built-in adapters only speak chat APIs.
func ServesChat(capability models.Capability) bool {
	return capability != models.CapabilityEmbed
}

// Messages returns History followed by the user Text
func (r *InvokeRequest) Messages() []models.Message {
	msgs := make([]models.Message, 0, len(r.History)+1)
	msgs = append(msgs, r.History...)
	return append(msgs, models.Message{Role: models.RoleUser, Content: r.Text})
}

// InvokeResponse is a successful adapter result
type InvokeResponse struct {
	Text   string   `json:"text"`
	Chunks []string `json:"chunks,omitempty"`
	Model  string   `json:"model"`
	Usage  Usage    `json:"usage"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProbeResult is the outcome of a health probe
type ProbeResult struct {
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
	Err       error         `json:"-"`
}

// LatencyMs returns the probe latency in milliseconds
func (p ProbeResult) LatencyMs() int64 {
	return p.Latency.Milliseconds()
}

// AdapterConfig holds common configuration for adapters
type AdapterConfig struct {
	// APIKey for authentication
	APIKey string `json:"api_key,omitempty"`

	// BaseURL for the API (optional override)
	BaseURL string `json:"base_url,omitempty"`

	// Model served by this backend
	Model string `json:"model"`

	// Timeout for a single HTTP exchange
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxTokens default for responses
	MaxTokens int `json:"max_tokens,omitempty"`

	// Additional headers
	Headers map[string]string `json:"headers,omitempty"`
}

// DefaultAdapterConfig returns a sensible default configuration
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Timeout:   60 * time.Second,
		MaxTokens: 1024,
		Headers:   make(map[string]string),
	}
}

// AdapterError is the only error type that crosses the adapter boundary
type AdapterError struct {
	// Provider that generated the error
	Provider models.ProviderKind

	// Kind is the fixed failure taxonomy entry
	Kind models.FailureKind

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the router may fall back after this error
func (e *AdapterError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewAdapterError creates a new adapter error
func NewAdapterError(provider models.ProviderKind, kind models.FailureKind, statusCode int, message string, cause error) *AdapterError {
	return &AdapterError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// ClassifyStatus maps an HTTP status code to the failure taxonomy
func ClassifyStatus(status int) models.FailureKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.FailureAuthError
	case status == http.StatusTooManyRequests:
		return models.FailureRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.FailureTimeout
	default:
		return models.FailureProviderError
	}
}

// ClassifyTransportError maps a transport or context error to the failure taxonomy
func ClassifyTransportError(err error) models.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailureTimeout
	}
	return models.FailureProviderError
}

// AsAdapterError returns err as an *AdapterError, classifying foreign errors
// as transport failures
func AsAdapterError(provider models.ProviderKind, err error) *AdapterError {
	if err == nil {
		return nil
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr
	}
	return NewAdapterError(provider, ClassifyTransportError(err), 0, "request failed", err)
}
