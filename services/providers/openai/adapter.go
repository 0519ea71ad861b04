package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	maxErrorBody   = 64 << 10
)

// Adapter talks to the OpenAI chat completions API
type Adapter struct {
	config     providers.AdapterConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a new OpenAI adapter. It satisfies providers.Builder.
func New(config providers.AdapterConfig, logger *zap.Logger) (providers.Adapter, error) {
	return NewAdapter(config, logger)
}

// NewAdapter creates a new OpenAI adapter
func NewAdapter(config providers.AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}

	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.Named("openai"),
	}, nil
}

// Kind implements providers.Adapter
func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderKindOpenAI
}

// Invoke performs one chat completion call
func (a *Adapter) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.InvokeResponse, error) {
	if !providers.ServesChat(req.Capability) {
		return nil, a.fail(models.FailureProviderError, 0, "embed requests are not served by the chat API", nil)
	}
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, a.fail(models.FailureProviderError, 0, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(models.FailureProviderError, 0, "failed to create request", err)
	}
	a.setHeaders(httpReq)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.fail(providers.ClassifyTransportError(err), 0, "HTTP request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	if req.Stream {
		return a.readStream(httpResp.Body)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, a.fail(providers.ClassifyTransportError(err), httpResp.StatusCode, "failed to decode response", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, a.fail(models.FailureProviderError, httpResp.StatusCode, "response has no choices", nil)
	}

	return &providers.InvokeResponse{
		Text:  chatResp.Choices[0].Message.Content,
		Model: chatResp.Model,
		Usage: providers.Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

// readStream collects server-sent chunks until [DONE]
func (a *Adapter) readStream(body io.Reader) (*providers.InvokeResponse, error) {
	resp := &providers.InvokeResponse{Model: a.config.Model}
	var text strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			resp.Text = text.String()
			return resp, nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, a.fail(models.FailureProviderError, http.StatusOK, "malformed stream chunk", err)
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			resp.Chunks = append(resp.Chunks, choice.Delta.Content)
			text.WriteString(choice.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, a.fail(providers.ClassifyTransportError(err), http.StatusOK, "stream interrupted", err)
	}
	return nil, a.fail(models.FailureProviderError, http.StatusOK, "stream ended without [DONE]", nil)
}

// Probe lists models as a cheap authenticated liveness check
func (a *Adapter) Probe(ctx context.Context) providers.ProbeResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/models", nil)
	if err != nil {
		return providers.ProbeResult{Err: err}
	}
	a.setHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return providers.ProbeResult{Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	result := providers.ProbeResult{
		Available: resp.StatusCode == http.StatusOK,
		Latency:   time.Since(start),
	}
	if !result.Available {
		result.Err = fmt.Errorf("openai probe: status %d", resp.StatusCode)
	}
	return result
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
}

// buildRequest converts the invoke request to OpenAI format
func (a *Adapter) buildRequest(req *providers.InvokeRequest) *ChatRequest {
	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	msgs := req.Messages()
	chatReq := &ChatRequest{
		Model:    model,
		Messages: make([]Message, 0, len(msgs)+1),
		Stream:   req.Stream,
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, Message{Role: "system", Content: req.System})
	}
	for _, m := range msgs {
		chatReq.Messages = append(chatReq.Messages, Message{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.config.MaxTokens
	}
	if maxTokens > 0 {
		chatReq.MaxTokens = &maxTokens
	}
	return chatReq
}

// handleErrorResponse translates OpenAI error responses
func (a *Adapter) handleErrorResponse(statusCode int, body []byte) error {
	kind := providers.ClassifyStatus(statusCode)

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return a.fail(kind, statusCode, strings.TrimSpace(string(body)), nil)
	}

	// insufficient_quota arrives as 429 but will not clear by waiting
	if errResp.Error.Code == "insufficient_quota" || errResp.Error.Code == "invalid_api_key" {
		kind = models.FailureAuthError
	}
	return a.fail(kind, statusCode, errResp.Error.Message, nil)
}

func (a *Adapter) fail(kind models.FailureKind, status int, message string, cause error) *providers.AdapterError {
	a.logger.Debug("openai call failed",
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.String("message", message),
		zap.Error(cause))
	return providers.NewAdapterError(models.ProviderKindOpenAI, kind, status, message, cause)
}

// OpenAI wire types

type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens *int      `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
