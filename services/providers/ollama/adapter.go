package ollama

import (
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

const defaultBaseURL = "http://localhost:11434"

// Adapter talks to a local Ollama server
type Adapter struct {
	config providers.AdapterConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a new Ollama adapter. It satisfies providers.Builder.
func New(config providers.AdapterConfig, logger *zap.Logger) (providers.Adapter, error) {
	return NewAdapter(config, logger)
}

// NewAdapter creates a new Ollama adapter
func NewAdapter(config providers.AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if config.Model == "" {
		return nil, errors.New("ollama: model is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &Adapter{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.Named("ollama"),
	}, nil
}

// Kind implements providers.Adapter
func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderKindOllama
}

// Invoke posts to /api/chat
func (a *Adapter) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.InvokeResponse, error) {
	if !providers.ServesChat(req.Capability) {
		return nil, a.fail(models.FailureProviderError, 0, "embed requests are not served by the chat API", nil)
	}
	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	chatReq := chatRequest{Model: model, Stream: req.Stream}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages() {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.config.MaxTokens
	}
	if maxTokens > 0 {
		chatReq.Options = map[string]interface{}{"num_predict": maxTokens}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, a.fail(models.FailureProviderError, 0, "failed to marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, a.fail(models.FailureProviderError, 0, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.fail(providers.ClassifyTransportError(err), 0, "send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, a.fail(providers.ClassifyStatus(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(msg)), nil)
	}

	out := &providers.InvokeResponse{Model: model}
	var text strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, a.fail(providers.ClassifyTransportError(err), resp.StatusCode, "decode response", err)
		}
		if chunk.Error != "" {
			return nil, a.fail(models.FailureProviderError, resp.StatusCode, chunk.Error, nil)
		}
		if chunk.Message.Content != "" {
			if req.Stream {
				out.Chunks = append(out.Chunks, chunk.Message.Content)
			}
			text.WriteString(chunk.Message.Content)
		}
		if chunk.Done {
			out.Usage = providers.Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			out.Text = text.String()
			return out, nil
		}
	}
	return nil, a.fail(models.FailureProviderError, resp.StatusCode, "response ended before done", nil)
}

// Probe checks /api/tags and that the configured model is pulled
func (a *Adapter) Probe(ctx context.Context) providers.ProbeResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return providers.ProbeResult{Err: err}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return providers.ProbeResult{Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	result := providers.ProbeResult{Latency: time.Since(start)}
	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Errorf("ollama probe: status %d", resp.StatusCode)
		return result
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		result.Err = fmt.Errorf("ollama probe: %w", err)
		return result
	}
	for _, m := range tags.Models {
		if m.Name == a.config.Model || strings.TrimSuffix(m.Name, ":latest") == a.config.Model {
			result.Available = true
			return result
		}
	}
	result.Err = fmt.Errorf("ollama probe: model %s not pulled", a.config.Model)
	return result
}

func (a *Adapter) fail(kind models.FailureKind, status int, message string, cause error) *providers.AdapterError {
	a.logger.Debug("ollama call failed",
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.String("message", message),
		zap.Error(cause))
	return providers.NewAdapterError(models.ProviderKindOllama, kind, status, message, cause)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	Error           string      `json:"error,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
