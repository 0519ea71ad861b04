// Package anthropic adapts the Anthropic Messages API to providers.Adapter.
// SDK streaming and error types stay inside this package.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/providers"
	"go.uber.org/zap"
)

const defaultModel = "claude-sonnet-4-5"

// Adapter invokes Claude models through the official SDK
type Adapter struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// New creates a new Anthropic adapter. It satisfies providers.Builder.
func New(config providers.AdapterConfig, logger *zap.Logger) (providers.Adapter, error) {
	return NewAdapter(config, logger)
}

// NewAdapter creates a new Anthropic adapter
func NewAdapter(config providers.AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
		// fallback belongs to the router
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	for k, v := range config.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	client := anthropic.NewClient(opts...)

	model := config.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return &Adapter{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.Named("anthropic"),
	}, nil
}

// Kind implements providers.Adapter
func (a *Adapter) Kind() models.ProviderKind {
	return models.ProviderKindAnthropic
}

// Invoke sends one Messages request, streaming when asked
func (a *Adapter) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.InvokeResponse, error) {
	if !providers.ServesChat(req.Capability) {
		return nil, a.fail(models.FailureProviderError, 0, "embed requests are not served by the chat API", nil)
	}
	params := a.buildParams(req)
	if req.Stream {
		return a.stream(ctx, params)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translate(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return &providers.InvokeResponse{
		Text:  text.String(),
		Model: string(message.Model),
		Usage: usage(message.Usage),
	}, nil
}

func (a *Adapter) stream(ctx context.Context, params anthropic.MessageNewParams) (*providers.InvokeResponse, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	resp := &providers.InvokeResponse{}
	var text strings.Builder

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, a.fail(models.FailureProviderError, 0, "failed to accumulate stream", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				resp.Chunks = append(resp.Chunks, delta.Text)
				text.WriteString(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.translate(err)
	}

	resp.Text = text.String()
	resp.Model = string(message.Model)
	resp.Usage = usage(message.Usage)
	return resp, nil
}

// Probe lists models as a cheap authenticated liveness check
func (a *Adapter) Probe(ctx context.Context) providers.ProbeResult {
	start := time.Now()
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	result := providers.ProbeResult{Latency: time.Since(start), Available: err == nil}
	if err != nil {
		result.Err = a.translate(err)
	}
	return result
}

func (a *Adapter) buildParams(req *providers.InvokeRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages()),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// convertMessages maps history onto Anthropic roles. Empty messages are
// dropped since the API rejects empty text blocks.
func convertMessages(msgs []models.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if m.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return result
}

// translate maps SDK errors onto the adapter taxonomy
func (a *Adapter) translate(err error) *providers.AdapterError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := providers.ClassifyStatus(apiErr.StatusCode)
		return a.fail(kind, apiErr.StatusCode, fmt.Sprintf("api error %d", apiErr.StatusCode), err)
	}
	return a.fail(providers.ClassifyTransportError(err), 0, "request failed", err)
}

func (a *Adapter) fail(kind models.FailureKind, status int, message string, cause error) *providers.AdapterError {
	a.logger.Debug("anthropic call failed",
		zap.String("kind", string(kind)),
		zap.Int("status", status),
		zap.Error(cause))
	return providers.NewAdapterError(models.ProviderKindAnthropic, kind, status, message, cause)
}

func usage(u anthropic.Usage) providers.Usage {
	return providers.Usage{
		PromptTokens:     int(u.InputTokens),
		CompletionTokens: int(u.OutputTokens),
		TotalTokens:      int(u.InputTokens + u.OutputTokens),
	}
}
