package providers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"go.uber.org/zap"
)

// Builder creates an adapter instance from its configuration
type Builder func(config AdapterConfig, logger *zap.Logger) (Adapter, error)

// BackendSpec is the declarative form of a backend, used by config bootstrap
// and the admin API
type BackendSpec struct {
	ID           string              `json:"id" validate:"required,backend_id"`
	Kind         models.ProviderKind `json:"kind" validate:"required,oneof=openai anthropic ollama"`
	Model        string              `json:"model" validate:"required"`
	Capabilities []models.Capability `json:"capabilities" validate:"required,min=1,dive,oneof=generate stream embed"`
	Priority     int                 `json:"priority"`
	APIKey       string              `json:"api_key,omitempty"`
	BaseURL      string              `json:"base_url,omitempty" validate:"omitempty,url"`
	TimeoutMs    int                 `json:"timeout_ms,omitempty" validate:"omitempty,min=1"`
	MaxTokens    int                 `json:"max_tokens,omitempty" validate:"omitempty,min=1"`
}

// Descriptor builds the registry descriptor for the declaration
func (s BackendSpec) Descriptor() *models.ModelDescriptor {
	return models.NewModelDescriptor(s.ID, s.Kind, s.Model, s.Priority, s.Capabilities...)
}

// AdapterConfig builds the adapter configuration for the declaration
func (s BackendSpec) AdapterConfig() AdapterConfig {
	cfg := DefaultAdapterConfig()
	cfg.APIKey = s.APIKey
	cfg.BaseURL = s.BaseURL
	cfg.Model = s.Model
	if s.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(s.TimeoutMs) * time.Millisecond
	}
	if s.MaxTokens > 0 {
		cfg.MaxTokens = s.MaxTokens
	}
	return cfg
}

// Factory builds adapters by provider kind
type Factory struct {
	mu       sync.RWMutex
	builders map[models.ProviderKind]Builder
	logger   *zap.Logger
}

// NewFactory creates an empty factory
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		builders: make(map[models.ProviderKind]Builder),
		logger:   logger,
	}
}

// WithBuilder registers the builder for a provider kind
func (f *Factory) WithBuilder(kind models.ProviderKind, builder Builder) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = builder
	return f
}

// Kinds lists the provider kinds the factory can build
func (f *Factory) Kinds() []models.ProviderKind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]models.ProviderKind, 0, len(f.builders))
	for k := range f.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build creates the adapter for a declaration
func (f *Factory) Build(spec BackendSpec) (Adapter, error) {
	f.mu.RLock()
	builder, ok := f.builders[spec.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("no adapter for provider kind %q", spec.Kind), nil)
	}

	adapter, err := builder(spec.AdapterConfig(), f.logger.With(zap.String("backend_id", spec.ID)))
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("failed to build adapter for %s", spec.ID), err)
	}
	return adapter, nil
}

// RegisterSpec builds the adapter for a declaration and registers it
func (f *Factory) RegisterSpec(registry *Registry, spec BackendSpec) (*models.ModelDescriptor, error) {
	adapter, err := f.Build(spec)
	if err != nil {
		return nil, err
	}
	desc := spec.Descriptor()
	if err := registry.Register(desc, adapter); err != nil {
		return nil, err
	}
	return registry.Get(spec.ID)
}
