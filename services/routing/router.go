package routing

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/conversation"
	"github.com/upb/llm-router/services/performance"
	"github.com/upb/llm-router/services/providers"
	"go.uber.org/zap"
)

// Config holds configuration for the router
type Config struct {
	// CooldownThreshold is the number of consecutive retryable failures
	// that put a backend into cooldown
	CooldownThreshold int

	// CooldownBase is the first cooldown window
	CooldownBase time.Duration

	// CooldownFactor multiplies the window for each further level
	CooldownFactor float64

	// CooldownMax caps the window
	CooldownMax time.Duration

	// AttemptTimeout bounds a single adapter call
	AttemptTimeout time.Duration

	// DefaultDeadline applies when a request carries none
	DefaultDeadline time.Duration

	// MaxTokens and SystemPrompt are passed to every adapter call
	MaxTokens    int
	SystemPrompt string
}

// DefaultConfig returns the default router configuration
func DefaultConfig() Config {
	return Config{
		CooldownThreshold: 3,
		CooldownBase:      30 * time.Second,
		CooldownFactor:    2,
		CooldownMax:       10 * time.Minute,
		AttemptTimeout:    30 * time.Second,
		DefaultDeadline:   2 * time.Minute,
		MaxTokens:         1024,
	}
}

// CooldownDuration returns the cooldown window for a level (1-based)
func (c Config) CooldownDuration(level int) time.Duration {
	if level < 1 {
		level = 1
	}
	d := float64(c.CooldownBase) * math.Pow(c.CooldownFactor, float64(level-1))
	if c.CooldownMax > 0 && d > float64(c.CooldownMax) {
		return c.CooldownMax
	}
	return time.Duration(d)
}

// DecisionLogger receives every finished routing decision
type DecisionLogger interface {
	LogDecision(log *models.DecisionLog)
}

// Metrics receives router observations
type Metrics interface {
	ObserveRequest(outcome models.Outcome, duration time.Duration)
	ObserveAttempt(backendID string, failure models.FailureKind, duration time.Duration)
	ObserveCooldown(backendID string, level int)
}

// Router selects a backend per request, falls back over the ranked
// candidates, and keeps the conversation context consistent
type Router struct {
	config    Config
	registry  *providers.Registry
	tracker   *performance.Tracker
	store     *conversation.Store
	decisions DecisionLogger
	metrics   Metrics
	logger    *zap.Logger
}

// NewRouter creates a new router
func NewRouter(config Config, registry *providers.Registry, tracker *performance.Tracker, store *conversation.Store, logger *zap.Logger) *Router {
	def := DefaultConfig()
	if config.CooldownThreshold <= 0 {
		config.CooldownThreshold = def.CooldownThreshold
	}
	if config.CooldownBase <= 0 {
		config.CooldownBase = def.CooldownBase
	}
	if config.CooldownFactor < 1 {
		config.CooldownFactor = def.CooldownFactor
	}
	if config.DefaultDeadline <= 0 {
		config.DefaultDeadline = def.DefaultDeadline
	}

	return &Router{
		config:   config,
		registry: registry,
		tracker:  tracker,
		store:    store,
		logger:   logger.Named("router"),
	}
}

// WithDecisionLogger sets where finished decisions are published
func (r *Router) WithDecisionLogger(d DecisionLogger) *Router {
	r.decisions = d
	return r
}

// WithMetrics sets the metrics collector
func (r *Router) WithMetrics(m Metrics) *Router {
	r.metrics = m
	return r
}

// Config returns the active configuration
func (r *Router) Config() Config {
	return r.config
}

// Candidates returns the eligible backends for a capability in the order
// the router would try them
func (r *Router) Candidates(capability models.Capability) []models.ModelDescriptor {
	return r.tracker.Rank(r.registry.Query(capability))
}

// Route handles one request and always yields exactly one terminal result.
// For any outcome other than succeeded the result is returned together with
// a DomainError of the matching type.
func (r *Router) Route(ctx context.Context, req *models.RoutingRequest) (*models.RoutingResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	capability := req.Capability
	if capability == "" {
		capability = models.CapabilityGenerate
	}

	result := &models.RoutingResult{
		RequestID:           requestID,
		ConversationID:      req.ConversationID,
		AttemptedBackendIDs: []string{},
		Attempts:            []models.Attempt{},
		Decision: models.RoutingDecision{
			Candidates: []string{},
			Attempted:  []string{},
		},
	}

	logger := r.logger.With(
		zap.String("request_id", requestID),
		zap.String("conversation_id", req.ConversationID),
	)

	reqCtx, cancel := context.WithDeadline(ctx, req.Deadline(start, r.config.DefaultDeadline))
	defer cancel()

	release, err := r.store.Acquire(reqCtx, req.ConversationID)
	if err != nil {
		return r.finish(ctx, req, result, r.interruptedOutcome(ctx, result), start, logger)
	}
	defer release()

	// the plan is fixed here; later registry changes do not affect it
	candidates := r.plan(req, capability, logger)
	for _, c := range candidates {
		result.Decision.Candidates = append(result.Decision.Candidates, c.desc.ID)
	}
	if len(candidates) == 0 {
		return r.finish(ctx, req, result, models.OutcomeNoCandidateAvailable, start, logger)
	}

	conv, err := r.store.Get(reqCtx, req.ConversationID)
	if err != nil {
		logger.Error("failed to load conversation", zap.Error(err))
		result, _ = r.finish(ctx, req, result, models.OutcomeInternalError, start, logger)
		return result, services.WrapInternal("failed to load conversation", err)
	}
	history := conv.Messages()
	stream := req.Stream || capability == models.CapabilityStream

	tried := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		cand, adapter := c.desc, c.adapter
		if tried[cand.ID] {
			continue
		}
		if reqCtx.Err() != nil {
			return r.finish(ctx, req, result, r.interruptedOutcome(ctx, result), start, logger)
		}

		tried[cand.ID] = true
		result.AttemptedBackendIDs = append(result.AttemptedBackendIDs, cand.ID)

		resp, latency, attemptErr := r.dispatch(reqCtx, adapter, &providers.InvokeRequest{
			BackendID:  cand.ID,
			Model:      cand.Model,
			Text:       req.Text,
			Capability: capability,
			History:    history,
			Stream:     stream,
			MaxTokens:  r.config.MaxTokens,
			System:     r.config.SystemPrompt,
		})

		// a caller that went away gets nothing, even if the attempt finished
		if errors.Is(ctx.Err(), context.Canceled) {
			return r.finish(ctx, req, result, models.OutcomeCancelled, start, logger)
		}

		if attemptErr == nil {
			r.onSuccess(cand.ID, latency)
			result.Attempts = append(result.Attempts, models.Attempt{
				BackendID: cand.ID,
				LatencyMs: latency.Milliseconds(),
			})

			err := r.store.AppendTurn(context.WithoutCancel(reqCtx), req.ConversationID, models.Turn{
				Role:      models.RoleAssistant,
				Prompt:    req.Text,
				Content:   resp.Text,
				BackendID: cand.ID,
			})
			if err != nil {
				logger.Error("failed to append conversation turn", zap.Error(err))
			}

			result.ChosenBackendID = cand.ID
			result.Text = resp.Text
			result.Chunks = resp.Chunks
			return r.finish(ctx, req, result, models.OutcomeSucceeded, start, logger)
		}

		result.Attempts = append(result.Attempts, models.Attempt{
			BackendID:   cand.ID,
			FailureKind: attemptErr.Kind,
			LatencyMs:   latency.Milliseconds(),
			Message:     attemptErr.Message,
		})
		r.onFailure(cand.ID, latency, attemptErr, logger)

		if reqCtx.Err() != nil {
			logger.Info("request deadline reached, stopping fallback",
				zap.Int("attempted", len(result.AttemptedBackendIDs)),
				zap.Int("candidates", len(candidates)),
			)
			return r.finish(ctx, req, result, r.interruptedOutcome(ctx, result), start, logger)
		}
	}

	return r.finish(ctx, req, result, models.OutcomeExhausted, start, logger)
}

func validateRequest(req *models.RoutingRequest) error {
	if req == nil {
		return services.ErrInvalidInput
	}
	if strings.TrimSpace(req.Text) == "" {
		return services.ErrEmptyText
	}
	if req.ConversationID == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "conversation id is required", nil)
	}
	if req.DeadlineMs < 0 || req.DeadlineMs > models.MaxDeadlineMs {
		return services.NewDomainError(services.ErrorTypeValidation, "deadline out of range", nil).
			WithDetail("deadline_ms", req.DeadlineMs)
	}
	if req.Capability != "" && !models.ValidCapability(req.Capability) {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid capability", nil).
			WithDetail("capability", string(req.Capability))
	}
	return nil
}

// selectCandidates returns the ordered attempt list. An eligible override
// is used alone; an ineligible one falls back to normal ranking.
func (r *Router) selectCandidates(req *models.RoutingRequest, capability models.Capability, logger *zap.Logger) []models.ModelDescriptor {
	if req.Override != "" {
		if desc, ok := r.registry.Eligible(req.Override, capability); ok {
			return []models.ModelDescriptor{*desc}
		}
		logger.Info("override not eligible, using ranking", zap.String("override", req.Override))
	}
	return r.Candidates(capability)
}

type candidate struct {
	desc    models.ModelDescriptor
	adapter providers.Adapter
}

// plan resolves each selected descriptor to its adapter up front so an
// in-flight request keeps the backends it started with
func (r *Router) plan(req *models.RoutingRequest, capability models.Capability, logger *zap.Logger) []candidate {
	descs := r.selectCandidates(req, capability, logger)
	out := make([]candidate, 0, len(descs))
	for _, d := range descs {
		adapter, err := r.registry.Adapter(d.ID)
		if err != nil {
			logger.Warn("candidate vanished during selection", zap.String("backend_id", d.ID))
			continue
		}
		out = append(out, candidate{desc: d, adapter: adapter})
	}
	return out
}

// dispatch performs one adapter call bounded by the attempt timeout
func (r *Router) dispatch(ctx context.Context, adapter providers.Adapter, req *providers.InvokeRequest) (*providers.InvokeResponse, time.Duration, *providers.AdapterError) {
	attemptCtx := ctx
	if r.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.config.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := adapter.Invoke(attemptCtx, req)
	latency := time.Since(start)

	if err != nil {
		adapterErr := providers.AsAdapterError(adapter.Kind(), err)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && adapterErr.Kind != models.FailureTimeout {
			adapterErr = providers.NewAdapterError(adapter.Kind(), models.FailureTimeout, adapterErr.StatusCode, "attempt timed out", err)
		}
		return nil, latency, adapterErr
	}
	if resp == nil {
		return nil, latency, providers.NewAdapterError(adapter.Kind(), models.FailureProviderError, 0, "empty response", nil)
	}
	return resp, latency, nil
}

func (r *Router) onSuccess(backendID string, latency time.Duration) {
	r.tracker.Record(backendID, latency, models.OutcomeSuccess)
	r.registry.ClearCooldown(backendID)
	if r.metrics != nil {
		r.metrics.ObserveAttempt(backendID, "", latency)
	}
}

func (r *Router) onFailure(backendID string, latency time.Duration, attemptErr *providers.AdapterError, logger *zap.Logger) {
	r.tracker.Record(backendID, latency, models.OutcomeFromFailure(attemptErr.Kind))
	if r.metrics != nil {
		r.metrics.ObserveAttempt(backendID, attemptErr.Kind, latency)
	}

	logger.Warn("backend attempt failed",
		zap.String("backend_id", backendID),
		zap.String("failure_kind", string(attemptErr.Kind)),
		zap.Int("status_code", attemptErr.StatusCode),
		zap.Duration("latency", latency),
	)

	if attemptErr.Kind == models.FailureAuthError {
		if err := r.registry.SetAvailability(backendID, false, models.DisabledReasonAuth); err != nil {
			logger.Error("failed to disable backend", zap.String("backend_id", backendID), zap.Error(err))
		}
		return
	}

	if !attemptErr.Retryable() {
		return
	}
	failures := r.tracker.ConsecutiveFailures(backendID)
	if failures < r.config.CooldownThreshold {
		return
	}
	until, level, err := r.registry.EnterCooldown(backendID, r.config.CooldownDuration)
	if err != nil {
		logger.Error("failed to enter cooldown", zap.String("backend_id", backendID), zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.ObserveCooldown(backendID, level)
	}
	logger.Warn("backend entering cooldown",
		zap.String("backend_id", backendID),
		zap.Int("consecutive_failures", failures),
		zap.Int("level", level),
		zap.Time("until", until),
	)
}

// interruptedOutcome classifies a stop caused by the caller or the request
// deadline. A deadline that passes before any dispatch is not an exhaustion.
func (r *Router) interruptedOutcome(ctx context.Context, result *models.RoutingResult) models.Outcome {
	if errors.Is(ctx.Err(), context.Canceled) {
		return models.OutcomeCancelled
	}
	if len(result.Attempts) == 0 {
		return models.OutcomeDeadlineExceeded
	}
	return models.OutcomeExhausted
}

func (r *Router) finish(ctx context.Context, req *models.RoutingRequest, result *models.RoutingResult, outcome models.Outcome, start time.Time, logger *zap.Logger) (*models.RoutingResult, error) {
	elapsed := time.Since(start)
	result.Outcome = outcome
	result.LatencyMs = elapsed.Milliseconds()
	result.Decision.Outcome = outcome
	result.Decision.ChosenBackendID = result.ChosenBackendID
	result.Decision.Attempted = append([]string{}, result.AttemptedBackendIDs...)
	if outcome != models.OutcomeSucceeded {
		result.ChosenBackendID = ""
		result.Text = ""
		result.Chunks = nil
	}

	if r.metrics != nil {
		r.metrics.ObserveRequest(outcome, elapsed)
	}
	if r.decisions != nil {
		r.decisions.LogDecision(models.NewDecisionLog(req, result))
	}

	logger.Info("routing finished",
		zap.String("outcome", string(outcome)),
		zap.String("backend_id", result.ChosenBackendID),
		zap.Strings("attempted", result.AttemptedBackendIDs),
		zap.Duration("elapsed", elapsed),
	)

	switch outcome {
	case models.OutcomeSucceeded:
		return result, nil
	case models.OutcomeNoCandidateAvailable:
		capability := req.Capability
		if capability == "" {
			capability = models.CapabilityGenerate
		}
		return result, services.NewDomainError(services.ErrorTypeNoCandidate, "no candidate backend available", nil).
			WithDetail("capability", string(capability))
	case models.OutcomeCancelled:
		return result, services.NewDomainError(services.ErrorTypeCancelled, "request cancelled", ctx.Err())
	case models.OutcomeDeadlineExceeded:
		return result, services.NewDomainError(services.ErrorTypeDeadline, "request deadline passed before dispatch", nil).
			WithDetail("deadline_ms", req.DeadlineMs)
	case models.OutcomeInternalError:
		return result, services.ErrInternal
	default:
		return result, services.NewDomainError(services.ErrorTypeExhausted, "every candidate backend failed", nil).
			WithDetail("attempts", result.Attempts)
	}
}
