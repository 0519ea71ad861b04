package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/handlers"
	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/repositories/postgres"
	"github.com/upb/llm-router/repositories/redis"
	"github.com/upb/llm-router/services/audit"
	"github.com/upb/llm-router/services/conversation"
	"github.com/upb/llm-router/services/health"
	"github.com/upb/llm-router/services/performance"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/providers/anthropic"
	"github.com/upb/llm-router/services/providers/ollama"
	"github.com/upb/llm-router/services/providers/openai"
	"github.com/upb/llm-router/services/routing"
	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Redis   *redis.ConversationRepository
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories, nil when no database is configured
	Performance repositories.PerformanceRepository
	Decisions   repositories.DecisionRepository
	TxManager   repositories.TransactionManager

	// Routing core
	Registry *providers.Registry
	Factory  *providers.Factory
	Tracker  *performance.Tracker
	Store    *conversation.Store
	Router   *routing.Router
	Audit    *audit.AuditService
	Prober   *health.Prober

	// HTTP
	RouteHandler        *handlers.RouteHandler
	ConversationHandler *handlers.ConversationHandler
	AdminHandler        *handlers.AdminHandler
	HealthHandler       *handlers.HealthHandler
	AuthMiddleware      *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRedis(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	deps.initAudit(cfg)
	deps.initTracker(ctx, cfg)

	if err := deps.initProviders(cfg); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initRouter(cfg)
	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.Int("backends", deps.Registry.Count()),
		zap.Bool("database", deps.DB != nil),
		zap.Bool("redis", deps.Redis != nil),
		zap.Bool("admin", cfg.Admin.Enabled()))
	return deps, nil
}

// initDatabase connects to PostgreSQL and prepares the repositories
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled {
		d.Logger.Info("database disabled, performance history and decisions are kept in memory only")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	repos := factory.NewRepositories()
	d.Performance = repos.Performance
	d.Decisions = repos.Decisions
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

// initRedis connects the conversation persister
func (d *Dependencies) initRedis(cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		return nil
	}

	repo, err := redis.NewConversationRepository(cfg.Redis, d.Logger)
	if err != nil {
		return err
	}
	d.Redis = repo
	return nil
}

// initAudit builds the async writer for decisions and performance records
func (d *Dependencies) initAudit(cfg *config.Config) {
	if d.RepoFactory == nil {
		return
	}

	d.Audit = audit.NewAuditService(d.Decisions, d.Performance, d.TxManager, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
}

// initTracker builds the performance tracker and replays persisted history
func (d *Dependencies) initTracker(ctx context.Context, cfg *config.Config) {
	trackerCfg := performance.Config{
		Window:            cfg.Routing.Window,
		Decay:             cfg.Routing.Decay,
		SuccessWeight:     cfg.Routing.SuccessWeight,
		LatencyWeight:     cfg.Routing.LatencyWeight,
		ReliabilityMargin: cfg.Routing.ReliabilityMargin,
		LatencyScale:      cfg.Routing.LatencyScale,
		PriorSuccessRate:  cfg.Routing.PriorSuccessRate,
	}

	var sink performance.Sink
	if d.Audit != nil {
		sink = d.Audit
	}
	d.Tracker = performance.NewTracker(trackerCfg, sink, d.Logger)

	if d.Performance == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	records, err := d.Performance.ListRecent(loadCtx, cfg.Routing.Window)
	if err != nil {
		// ranking falls back to priors until new outcomes arrive
		d.Logger.Warn("failed to load performance history", zap.Error(err))
		return
	}
	d.Tracker.Load(records)
}

// initProviders builds the registry and registers the configured backends
func (d *Dependencies) initProviders(cfg *config.Config) error {
	d.Registry = providers.NewRegistry(d.Logger)
	if d.Metrics != nil {
		d.Registry.SetObserver(d.Metrics)
	}

	d.Factory = providers.NewFactory(d.Logger).
		WithBuilder(models.ProviderKindOpenAI, openai.New).
		WithBuilder(models.ProviderKindAnthropic, anthropic.New).
		WithBuilder(models.ProviderKindOllama, ollama.New)

	for _, b := range cfg.Backends {
		spec := BackendSpec(b)
		if err := utils.ValidateStruct(&spec); err != nil {
			return fmt.Errorf("backend %q: %w", b.ID, err)
		}
		if _, err := d.Factory.RegisterSpec(d.Registry, spec); err != nil {
			return fmt.Errorf("backend %q: %w", b.ID, err)
		}
	}

	if d.Registry.Count() == 0 {
		d.Logger.Warn("no backends configured, requests will fail until one is registered")
	}
	return nil
}

// BackendSpec converts a bootstrap declaration into a registry spec
func BackendSpec(b config.BackendConfig) providers.BackendSpec {
	caps := make([]models.Capability, 0, len(b.Capabilities))
	for _, c := range b.Capabilities {
		caps = append(caps, models.Capability(c))
	}
	return providers.BackendSpec{
		ID:           b.ID,
		Kind:         models.ProviderKind(b.Kind),
		Model:        b.Model,
		Capabilities: caps,
		Priority:     b.Priority,
		APIKey:       b.ResolvedAPIKey(),
		BaseURL:      b.BaseURL,
		TimeoutMs:    b.TimeoutMs,
		MaxTokens:    b.MaxTokens,
	}
}

// initRouter wires the conversation store, the router and the prober
func (d *Dependencies) initRouter(cfg *config.Config) {
	var persister conversation.Persister
	if d.Redis != nil {
		persister = d.Redis
	}
	d.Store = conversation.NewStore(models.ContextBudget{
		MaxTurns: cfg.Conversation.MaxTurns,
		MaxChars: cfg.Conversation.MaxChars,
	}, persister, d.Logger)

	d.Router = routing.NewRouter(routing.Config{
		CooldownThreshold: cfg.Routing.CooldownThreshold,
		CooldownBase:      cfg.Routing.CooldownBase,
		CooldownFactor:    cfg.Routing.CooldownFactor,
		CooldownMax:       cfg.Routing.CooldownMax,
		AttemptTimeout:    cfg.Routing.AttemptTimeout,
		DefaultDeadline:   cfg.Routing.RequestDeadline,
		MaxTokens:         cfg.Routing.MaxTokens,
		SystemPrompt:      cfg.Routing.SystemPrompt,
	}, d.Registry, d.Tracker, d.Store, d.Logger)
	if d.Metrics != nil {
		d.Router.WithMetrics(d.Metrics)
	}
	if d.Audit != nil {
		d.Router.WithDecisionLogger(d.Audit)
	}

	probeCfg := health.Config{
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		EvictSchedule:     cfg.Conversation.EvictSchedule,
		IdleTTL:           cfg.Conversation.IdleTTL,
		RetentionSchedule: cfg.Health.RetentionSchedule,
		Retention:         cfg.Health.Retention,
	}
	if cfg.Health.ProbeEnabled {
		probeCfg.ProbeSchedule = cfg.Health.ProbeSchedule
	}
	d.Prober = health.NewProber(probeCfg, d.Registry, d.Store, d.Performance, d.Logger)
}

// initHTTP builds the handlers and the admin auth middleware
func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.RouteHandler = handlers.NewRouteHandler(d.Router, d.Logger)
	d.ConversationHandler = handlers.NewConversationHandler(d.Store, d.Decisions, d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.Registry, d.Factory, d.Tracker, d.Prober, d.Logger)

	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	var pinger handlers.Pinger
	if d.Redis != nil {
		pinger = d.Redis
	}
	d.HealthHandler = handlers.NewHealthHandler(db, pinger, d.Registry, d.Logger)

	if cfg.Admin.Enabled() {
		validator := middleware.NewHMACValidator(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer)
		d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	} else {
		d.Logger.Warn("ADMIN_JWT_SECRET not set, admin API disabled")
	}
}

// Start launches the background workers
func (d *Dependencies) Start() error {
	if d.Audit != nil {
		if err := d.Audit.Start(); err != nil {
			return fmt.Errorf("failed to start audit service: %w", err)
		}
	}
	if err := d.Prober.Start(); err != nil {
		return fmt.Errorf("failed to start prober: %w", err)
	}
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Prober != nil {
		d.Prober.Stop()
	}

	if d.Audit != nil && d.Audit.GetStats().Started {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain audit queue: %w", err))
		}
	}

	errs = append(errs, d.closeStores()...)

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

func (d *Dependencies) closeStores() []error {
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errs
}
