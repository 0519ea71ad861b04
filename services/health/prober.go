package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services/conversation"
	"github.com/upb/llm-router/services/providers"
	"go.uber.org/zap"
)

// Config holds the background job schedules. An empty schedule disables its job.
type Config struct {
	ProbeSchedule     string
	ProbeTimeout      time.Duration
	EvictSchedule     string
	IdleTTL           time.Duration
	RetentionSchedule string
	Retention         time.Duration
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		ProbeSchedule:     "@every 30s",
		ProbeTimeout:      5 * time.Second,
		EvictSchedule:     "@every 5m",
		IdleTTL:           time.Hour,
		RetentionSchedule: "@daily",
		Retention:         7 * 24 * time.Hour,
	}
}

// Prober runs the periodic maintenance jobs: backend health probes, idle
// conversation eviction and performance log retention.
type Prober struct {
	config      Config
	registry    *providers.Registry
	store       *conversation.Store
	performance repositories.PerformanceRepository
	cron        *cron.Cron
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewProber creates a prober. store and performance may be nil, which
// disables eviction and retention respectively.
func NewProber(config Config, registry *providers.Registry, store *conversation.Store, performance repositories.PerformanceRepository, logger *zap.Logger) *Prober {
	return &Prober{
		config:      config,
		registry:    registry,
		store:       store,
		performance: performance,
		cron:        cron.New(),
		logger:      logger.Named("health"),
	}
}

// Start schedules the configured jobs and starts the scheduler
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("prober already started")
	}

	if p.config.ProbeSchedule != "" {
		if _, err := p.cron.AddFunc(p.config.ProbeSchedule, func() {
			p.ProbeAll(context.Background())
		}); err != nil {
			return fmt.Errorf("invalid probe schedule %q: %w", p.config.ProbeSchedule, err)
		}
	}

	if p.config.EvictSchedule != "" && p.store != nil && p.config.IdleTTL > 0 {
		if _, err := p.cron.AddFunc(p.config.EvictSchedule, func() {
			p.EvictIdle()
		}); err != nil {
			return fmt.Errorf("invalid eviction schedule %q: %w", p.config.EvictSchedule, err)
		}
	}

	if p.config.RetentionSchedule != "" && p.performance != nil && p.config.Retention > 0 {
		if _, err := p.cron.AddFunc(p.config.RetentionSchedule, func() {
			if _, err := p.PruneRecords(context.Background()); err != nil {
				p.logger.Error("performance retention failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", p.config.RetentionSchedule, err)
		}
	}

	p.cron.Start()
	p.running = true
	p.logger.Info("started background jobs",
		zap.String("probe_schedule", p.config.ProbeSchedule),
		zap.String("evict_schedule", p.config.EvictSchedule),
		zap.String("retention_schedule", p.config.RetentionSchedule),
		zap.Int("jobs", len(p.cron.Entries())))
	return nil
}

// Stop stops the scheduler and waits for running jobs to return
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	<-p.cron.Stop().Done()
	p.running = false
	p.logger.Info("stopped background jobs")
}

// ProbeAll probes every registered backend concurrently and applies the
// results to the registry
func (p *Prober) ProbeAll(ctx context.Context) map[string]providers.ProbeResult {
	descs := p.registry.List()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]providers.ProbeResult, len(descs))
	)
	for _, d := range descs {
		if d.Removed {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result, err := p.ProbeBackend(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(d.ID)
	}
	wg.Wait()

	p.logger.Debug("probed backends", zap.Int("count", len(results)))
	return results
}

// ProbeBackend probes one backend under the probe timeout and applies the result
func (p *Prober) ProbeBackend(ctx context.Context, id string) (providers.ProbeResult, error) {
	adapter, err := p.registry.Adapter(id)
	if err != nil {
		return providers.ProbeResult{}, err
	}

	if p.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	result := adapter.Probe(ctx)
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}

	if _, err := p.registry.ApplyProbe(id, result); err != nil {
		return result, err
	}
	if !result.Available {
		p.logger.Warn("backend probe failed",
			zap.String("backend_id", id),
			zap.Duration("latency", result.Latency),
			zap.Error(result.Err))
	}
	return result, nil
}

// EvictIdle drops idle in-memory conversations
func (p *Prober) EvictIdle() int {
	if p.store == nil {
		return 0
	}
	return p.store.EvictIdle(p.config.IdleTTL)
}

// PruneRecords deletes performance records older than the retention period
func (p *Prober) PruneRecords(ctx context.Context) (int64, error) {
	if p.performance == nil || p.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-p.config.Retention)
	n, err := p.performance.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned performance records", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
