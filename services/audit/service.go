package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Event is one pending write. Exactly one field is set.
type Event struct {
	Decision    *models.DecisionLog
	Performance *models.PerformanceRecord
}

func (e *Event) kind() string {
	if e.Decision != nil {
		return "decision"
	}
	return "performance"
}

// AuditService writes routing decisions and performance records to durable
// storage from a pool of background workers. Callers never block on storage.
type AuditService struct {
	decisions   repositories.DecisionRepository
	performance repositories.PerformanceRepository
	txMgr       repositories.TransactionManager
	logger      *zap.Logger
	eventChan   chan *Event
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	dropped     atomic.Uint64
	failed      atomic.Uint64
	written     atomic.Uint64
	mu          sync.RWMutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 5,
	}
}

// NewAuditService creates a new AuditService. Any repository may be nil, in
// which case events of that kind are discarded. txMgr may be nil, in which
// case a decision and its attempts are written without a transaction.
func NewAuditService(decisions repositories.DecisionRepository, performance repositories.PerformanceRepository, txMgr repositories.TransactionManager, logger *zap.Logger, config Config) *AuditService {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &AuditService{
		decisions:   decisions,
		performance: performance,
		txMgr:       txMgr,
		logger:      logger.Named("audit"),
		eventChan:   make(chan *Event, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for pending ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	pending := len(s.eventChan)
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Enqueue queues an event without blocking. The event is dropped when the
// buffer is full or the service is not running.
func (s *AuditService) Enqueue(event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit event channel full, dropping event", zap.String("kind", event.kind()))
		return fmt.Errorf("audit event buffer full")
	}
}

// LogDecision queues a finished routing decision
func (s *AuditService) LogDecision(log *models.DecisionLog) {
	if log == nil {
		return
	}
	if err := s.Enqueue(&Event{Decision: log}); err != nil {
		s.logger.Debug("routing decision not queued",
			zap.String("request_id", log.RequestID), zap.Error(err))
	}
}

// RecordPerformance queues one performance record
func (s *AuditService) RecordPerformance(rec *models.PerformanceRecord) {
	if rec == nil {
		return
	}
	if err := s.Enqueue(&Event{Performance: rec}); err != nil {
		s.logger.Debug("performance record not queued",
			zap.String("backend_id", rec.BackendID), zap.Error(err))
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.String("kind", event.kind()),
				zap.Error(err))
			continue
		}
		s.written.Add(1)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch {
	case event.Decision != nil:
		return s.writeDecision(ctx, event.Decision)
	case event.Performance != nil:
		if s.performance == nil {
			return nil
		}
		if err := s.performance.Insert(ctx, event.Performance); err != nil {
			return fmt.Errorf("failed to insert performance record: %w", err)
		}
	}
	return nil
}

// writeDecision stores the decision row and its attempts atomically
func (s *AuditService) writeDecision(ctx context.Context, log *models.DecisionLog) error {
	if s.decisions == nil {
		return nil
	}

	write := func(ctx context.Context, repo repositories.DecisionRepository) error {
		if err := repo.Insert(ctx, log); err != nil {
			return err
		}
		if len(log.Attempts) == 0 {
			return nil
		}
		return repo.InsertAttempts(ctx, log.RequestID, log.Attempts)
	}

	if s.txMgr == nil {
		return write(ctx, s.decisions)
	}
	return services.WithTransaction(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		return write(ctx, s.decisions.WithTx(tx))
	})
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Written       uint64 `json:"written"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
}
