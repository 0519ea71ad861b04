package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
	"go.uber.org/zap"
)

// ErrEmptyID is returned for operations on a blank conversation id
var ErrEmptyID = errors.New("conversation id cannot be empty")

// Persister stores conversation snapshots outside the process.
// Load returns nil, nil when nothing is stored.
type Persister interface {
	Load(ctx context.Context, id string) (*models.ConversationContext, error)
	Save(ctx context.Context, conv *models.ConversationContext) error
	Delete(ctx context.Context, id string) error
}

type convLock struct {
	ch   chan struct{}
	refs int
}

// Store owns every conversation context. Handed-out contexts are copies.
type Store struct {
	mu        sync.Mutex
	convs     map[string]*models.ConversationContext
	locks     map[string]*convLock
	budget    models.ContextBudget
	persister Persister
	logger    *zap.Logger
}

// NewStore creates a store trimming every conversation to budget. persister may be nil.
func NewStore(budget models.ContextBudget, persister Persister, logger *zap.Logger) *Store {
	return &Store{
		convs:     make(map[string]*models.ConversationContext),
		locks:     make(map[string]*convLock),
		budget:    budget,
		persister: persister,
		logger:    logger.Named("conversation"),
	}
}

// Acquire takes the single-writer lock for id. Waiters on the same id are
// served in arrival order; other ids are unaffected. The returned release
// func is idempotent.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				s.unref(id, l)
			})
		}, nil
	case <-ctx.Done():
		s.unref(id, l)
		return nil, ctx.Err()
	}
}

func (s *Store) unref(id string, l *convLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, id)
	}
}

// Get returns a copy of the context, creating an empty one on first use
func (s *Store) Get(ctx context.Context, id string) (*models.ConversationContext, error) {
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return conv.Clone(), nil
}

// Exists reports whether the conversation is known in memory or in the persister
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	s.mu.Lock()
	_, ok := s.convs[id]
	s.mu.Unlock()
	if ok || s.persister == nil {
		return ok, nil
	}
	stored, err := s.persister.Load(ctx, id)
	if err != nil {
		return false, err
	}
	return stored != nil, nil
}

// load returns the live context for id, consulting the persister on a miss
func (s *Store) load(ctx context.Context, id string) (*models.ConversationContext, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	s.mu.Lock()
	conv, ok := s.convs[id]
	s.mu.Unlock()
	if ok {
		return conv, nil
	}

	var loaded *models.ConversationContext
	if s.persister != nil {
		stored, err := s.persister.Load(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load conversation, starting empty",
				zap.String("conversation_id", id), zap.Error(err))
		} else if stored != nil {
			loaded = stored
		}
	}
	if loaded == nil {
		loaded = models.NewConversationContext(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.convs[id]; ok {
		return existing, nil
	}
	s.convs[id] = loaded
	return loaded, nil
}

// AppendTurn adds a completed exchange, records the serving backend as
// active and trims to the store budget
func (s *Store) AppendTurn(ctx context.Context, id string, turn models.Turn) error {
	conv, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if turn.Role == "" {
		turn.Role = models.RoleAssistant
	}

	s.mu.Lock()
	conv.Turns = append(conv.Turns, turn)
	conv.ActiveBackendID = turn.BackendID
	conv.UpdatedAt = turn.CreatedAt
	conv.Turns = trimTurns(conv.Turns, s.budget)
	snapshot := conv.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return nil
}

// Trim drops the oldest turns until the history fits budget. The most
// recent turn is always kept.
func (s *Store) Trim(ctx context.Context, id string, budget models.ContextBudget) error {
	conv, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	before := len(conv.Turns)
	conv.Turns = trimTurns(conv.Turns, budget)
	dropped := before - len(conv.Turns)
	snapshot := conv.Clone()
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("conversation trimmed",
			zap.String("conversation_id", id),
			zap.Int("dropped", dropped))
		s.persist(ctx, snapshot)
	}
	return nil
}

// Reset forgets a conversation in memory and in the persister
func (s *Store) Reset(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()

	if s.persister != nil {
		return s.persister.Delete(ctx, id)
	}
	return nil
}

// EvictIdle drops in-memory contexts untouched for longer than idle and not
// currently locked. Persisted copies are kept. Returns the number evicted.
func (s *Store) EvictIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, conv := range s.convs {
		if _, busy := s.locks[id]; busy {
			continue
		}
		if conv.UpdatedAt.Before(cutoff) {
			delete(s.convs, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("evicted idle conversations", zap.Int("count", n))
	}
	return n
}

// Len returns the number of conversations held in memory
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *Store) persist(ctx context.Context, snapshot *models.ConversationContext) {
	if s.persister == nil {
		return
	}
	// the in-memory copy stays authoritative when the write fails
	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.logger.Warn("failed to persist conversation",
			zap.String("conversation_id", snapshot.ID), zap.Error(err))
	}
}

func trimTurns(turns []models.Turn, budget models.ContextBudget) []models.Turn {
	size := 0
	for _, t := range turns {
		size += t.Size()
	}

	drop := 0
	for len(turns)-drop > 1 {
		overTurns := budget.MaxTurns > 0 && len(turns)-drop > budget.MaxTurns
		overChars := budget.MaxChars > 0 && size > budget.MaxChars
		if !overTurns && !overChars {
			break
		}
		size -= turns[drop].Size()
		drop++
	}
	if drop == 0 {
		return turns
	}
	return append([]models.Turn(nil), turns[drop:]...)
}
