package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-router/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PerformanceRepository stores the durable performance log
type PerformanceRepository interface {
	// Insert appends one record
	Insert(ctx context.Context, rec *models.PerformanceRecord) error

	// ListRecent returns up to perBackend most recent records for every
	// backend, oldest first
	ListRecent(ctx context.Context, perBackend int) ([]models.PerformanceRecord, error)

	// DeleteOlderThan removes records older than cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PerformanceRepository
}

// DecisionRepository stores routing decisions and their attempts
type DecisionRepository interface {
	// Insert stores the decision row
	Insert(ctx context.Context, log *models.DecisionLog) error

	// InsertAttempts stores the ordered attempts of a decision
	InsertAttempts(ctx context.Context, requestID string, attempts []models.Attempt) error

	// GetByRequestID retrieves a decision with its attempts
	GetByRequestID(ctx context.Context, requestID string) (*models.DecisionLog, error)

	// ListByConversation returns the latest decisions of a conversation, newest first
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.DecisionLog, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) DecisionRepository
}

// ConversationRepository persists conversation snapshots outside the process
type ConversationRepository interface {
	// Load returns nil, nil when the conversation is not stored
	Load(ctx context.Context, id string) (*models.ConversationContext, error)

	// Save replaces the stored snapshot
	Save(ctx context.Context, conv *models.ConversationContext) error

	// Delete removes the snapshot
	Delete(ctx context.Context, id string) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Performance   PerformanceRepository
	Decisions     DecisionRepository
	Conversations ConversationRepository
}
