package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/services"
	"go.uber.org/zap"
)

// DecisionRepository implements repositories.DecisionRepository
type DecisionRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db *DB, logger *zap.Logger) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores the decision row
func (r *DecisionRepository) Insert(ctx context.Context, log *models.DecisionLog) error {
	query := `
		INSERT INTO routing_decisions (
			request_id, conversation_id, capability, override_backend_id, candidates,
			chosen_backend_id, outcome, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := executorFor(r.db, r.tx).ExecContext(ctx, query,
		log.RequestID,
		log.ConversationID,
		log.Capability,
		nullString(log.Override),
		pq.Array(log.Candidates),
		nullString(log.ChosenBackendID),
		log.Outcome,
		log.LatencyMs,
		log.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return services.NewDomainError(services.ErrorTypeConflict, "decision already recorded", err).
				WithDetail("request_id", log.RequestID)
		}
		return fmt.Errorf("failed to insert routing decision: %w", err)
	}

	r.logger.Debug("routing decision inserted", zap.String("request_id", log.RequestID), zap.String("outcome", string(log.Outcome)))
	return nil
}

// InsertAttempts stores the ordered attempts of a decision
func (r *DecisionRepository) InsertAttempts(ctx context.Context, requestID string, attempts []models.Attempt) error {
	query := `
		INSERT INTO routing_attempts (request_id, seq, backend_id, failure_kind, latency_ms, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	exec := executorFor(r.db, r.tx)
	for i, a := range attempts {
		_, err := exec.ExecContext(ctx, query,
			requestID,
			i,
			a.BackendID,
			nullString(string(a.FailureKind)),
			a.LatencyMs,
			nullString(a.Message),
		)
		if err != nil {
			return fmt.Errorf("failed to insert routing attempt %d: %w", i, err)
		}
	}
	return nil
}

// GetByRequestID retrieves a decision with its attempts
func (r *DecisionRepository) GetByRequestID(ctx context.Context, requestID string) (*models.DecisionLog, error) {
	query := `
		SELECT request_id, conversation_id, capability, override_backend_id, candidates,
		       chosen_backend_id, outcome, latency_ms, created_at
		FROM routing_decisions
		WHERE request_id = $1
	`

	log, err := scanDecision(executorFor(r.db, r.tx).QueryRowContext(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "routing decision not found", err).
				WithDetail("request_id", requestID)
		}
		return nil, fmt.Errorf("failed to get routing decision: %w", err)
	}

	attempts, err := r.attempts(ctx, requestID)
	if err != nil {
		return nil, err
	}
	log.Attempts = attempts
	return log, nil
}

// ListByConversation returns the latest decisions of a conversation, newest
// first. Attempts are not loaded.
func (r *DecisionRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.DecisionLog, error) {
	query := `
		SELECT request_id, conversation_id, capability, override_backend_id, candidates,
		       chosen_backend_id, outcome, latency_ms, created_at
		FROM routing_decisions
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := executorFor(r.db, r.tx).QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer rows.Close()

	var logs []*models.DecisionLog
	for rows.Next() {
		log, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decisions: %w", err)
	}

	return logs, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *DecisionRepository) WithTx(tx repositories.Transaction) repositories.DecisionRepository {
	return &DecisionRepository{
		db:     r.db,
		tx:     asTransaction(tx),
		logger: r.logger,
	}
}

func (r *DecisionRepository) attempts(ctx context.Context, requestID string) ([]models.Attempt, error) {
	query := `
		SELECT backend_id, failure_kind, latency_ms, message
		FROM routing_attempts
		WHERE request_id = $1
		ORDER BY seq ASC
	`

	rows, err := executorFor(r.db, r.tx).QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing attempts: %w", err)
	}
	defer rows.Close()

	attempts := []models.Attempt{}
	for rows.Next() {
		var (
			a       models.Attempt
			kind    sql.NullString
			message sql.NullString
		)
		if err := rows.Scan(&a.BackendID, &kind, &a.LatencyMs, &message); err != nil {
			return nil, fmt.Errorf("failed to scan routing attempt: %w", err)
		}
		a.FailureKind = models.FailureKind(kind.String)
		a.Message = message.String
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing attempts: %w", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*models.DecisionLog, error) {
	var (
		log      models.DecisionLog
		override sql.NullString
		chosen   sql.NullString
	)
	err := row.Scan(
		&log.RequestID,
		&log.ConversationID,
		&log.Capability,
		&override,
		pq.Array(&log.Candidates),
		&chosen,
		&log.Outcome,
		&log.LatencyMs,
		&log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	log.Override = override.String
	log.ChosenBackendID = chosen.String
	return &log, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
