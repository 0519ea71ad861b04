package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
	"go.uber.org/zap"
)

// PerformanceRepository implements repositories.PerformanceRepository
type PerformanceRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewPerformanceRepository creates a new performance repository
func NewPerformanceRepository(db *DB, logger *zap.Logger) repositories.PerformanceRepository {
	return &PerformanceRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends one record
func (r *PerformanceRepository) Insert(ctx context.Context, rec *models.PerformanceRecord) error {
	query := `
		INSERT INTO performance_records (id, backend_id, timestamp, latency_ms, outcome)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := executorFor(r.db, r.tx).ExecContext(ctx, query,
		rec.ID,
		rec.BackendID,
		rec.Timestamp,
		rec.LatencyMs,
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to insert performance record: %w", err)
	}
	return nil
}

// ListRecent returns up to perBackend most recent records for every backend,
// oldest first, ready to replay into the tracker
func (r *PerformanceRepository) ListRecent(ctx context.Context, perBackend int) ([]models.PerformanceRecord, error) {
	query := `
		SELECT id, backend_id, timestamp, latency_ms, outcome
		FROM (
			SELECT id, backend_id, timestamp, latency_ms, outcome,
			       ROW_NUMBER() OVER (PARTITION BY backend_id ORDER BY timestamp DESC) AS rn
			FROM performance_records
		) ranked
		WHERE rn <= $1
		ORDER BY timestamp ASC
	`

	return r.query(ctx, query, perBackend)
}

// DeleteOlderThan removes records older than cutoff
func (r *PerformanceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := executorFor(r.db, r.tx).ExecContext(ctx,
		`DELETE FROM performance_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete performance records: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("performance records pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *PerformanceRepository) WithTx(tx repositories.Transaction) repositories.PerformanceRepository {
	return &PerformanceRepository{
		db:     r.db,
		tx:     asTransaction(tx),
		logger: r.logger,
	}
}

func (r *PerformanceRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.PerformanceRecord, error) {
	rows, err := executorFor(r.db, r.tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance records: %w", err)
	}
	defer rows.Close()

	var records []models.PerformanceRecord
	for rows.Next() {
		var rec models.PerformanceRecord
		if err := rows.Scan(&rec.ID, &rec.BackendID, &rec.Timestamp, &rec.LatencyMs, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan performance record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance records: %w", err)
	}

	return records, nil
}
