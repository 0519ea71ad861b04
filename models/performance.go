package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordOutcome is either "success" or one of the failure kinds
type RecordOutcome string

const OutcomeSuccess RecordOutcome = "success"

// OutcomeFromFailure converts a failure kind to a record outcome
func OutcomeFromFailure(kind FailureKind) RecordOutcome {
	return RecordOutcome(kind)
}

// IsSuccess reports whether the record counts as a success
func (o RecordOutcome) IsSuccess() bool {
	return o == OutcomeSuccess
}

// PerformanceRecord is one entry in the append-only outcome log
type PerformanceRecord struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	BackendID string        `json:"backend_id" db:"backend_id"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	LatencyMs int64         `json:"latency_ms" db:"latency_ms"`
	Outcome   RecordOutcome `json:"outcome" db:"outcome"`
}

// TableName returns the table name for the PerformanceRecord model
func (PerformanceRecord) TableName() string {
	return "performance_records"
}

// NewPerformanceRecord creates a record stamped with the current time
func NewPerformanceRecord(backendID string, latency time.Duration, outcome RecordOutcome) *PerformanceRecord {
	return &PerformanceRecord{
		ID:        uuid.New(),
		BackendID: backendID,
		Timestamp: time.Now(),
		LatencyMs: latency.Milliseconds(),
		Outcome:   outcome,
	}
}

// Latency returns the record latency as a duration
func (r *PerformanceRecord) Latency() time.Duration {
	return time.Duration(r.LatencyMs) * time.Millisecond
}
