package models

import (
	"time"
)

// Outcome is the terminal state of one routing request
type Outcome string

const (
	OutcomeSucceeded            Outcome = "succeeded"
	OutcomeExhausted            Outcome = "exhausted"
	OutcomeNoCandidateAvailable Outcome = "no_candidate_available"
	OutcomeCancelled            Outcome = "cancelled"
	OutcomeDeadlineExceeded     Outcome = "deadline_exceeded"
	OutcomeInternalError        Outcome = "internal_error"
)

// MaxDeadlineMs caps the per-request deadline a caller may ask for
const MaxDeadlineMs = 600_000

// FailureKind is the fixed adapter failure taxonomy
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureAuthError     FailureKind = "auth_error"
	FailureRateLimited   FailureKind = "rate_limited"
	FailureProviderError FailureKind = "provider_error"
)

// Retryable reports whether the router may fall back to the next candidate
// and count the failure towards cooldown
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureRateLimited, FailureProviderError:
		return true
	}
	return false
}

// RoutingRequest is an inbound command. It is not modified after submission.
type RoutingRequest struct {
	RequestID      string     `json:"request_id,omitempty"`
	Text           string     `json:"text" validate:"required"`
	ConversationID string     `json:"conversation_id" validate:"required,max=128"`
	Capability     Capability `json:"capability" validate:"omitempty,oneof=generate stream embed"`
	Override       string     `json:"override,omitempty" validate:"omitempty,max=128"`
	DeadlineMs     int        `json:"deadline_ms,omitempty" validate:"omitempty,min=1,max=600000"`
	Stream         bool       `json:"stream,omitempty"`
}

// Deadline returns the request deadline relative to start, or the fallback
// when unset. Values above MaxDeadlineMs are clamped.
func (r *RoutingRequest) Deadline(start time.Time, fallback time.Duration) time.Time {
	if r.DeadlineMs > 0 {
		ms := min(r.DeadlineMs, MaxDeadlineMs)
		return start.Add(time.Duration(ms) * time.Millisecond)
	}
	return start.Add(fallback)
}

// Attempt is one adapter call made on behalf of a request
type Attempt struct {
	BackendID   string      `json:"backend_id" db:"backend_id"`
	FailureKind FailureKind `json:"failure_kind,omitempty" db:"failure_kind"`
	LatencyMs   int64       `json:"latency_ms" db:"latency_ms"`
	Message     string      `json:"message,omitempty" db:"message"`
}

// Succeeded reports whether the attempt produced a response
func (a Attempt) Succeeded() bool {
	return a.FailureKind == ""
}

// RoutingDecision is built fresh per request
type RoutingDecision struct {
	Candidates      []string `json:"candidates"`
	ChosenBackendID string   `json:"chosen_backend_id,omitempty"`
	Attempted       []string `json:"attempted"`
	Outcome         Outcome  `json:"outcome"`
}

// RoutingResult is the single terminal result returned for a request
type RoutingResult struct {
	RequestID           string          `json:"request_id"`
	ConversationID      string          `json:"conversation_id"`
	ChosenBackendID     string          `json:"chosen_backend_id,omitempty"`
	Text                string          `json:"text,omitempty"`
	Chunks              []string        `json:"chunks,omitempty"`
	LatencyMs           int64           `json:"latency_ms"`
	AttemptedBackendIDs []string        `json:"attempted_backend_ids"`
	Attempts            []Attempt       `json:"attempts"`
	Outcome             Outcome         `json:"outcome"`
	Decision            RoutingDecision `json:"decision"`
}

// DecisionLog is the persisted form of a routing decision
type DecisionLog struct {
	RequestID       string    `json:"request_id" db:"request_id"`
	ConversationID  string    `json:"conversation_id" db:"conversation_id"`
	Capability      string    `json:"capability" db:"capability"`
	Override        string    `json:"override,omitempty" db:"override_backend_id"`
	Candidates      []string  `json:"candidates" db:"candidates"`
	ChosenBackendID string    `json:"chosen_backend_id,omitempty" db:"chosen_backend_id"`
	Outcome         Outcome   `json:"outcome" db:"outcome"`
	LatencyMs       int64     `json:"latency_ms" db:"latency_ms"`
	Attempts        []Attempt `json:"attempts" db:"-"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the DecisionLog model
func (DecisionLog) TableName() string {
	return "routing_decisions"
}

// NewDecisionLog builds the persisted form of a finished request
func NewDecisionLog(req *RoutingRequest, result *RoutingResult) *DecisionLog {
	capability := req.Capability
	if capability == "" {
		capability = CapabilityGenerate
	}
	return &DecisionLog{
		RequestID:       result.RequestID,
		ConversationID:  req.ConversationID,
		Capability:      string(capability),
		Override:        req.Override,
		Candidates:      result.Decision.Candidates,
		ChosenBackendID: result.ChosenBackendID,
		Outcome:         result.Outcome,
		LatencyMs:       result.LatencyMs,
		Attempts:        result.Attempts,
		CreatedAt:       time.Now(),
	}
}
