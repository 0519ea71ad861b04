package performance

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
	"go.uber.org/zap"
)

const scoreEpsilon = 1e-9

// Config holds the ranking policy
type Config struct {
	// Window is how many recent records per backend feed the aggregates
	Window int

	// Decay is the per-record weight multiplier going back in time (0,1]
	Decay float64

	// SuccessWeight and LatencyWeight blend the two aggregates into a score.
	// The score only orders backends whose success rates are within
	// ReliabilityMargin of each other.
	SuccessWeight float64
	LatencyWeight float64

	// ReliabilityMargin is the success-rate gap below which backends count as
	// equally reliable
	ReliabilityMargin float64

	// LatencyScale is the latency at which the latency score halves
	LatencyScale time.Duration

	// PriorSuccessRate is assumed for backends with no history
	PriorSuccessRate float64
}

// DefaultConfig returns the default ranking policy
func DefaultConfig() Config {
	return Config{
		Window:            50,
		Decay:             0.9,
		SuccessWeight:     0.8,
		LatencyWeight:     0.2,
		ReliabilityMargin: 0.01,
		LatencyScale:      time.Second,
		PriorSuccessRate:  0.5,
	}
}

// Sink receives every appended record, typically for durable storage
type Sink interface {
	RecordPerformance(rec *models.PerformanceRecord)
}

// Stats are the derived aggregates for one backend
type Stats struct {
	BackendID           string  `json:"backend_id"`
	Samples             int     `json:"samples"`
	SuccessRate         float64 `json:"success_rate"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	Score               float64 `json:"score"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Tracker keeps the recent outcome log per backend and ranks candidates
// from it. Aggregates are recomputed from the log on every read.
type Tracker struct {
	mu      sync.RWMutex
	config  Config
	history map[string][]models.PerformanceRecord
	sink    Sink
	logger  *zap.Logger
}

// NewTracker creates a tracker. sink may be nil.
func NewTracker(config Config, sink Sink, logger *zap.Logger) *Tracker {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.Decay <= 0 || config.Decay > 1 {
		config.Decay = DefaultConfig().Decay
	}
	if config.LatencyScale <= 0 {
		config.LatencyScale = DefaultConfig().LatencyScale
	}
	if config.SuccessWeight+config.LatencyWeight <= 0 {
		config.SuccessWeight = DefaultConfig().SuccessWeight
		config.LatencyWeight = DefaultConfig().LatencyWeight
	}
	if config.ReliabilityMargin <= 0 {
		config.ReliabilityMargin = DefaultConfig().ReliabilityMargin
	}
	return &Tracker{
		config:  config,
		history: make(map[string][]models.PerformanceRecord),
		sink:    sink,
		logger:  logger.Named("performance"),
	}
}

// Record appends an outcome. It never fails.
func (t *Tracker) Record(backendID string, latency time.Duration, outcome models.RecordOutcome) {
	rec := models.NewPerformanceRecord(backendID, latency, outcome)

	t.mu.Lock()
	t.appendLocked(*rec)
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.RecordPerformance(rec)
	}
}

// Load warm-starts the log from persisted records, oldest first
func (t *Tracker) Load(records []models.PerformanceRecord) {
	sorted := append([]models.PerformanceRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range sorted {
		t.appendLocked(rec)
	}
	t.logger.Info("performance history loaded", zap.Int("records", len(sorted)))
}

func (t *Tracker) appendLocked(rec models.PerformanceRecord) {
	log := append(t.history[rec.BackendID], rec)
	if len(log) > t.config.Window {
		// copy so the dropped prefix can be collected
		log = append([]models.PerformanceRecord(nil), log[len(log)-t.config.Window:]...)
	}
	t.history[rec.BackendID] = log
}

// ConsecutiveFailures counts trailing outcomes that drive cooldown
func (t *Tracker) ConsecutiveFailures(backendID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return consecutiveFailures(t.history[backendID])
}

func consecutiveFailures(log []models.PerformanceRecord) int {
	n := 0
	for i := len(log) - 1; i >= 0; i-- {
		if !countsTowardCooldown(log[i].Outcome) {
			break
		}
		n++
	}
	return n
}

func countsTowardCooldown(o models.RecordOutcome) bool {
	if o.IsSuccess() {
		return false
	}
	return models.FailureKind(o).Retryable()
}

// Rank orders candidates best first. Success rate decides first; backends
// within ReliabilityMargin of the most reliable remaining one form a tier
// ordered by score, then higher static priority, then id.
func (t *Tracker) Rank(candidates []models.ModelDescriptor) []models.ModelDescriptor {
	type scored struct {
		desc  models.ModelDescriptor
		rate  float64
		score float64
	}

	t.mu.RLock()
	list := make([]scored, len(candidates))
	for i, c := range candidates {
		stats := t.statsLocked(c.ID)
		list[i] = scored{desc: c, rate: stats.SuccessRate, score: stats.Score}
	}
	margin := t.config.ReliabilityMargin
	t.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rate != list[j].rate {
			return list[i].rate > list[j].rate
		}
		return list[i].desc.ID < list[j].desc.ID
	})

	for start := 0; start < len(list); {
		end := start + 1
		for end < len(list) && list[start].rate-list[end].rate <= margin+scoreEpsilon {
			end++
		}
		tier := list[start:end]
		sort.SliceStable(tier, func(i, j int) bool {
			a, b := tier[i], tier[j]
			if math.Abs(a.score-b.score) > scoreEpsilon {
				return a.score > b.score
			}
			if a.desc.Priority != b.desc.Priority {
				return a.desc.Priority > b.desc.Priority
			}
			return a.desc.ID < b.desc.ID
		})
		start = end
	}

	ranked := make([]models.ModelDescriptor, len(list))
	for i, s := range list {
		ranked[i] = s.desc
	}
	return ranked
}

// Stats returns the derived aggregates for a backend
func (t *Tracker) Stats(backendID string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsLocked(backendID)
}

func (t *Tracker) statsLocked(backendID string) Stats {
	log := t.history[backendID]
	stats := Stats{
		BackendID:           backendID,
		Samples:             len(log),
		SuccessRate:         t.config.PriorSuccessRate,
		ConsecutiveFailures: consecutiveFailures(log),
	}
	latencyScore := 0.5

	if len(log) > 0 {
		var weightSum, successSum, latWeightSum, latSum float64
		weight := 1.0
		for i := len(log) - 1; i >= 0; i-- {
			rec := log[i]
			weightSum += weight
			if rec.Outcome.IsSuccess() {
				successSum += weight
				latWeightSum += weight
				latSum += weight * float64(rec.LatencyMs)
			}
			weight *= t.config.Decay
		}
		stats.SuccessRate = successSum / weightSum
		if latWeightSum > 0 {
			stats.AvgLatencyMs = latSum / latWeightSum
			scaleMs := float64(t.config.LatencyScale.Milliseconds())
			latencyScore = 1 / (1 + stats.AvgLatencyMs/scaleMs)
		}
	}

	stats.Score = t.config.SuccessWeight*stats.SuccessRate + t.config.LatencyWeight*latencyScore
	return stats
}
