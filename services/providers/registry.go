package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"go.uber.org/zap"
)

var (
	// ErrBackendNotFound is returned when a backend id is not registered
	ErrBackendNotFound = errors.New("backend not found")

	// ErrDuplicateID is returned when registering an id that is already live
	ErrDuplicateID = errors.New("backend id already registered")

	// ErrInvalidDescriptor is returned for descriptors missing required fields
	ErrInvalidDescriptor = errors.New("invalid backend descriptor")
)

// AvailabilityObserver is notified after a backend's availability changes
type AvailabilityObserver interface {
	BackendAvailability(backendID string, available bool)
}

type entry struct {
	desc    *models.ModelDescriptor
	adapter Adapter
}

// Registry is the catalog of backends. Every read returns copies so callers
// never observe a descriptor mid-update.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	observer AvailabilityObserver
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates a new backend registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Named("registry"),
		now:     time.Now,
	}
}

// SetObserver installs the availability observer
func (r *Registry) SetObserver(o AvailabilityObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func notFound(id string) error {
	return services.NewDomainError(services.ErrorTypeNotFound, fmt.Sprintf("backend %q not found", id), ErrBackendNotFound)
}

// Register adds a backend. A removed id may be registered again; a live id
// fails with ErrDuplicateID.
func (r *Registry) Register(desc *models.ModelDescriptor, adapter Adapter) error {
	if desc == nil || desc.ID == "" || adapter == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "descriptor id and adapter are required", ErrInvalidDescriptor)
	}

	r.mu.Lock()
	if existing, ok := r.entries[desc.ID]; ok && !existing.desc.Removed {
		r.mu.Unlock()
		return services.NewDomainError(services.ErrorTypeConflict, fmt.Sprintf("backend %q already registered", desc.ID), ErrDuplicateID)
	}

	stored := desc.Clone()
	stored.Available = true
	stored.Removed = false
	stored.DisabledReason = models.DisabledReasonNone
	stored.CooldownUntil = time.Time{}
	stored.CooldownLevel = 0
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.now()
	}
	r.entries[desc.ID] = &entry{desc: stored, adapter: adapter}
	observer := r.observer
	r.mu.Unlock()

	r.logger.Info("backend registered",
		zap.String("backend_id", desc.ID),
		zap.String("provider_kind", string(desc.ProviderKind)),
		zap.Any("capabilities", desc.Capabilities),
		zap.Int("priority", desc.Priority))
	if observer != nil {
		observer.BackendAvailability(desc.ID, true)
	}
	return nil
}

// Deregister takes a backend out of rotation permanently. The descriptor is
// kept so in-flight requests and history still resolve it.
func (r *Registry) Deregister(id string) error {
	if err := r.setAvailability(id, false, models.DisabledReasonDeregistered, true); err != nil {
		return err
	}
	r.logger.Info("backend deregistered", zap.String("backend_id", id))
	return nil
}

// SetAvailability flips a backend in or out of rotation. Enabling clears the
// disabled reason, which is how credentials reloaded out of band re-enter rotation.
func (r *Registry) SetAvailability(id string, available bool, reason models.DisabledReason) error {
	if available {
		reason = models.DisabledReasonNone
	}
	return r.setAvailability(id, available, reason, false)
}

func (r *Registry) setAvailability(id string, available bool, reason models.DisabledReason, remove bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	if e.desc.Removed && available {
		r.mu.Unlock()
		return services.NewDomainError(services.ErrorTypeConflict, fmt.Sprintf("backend %q was deregistered", id), ErrBackendNotFound)
	}
	changed := e.desc.Available != available
	e.desc.Available = available
	e.desc.DisabledReason = reason
	if remove {
		e.desc.Removed = true
	}
	observer := r.observer
	r.mu.Unlock()

	if changed {
		r.logger.Info("backend availability changed",
			zap.String("backend_id", id),
			zap.Bool("available", available),
			zap.String("reason", string(reason)))
		if observer != nil {
			observer.BackendAvailability(id, available)
		}
	}
	return nil
}

// ApplyProbe records a health probe result. Probes only toggle backends that
// are healthy or were disabled by an earlier probe; auth, admin and
// deregistration decisions are left alone. Returns true when availability flipped.
func (r *Registry) ApplyProbe(id string, result ProbeResult) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false, notFound(id)
	}
	e.desc.LastProbeAt = r.now()
	e.desc.LastProbeLatencyMs = result.LatencyMs()

	reason := e.desc.DisabledReason
	if reason != models.DisabledReasonNone && reason != models.DisabledReasonProbe {
		r.mu.Unlock()
		return false, nil
	}
	if e.desc.Available == result.Available {
		r.mu.Unlock()
		return false, nil
	}
	e.desc.Available = result.Available
	if result.Available {
		e.desc.DisabledReason = models.DisabledReasonNone
	} else {
		e.desc.DisabledReason = models.DisabledReasonProbe
	}
	observer := r.observer
	r.mu.Unlock()

	r.logger.Info("backend availability changed by probe",
		zap.String("backend_id", id),
		zap.Bool("available", result.Available),
		zap.Int64("latency_ms", result.LatencyMs()),
		zap.Error(result.Err))
	if observer != nil {
		observer.BackendAvailability(id, result.Available)
	}
	return true, nil
}

// EnterCooldown raises the backend's cooldown level and closes its window
// for backoff(level). Level increment and window update happen under one
// lock. A backend already cooling down is left unchanged, so failures from
// requests dispatched before the window opened do not escalate it twice.
func (r *Registry) EnterCooldown(id string, backoff func(level int) time.Duration) (time.Time, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return time.Time{}, 0, notFound(id)
	}
	now := r.now()
	if e.desc.CoolingDown(now) {
		return e.desc.CooldownUntil, e.desc.CooldownLevel, nil
	}
	e.desc.CooldownLevel++
	e.desc.CooldownUntil = now.Add(backoff(e.desc.CooldownLevel))
	return e.desc.CooldownUntil, e.desc.CooldownLevel, nil
}

// ClearCooldown resets the cooldown window and level
func (r *Registry) ClearCooldown(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.desc.CooldownLevel = 0
		e.desc.CooldownUntil = time.Time{}
	}
}

// OverridePriority replaces the declared static priority
func (r *Registry) OverridePriority(id string, priority int) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	old := e.desc.Priority
	e.desc.Priority = priority
	r.mu.Unlock()

	r.logger.Info("backend priority overridden",
		zap.String("backend_id", id),
		zap.Int("old_priority", old),
		zap.Int("new_priority", priority))
	return nil
}

// Query returns copies of every eligible descriptor for the capability,
// ordered by id
func (r *Registry) Query(capability models.Capability) []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]models.ModelDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.desc.Eligible(capability, now) {
			result = append(result, *e.desc.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Eligible returns a copy of the descriptor when it may be dispatched for capability
func (r *Registry) Eligible(id string, capability models.Capability) (*models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || !e.desc.Eligible(capability, r.now()) {
		return nil, false
	}
	return e.desc.Clone(), true
}

// Get returns a copy of the descriptor, removed ones included
func (r *Registry) Get(id string) (*models.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.desc.Clone(), nil
}

// Adapter returns the adapter bound to id
func (r *Registry) Adapter(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.adapter, nil
}

// List returns every descriptor ordered by id
func (r *Registry) List() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.ModelDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, *e.desc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of live (not removed) backends
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if !e.desc.Removed {
			n++
		}
	}
	return n
}

// Stats summarizes registry state
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var live, available, cooling int
	perKind := make(map[string]int)
	for _, e := range r.entries {
		if e.desc.Removed {
			continue
		}
		live++
		perKind[string(e.desc.ProviderKind)]++
		if e.desc.Available {
			available++
		}
		if e.desc.CoolingDown(now) {
			cooling++
		}
	}

	return map[string]interface{}{
		"backend_count":     live,
		"available_count":   available,
		"cooling_down":      cooling,
		"backends_per_kind": perKind,
	}
}
