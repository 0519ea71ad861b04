package models

import (
	"time"
)

// Capability is a tag a request requires and a backend must declare to be eligible
type Capability string

const (
	CapabilityGenerate Capability = "generate"
	CapabilityStream   Capability = "stream"
	CapabilityEmbed    Capability = "embed"
)

// ValidCapability reports whether c is a known capability tag
func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityGenerate, CapabilityStream, CapabilityEmbed:
		return true
	}
	return false
}

// ProviderKind identifies the adapter variant serving a backend
type ProviderKind string

const (
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindOllama    ProviderKind = "ollama"
)

// DisabledReason records who took a backend out of rotation
type DisabledReason string

const (
	DisabledReasonNone         DisabledReason = ""
	DisabledReasonAuth         DisabledReason = "auth"
	DisabledReasonProbe        DisabledReason = "probe"
	DisabledReasonAdmin        DisabledReason = "admin"
	DisabledReasonDeregistered DisabledReason = "deregistered"
)

// ModelDescriptor is a registered backend with declared capabilities and runtime availability
type ModelDescriptor struct {
	ID           string       `json:"id" db:"id"`
	ProviderKind ProviderKind `json:"provider_kind" db:"provider_kind"`
	Model        string       `json:"model" db:"model"`
	Capabilities []Capability `json:"capabilities" db:"capabilities"`
	Priority     int          `json:"priority" db:"priority"`

	// Runtime state, mutated by the router, the health prober and admin calls
	Available      bool           `json:"available" db:"available"`
	DisabledReason DisabledReason `json:"disabled_reason,omitempty" db:"disabled_reason"`
	CooldownUntil  time.Time      `json:"cooldown_until,omitempty" db:"cooldown_until"`
	CooldownLevel  int            `json:"cooldown_level" db:"cooldown_level"`
	Removed        bool           `json:"removed" db:"removed"`

	RegisteredAt       time.Time `json:"registered_at" db:"registered_at"`
	LastProbeAt        time.Time `json:"last_probe_at,omitempty" db:"last_probe_at"`
	LastProbeLatencyMs int64     `json:"last_probe_latency_ms" db:"last_probe_latency_ms"`
}

// NewModelDescriptor creates an available descriptor
func NewModelDescriptor(id string, kind ProviderKind, model string, priority int, caps ...Capability) *ModelDescriptor {
	return &ModelDescriptor{
		ID:           id,
		ProviderKind: kind,
		Model:        model,
		Capabilities: caps,
		Priority:     priority,
		Available:    true,
		RegisteredAt: time.Now(),
	}
}

// Supports reports whether the descriptor declares the capability.
// An empty requirement is satisfied by every descriptor.
func (d *ModelDescriptor) Supports(c Capability) bool {
	if c == "" {
		return true
	}
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CoolingDown reports whether the cooldown window is still open at now
func (d *ModelDescriptor) CoolingDown(now time.Time) bool {
	return !d.CooldownUntil.IsZero() && now.Before(d.CooldownUntil)
}

// Eligible reports whether the descriptor may be dispatched for c at now
func (d *ModelDescriptor) Eligible(c Capability, now time.Time) bool {
	return d.Available && !d.Removed && !d.CoolingDown(now) && d.Supports(c)
}

// Clone returns a deep copy
func (d *ModelDescriptor) Clone() *ModelDescriptor {
	cp := *d
	cp.Capabilities = append([]Capability(nil), d.Capabilities...)
	return &cp
}
