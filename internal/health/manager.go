// Package health tracks per-provider availability and drives model
// filtering, the viability gate, and lead selection for the pipeline.
package health

import (
	"sync"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	// DefaultMinModels is the viability gate: a pipeline needs at least this
	// many healthy candidate models to start.
	DefaultMinModels = 2

	// DefaultRecoveryWindow is how long a rate-limited provider sits out.
	DefaultRecoveryWindow = 5 * time.Minute

	// unavailableThreshold is the consecutive-failure count that marks a
	// provider unavailable until a probe or a real call succeeds.
	unavailableThreshold = 3
)

// Record is the tracked state for one provider.
type Record struct {
	Available           bool      `json:"available"`
	HasCredentials      bool      `json:"has_credentials"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	RateLimitedUntil    time.Time `json:"rate_limited_until,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// MinModels is the viability gate threshold. Default 2.
	MinModels int

	// RecoveryWindow is the sit-out period after a rate-limit hit.
	// Default 5 minutes.
	RecoveryWindow time.Duration

	// Credentials maps provider name → whether an API key is configured.
	// Providers without credentials are permanently unavailable.
	Credentials map[string]bool

	// RequiredProviders lists providers that must be healthy and backed by
	// a candidate model for any pipeline to pass the gate. Empty requires
	// no specific provider.
	RequiredProviders []string
}

// Manager holds health records for every provider. Safe for concurrent use.
// It implements resilience.HealthSink.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record

	minModels int
	window    time.Duration
	required  []string

	now func() time.Time // swapped in tests
}

// NewManager builds a Manager covering providers.AllProviders.
func NewManager(opts Options) *Manager {
	minModels := opts.MinModels
	if minModels <= 0 {
		minModels = DefaultMinModels
	}
	window := opts.RecoveryWindow
	if window <= 0 {
		window = DefaultRecoveryWindow
	}

	m := &Manager{
		records:   make(map[string]*Record),
		minModels: minModels,
		window:    window,
		required:  opts.RequiredProviders,
		now:       time.Now,
	}
	for _, name := range providers.AllProviders {
		hasKey := opts.Credentials == nil || opts.Credentials[name]
		m.records[name] = &Record{
			Available:      hasKey,
			HasCredentials: hasKey,
		}
	}
	return m
}

// MinModels returns the viability gate threshold.
func (m *Manager) MinModels() int { return m.minModels }

// RecordSuccess marks a provider healthy. Idempotent. An unexpired
// rate-limit window is left in place: one lucky call does not prove the
// quota recovered.
func (m *Manager) RecordSuccess(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[provider]
	if !ok || !r.HasCredentials {
		return
	}
	r.Available = true
	r.ConsecutiveFailures = 0
	r.LastSuccess = m.now()
}

// RecordFailure records a classified failure for a provider.
//
//   - auth failures mark the provider unavailable immediately
//   - rate_limited failures open (or extend) the sit-out window
//   - other failures accumulate; the provider goes unavailable after
//     unavailableThreshold in a row
func (m *Manager) RecordFailure(provider string, kind providers.ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[provider]
	if !ok {
		return
	}
	now := m.now()
	r.LastFailure = now

	switch kind {
	case providers.KindAuth:
		r.Available = false

	case providers.KindRateLimited:
		until := now.Add(m.window)
		// Windows only ever extend.
		if until.After(r.RateLimitedUntil) {
			r.RateLimitedUntil = until
		}

	case providers.KindCircuitOpen:
		// Synthetic: the provider was never contacted.

	default:
		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= unavailableThreshold {
			r.Available = false
		}
	}
}

// MarkAvailable restores a provider after a successful background probe. An
// unexpired rate-limit window is not cleared.
func (m *Manager) MarkAvailable(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[provider]
	if !ok || !r.HasCredentials {
		return
	}
	r.Available = true
	r.ConsecutiveFailures = 0
}

// Healthy reports whether a provider can receive requests right now.
func (m *Manager) Healthy(provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked(provider)
}

func (m *Manager) healthyLocked(provider string) bool {
	r, ok := m.records[provider]
	if !ok {
		return false
	}
	if !r.Available {
		return false
	}
	if !r.RateLimitedUntil.IsZero() && m.now().Before(r.RateLimitedUntil) {
		return false
	}
	return true
}

// Filter returns the models whose provider is healthy, preserving request
// order.
func (m *Manager) Filter(models []providers.ModelID) []providers.ModelID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]providers.ModelID, 0, len(models))
	for _, mid := range models {
		if m.healthyLocked(mid.Provider) {
			out = append(out, mid)
		}
	}
	return out
}

// Viable reports whether enough distinct healthy providers back the
// candidate models to start a pipeline, and that every required provider
// is among them.
func (m *Manager) Viable(models []providers.ModelID) bool {
	eligible := m.EligibleProviders(models)
	if len(eligible) < m.minModels {
		return false
	}
	for _, req := range m.required {
		found := false
		for _, p := range eligible {
			if p == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EligibleProviders returns the distinct healthy providers among the
// candidates, in first-seen order.
func (m *Manager) EligibleProviders(models []providers.ModelID) []string {
	seen := make(map[string]bool)
	var out []string
	for _, mid := range m.Filter(models) {
		if !seen[mid.Provider] {
			seen[mid.Provider] = true
			out = append(out, mid.Provider)
		}
	}
	return out
}

// AvailableProviders returns every currently healthy provider, in the
// canonical provider order.
func (m *Manager) AvailableProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, name := range providers.AllProviders {
		if m.healthyLocked(name) {
			out = append(out, name)
		}
	}
	return out
}

// PickLead selects the synthesis lead from the healthy candidates: the
// first provider in priority order with a healthy candidate wins, and the
// earliest requested model of that provider is chosen. Falls back to the
// first healthy model, then to the zero ModelID when nothing is healthy.
func (m *Manager) PickLead(models []providers.ModelID, priority []string) providers.ModelID {
	if len(priority) == 0 {
		priority = providers.DefaultLeadOrder
	}
	healthy := m.Filter(models)
	if len(healthy) == 0 {
		return providers.ModelID{}
	}
	for _, p := range priority {
		for _, mid := range healthy {
			if mid.Provider == p {
				return mid
			}
		}
	}
	return healthy[0]
}

// Snapshot returns a copy of every provider record, keyed by provider name.
func (m *Manager) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for name, r := range m.records {
		out[name] = *r
	}
	return out
}
