// Package resilience wraps provider adapters with per-provider timeouts,
// retry with jittered exponential backoff, and circuit breaking.
package resilience

import (
	"sync"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// providerCB holds per-provider circuit breaker state and thresholds.
type providerCB struct {
	mu sync.Mutex

	threshold  int
	resetAfter time.Duration

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each provider,
// each with its own failure threshold and reset timeout. Safe for concurrent
// use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	window   time.Duration
}

// NewCircuitBreaker creates per-provider breakers from the given adapter
// configs. Providers missing from the map fall back to the contractual
// defaults.
func NewCircuitBreaker(configs map[string]providers.AdapterConfig) *CircuitBreaker {
	if configs == nil {
		configs = providers.DefaultAdapterConfigs()
	}
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		window:   providers.CBTimeWindow,
	}
	defaults := providers.DefaultAdapterConfigs()
	for _, name := range providers.AllProviders {
		cfg, ok := configs[name]
		if !ok {
			cfg = defaults[name]
		}
		cb.breakers[name] = &providerCB{
			threshold:   cfg.CBFailureThreshold,
			resetAfter:  cfg.CBResetAfter,
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the reset timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown providers (the breaker is not tracking them).
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= pcb.resetAfter {
			// Transition to half-open: allow exactly one probe request.
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for provider. When the counter
// reaches the provider's threshold within the rolling window the breaker
// opens. A failed half-open probe re-opens immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if pcb.state == cbHalfOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.window {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++

	if pcb.errorCount >= pcb.threshold {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// ReleaseProbe returns the half-open probe slot without judging the
// provider. Used for inconclusive outcomes (a throttled probe proves the
// provider is alive, not that it recovered): the breaker stays half-open and
// the next caller may probe again. No-op in any other state.
func (cb *CircuitBreaker) ReleaseProbe(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if pcb.state == cbHalfOpen {
		pcb.probeInflight = false
	}
}

func (cb *CircuitBreaker) currentState(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateCode returns the breaker state as a gauge value:
// 0=closed, 1=open, 2=half-open.
func (cb *CircuitBreaker) StateCode(provider string) int64 {
	return int64(cb.currentState(provider))
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.currentState(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}
