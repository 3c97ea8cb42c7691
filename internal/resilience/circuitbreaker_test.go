package resilience

import (
	"testing"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(nil)

	for _, name := range providers.AllProviders {
		if cb.currentState(name) != cbClosed {
			t.Errorf("provider %s should start closed, got %v", name, cb.currentState(name))
		}
		if cb.StateLabel(name) != "closed" {
			t.Errorf("provider %s label should be 'closed', got %s", name, cb.StateLabel(name))
		}
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_AllowUnknownProvider(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if !cb.Allow("unknown-provider") {
		t.Error("unknown provider should be allowed")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	threshold := providers.DefaultAdapterConfigs()["openai"].CBFailureThreshold

	for i := 0; i < threshold-1; i++ {
		cb.RecordFailure("openai")
		if cb.currentState("openai") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	// One more failure should trip it.
	cb.RecordFailure("openai")
	if cb.currentState("openai") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.StateLabel("openai") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("openai"))
	}
}

func TestCircuitBreaker_PerProviderThresholds(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	anthThreshold := providers.DefaultAdapterConfigs()["anthropic"].CBFailureThreshold

	for i := 0; i < anthThreshold; i++ {
		cb.RecordFailure("anthropic")
	}
	if cb.currentState("anthropic") != cbOpen {
		t.Error("anthropic should trip at its own threshold")
	}
	if cb.currentState("openai") != cbClosed {
		t.Error("openai breaker must be independent")
	}
}

func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	trip(cb, "openai")

	if cb.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	threshold := providers.DefaultAdapterConfigs()["openai"].CBFailureThreshold

	for i := 0; i < threshold-1; i++ {
		cb.RecordFailure("openai")
	}
	cb.RecordSuccess("openai")

	if cb.currentState("openai") != cbClosed {
		t.Error("success should reset to closed")
	}

	// A full threshold is needed again after the reset.
	for i := 0; i < threshold-1; i++ {
		cb.RecordFailure("openai")
	}
	if cb.currentState("openai") != cbClosed {
		t.Error("should still be closed before a new threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	threshold := providers.DefaultAdapterConfigs()["openai"].CBFailureThreshold

	// Failures outside the rolling window must not count toward the trip.
	pcb := cb.breakers["openai"]
	pcb.mu.Lock()
	pcb.windowStart = time.Now().Add(-providers.CBTimeWindow - time.Second)
	pcb.errorCount = threshold - 1
	pcb.mu.Unlock()

	cb.RecordFailure("openai")
	if cb.currentState("openai") != cbClosed {
		t.Error("stale window failures must not trip the breaker")
	}
}

func TestCircuitBreaker_HalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	trip(cb, "openai")

	// Move the open timestamp into the past so the reset period has elapsed.
	pcb := cb.breakers["openai"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-providers.DefaultAdapterConfigs()["openai"].CBResetAfter - time.Second)
	pcb.mu.Unlock()

	if !cb.Allow("openai") {
		t.Fatal("breaker should admit a probe after the reset period")
	}
	if cb.currentState("openai") != cbHalfOpen {
		t.Errorf("state should be half-open, got %v", cb.currentState("openai"))
	}

	// Only one probe may be in flight.
	if cb.Allow("openai") {
		t.Error("half-open breaker should reject while a probe is in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	trip(cb, "openai")

	pcb := cb.breakers["openai"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-time.Hour)
	pcb.mu.Unlock()

	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}
	cb.RecordSuccess("openai")

	if cb.currentState("openai") != cbClosed {
		t.Error("probe success should close the breaker")
	}
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	trip(cb, "openai")

	pcb := cb.breakers["openai"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-time.Hour)
	pcb.mu.Unlock()

	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}
	cb.RecordFailure("openai")

	if cb.currentState("openai") != cbOpen {
		t.Error("probe failure should reopen immediately")
	}
	if cb.Allow("openai") {
		t.Error("reopened breaker should reject requests")
	}
}

func TestCircuitBreaker_StateCode(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if cb.StateCode("openai") != 0 {
		t.Errorf("closed code should be 0, got %d", cb.StateCode("openai"))
	}
	trip(cb, "openai")
	if cb.StateCode("openai") != 1 {
		t.Errorf("open code should be 1, got %d", cb.StateCode("openai"))
	}
}

func TestCircuitBreaker_ReleaseProbeReopensSlot(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	trip(cb, "openai")

	pcb := cb.breakers["openai"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-time.Hour)
	pcb.mu.Unlock()

	if !cb.Allow("openai") {
		t.Fatal("probe should be admitted")
	}
	if cb.Allow("openai") {
		t.Fatal("second caller should be rejected while the probe is in flight")
	}

	// An inconclusive probe returns the slot without closing or reopening.
	cb.ReleaseProbe("openai")
	if cb.currentState("openai") != cbHalfOpen {
		t.Errorf("state = %v, want half-open after release", cb.currentState("openai"))
	}
	if !cb.Allow("openai") {
		t.Error("released slot must admit the next probe")
	}
}

func TestCircuitBreaker_ReleaseProbeNoOpWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	cb.ReleaseProbe("openai")
	if cb.currentState("openai") != cbClosed {
		t.Error("release on a closed breaker must change nothing")
	}
	cb.ReleaseProbe("unknown") // must not panic
}

// trip drives a provider's breaker open via consecutive failures.
func trip(cb *CircuitBreaker, provider string) {
	threshold := providers.DefaultAdapterConfigs()[provider].CBFailureThreshold
	for i := 0; i < threshold; i++ {
		cb.RecordFailure(provider)
	}
}
