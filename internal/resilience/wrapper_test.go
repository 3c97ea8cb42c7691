package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

// scriptedAdapter returns its envelopes in order, repeating the last one.
type scriptedAdapter struct {
	name      string
	envelopes []providers.Envelope
	calls     int
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Generate(context.Context, string, string) providers.Envelope {
	i := a.calls
	a.calls++
	if i >= len(a.envelopes) {
		i = len(a.envelopes) - 1
	}
	return a.envelopes[i]
}

func (a *scriptedAdapter) HealthCheck(context.Context) error { return nil }

// recordingSink captures health callbacks.
type recordingSink struct {
	successes []string
	failures  []providers.ErrorKind
}

func (s *recordingSink) RecordSuccess(provider string) { s.successes = append(s.successes, provider) }
func (s *recordingSink) RecordFailure(_ string, kind providers.ErrorKind) {
	s.failures = append(s.failures, kind)
}

func newTestWrapper(adapter providers.Adapter, opts Options) *Wrapper {
	w := NewWrapper(map[string]providers.Adapter{"openai": adapter}, opts)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

var gpt4 = providers.ModelID{Provider: "openai", Name: "gpt-4"}

func TestWrapper_SuccessFirstAttempt(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.TextEnvelope("hello", providers.Usage{}),
	}}
	sink := &recordingSink{}
	w := newTestWrapper(adapter, Options{Health: sink})

	env := w.Call(context.Background(), gpt4, "hi")
	if !env.OK() {
		t.Fatalf("expected success, got %+v", env.Err)
	}
	if adapter.calls != 1 {
		t.Errorf("expected 1 call, got %d", adapter.calls)
	}
	if len(sink.successes) != 1 {
		t.Errorf("expected 1 health success, got %d", len(sink.successes))
	}
}

func TestWrapper_RetriesTransientThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindUpstream5xx, "upstream exploded", 502),
		providers.TextEnvelope("recovered", providers.Usage{}),
	}}
	var retries int
	w := newTestWrapper(adapter, Options{OnRetry: func(string) { retries++ }})

	env := w.Call(context.Background(), gpt4, "hi")
	if !env.OK() {
		t.Fatalf("expected recovery, got %+v", env.Err)
	}
	if adapter.calls != 2 {
		t.Errorf("expected 2 calls, got %d", adapter.calls)
	}
	if retries != 1 {
		t.Errorf("expected 1 retry callback, got %d", retries)
	}
}

func TestWrapper_TerminalFailureNoRetry(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindUpstream4xx, "bad request", 400),
	}}
	w := newTestWrapper(adapter, Options{})

	env := w.Call(context.Background(), gpt4, "hi")
	if env.OK() {
		t.Fatal("expected failure envelope")
	}
	if env.Err.Kind != providers.KindUpstream4xx {
		t.Errorf("kind = %s, want upstream_4xx", env.Err.Kind)
	}
	if adapter.calls != 1 {
		t.Errorf("terminal failure must not retry, got %d calls", adapter.calls)
	}
}

func TestWrapper_ExhaustsAttempts(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindUpstream5xx, "still down", 503),
	}}
	w := newTestWrapper(adapter, Options{})

	env := w.Call(context.Background(), gpt4, "hi")
	if env.OK() {
		t.Fatal("expected failure envelope")
	}
	want := providers.DefaultAdapterConfigs()["openai"].MaxAttempts
	if adapter.calls != want {
		t.Errorf("expected %d attempts, got %d", want, adapter.calls)
	}
}

func TestWrapper_CircuitOpenShortCircuits(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.TextEnvelope("never reached", providers.Usage{}),
	}}
	breaker := NewCircuitBreaker(nil)
	trip(breaker, "openai")
	sink := &recordingSink{}
	w := newTestWrapper(adapter, Options{Breaker: breaker, Health: sink})

	env := w.Call(context.Background(), gpt4, "hi")
	if env.OK() {
		t.Fatal("expected circuit_open envelope")
	}
	if env.Err.Kind != providers.KindCircuitOpen {
		t.Errorf("kind = %s, want circuit_open", env.Err.Kind)
	}
	if adapter.calls != 0 {
		t.Errorf("open circuit must not contact the adapter, got %d calls", adapter.calls)
	}
	// Synthetic outcome: neither health nor the breaker is updated.
	if len(sink.failures) != 0 {
		t.Errorf("circuit_open must not feed health, got %v", sink.failures)
	}
}

func TestWrapper_RateLimitedSkipsBreaker(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindRateLimited, "quota exceeded", 429),
	}}
	breaker := NewCircuitBreaker(nil)
	sink := &recordingSink{}
	w := newTestWrapper(adapter, Options{Breaker: breaker, Health: sink})

	env := w.Call(context.Background(), gpt4, "hi")
	if env.Err.Kind != providers.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", env.Err.Kind)
	}

	// Every rate-limited attempt reaches health but never the breaker.
	if len(sink.failures) == 0 {
		t.Error("rate_limited must feed health")
	}
	for _, k := range sink.failures {
		if k != providers.KindRateLimited {
			t.Errorf("unexpected health kind %s", k)
		}
	}
	if breaker.currentState("openai") != cbClosed {
		t.Error("rate_limited must not move the breaker")
	}
}

func TestWrapper_HalfOpenRateLimitedProbeReleasesSlot(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindRateLimited, "quota exceeded", 429),
		providers.TextEnvelope("recovered", providers.Usage{}),
	}}
	configs := providers.DefaultAdapterConfigs()
	cfg := configs["openai"]
	cfg.MaxAttempts = 1
	configs["openai"] = cfg

	breaker := NewCircuitBreaker(configs)
	trip(breaker, "openai")
	pcb := breaker.breakers["openai"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-time.Hour)
	pcb.mu.Unlock()

	w := newTestWrapper(adapter, Options{Configs: configs, Breaker: breaker})

	// The half-open probe is admitted and comes back throttled.
	env := w.Call(context.Background(), gpt4, "hi")
	if env.Err.Kind != providers.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", env.Err.Kind)
	}
	if adapter.calls != 1 {
		t.Fatalf("probe should reach the adapter once, got %d calls", adapter.calls)
	}

	// The probe slot was released: the next call probes the recovered
	// provider instead of bouncing off circuit_open forever.
	env = w.Call(context.Background(), gpt4, "hi")
	if !env.OK() {
		t.Fatalf("second probe should reach the adapter, got %+v", env.Err)
	}
	if adapter.calls != 2 {
		t.Errorf("expected 2 adapter calls, got %d", adapter.calls)
	}
	if breaker.currentState("openai") != cbClosed {
		t.Errorf("state = %v, want closed after a successful probe", breaker.currentState("openai"))
	}
}

func TestWrapper_RateLimitDetectionDisabled(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindRateLimited, "quota exceeded", 429),
	}}
	breaker := NewCircuitBreaker(nil)
	sink := &recordingSink{}
	w := newTestWrapper(adapter, Options{
		Breaker:                   breaker,
		Health:                    sink,
		DisableRateLimitDetection: true,
	})

	env := w.Call(context.Background(), gpt4, "hi")

	// The caller still sees the true kind.
	if env.Err.Kind != providers.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", env.Err.Kind)
	}
	// Internally the outcome is an ordinary transient failure.
	for _, k := range sink.failures {
		if k != providers.KindUpstream5xx {
			t.Errorf("health kind = %s, want upstream_5xx with detection off", k)
		}
	}
	want := providers.DefaultAdapterConfigs()["openai"].MaxAttempts
	pcb := breaker.breakers["openai"]
	pcb.mu.Lock()
	count := pcb.errorCount
	pcb.mu.Unlock()
	if count != want {
		t.Errorf("breaker counted %d failures, want %d", count, want)
	}
}

func TestWrapper_RateLimitRetryDisabled(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindRateLimited, "quota exceeded", 429),
		providers.TextEnvelope("never reached", providers.Usage{}),
	}}
	breaker := NewCircuitBreaker(nil)
	sink := &recordingSink{}
	w := newTestWrapper(adapter, Options{
		Breaker:               breaker,
		Health:                sink,
		DisableRateLimitRetry: true,
	})

	env := w.Call(context.Background(), gpt4, "hi")
	if env.Err.Kind != providers.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited", env.Err.Kind)
	}
	if adapter.calls != 1 {
		t.Errorf("retry disabled must stop after 1 attempt, got %d", adapter.calls)
	}
	// Health and breaker handling stay as with retries on.
	if len(sink.failures) != 1 || sink.failures[0] != providers.KindRateLimited {
		t.Errorf("health failures = %v", sink.failures)
	}
	if breaker.currentState("openai") != cbClosed {
		t.Error("rate_limited must not move the breaker")
	}
}

func TestWrapper_BackoffCancellation(t *testing.T) {
	adapter := &scriptedAdapter{name: "openai", envelopes: []providers.Envelope{
		providers.StatusFailure(providers.KindUpstream5xx, "down", 500),
	}}
	w := NewWrapper(map[string]providers.Adapter{"openai": adapter}, Options{})
	w.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	env := w.Call(context.Background(), gpt4, "hi")
	if env.Err.Kind != providers.KindTimeout {
		t.Errorf("cancelled backoff should surface as timeout, got %s", env.Err.Kind)
	}
	if adapter.calls != 1 {
		t.Errorf("expected 1 attempt before cancelled backoff, got %d", adapter.calls)
	}
}

func TestWrapper_UnknownProvider(t *testing.T) {
	w := NewWrapper(map[string]providers.Adapter{}, Options{})
	env := w.Call(context.Background(), providers.ModelID{Provider: "nope", Name: "x"}, "hi")
	if env.Err.Kind != providers.KindUnsupportedModel {
		t.Errorf("kind = %s, want unsupported_model", env.Err.Kind)
	}
}

func TestBackoff_RateLimitedUsesMax(t *testing.T) {
	cfg := providers.AdapterConfig{BackoffBase: 100 * time.Millisecond, BackoffMax: 2 * time.Second}
	for i := 0; i < 50; i++ {
		d := backoff(cfg, 0, providers.KindRateLimited)
		if d < cfg.BackoffMax/2 || d >= cfg.BackoffMax*3/2 {
			t.Fatalf("jittered delay %v outside [max/2, 1.5*max)", d)
		}
	}
}

func TestBackoff_ExponentialGrowthCapped(t *testing.T) {
	cfg := providers.AdapterConfig{BackoffBase: 250 * time.Millisecond, BackoffMax: time.Second}
	// attempt 3 → 2s pre-cap, capped to 1s, jittered in [0.5s, 1.5s).
	for i := 0; i < 50; i++ {
		d := backoff(cfg, 3, providers.KindUpstream5xx)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("capped delay %v outside [0.5s, 1.5s)", d)
		}
	}
}
