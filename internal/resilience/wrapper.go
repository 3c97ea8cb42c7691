package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

// HealthSink receives per-call outcomes. The health manager implements it;
// a nil sink disables reporting.
type HealthSink interface {
	RecordSuccess(provider string)
	RecordFailure(provider string, kind providers.ErrorKind)
}

// Options configures a Wrapper. Zero fields fall back to defaults.
type Options struct {
	// Configs carries per-provider timeout/retry/breaker parameters.
	// Defaults to providers.DefaultAdapterConfigs().
	Configs map[string]providers.AdapterConfig

	// Breaker is the shared circuit breaker. A new one is built from Configs
	// when nil.
	Breaker *CircuitBreaker

	// Health receives call outcomes. Optional.
	Health HealthSink

	// OnRetry fires before each retry attempt (metrics hook). Optional.
	OnRetry func(provider string)

	// DisableRateLimitDetection demotes rate-limited outcomes to ordinary
	// transient failures: they feed the breaker, back off on the normal
	// schedule, and reach the health sink as upstream_5xx. The envelope
	// returned to callers keeps its true kind.
	DisableRateLimitDetection bool

	// DisableRateLimitRetry makes rate-limited outcomes terminal for the
	// current call: the provider asked us to back off, so the call returns
	// instead of retrying. Health and breaker handling are unchanged.
	DisableRateLimitRetry bool
}

// Wrapper executes adapter calls with per-attempt timeouts, bounded retry,
// and circuit breaking. Call never returns a Go error: every outcome is an
// envelope.
//
// Per-attempt ordering: circuit check → attempt → classify → breaker update →
// backoff → retry. Terminal kinds (auth, 4xx, malformed, unsupported model)
// return immediately; retryable kinds (rate_limited, timeout, network, 5xx)
// back off and retry up to MaxAttempts. Rate-limited failures count against
// provider health but not against the breaker, so a throttled provider is
// not also tripped open; when such a failure answers a half-open probe, the
// probe slot is released so the next caller can probe again.
type Wrapper struct {
	adapters map[string]providers.Adapter
	configs  map[string]providers.AdapterConfig
	breaker  *CircuitBreaker
	health   HealthSink
	onRetry  func(provider string)

	noRLDetection bool
	noRLRetry     bool

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWrapper creates a Wrapper over the given adapters, keyed by provider
// name.
func NewWrapper(adapters map[string]providers.Adapter, opts Options) *Wrapper {
	configs := opts.Configs
	if configs == nil {
		configs = providers.DefaultAdapterConfigs()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(configs)
	}
	return &Wrapper{
		adapters:      adapters,
		configs:       configs,
		breaker:       breaker,
		health:        opts.Health,
		onRetry:       opts.OnRetry,
		noRLDetection: opts.DisableRateLimitDetection,
		noRLRetry:     opts.DisableRateLimitRetry,
		sleep:         sleepCtx,
	}
}

// Breaker exposes the shared circuit breaker (for status and metrics).
func (w *Wrapper) Breaker() *CircuitBreaker { return w.breaker }

// Call runs one resilient completion call against the model's provider.
func (w *Wrapper) Call(ctx context.Context, model providers.ModelID, prompt string) providers.Envelope {
	adapter, ok := w.adapters[model.Provider]
	if !ok {
		return providers.Failure(providers.KindUnsupportedModel,
			fmt.Sprintf("no adapter registered for provider %q", model.Provider))
	}

	cfg, ok := w.configs[model.Provider]
	if !ok {
		cfg = providers.DefaultAdapterConfigs()[providers.ProviderHuggingFace]
	}

	var env providers.Envelope
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		// The breaker is consulted before every attempt: it can trip open
		// mid-call when concurrent calls to the same provider fail.
		if !w.breaker.Allow(model.Provider) {
			// Synthetic outcome — no adapter contact, no breaker update.
			return providers.Failure(providers.KindCircuitOpen,
				fmt.Sprintf("circuit open for provider %q", model.Provider))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		env = adapter.Generate(attemptCtx, model.Name, prompt)
		cancel()

		if env.OK() {
			w.breaker.RecordSuccess(model.Provider)
			if w.health != nil {
				w.health.RecordSuccess(model.Provider)
			}
			return env
		}

		kind := env.Err.Kind
		if kind == providers.KindRateLimited && w.noRLDetection {
			kind = providers.KindUpstream5xx
		}

		if w.health != nil {
			w.health.RecordFailure(model.Provider, kind)
		}
		if kind == providers.KindRateLimited {
			// Not a breaker failure, but a half-open probe must not stay
			// reserved: release the slot so the provider can be probed again.
			w.breaker.ReleaseProbe(model.Provider)
		} else {
			w.breaker.RecordFailure(model.Provider)
		}

		if kind.Terminal() || attempt == cfg.MaxAttempts-1 {
			return env
		}
		if kind == providers.KindRateLimited && w.noRLRetry {
			return env
		}

		if w.onRetry != nil {
			w.onRetry(model.Provider)
		}
		if err := w.sleep(ctx, backoff(cfg, attempt, kind)); err != nil {
			return providers.Failure(providers.KindTimeout,
				"deadline reached during retry backoff")
		}
	}

	return env
}

// backoff computes the jittered delay before retry number attempt+1.
// Rate-limited failures always wait the full BackoffMax before jitter.
func backoff(cfg providers.AdapterConfig, attempt int, kind providers.ErrorKind) time.Duration {
	d := cfg.BackoffBase << uint(attempt)
	if d > cfg.BackoffMax || d <= 0 {
		d = cfg.BackoffMax
	}
	if kind == providers.KindRateLimited {
		d = cfg.BackoffMax
	}
	// Jitter: uniform in [0.5d, 1.5d).
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
