package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ultrai/ultrai/internal/metrics"
	"github.com/ultrai/ultrai/internal/providers"
)

// funcCaller adapts a function to the Caller interface.
type funcCaller func(ctx context.Context, model providers.ModelID, prompt string) providers.Envelope

func (f funcCaller) Call(ctx context.Context, model providers.ModelID, prompt string) providers.Envelope {
	return f(ctx, model, prompt)
}

func stageModels(names ...string) []providers.ModelID {
	out := make([]providers.ModelID, len(names))
	for i, n := range names {
		out[i] = providers.Resolve(n)
	}
	return out
}

func TestExecutorRun_PreservesRequestOrder(t *testing.T) {
	// Later models answer faster; the output order must still match the
	// request order.
	models := stageModels("gpt-4", "claude-3-5-sonnet-20241022", "gemini-1.5-flash")
	caller := funcCaller(func(_ context.Context, m providers.ModelID, _ string) providers.Envelope {
		switch m.Provider {
		case providers.ProviderOpenAI:
			time.Sleep(30 * time.Millisecond)
		case providers.ProviderAnthropic:
			time.Sleep(15 * time.Millisecond)
		}
		return providers.TextEnvelope("answer from "+m.Name, providers.Usage{})
	})

	exec := NewExecutor(caller, ExecutorOptions{})
	res := exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0, nil)

	if len(res.Outputs) != len(models) {
		t.Fatalf("got %d outputs, want %d", len(res.Outputs), len(models))
	}
	for i, out := range res.Outputs {
		if out.Model != models[i] {
			t.Errorf("position %d: got %v, want %v", i, out.Model, models[i])
		}
	}
	if len(res.SuccessfulModels) != 3 || len(res.FailedModels) != 0 {
		t.Errorf("successes=%d failures=%d, want 3/0", len(res.SuccessfulModels), len(res.FailedModels))
	}
}

func TestExecutorRun_PartialFailureDoesNotCancelSiblings(t *testing.T) {
	models := stageModels("gpt-4", "claude-3-5-sonnet-20241022")
	caller := funcCaller(func(_ context.Context, m providers.ModelID, _ string) providers.Envelope {
		if m.Provider == providers.ProviderOpenAI {
			return providers.Failure(providers.KindUpstream5xx, "upstream exploded")
		}
		return providers.TextEnvelope("still here", providers.Usage{})
	})

	exec := NewExecutor(caller, ExecutorOptions{})
	res := exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0, nil)

	if res.SuccessCount() != 1 {
		t.Fatalf("SuccessCount = %d, want 1", res.SuccessCount())
	}
	if len(res.FailedModels) != 1 {
		t.Fatalf("FailedModels = %d, want 1", len(res.FailedModels))
	}
	fm := res.FailedModels[0]
	if fm.Model != "gpt-4" || fm.Kind != providers.KindUpstream5xx {
		t.Errorf("failed model = %+v", fm)
	}
	// The envelope for the failed model is still present in the outputs.
	if env, ok := res.Outputs.Get(models[0]); !ok || env.OK() {
		t.Error("failed model output must be recorded with its error envelope")
	}
}

func TestExecutorRun_BuildReceivesEachModel(t *testing.T) {
	var mu sync.Mutex
	prompts := map[string]string{}
	models := stageModels("gpt-4", "claude-3-5-sonnet-20241022")

	caller := funcCaller(func(_ context.Context, m providers.ModelID, prompt string) providers.Envelope {
		mu.Lock()
		prompts[m.Name] = prompt
		mu.Unlock()
		return providers.TextEnvelope("ok", providers.Usage{})
	})

	exec := NewExecutor(caller, ExecutorOptions{})
	exec.Run(context.Background(), StagePeerReview, models,
		func(m providers.ModelID) string { return "prompt for " + m.Name }, 0, nil)

	for _, m := range models {
		if got := prompts[m.Name]; got != "prompt for "+m.Name {
			t.Errorf("prompt for %s = %q", m.Name, got)
		}
	}
}

func TestExecutorRun_OnResultFiresPerCall(t *testing.T) {
	models := stageModels("gpt-4", "claude-3-5-sonnet-20241022", "gemini-1.5-flash")
	caller := funcCaller(func(_ context.Context, m providers.ModelID, _ string) providers.Envelope {
		if m.Provider == providers.ProviderGoogle {
			return providers.Failure(providers.KindRateLimited, "quota")
		}
		return providers.TextEnvelope("ok", providers.Usage{})
	})

	var calls atomic.Int64
	var failures atomic.Int64
	exec := NewExecutor(caller, ExecutorOptions{})
	exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0,
		func(_ providers.ModelID, env providers.Envelope, dur time.Duration) {
			calls.Add(1)
			if !env.OK() {
				failures.Add(1)
			}
			if dur < 0 {
				t.Error("negative duration")
			}
		})

	if calls.Load() != 3 {
		t.Errorf("onResult fired %d times, want 3", calls.Load())
	}
	if failures.Load() != 1 {
		t.Errorf("onResult saw %d failures, want 1", failures.Load())
	}
}

func TestExecutorRun_ProviderSlotsBoundConcurrency(t *testing.T) {
	// Four models of one provider against a single slot: at most one call may
	// be in flight at a time.
	models := stageModels("gpt-4", "gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo")

	var inFlight, peak atomic.Int64
	caller := funcCaller(func(context.Context, providers.ModelID, string) providers.Envelope {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return providers.TextEnvelope("ok", providers.Usage{})
	})

	exec := NewExecutor(caller, ExecutorOptions{ProviderSlots: 1})
	exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0, nil)

	if peak.Load() > 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestExecutorRun_SlotTimeoutBoundsQueueing(t *testing.T) {
	// Two models, one slot: the second call queues for the slot and must
	// give up after the slot timeout instead of waiting out the stage.
	models := stageModels("gpt-4", "gpt-4o")
	caller := funcCaller(func(context.Context, providers.ModelID, string) providers.Envelope {
		time.Sleep(60 * time.Millisecond)
		return providers.TextEnvelope("ok", providers.Usage{})
	})

	exec := NewExecutor(caller, ExecutorOptions{ProviderSlots: 1, SlotTimeout: 10 * time.Millisecond})
	res := exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0, nil)

	if res.SuccessCount() != 1 {
		t.Fatalf("SuccessCount = %d, want 1", res.SuccessCount())
	}
	if len(res.FailedModels) != 1 {
		t.Fatalf("FailedModels = %d, want 1", len(res.FailedModels))
	}
	fm := res.FailedModels[0]
	if fm.Kind != providers.KindTimeout {
		t.Errorf("kind = %s, want timeout", fm.Kind)
	}
	if !strings.Contains(fm.Message, "slot") {
		t.Errorf("message = %q, want a slot mention", fm.Message)
	}
}

func TestExecutorRun_RecordsTokenUsage(t *testing.T) {
	models := stageModels("gpt-4", "claude-3-5-sonnet-20241022")
	caller := funcCaller(func(_ context.Context, m providers.ModelID, _ string) providers.Envelope {
		if m.Provider == providers.ProviderAnthropic {
			return providers.Failure(providers.KindUpstream5xx, "upstream exploded")
		}
		return providers.TextEnvelope("ok", providers.Usage{InputTokens: 12, OutputTokens: 34})
	})

	reg := metrics.New()
	exec := NewExecutor(caller, ExecutorOptions{Metrics: reg})
	exec.Run(context.Background(), StageInitial, models, func(providers.ModelID) string { return "q" }, 0, nil)

	mfs, err := reg.PromRegistry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "ultrai_tokens_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var provider, direction string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "provider":
					provider = lp.GetValue()
				case "direction":
					direction = lp.GetValue()
				}
			}
			got[provider+"/"+direction] = m.GetCounter().GetValue()
		}
	}

	if got["openai/input"] != 12 || got["openai/output"] != 34 {
		t.Errorf("openai token counters = %v, want input=12 output=34", got)
	}
	if _, ok := got["anthropic/input"]; ok {
		t.Error("failed call must not record token usage")
	}
}

func TestExecutorRun_DeadlineProducesTimeoutEnvelopes(t *testing.T) {
	models := stageModels("gpt-4", "gpt-4o")
	caller := funcCaller(func(ctx context.Context, _ providers.ModelID, _ string) providers.Envelope {
		select {
		case <-ctx.Done():
			return providers.Failure(providers.KindTimeout, "stage deadline exceeded")
		case <-time.After(5 * time.Second):
			return providers.TextEnvelope("too late", providers.Usage{})
		}
	})

	exec := NewExecutor(caller, ExecutorOptions{ProviderSlots: 1})
	res := exec.Run(context.Background(), StageInitial, models,
		func(providers.ModelID) string { return "q" }, 20*time.Millisecond, nil)

	if res.SuccessCount() != 0 {
		t.Fatalf("SuccessCount = %d, want 0", res.SuccessCount())
	}
	for _, fm := range res.FailedModels {
		if fm.Kind != providers.KindTimeout {
			t.Errorf("%s failed with %s, want timeout", fm.Model, fm.Kind)
		}
	}
	if !strings.Contains(res.FailedModels[0].Message, "deadline") {
		t.Errorf("message = %q, want a deadline mention", res.FailedModels[0].Message)
	}
}
