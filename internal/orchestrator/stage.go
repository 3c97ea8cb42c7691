package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ultrai/ultrai/internal/metrics"
	"github.com/ultrai/ultrai/internal/providers"
)

// defaultProviderSlots caps concurrent in-flight calls per provider, so a
// wide fan-out cannot self-induce rate limiting.
const defaultProviderSlots = 8

// Caller performs one resilient model call. The resilience wrapper is the
// production implementation; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, model providers.ModelID, prompt string) providers.Envelope
}

// PromptBuilder constructs the per-model prompt for a stage.
type PromptBuilder func(model providers.ModelID) string

// Executor fans one stage out to N models in parallel and collects
// identity-preserving results. It is stage-agnostic: prompt templates are
// owned by the pipeline and injected per run.
type Executor struct {
	caller      Caller
	metrics     *metrics.Registry // nil-safe
	sems        map[string]*semaphore.Weighted
	slotTimeout time.Duration
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// ProviderSlots caps concurrent calls per provider. Default 8.
	ProviderSlots int64

	// SlotTimeout bounds how long a call waits for a provider slot.
	// 0 waits until the stage deadline.
	SlotTimeout time.Duration

	// Metrics receives per-call observations. Optional.
	Metrics *metrics.Registry
}

// NewExecutor creates an Executor with one semaphore per known provider.
func NewExecutor(caller Caller, opts ExecutorOptions) *Executor {
	slots := opts.ProviderSlots
	if slots <= 0 {
		slots = defaultProviderSlots
	}
	sems := make(map[string]*semaphore.Weighted, len(providers.AllProviders))
	for _, name := range providers.AllProviders {
		sems[name] = semaphore.NewWeighted(slots)
	}
	return &Executor{
		caller:      caller,
		metrics:     opts.Metrics,
		sems:        sems,
		slotTimeout: opts.SlotTimeout,
	}
}

// Run executes one stage over the given models. All calls start
// concurrently (bounded per provider); the slice of outputs preserves the
// order of models regardless of completion order. A failed call never
// cancels its siblings. The aggregate deadline, when positive, bounds the
// whole fan-out.
//
// onResult, when non-nil, fires once per completed call in completion
// order with the call's wall-clock duration (used for streaming
// model_response events and stage-call logging).
func (e *Executor) Run(
	ctx context.Context,
	stage StageKind,
	models []providers.ModelID,
	build PromptBuilder,
	deadline time.Duration,
	onResult func(providers.ModelID, providers.Envelope, time.Duration),
) StageResult {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	started := time.Now()
	envelopes := make([]providers.Envelope, len(models))

	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model providers.ModelID) {
			defer wg.Done()
			callStart := time.Now()
			envelopes[i] = e.callOne(ctx, stage, model, build(model))
			if onResult != nil {
				onResult(model, envelopes[i], time.Since(callStart))
			}
		}(i, model)
	}
	wg.Wait()

	result := StageResult{
		Stage:     stage,
		Outputs:   make(Outputs, 0, len(models)),
		StartedAt: started,
	}
	for i, model := range models {
		env := envelopes[i]
		result.Outputs = append(result.Outputs, ModelOutput{Model: model, Envelope: env})
		if env.OK() {
			result.SuccessfulModels = append(result.SuccessfulModels, model)
		} else {
			result.FailedModels = append(result.FailedModels, FailedModel{
				Model:    model.Name,
				Provider: model.Provider,
				Kind:     env.Err.Kind,
				Message:  env.Err.Message,
			})
		}
	}
	result.FinishedAt = time.Now()
	return result
}

// callOne runs one call under the provider's concurrency slot.
func (e *Executor) callOne(ctx context.Context, stage StageKind, model providers.ModelID, prompt string) providers.Envelope {
	sem := e.sems[model.Provider]
	if sem != nil {
		acquireCtx := ctx
		if e.slotTimeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, e.slotTimeout)
			defer cancel()
		}
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			return providers.Failure(providers.KindTimeout,
				"timed out waiting for a provider slot")
		}
		defer sem.Release(1)
	}

	start := time.Now()
	env := e.caller.Call(ctx, model, prompt)

	if e.metrics != nil {
		outcome := "ok"
		if !env.OK() {
			outcome = string(env.Err.Kind)
		}
		e.metrics.ObserveStageCall(string(stage), model.Provider, outcome, time.Since(start))
		if env.OK() {
			e.metrics.AddTokens(model.Provider, env.Usage.InputTokens, env.Usage.OutputTokens)
		}
	}
	return env
}
