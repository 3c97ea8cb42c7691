package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ultrai/ultrai/internal/cache"
	"github.com/ultrai/ultrai/internal/health"
	"github.com/ultrai/ultrai/internal/logger"
	"github.com/ultrai/ultrai/internal/metrics"
	"github.com/ultrai/ultrai/internal/providers"
)

// Timeouts bounds the pipeline and its stages. Zero values fall back to the
// defaults below.
type Timeouts struct {
	Global     time.Duration // whole pipeline, default 70s
	Initial    time.Duration // initial fan-out, default 30s
	PeerReview time.Duration // peer review fan-out, default 30s
	Synthesis  time.Duration // lead synthesis call, default 45s
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Global <= 0 {
		t.Global = 70 * time.Second
	}
	if t.Initial <= 0 {
		t.Initial = 30 * time.Second
	}
	if t.PeerReview <= 0 {
		t.PeerReview = 30 * time.Second
	}
	if t.Synthesis <= 0 {
		t.Synthesis = 45 * time.Second
	}
	return t
}

// PipelineOptions wires an Orchestrator. Health and Executor are required;
// everything else is optional and nil-safe.
type PipelineOptions struct {
	Health       *health.Manager
	Executor     *Executor
	Cache        cache.Cache
	Exclusions   *cache.ExclusionList
	CacheTTL     time.Duration
	LeadPriority []string
	Timeouts     Timeouts
	Log          *slog.Logger
	StageLog     *logger.Logger
	Metrics      *metrics.Registry
}

// Orchestrator drives the three stages, enforces the viability gate,
// preserves the original prompt, selects the synthesis lead, and optionally
// streams progress events.
type Orchestrator struct {
	health       *health.Manager
	exec         *Executor
	cache        cache.Cache
	exclusions   *cache.ExclusionList
	cacheTTL     time.Duration
	leadPriority []string
	timeouts     Timeouts
	log          *slog.Logger
	stageLog     *logger.Logger
	metrics      *metrics.Registry

	sf singleflight.Group
}

// New creates an Orchestrator.
func New(opts PipelineOptions) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	priority := opts.LeadPriority
	if len(priority) == 0 {
		priority = providers.DefaultLeadOrder
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Orchestrator{
		health:       opts.Health,
		exec:         opts.Executor,
		cache:        opts.Cache,
		exclusions:   opts.Exclusions,
		cacheTTL:     ttl,
		leadPriority: priority,
		timeouts:     opts.Timeouts.withDefaults(),
		log:          log,
		stageLog:     opts.StageLog,
		metrics:      opts.Metrics,
	}
}

// Execute runs the pipeline and returns the final artifact. Pipeline-level
// failures come back as *PipelineError; per-model failures live inside the
// artifact's stage results. When the result cache is configured, identical
// concurrent requests are coalesced so only one pipeline runs.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Artifact, error) {
	if o.cache == nil || o.excluded(req) {
		return o.run(ctx, req, nil)
	}

	key := Fingerprint(req)
	if data, ok := o.cache.Get(ctx, key); ok {
		if art, err := decodeArtifact(data); err == nil {
			if o.metrics != nil {
				o.metrics.CacheGetHit()
			}
			return art, nil
		}
		// Corrupt entry: drop it and fall through to a fresh run.
		_ = o.cache.Delete(ctx, key)
	}
	if o.metrics != nil {
		o.metrics.CacheGetMiss()
	}

	// The coalesced run serves every waiting caller, not just the leader,
	// so it must survive the leader hanging up. The global pipeline
	// deadline still bounds it.
	runCtx := context.WithoutCancel(ctx)
	v, err, _ := o.sf.Do(key, func() (any, error) {
		art, runErr := o.run(runCtx, req, nil)
		if runErr != nil {
			return nil, runErr
		}
		if data, encErr := encodeArtifact(art); encErr == nil {
			_ = o.cache.Set(runCtx, key, data, o.cacheTTL)
			if o.metrics != nil {
				o.metrics.CacheSetOK()
			}
		}
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// ExecuteStream runs the pipeline while emitting progress events to sink.
// Streaming runs bypass the result cache: events must reflect live
// execution. A sink error (client disconnected) stops emission; the
// pipeline itself is stopped by cancelling ctx.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req Request, sink EventSink) (*Artifact, error) {
	return o.run(ctx, req, newEmitter(sink))
}

func (o *Orchestrator) excluded(req Request) bool {
	if o.exclusions == nil {
		return false
	}
	for _, m := range req.Models {
		if o.exclusions.Matches(m.Name) {
			if o.metrics != nil {
				o.metrics.CacheGetBypass()
			}
			return true
		}
	}
	return false
}

func (o *Orchestrator) run(ctx context.Context, req Request, em *emitter) (*Artifact, error) {
	start := time.Now()
	pipelineID := uuid.New()

	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Global)
	defer cancel()

	// The user query is the authoritative prompt; it must survive to the
	// synthesis stage byte for byte. A request with no query has nothing to
	// fall back to.
	if strings.TrimSpace(req.Query) == "" {
		return nil, o.fail(em, start, &PipelineError{
			Kind:    ErrPromptLost,
			Message: "request carried no query and no prior stage recorded one",
		})
	}

	// Viability gate: no provider is contacted unless enough distinct
	// healthy providers back the requested models and every required
	// provider is among them.
	eligible := o.health.Filter(req.Models)
	eligibleProviders := o.health.EligibleProviders(req.Models)
	if !o.health.Viable(req.Models) {
		return nil, o.fail(em, start, &PipelineError{
			Kind:               ErrServiceUnavailable,
			Reason:             "min_models_not_met",
			Required:           o.health.MinModels(),
			AvailableProviders: o.health.AvailableProviders(),
		})
	}

	em.emit(EventPipelineStart, map[string]any{
		"query_fingerprint": Fingerprint(req),
		"models_requested":  modelNames(req.Models),
	})

	art := &Artifact{
		Query:             req.Query,
		PipelineID:        pipelineID.String(),
		EligibleProviders: eligibleProviders,
		MinRequired:       o.health.MinModels(),
	}

	// ── Stage 1: initial responses ────────────────────────────────────────

	initial := o.runStage(ctx, em, pipelineID, StageInitial, eligible,
		func(providers.ModelID) string { return req.Query },
		o.timeouts.Initial)
	art.Stages = append(art.Stages, initial)

	if initial.SuccessCount() == 0 {
		return nil, o.fail(em, start, &PipelineError{
			Kind:    ErrStageFailed,
			Stage:   StageInitial,
			Message: "no model produced an initial response",
		})
	}
	art.StagesCompleted = append(art.StagesCompleted, StageInitial)

	// working holds the latest successful output per model, in request
	// order. Peer-review revisions replace entries; failures keep the
	// stage-1 text.
	working := successfulOutputs(initial.Outputs)

	// ── Stage 2: peer review ──────────────────────────────────────────────

	if boolOpt(req.Options.IncludePeerReview, true) && initial.SuccessCount() >= 2 {
		review := o.runStage(ctx, em, pipelineID, StagePeerReview, initial.SuccessfulModels,
			func(m providers.ModelID) string { return peerReviewPrompt(req.Query, m, working) },
			o.timeouts.PeerReview)
		art.Stages = append(art.Stages, review)
		art.StagesCompleted = append(art.StagesCompleted, StagePeerReview)

		for i, out := range working {
			if rev, ok := review.Outputs.Get(out.Model); ok && rev.OK() {
				working[i].Envelope = rev
			}
		}
	}

	// ── Stage 3: ultra synthesis ──────────────────────────────────────────

	candidates := make([]providers.ModelID, len(working))
	for i, out := range working {
		candidates[i] = out.Model
	}
	lead := o.pickLead(req.Options.LeadModel, candidates)
	if lead.IsZero() {
		art.TotalDuration = time.Since(start)
		return nil, o.fail(em, start, &PipelineError{
			Kind:    ErrSynthesisFailed,
			Stage:   StageSynthesis,
			Message: "no healthy provider left to perform synthesis",
			Partial: art,
		})
	}
	art.LeadModel = lead

	prompt := synthesisPrompt(req.Query, working)
	synth := o.runStage(ctx, em, pipelineID, StageSynthesis,
		[]providers.ModelID{lead},
		func(providers.ModelID) string { return prompt },
		o.timeouts.Synthesis)
	art.Stages = append(art.Stages, synth)

	env, _ := synth.Outputs.Get(lead)
	if !env.OK() {
		art.TotalDuration = time.Since(start)
		return nil, o.fail(em, start, &PipelineError{
			Kind:    ErrSynthesisFailed,
			Stage:   StageSynthesis,
			Message: env.Err.Message,
			Partial: art,
		})
	}

	art.UltraSynthesis = env.GeneratedText
	art.FormattedSynthesis = Format(env.GeneratedText)
	art.StagesCompleted = append(art.StagesCompleted, StageSynthesis)
	art.ModelsUsed = modelNames(candidates)
	art.TotalDuration = time.Since(start)

	for _, c := range chunks(art.FormattedSynthesis) {
		em.emit(EventSynthesisChunk, map[string]any{"text": c})
	}
	em.emit(EventPipelineComplete, map[string]any{
		"lead_model": lead.Name,
		"total_ms":   art.TotalDuration.Milliseconds(),
	})

	if o.metrics != nil {
		o.metrics.ObservePipeline("ok", art.TotalDuration)
	}
	o.log.InfoContext(ctx, "pipeline completed",
		slog.String("pipeline_id", art.PipelineID),
		slog.String("lead_model", lead.Name),
		slog.Int("models_used", len(candidates)),
		slog.Int64("total_ms", art.TotalDuration.Milliseconds()),
	)
	return art, nil
}

// runStage executes one stage with event emission and stage-call logging.
func (o *Orchestrator) runStage(
	ctx context.Context,
	em *emitter,
	pipelineID uuid.UUID,
	stage StageKind,
	models []providers.ModelID,
	build PromptBuilder,
	deadline time.Duration,
) StageResult {
	em.emit(EventStageStart, map[string]any{"stage": stage})

	result := o.exec.Run(ctx, stage, models, build, deadline,
		func(m providers.ModelID, env providers.Envelope, dur time.Duration) {
			data := modelResponseData{Stage: stage, Model: m.Name, OK: env.OK()}
			outcome := "ok"
			if env.OK() {
				data.TextLength = len(env.GeneratedText)
			} else {
				data.ErrorKind = string(env.Err.Kind)
				outcome = string(env.Err.Kind)
			}
			em.emit(EventModelResponse, data)

			if o.stageLog != nil {
				o.stageLog.Log(logger.StageCallLog{
					PipelineID: pipelineID,
					Stage:      string(stage),
					Provider:   m.Provider,
					Model:      m.Name,
					Outcome:    outcome,
					LatencyMs:  dur.Milliseconds(),
					CreatedAt:  time.Now(),
				})
			}
		})

	em.emit(EventStageComplete, stageCompleteData{
		Stage:            stage,
		SuccessfulModels: modelNames(result.SuccessfulModels),
		FailedModels:     result.FailedModels,
	})
	return result
}

// pickLead honors the requested lead when its provider is healthy, then
// falls back to priority-order selection among the candidates.
func (o *Orchestrator) pickLead(requested string, candidates []providers.ModelID) providers.ModelID {
	if requested != "" {
		want := providers.Resolve(requested)
		if o.health.Healthy(want.Provider) {
			return want
		}
	}
	return o.health.PickLead(candidates, o.leadPriority)
}

// fail emits the error event, records metrics, and returns the error.
func (o *Orchestrator) fail(em *emitter, start time.Time, perr *PipelineError) *PipelineError {
	data := map[string]any{"kind": perr.Kind, "message": perr.Error()}
	if perr.Stage != "" {
		data["stage"] = perr.Stage
	}
	em.emit(EventPipelineError, data)
	if o.metrics != nil {
		o.metrics.ObservePipeline(perr.Kind, time.Since(start))
	}
	return perr
}

func successfulOutputs(outputs Outputs) Outputs {
	out := make(Outputs, 0, len(outputs))
	for _, o := range outputs {
		if o.Envelope.OK() {
			out = append(out, o)
		}
	}
	return out
}

func modelNames(models []providers.ModelID) []string {
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names
}

func boolOpt(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
