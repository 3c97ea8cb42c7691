package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ultrai/ultrai/internal/orchestrator"
	"github.com/ultrai/ultrai/internal/providers"
	"github.com/ultrai/ultrai/pkg/apierr"
)

// ── Analyze ──────────────────────────────────────────────────────────────────

type analyzeOptions struct {
	IncludeInitialResponses *bool  `json:"include_initial_responses,omitempty"`
	IncludePeerReview       *bool  `json:"include_peer_review,omitempty"`
	LeadModel               string `json:"lead_model,omitempty"`
}

type analyzeRequest struct {
	Query          string         `json:"query"`
	SelectedModels []string       `json:"selected_models"`
	Options        analyzeOptions `json:"options"`
}

// stageSection is the per-stage payload in the analyze response. Outputs
// marshals as {"model": "text"} in request order.
type stageSection struct {
	Outputs          orchestrator.Outputs       `json:"outputs"`
	SuccessfulModels []string                   `json:"successful_models"`
	FailedModels     []orchestrator.FailedModel `json:"failed_models"`
}

type analyzeResults struct {
	InitialResponse *stageSection `json:"initial_response,omitempty"`
	PeerReview      *stageSection `json:"peer_review_and_revision,omitempty"`
	UltraSynthesis  string        `json:"ultra_synthesis,omitempty"`
	Formatted       string        `json:"formatted_synthesis,omitempty"`
	Status          string        `json:"status"`
}

type pipelineInfo struct {
	StagesCompleted []orchestrator.StageKind `json:"stages_completed"`
	ModelsUsed      []string                 `json:"models_used"`
	LeadModel       string                   `json:"lead_model"`
}

type analyzeResponse struct {
	Success      bool           `json:"success"`
	Results      analyzeResults `json:"results"`
	PipelineInfo pipelineInfo   `json:"pipeline_info"`
}

// parseAnalyze decodes and validates the analyze request body. On failure it
// writes the 4xx response and returns ok=false.
func (s *Server) parseAnalyze(ctx *fasthttp.RequestCtx) (orchestrator.Request, bool) {
	var body analyzeRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.KindInvalidRequest, "malformed JSON body")
		return orchestrator.Request{}, false
	}
	if len(body.SelectedModels) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.KindInvalidRequest, "selected_models must not be empty")
		return orchestrator.Request{}, false
	}

	models := make([]providers.ModelID, len(body.SelectedModels))
	for i, name := range body.SelectedModels {
		models[i] = providers.Resolve(name)
	}
	return orchestrator.Request{
		Query:  body.Query,
		Models: models,
		Options: orchestrator.Options{
			IncludeInitialResponses: body.Options.IncludeInitialResponses,
			IncludePeerReview:       body.Options.IncludePeerReview,
			LeadModel:               body.Options.LeadModel,
		},
	}, true
}

// allowRate applies the inbound RPM limit. Returns false after writing the
// 429 response.
func (s *Server) allowRate(ctx *fasthttp.RequestCtx) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _ := s.limiter.Allow(ctx)
	if s.metrics != nil {
		if allowed {
			s.metrics.RecordRateLimit("allowed")
		} else {
			s.metrics.RecordRateLimit("blocked")
		}
	}
	if !allowed {
		apierr.WriteRateLimit(ctx)
		return false
	}
	return true
}

func (s *Server) handleAnalyze(ctx *fasthttp.RequestCtx) {
	if !s.allowRate(ctx) {
		return
	}
	req, ok := s.parseAnalyze(ctx)
	if !ok {
		return
	}

	art, err := s.orch.Execute(ctx, req)
	if err != nil {
		s.writePipelineError(ctx, req, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, buildAnalyzeResponse(art, req.Options))
}

// writePipelineError maps pipeline failures onto the HTTP error contract.
func (s *Server) writePipelineError(ctx *fasthttp.RequestCtx, req orchestrator.Request, err error) {
	var perr *orchestrator.PipelineError
	if !errors.As(err, &perr) {
		s.log.Error("pipeline failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.KindInternal, "internal server error")
		return
	}

	switch perr.Kind {
	case orchestrator.ErrServiceUnavailable:
		apierr.WriteGating(ctx, perr.Required, perr.AvailableProviders)
	case orchestrator.ErrPromptLost:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.KindInternalPromptLost, perr.Message)
	case orchestrator.ErrSynthesisFailed:
		if perr.Partial != nil {
			apierr.WritePartial(ctx, perr.Message, partialResults(perr.Partial, req.Options))
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.KindSynthesisFailed, perr.Message)
	case orchestrator.ErrStageFailed:
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.KindStageFailed, perr.Message)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.KindInternal, perr.Message)
	}
}

func buildAnalyzeResponse(art *orchestrator.Artifact, opts orchestrator.Options) analyzeResponse {
	results := stageSections(art, opts)
	results.UltraSynthesis = art.UltraSynthesis
	results.Formatted = art.FormattedSynthesis
	results.Status = "completed"

	return analyzeResponse{
		Success: true,
		Results: results,
		PipelineInfo: pipelineInfo{
			StagesCompleted: art.StagesCompleted,
			ModelsUsed:      art.ModelsUsed,
			LeadModel:       art.LeadModel.Name,
		},
	}
}

// partialResults is the salvageable payload for a 502 synthesis failure.
func partialResults(art *orchestrator.Artifact, opts orchestrator.Options) analyzeResults {
	results := stageSections(art, opts)
	results.Status = "partial"
	return results
}

// stageSections assembles the per-stage sections. The initial section is
// omitted when the client opted out; peer review is absent when skipped.
func stageSections(art *orchestrator.Artifact, opts orchestrator.Options) analyzeResults {
	var results analyzeResults
	includeInitial := opts.IncludeInitialResponses == nil || *opts.IncludeInitialResponses

	if initial, ok := art.Stage(orchestrator.StageInitial); ok && includeInitial {
		results.InitialResponse = toSection(initial)
	}
	if review, ok := art.Stage(orchestrator.StagePeerReview); ok {
		results.PeerReview = toSection(review)
	}
	return results
}

func toSection(r orchestrator.StageResult) *stageSection {
	names := make([]string, len(r.SuccessfulModels))
	for i, m := range r.SuccessfulModels {
		names[i] = m.Name
	}
	failed := r.FailedModels
	if failed == nil {
		failed = []orchestrator.FailedModel{}
	}
	return &stageSection{
		Outputs:          r.Outputs,
		SuccessfulModels: names,
		FailedModels:     failed,
	}
}

// ── Analyze (SSE) ────────────────────────────────────────────────────────────

func (s *Server) handleAnalyzeStream(ctx *fasthttp.RequestCtx) {
	if !s.allowRate(ctx) {
		return
	}
	req, ok := s.parseAnalyze(ctx)
	if !ok {
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	orch, log := s.orch, s.log
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("sse stream panic", slog.Any("panic", r))
			}
		}()

		// The RequestCtx must not be touched after the handler returns; the
		// stream runs on its own context, cancelled when the client drops.
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink := func(ev orchestrator.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				cancel()
				return err
			}
			if err := w.Flush(); err != nil {
				cancel()
				return err
			}
			return nil
		}

		if _, err := orch.ExecuteStream(runCtx, req, sink); err != nil {
			// The pipeline_error event already went out through the sink.
			log.Warn("streamed pipeline failed", slog.String("error", err.Error()))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}

// ── Status and discovery ─────────────────────────────────────────────────────

type statusResponse struct {
	AvailableProviders []string `json:"available_providers"`
	HealthyModels      []string `json:"healthy_models"`
	MinRequired        int      `json:"min_required"`
	CanAcceptRequests  bool     `json:"can_accept_requests"`
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	available := s.health.AvailableProviders()
	if available == nil {
		available = []string{}
	}

	healthy := make([]string, 0, len(providers.KnownModels))
	for name, provider := range providers.KnownModels {
		if s.health.Healthy(provider) {
			healthy = append(healthy, name)
		}
	}
	sort.Strings(healthy)

	writeJSON(ctx, fasthttp.StatusOK, statusResponse{
		AvailableProviders: available,
		HealthyModels:      healthy,
		MinRequired:        s.health.MinModels(),
		CanAcceptRequests:  len(available) >= s.health.MinModels(),
	})
}

type modelInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

func (s *Server) handleAvailableModels(ctx *fasthttp.RequestCtx) {
	healthyOnly := ctx.QueryArgs().GetBool("healthy_only")

	models := make([]modelInfo, 0, len(providers.KnownModels))
	for name, provider := range providers.KnownModels {
		if healthyOnly && !s.health.Healthy(provider) {
			continue
		}
		models = append(models, modelInfo{Name: name, Provider: provider})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// ── Health and readiness ─────────────────────────────────────────────────────

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snapshot := s.health.Snapshot()
	available := s.health.AvailableProviders()

	status := "ok"
	if len(available) < s.health.MinModels() {
		status = "degraded"
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":    status,
		"version":   s.version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"providers": snapshot,
	})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	available := len(s.health.AvailableProviders())
	viable := available >= s.health.MinModels()

	cacheOK := true
	if s.cacheReady != nil {
		cacheOK = s.cacheReady(ctx)
	}

	status := fasthttp.StatusOK
	if !viable {
		status = fasthttp.StatusServiceUnavailable
	}
	cacheState := "ok"
	if !cacheOK {
		// A degraded cache never blocks traffic; the pipeline runs uncached.
		cacheState = "degraded"
	}

	writeJSON(ctx, status, map[string]any{
		"ready":               viable,
		"cache":               cacheState,
		"providers_available": available,
		"min_required":        s.health.MinModels(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"success":false,"error":{"kind":"internal","message":"response encoding failed"}}`)
		return
	}
	ctx.SetBody(body)
}
