// Package apierr provides structured API error envelopes and HTTP status
// mapping for the orchestrator surface. Every error response has the shape
//
//	{"success": false, "error": {"kind": "...", ...}}
//
// so clients can branch on error.kind without inspecting status codes.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error kinds surfaced at the HTTP boundary.
const (
	KindServiceUnavailable = "service_unavailable"
	KindInternalPromptLost = "internal_prompt_lost"
	KindSynthesisFailed    = "synthesis_failed"
	KindStageFailed        = "stage_failed"
	KindRateLimited        = "rate_limited"
	KindInvalidRequest     = "invalid_request"
	KindInternal           = "internal"
)

// APIError is the structured error returned to clients.
type APIError struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`

	// Gating details, present on service_unavailable.
	Reason             string   `json:"reason,omitempty"`
	Required           int      `json:"required,omitempty"`
	AvailableProviders []string `json:"available_providers,omitempty"`
}

type envelope struct {
	Success bool     `json:"success"`
	Error   APIError `json:"error"`

	// Partial carries the salvageable artifact payload on 502 synthesis
	// failures, marked partial=true.
	Partial bool `json:"partial,omitempty"`
	Results any  `json:"results,omitempty"`
}

// Write writes a plain error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, kind, message string) {
	writeJSON(ctx, status, envelope{Error: APIError{Kind: kind, Message: message}})
}

// WriteGating writes the 503 viability-gate failure with its contractual
// fields.
func WriteGating(ctx *fasthttp.RequestCtx, required int, available []string) {
	if available == nil {
		available = []string{}
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, envelope{Error: APIError{
		Kind:               KindServiceUnavailable,
		Reason:             "min_models_not_met",
		Required:           required,
		AvailableProviders: available,
	}})
}

// WritePartial writes a 502 synthesis failure that still carries the best
// available stage output.
func WritePartial(ctx *fasthttp.RequestCtx, message string, results any) {
	writeJSON(ctx, fasthttp.StatusBadGateway, envelope{
		Error:   APIError{Kind: KindSynthesisFailed, Message: message},
		Partial: true,
		Results: results,
	})
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, KindRateLimited, "rate limit exceeded")
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, env envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}
