// Package orchestrator implements the three-stage synthesis pipeline:
// parallel initial responses, cross-model peer review, and a final Ultra
// Synthesis pass by a single lead model.
package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

// StageKind names one pipeline stage. The strings appear in API responses,
// SSE events, logs, and metrics labels.
type StageKind string

const (
	StageInitial    StageKind = "initial_response"
	StagePeerReview StageKind = "peer_review"
	StageSynthesis  StageKind = "ultra_synthesis"
)

// ModelOutput pairs one model with its envelope for one stage.
type ModelOutput struct {
	Model    providers.ModelID
	Envelope providers.Envelope
}

// FailedModel records one model that returned an error envelope in a stage.
type FailedModel struct {
	Model    string              `json:"model"`
	Provider string              `json:"provider"`
	Kind     providers.ErrorKind `json:"kind"`
	Message  string              `json:"message"`
}

// Outputs is an order-preserving collection of per-model stage outputs. It
// marshals to a JSON object whose keys appear in request order, which plain
// maps cannot guarantee.
type Outputs []ModelOutput

// MarshalJSON emits {"model-name": "text", ...} in slice order. Error
// envelopes surface as their "Error: <message>" text substitute.
func (o Outputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, out := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(out.Model.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(out.Envelope.Text())
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the output for a model, if present.
func (o Outputs) Get(m providers.ModelID) (providers.Envelope, bool) {
	for _, out := range o {
		if out.Model == m {
			return out.Envelope, true
		}
	}
	return providers.Envelope{}, false
}

// StageResult is the collected outcome of one stage.
type StageResult struct {
	Stage            StageKind           `json:"stage"`
	Outputs          Outputs             `json:"outputs"`
	SuccessfulModels []providers.ModelID `json:"successful_models"`
	FailedModels     []FailedModel       `json:"failed_models"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
}

// SuccessCount returns the number of models with a non-error envelope.
func (r StageResult) SuccessCount() int { return len(r.SuccessfulModels) }

// Options are the per-request pipeline knobs. Nil boolean pointers mean
// "use the default".
type Options struct {
	// IncludeInitialResponses controls whether the initial stage outputs
	// appear in the response payload. Default true.
	IncludeInitialResponses *bool `json:"include_initial_responses,omitempty"`

	// IncludePeerReview gates the peer-review stage. Default true; the
	// stage still auto-skips when fewer than two models succeed initially.
	IncludePeerReview *bool `json:"include_peer_review,omitempty"`

	// LeadModel names a preferred synthesis lead. Honored only when its
	// provider is healthy.
	LeadModel string `json:"lead_model,omitempty"`
}

// Request is one pipeline invocation.
type Request struct {
	Query   string
	Models  []providers.ModelID // request order is preserved end to end
	Options Options
}

// Artifact is the final pipeline result.
type Artifact struct {
	Query              string
	PipelineID         string
	Stages             []StageResult
	UltraSynthesis     string
	FormattedSynthesis string
	LeadModel          providers.ModelID
	StagesCompleted    []StageKind
	ModelsUsed         []string
	EligibleProviders  []string
	MinRequired        int
	TotalDuration      time.Duration
}

// Stage returns the result for a stage kind, if it ran.
func (a *Artifact) Stage(kind StageKind) (StageResult, bool) {
	for _, s := range a.Stages {
		if s.Stage == kind {
			return s, true
		}
	}
	return StageResult{}, false
}

// Pipeline error kinds, mapped to HTTP statuses at the server boundary.
const (
	ErrServiceUnavailable = "service_unavailable"  // viability gate failed (503)
	ErrPromptLost         = "internal_prompt_lost" // prompt chain broken (500)
	ErrStageFailed        = "stage_failed"         // no initial successes (502)
	ErrSynthesisFailed    = "synthesis_failed"     // lead model failed (502)
)

// PipelineError is a structured pipeline-level failure. It never wraps
// per-model failures — those live in StageResult.FailedModels.
type PipelineError struct {
	Kind    string
	Reason  string
	Message string
	Stage   StageKind

	// Gating details (service_unavailable only).
	Required           int
	AvailableProviders []string

	// Partial carries salvageable peer-review output when synthesis failed.
	Partial *Artifact
}

func (e *PipelineError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("pipeline: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Message)
}
