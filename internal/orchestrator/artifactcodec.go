package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

// Wire form for cached artifacts. Outputs marshal to an ordered object for
// API responses, which is lossy; the cache needs a faithful round trip, so
// envelopes are stored field by field.

type cachedOutput struct {
	Provider string              `json:"provider"`
	Name     string              `json:"name"`
	OK       bool                `json:"ok"`
	Text     string              `json:"text,omitempty"`
	Kind     providers.ErrorKind `json:"kind,omitempty"`
	Message  string              `json:"message,omitempty"`
}

type cachedStage struct {
	Stage            StageKind           `json:"stage"`
	Outputs          []cachedOutput      `json:"outputs"`
	SuccessfulModels []providers.ModelID `json:"successful_models"`
	FailedModels     []FailedModel       `json:"failed_models"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
}

type cachedArtifact struct {
	Query              string            `json:"query"`
	PipelineID         string            `json:"pipeline_id"`
	Stages             []cachedStage     `json:"stages"`
	UltraSynthesis     string            `json:"ultra_synthesis"`
	FormattedSynthesis string            `json:"formatted_synthesis"`
	LeadModel          providers.ModelID `json:"lead_model"`
	StagesCompleted    []StageKind       `json:"stages_completed"`
	ModelsUsed         []string          `json:"models_used"`
	EligibleProviders  []string          `json:"eligible_providers"`
	MinRequired        int               `json:"min_required"`
	TotalMs            int64             `json:"total_ms"`
}

func encodeArtifact(a *Artifact) ([]byte, error) {
	ca := cachedArtifact{
		Query:              a.Query,
		PipelineID:         a.PipelineID,
		UltraSynthesis:     a.UltraSynthesis,
		FormattedSynthesis: a.FormattedSynthesis,
		LeadModel:          a.LeadModel,
		StagesCompleted:    a.StagesCompleted,
		ModelsUsed:         a.ModelsUsed,
		EligibleProviders:  a.EligibleProviders,
		MinRequired:        a.MinRequired,
		TotalMs:            a.TotalDuration.Milliseconds(),
	}
	for _, s := range a.Stages {
		cs := cachedStage{
			Stage:            s.Stage,
			SuccessfulModels: s.SuccessfulModels,
			FailedModels:     s.FailedModels,
			StartedAt:        s.StartedAt,
			FinishedAt:       s.FinishedAt,
		}
		for _, out := range s.Outputs {
			co := cachedOutput{
				Provider: out.Model.Provider,
				Name:     out.Model.Name,
				OK:       out.Envelope.OK(),
			}
			if out.Envelope.OK() {
				co.Text = out.Envelope.GeneratedText
			} else {
				co.Kind = out.Envelope.Err.Kind
				co.Message = out.Envelope.Err.Message
			}
			cs.Outputs = append(cs.Outputs, co)
		}
		ca.Stages = append(ca.Stages, cs)
	}
	return json.Marshal(ca)
}

func decodeArtifact(data []byte) (*Artifact, error) {
	var ca cachedArtifact
	if err := json.Unmarshal(data, &ca); err != nil {
		return nil, fmt.Errorf("orchestrator: decode cached artifact: %w", err)
	}
	a := &Artifact{
		Query:              ca.Query,
		PipelineID:         ca.PipelineID,
		UltraSynthesis:     ca.UltraSynthesis,
		FormattedSynthesis: ca.FormattedSynthesis,
		LeadModel:          ca.LeadModel,
		StagesCompleted:    ca.StagesCompleted,
		ModelsUsed:         ca.ModelsUsed,
		EligibleProviders:  ca.EligibleProviders,
		MinRequired:        ca.MinRequired,
		TotalDuration:      time.Duration(ca.TotalMs) * time.Millisecond,
	}
	for _, cs := range ca.Stages {
		s := StageResult{
			Stage:            cs.Stage,
			SuccessfulModels: cs.SuccessfulModels,
			FailedModels:     cs.FailedModels,
			StartedAt:        cs.StartedAt,
			FinishedAt:       cs.FinishedAt,
		}
		for _, co := range cs.Outputs {
			model := providers.ModelID{Provider: co.Provider, Name: co.Name}
			var env providers.Envelope
			if co.OK {
				env = providers.TextEnvelope(co.Text, providers.Usage{})
			} else {
				env = providers.Failure(co.Kind, co.Message)
			}
			s.Outputs = append(s.Outputs, ModelOutput{Model: model, Envelope: env})
		}
		a.Stages = append(a.Stages, s)
	}
	return a, nil
}
