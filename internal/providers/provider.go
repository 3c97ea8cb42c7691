// Package providers defines the common contract between the synthesis
// pipeline and the LLM provider adapters (OpenAI, Anthropic, Google,
// HuggingFace).
//
// Each provider lives in its own sub-package and implements the Adapter
// interface. An adapter performs exactly one completion call and always
// returns a normalized Envelope — upstream failures are classified into an
// ErrorInfo rather than surfaced as Go errors, so callers observe exactly
// two outcomes: generated text or a classified error.
package providers

import (
	"context"
	"strings"
	"time"
)

// Provider name constants. These are the canonical keys used across the
// health map, circuit breakers, adapter configs, and metrics labels.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogle      = "google"
	ProviderHuggingFace = "huggingface"
)

// AllProviders lists every provider the process knows about, in a stable
// order used for iteration and display.
var AllProviders = []string{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderHuggingFace,
}

// DefaultLeadOrder is the default priority used when picking the Ultra
// Synthesis lead model: the first provider in this list with a healthy
// candidate wins. Overridable via LEAD_MODEL_PRIORITY.
var DefaultLeadOrder = []string{
	ProviderAnthropic,
	ProviderGoogle,
	ProviderOpenAI,
	ProviderHuggingFace,
}

// ModelID identifies one model of one provider. Two ModelIDs are equal iff
// both fields match, so the == operator is the identity rule.
type ModelID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// String returns the provider-native model name.
func (m ModelID) String() string { return m.Name }

// IsZero reports whether m is the zero ModelID.
func (m ModelID) IsZero() bool { return m.Provider == "" && m.Name == "" }

// Resolve maps a model name to a ModelID. Known names are looked up in
// KnownModels first; everything else falls through the prefix rule:
//
//	gpt* / o1* / o3* / o4* → openai
//	claude*                → anthropic
//	gemini* / gemma*       → google
//	anything else          → huggingface
//
// Resolution is total — an unrecognized name is a HuggingFace model, never
// an error.
func Resolve(name string) ModelID {
	if p, ok := KnownModels[name]; ok {
		return ModelID{Provider: p, Name: name}
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "gpt"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return ModelID{Provider: ProviderOpenAI, Name: name}
	case strings.HasPrefix(lower, "claude"):
		return ModelID{Provider: ProviderAnthropic, Name: name}
	case strings.HasPrefix(lower, "gemini"), strings.HasPrefix(lower, "gemma"):
		return ModelID{Provider: ProviderGoogle, Name: name}
	default:
		return ModelID{Provider: ProviderHuggingFace, Name: name}
	}
}

// KnownModels maps curated model names to provider names. Serves
// GET /api/available-models and exact-match resolution ahead of the prefix
// rule in Resolve.
var KnownModels = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":        ProviderOpenAI,
	"gpt-4o":       ProviderOpenAI,
	"gpt-4o-mini":  ProviderOpenAI,
	"gpt-4-turbo":  ProviderOpenAI,
	"gpt-4.1":      ProviderOpenAI,
	"gpt-4.1-mini": ProviderOpenAI,
	"o1":           ProviderOpenAI,
	"o1-mini":      ProviderOpenAI,
	"o3-mini":      ProviderOpenAI,
	"o4-mini":      ProviderOpenAI,

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet-20241022": ProviderAnthropic,
	"claude-3-5-haiku-20241022":  ProviderAnthropic,
	"claude-3-opus-20240229":     ProviderAnthropic,
	"claude-3-7-sonnet-20250219": ProviderAnthropic,
	"claude-opus-4":              ProviderAnthropic,
	"claude-sonnet-4":            ProviderAnthropic,

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":   ProviderGoogle,
	"gemini-1.5-flash": ProviderGoogle,
	"gemini-2.0-flash": ProviderGoogle,
	"gemini-2.5-pro":   ProviderGoogle,
	"gemini-2.5-flash": ProviderGoogle,
	"gemma-3-27b-it":   ProviderGoogle,

	// ─── HuggingFace Inference ────────────────────────────────────────────────
	"meta-llama/Meta-Llama-3.1-70B-Instruct": ProviderHuggingFace,
	"meta-llama/Meta-Llama-3.1-8B-Instruct":  ProviderHuggingFace,
	"mistralai/Mistral-7B-Instruct-v0.3":     ProviderHuggingFace,
	"Qwen/Qwen2.5-72B-Instruct":              ProviderHuggingFace,
}

// Adapter is the provider adapter contract. Generate performs one
// completion call; it never returns a Go error for upstream failures —
// classification happens inside the adapter and surfaces as an error
// envelope. HealthCheck is a cheap auth/connectivity probe.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, model, prompt string) Envelope
	HealthCheck(ctx context.Context) error
}

// AdapterConfig holds the per-provider reliability parameters consumed by
// the resilient wrapper.
type AdapterConfig struct {
	// RequestTimeout bounds one HTTP attempt.
	RequestTimeout time.Duration

	// MaxAttempts is the total number of attempts per call, including the
	// first.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// CBFailureThreshold trips the provider's circuit breaker after that
	// many transient/terminal failures inside the rolling window.
	CBFailureThreshold int

	// CBResetAfter is how long the breaker stays open before admitting a
	// single half-open probe.
	CBResetAfter time.Duration
}

// DefaultAdapterConfigs returns the contractual per-provider defaults.
// Callers receive a fresh map and may mutate it freely.
func DefaultAdapterConfigs() map[string]AdapterConfig {
	return map[string]AdapterConfig{
		ProviderOpenAI: {
			RequestTimeout:     30 * time.Second,
			MaxAttempts:        3,
			BackoffBase:        250 * time.Millisecond,
			BackoffMax:         5 * time.Second,
			CBFailureThreshold: 5,
			CBResetAfter:       30 * time.Second,
		},
		ProviderAnthropic: {
			RequestTimeout:     45 * time.Second,
			MaxAttempts:        2,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         8 * time.Second,
			CBFailureThreshold: 3,
			CBResetAfter:       30 * time.Second,
		},
		ProviderGoogle: {
			RequestTimeout:     25 * time.Second,
			MaxAttempts:        4,
			BackoffBase:        250 * time.Millisecond,
			BackoffMax:         5 * time.Second,
			CBFailureThreshold: 6,
			CBResetAfter:       30 * time.Second,
		},
		ProviderHuggingFace: {
			RequestTimeout:     60 * time.Second,
			MaxAttempts:        2,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         10 * time.Second,
			CBFailureThreshold: 3,
			CBResetAfter:       60 * time.Second,
		},
	}
}

// CBTimeWindow is the rolling window over which circuit breaker failures
// are counted. Shared across providers.
const CBTimeWindow = 60 * time.Second
