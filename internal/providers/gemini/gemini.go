// Package gemini implements the Google AI Studio adapter on the official
// GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/"
	providerName   = providers.ProviderGoogle
)

// Adapter implements providers.Adapter for Google Gemini models.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *genai.Client
	initErr error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini Adapter. Client construction failures are deferred:
// they surface as network envelopes on the first Generate call, so startup
// never fails on a single misbehaving provider.
func New(ctx context.Context, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	if a.apiKey == "" {
		return a
	}

	cfg := providers.DefaultAdapterConfigs()[providerName]
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.baseURL},
	})
	if err != nil {
		a.initErr = fmt.Errorf("gemini: client init: %w", err)
		return a
	}
	a.client = client

	return a
}

func (a *Adapter) Name() string { return providerName }

// HealthCheck lists models as a cheap auth/connectivity probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("gemini: no API key configured")
	}
	if a.client == nil {
		return a.initErr
	}
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	return nil
}

// Generate performs one generateContent call and returns a normalized
// envelope.
func (a *Adapter) Generate(ctx context.Context, model, prompt string) providers.Envelope {
	if a.apiKey == "" {
		return providers.MissingKeyEnvelope(providerName)
	}
	if a.client == nil {
		return providers.Failure(providers.KindNetwork, a.initErr.Error())
	}
	if prompt == "" {
		return providers.Failure(providers.KindMalformedResponse, "gemini: empty prompt")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return classify(err)
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}
	if out == "" {
		return providers.Failure(providers.KindMalformedResponse,
			"gemini: response contained no candidate text")
	}

	var usage providers.Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return providers.TextEnvelope(out, usage)
}

// classify converts a GenAI SDK error into a classified error envelope. The
// Gemini API reports throttling as status 429 / RESOURCE_EXHAUSTED; the
// envelope message for that case always carries the canonical
// "Quota exceeded (rate limit)" marker that callers and log greps rely on.
func classify(err error) providers.Envelope {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("gemini: %s (status=%s)", apiErr.Message, apiErr.Status)
		if apiErr.Code == 429 || strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") {
			return providers.StatusFailure(providers.KindRateLimited,
				"gemini: Quota exceeded (rate limit): "+apiErr.Message, apiErr.Code)
		}
		return providers.ClassifyStatus(apiErr.Code, msg)
	}
	return providers.ClassifyTransport(err)
}
