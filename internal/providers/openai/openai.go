// Package openai implements the OpenAI chat-completions adapter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = providers.ProviderOpenAI
)

// Adapter implements providers.Adapter against the official OpenAI SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an OpenAI Adapter. The HTTP client pools connections and is
// shared by every call through this adapter; per-call deadlines come from
// the caller's context.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	cfg := providers.DefaultAdapterConfigs()[providerName]
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	}
	if a.baseURL != defaultBaseURL {
		reqOpts = append(reqOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(reqOpts...)

	return a
}

func (a *Adapter) Name() string { return providerName }

// HealthCheck lists models as a cheap auth/connectivity probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("openai: no API key configured")
	}
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", err)
	}
	return nil
}

// Generate performs one chat completion and returns a normalized envelope.
func (a *Adapter) Generate(ctx context.Context, model, prompt string) providers.Envelope {
	if a.apiKey == "" {
		return providers.MissingKeyEnvelope(providerName)
	}
	if prompt == "" {
		return providers.Failure(providers.KindMalformedResponse, "openai: empty prompt")
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model: model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(prompt),
		},
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return classify(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return providers.Failure(providers.KindMalformedResponse,
			"openai: response contained no choices")
	}

	return providers.TextEnvelope(resp.Choices[0].Message.Content, providers.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	})
}

// classify converts an SDK error into a classified error envelope.
func classify(err error) providers.Envelope {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.ClassifyStatus(apierr.StatusCode, "openai: "+apierr.Error())
	}
	return providers.ClassifyTransport(err)
}
