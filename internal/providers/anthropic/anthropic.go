// Package anthropic implements the Anthropic messages adapter.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = providers.ProviderAnthropic
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter against the official Anthropic SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an Anthropic Adapter.
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

	a.client = anthropicSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

// HealthCheck lists models as a cheap auth/connectivity probe.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("anthropic: no API key configured")
	}
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	return nil
}

// Generate performs one messages call and returns a normalized envelope.
func (a *Adapter) Generate(ctx context.Context, model, prompt string) providers.Envelope {
	if a.apiKey == "" {
		return providers.MissingKeyEnvelope(providerName)
	}
	if prompt == "" {
		return providers.Failure(providers.KindMalformedResponse, "anthropic: empty prompt")
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropicSDK.MessageParam{
			anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(prompt)),
		},
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return classify(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if sb.Len() == 0 {
		return providers.Failure(providers.KindMalformedResponse,
			"anthropic: response contained no text blocks")
	}

	return providers.TextEnvelope(sb.String(), providers.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	})
}

// classify converts an SDK error into a classified error envelope.
func classify(err error) providers.Envelope {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return providers.ClassifyStatus(apierr.StatusCode, "anthropic: "+apierr.Error())
	}
	return providers.ClassifyTransport(err)
}
