// Package huggingface implements the HuggingFace Inference adapter. The
// Inference API speaks OpenAI-compatible chat completions under
// /models/{model}/v1/chat/completions, so the wire types are hand-rolled
// rather than pulled from an SDK.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co"
	providerName   = providers.ProviderHuggingFace
)

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Adapter implements providers.Adapter for the HuggingFace Inference API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for mocks and tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a HuggingFace Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	cfg := providers.DefaultAdapterConfigs()[providerName]
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

// HealthCheck hits the whoami endpoint, which validates the token without
// spinning up a model.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("huggingface: no API key configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/whoami-v2", nil)
	if err != nil {
		return fmt.Errorf("huggingface: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("huggingface: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("huggingface: health check: status %d", resp.StatusCode)
	}
	return nil
}

// Generate performs one chat completion and returns a normalized envelope.
func (a *Adapter) Generate(ctx context.Context, model, prompt string) providers.Envelope {
	if a.apiKey == "" {
		return providers.MissingKeyEnvelope(providerName)
	}
	if prompt == "" {
		return providers.Failure(providers.KindMalformedResponse, "huggingface: empty prompt")
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return providers.Failure(providers.KindMalformedResponse,
			fmt.Sprintf("huggingface: marshal request: %v", err))
	}

	url := a.baseURL + "/models/" + model + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return providers.Failure(providers.KindNetwork,
			fmt.Sprintf("huggingface: build request: %v", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return providers.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.classifyHTTP(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return providers.Failure(providers.KindMalformedResponse,
			fmt.Sprintf("huggingface: decode response: %v", err))
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil || cr.Choices[0].Message.Content == "" {
		return providers.Failure(providers.KindMalformedResponse,
			"huggingface: response contained no choices")
	}

	return providers.TextEnvelope(cr.Choices[0].Message.Content, providers.Usage{
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
	})
}

// classifyHTTP reads the error body and maps the non-200 status through the
// shared classification table.
func (a *Adapter) classifyHTTP(resp *http.Response) providers.Envelope {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	msg := fmt.Sprintf("huggingface: unexpected status %d", resp.StatusCode)
	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil && cr.Error.Message != "" {
		msg = "huggingface: " + cr.Error.Message
	}

	// 503 with an estimated_time hint means the model is cold-loading, which
	// a later attempt can absorb. The generic 5xx mapping already retries.
	return providers.ClassifyStatus(resp.StatusCode, msg)
}
