package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a failed provider call. Kinds are stable strings —
// they appear in API responses, logs, and metrics labels.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network"
	KindUpstream5xx       ErrorKind = "upstream_5xx"
	KindUpstream4xx       ErrorKind = "upstream_4xx"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnsupportedModel  ErrorKind = "unsupported_model"

	// KindCircuitOpen is synthetic: the resilient wrapper refused the call
	// without contacting the adapter.
	KindCircuitOpen ErrorKind = "circuit_open"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// Terminal reports whether retrying within the same call is pointless.
func (k ErrorKind) Terminal() bool { return !k.Retryable() }

// ErrorInfo is the classified failure half of an Envelope.
type ErrorInfo struct {
	Kind           ErrorKind `json:"kind"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable"`
	ProviderStatus int       `json:"provider_status,omitempty"`
}

// Usage — token usage stats, when the provider reports them.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Envelope is the normalized result of one adapter call. Exactly one of
// GeneratedText or Err is meaningful: Err == nil means success.
type Envelope struct {
	GeneratedText string
	Err           *ErrorInfo
	Usage         Usage
}

// OK reports whether the envelope carries generated text.
func (e Envelope) OK() bool { return e.Err == nil }

// Text returns the generated text, or the "Error: <message>" substitute for
// failed calls. Stage outputs always carry this string form so the
// text channel between stages stays total.
func (e Envelope) Text() string {
	if e.Err != nil {
		return "Error: " + e.Err.Message
	}
	return e.GeneratedText
}

// TextEnvelope builds a success envelope.
func TextEnvelope(text string, usage Usage) Envelope {
	return Envelope{GeneratedText: text, Usage: usage}
}

// Failure builds an error envelope with Retryable derived from the kind.
func Failure(kind ErrorKind, message string) Envelope {
	return Envelope{Err: &ErrorInfo{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
	}}
}

// StatusFailure builds an error envelope that records the upstream HTTP
// status alongside the classification.
func StatusFailure(kind ErrorKind, message string, status int) Envelope {
	return Envelope{Err: &ErrorInfo{
		Kind:           kind,
		Message:        message,
		Retryable:      kind.Retryable(),
		ProviderStatus: status,
	}}
}

// ClassifyStatus maps an upstream HTTP status (plus the error body text) to
// an error envelope. The mapping is shared by every adapter:
//
//	401, 403        → auth
//	404 + "model"   → unsupported_model
//	408             → timeout
//	429             → rate_limited
//	other 4xx       → upstream_4xx (rate-limit wording still wins)
//	5xx             → upstream_5xx
func ClassifyStatus(status int, message string) Envelope {
	switch {
	case status == 401 || status == 403:
		return StatusFailure(KindAuth, message, status)
	case status == 404 && strings.Contains(strings.ToLower(message), "model"):
		return StatusFailure(KindUnsupportedModel, message, status)
	case status == 408:
		return StatusFailure(KindTimeout, message, status)
	case status == 429:
		return StatusFailure(KindRateLimited, message, status)
	case status >= 500:
		return StatusFailure(KindUpstream5xx, message, status)
	default:
		if LooksRateLimited(message) {
			return StatusFailure(KindRateLimited, message, status)
		}
		return StatusFailure(KindUpstream4xx, message, status)
	}
}

// ClassifyTransport maps a transport-level Go error (no HTTP status
// available) to an error envelope.
func ClassifyTransport(err error) Envelope {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Failure(KindTimeout, "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Failure(KindTimeout, "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failure(KindTimeout, err.Error())
	}
	return Failure(KindNetwork, err.Error())
}

// LooksRateLimited reports whether an upstream error body reads like a
// throttling signal even when the status code does not say 429.
func LooksRateLimited(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "too many requests")
}

// MissingKeyEnvelope is the auth envelope returned by adapters constructed
// without credentials.
func MissingKeyEnvelope(provider string) Envelope {
	return Failure(KindAuth, fmt.Sprintf("%s: no API key configured", provider))
}
