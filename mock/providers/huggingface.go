package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newHuggingFaceHandler returns an http.Handler simulating the HuggingFace
// Inference API (OpenAI-compatible chat route plus the whoami probe):
//
//	POST /models/{model}/v1/chat/completions
//	GET  /api/whoami-v2
func newHuggingFaceHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/models/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/chat/completions") {
			writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldRateLimit(cfg) {
			writeError(w, http.StatusTooManyRequests, "Rate limit reached. Please retry shortly", "rate_limit")
			return
		}
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := pathModel(r.URL.Path)
		content := fakeSentence(cfg.ResponseWords)
		inTokens := 12
		outTokens := cfg.ResponseWords

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("hf-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	// GET /api/whoami-v2 — token validation probe
	mux.HandleFunc("/api/whoami-v2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"type": "user",
			"name": "mock-user",
			"auth": map[string]any{
				"type": "access_token",
				"accessToken": map[string]string{
					"displayName": "mock token",
					"role":        "read",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// pathModel extracts the model name from a path like
// /models/meta-llama/Meta-Llama-3.1-8B-Instruct/v1/chat/completions
func pathModel(path string) string {
	p := strings.TrimPrefix(path, "/models/")
	p = strings.TrimSuffix(p, "/v1/chat/completions")
	if p == "" {
		return "mistralai/Mistral-7B-Instruct-v0.3"
	}
	return p
}
