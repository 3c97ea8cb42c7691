package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Gating.MinModels != 2 {
		t.Errorf("MinModels = %d, want 2", cfg.Gating.MinModels)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("Cache.Mode = %q, want memory", cfg.Cache.Mode)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("Cache.TTL = %v, want 10m", cfg.Cache.TTL)
	}
	if cfg.Pipeline.GlobalDeadline != 70*time.Second {
		t.Errorf("GlobalDeadline = %v, want 70s", cfg.Pipeline.GlobalDeadline)
	}
	if cfg.Pipeline.ProviderSlots != 8 {
		t.Errorf("ProviderSlots = %d, want 8", cfg.Pipeline.ProviderSlots)
	}
	if cfg.Resilience.RecoveryWindow != 5*time.Minute {
		t.Errorf("RecoveryWindow = %v, want 5m", cfg.Resilience.RecoveryWindow)
	}
	if cfg.RateLimit.RPMLimit != 0 {
		t.Errorf("RPMLimit = %d, want 0 (disabled)", cfg.RateLimit.RPMLimit)
	}
	if !cfg.Resilience.RateLimitDetection || !cfg.Resilience.RateLimitRetry {
		t.Error("rate-limit detection and retry default on")
	}
	if cfg.Resilience.HealthProbeInterval != 0 {
		t.Errorf("HealthProbeInterval = %v, want 0 (built-in)", cfg.Resilience.HealthProbeInterval)
	}
	if cfg.Pipeline.SlotTimeout != 0 {
		t.Errorf("SlotTimeout = %v, want 0 (stage deadline)", cfg.Pipeline.SlotTimeout)
	}
	if len(cfg.Gating.RequiredProviders) != 0 {
		t.Errorf("RequiredProviders = %v, want none", cfg.Gating.RequiredProviders)
	}
	if len(cfg.LeadPriority) != len(providers.DefaultLeadOrder) {
		t.Errorf("LeadPriority = %v", cfg.LeadPriority)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MINIMUM_MODELS_REQUIRED", "3")
	t.Setenv("ORCHESTRATION_TIMEOUT", "120s")
	t.Setenv("PROVIDER_RECOVERY_WINDOW_MINUTES", "10")
	t.Setenv("CACHE_MODE", "none")
	t.Setenv("RPM_LIMIT", "100")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:19001/v1")
	t.Setenv("RATE_LIMIT_DETECTION_ENABLED", "false")
	t.Setenv("RATE_LIMIT_RETRY_ENABLED", "false")
	t.Setenv("MODEL_HEALTH_CACHE_TTL_MINUTES", "2")
	t.Setenv("CONCURRENT_EXECUTION_TIMEOUT", "15s")
	t.Setenv("REQUIRED_PROVIDERS", "anthropic openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased debug", cfg.LogLevel)
	}
	if cfg.Gating.MinModels != 3 {
		t.Errorf("MinModels = %d", cfg.Gating.MinModels)
	}
	if cfg.Pipeline.GlobalDeadline != 2*time.Minute {
		t.Errorf("GlobalDeadline = %v", cfg.Pipeline.GlobalDeadline)
	}
	if cfg.Resilience.RecoveryWindow != 10*time.Minute {
		t.Errorf("RecoveryWindow = %v", cfg.Resilience.RecoveryWindow)
	}
	if cfg.Cache.Mode != "none" {
		t.Errorf("Cache.Mode = %q", cfg.Cache.Mode)
	}
	if cfg.RateLimit.RPMLimit != 100 {
		t.Errorf("RPMLimit = %d", cfg.RateLimit.RPMLimit)
	}
	if cfg.OpenAI.BaseURL != "http://localhost:19001/v1" {
		t.Errorf("OpenAI.BaseURL = %q", cfg.OpenAI.BaseURL)
	}
	if cfg.Resilience.RateLimitDetection || cfg.Resilience.RateLimitRetry {
		t.Error("rate-limit flags should be off")
	}
	if cfg.Resilience.HealthProbeInterval != 2*time.Minute {
		t.Errorf("HealthProbeInterval = %v, want 2m", cfg.Resilience.HealthProbeInterval)
	}
	if cfg.Pipeline.SlotTimeout != 15*time.Second {
		t.Errorf("SlotTimeout = %v, want 15s", cfg.Pipeline.SlotTimeout)
	}
	if len(cfg.Gating.RequiredProviders) != 2 || cfg.Gating.RequiredProviders[0] != "anthropic" {
		t.Errorf("RequiredProviders = %v", cfg.Gating.RequiredProviders)
	}
}

func TestLoad_SingleModelFallbackLowersFloor(t *testing.T) {
	t.Setenv("ENABLE_SINGLE_MODEL_FALLBACK", "true")
	t.Setenv("MINIMUM_MODELS_REQUIRED", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gating.MinModels != 1 {
		t.Errorf("MinModels = %d, want 1 with the fallback enabled", cfg.Gating.MinModels)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "bad cache mode",
			env:     map[string]string{"CACHE_MODE": "disk"},
			wantSub: "CACHE_MODE",
		},
		{
			name:    "redis mode without url",
			env:     map[string]string{"CACHE_MODE": "redis"},
			wantSub: "REDIS_URL",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "verbose"},
			wantSub: "LOG_LEVEL",
		},
		{
			name:    "unknown lead provider",
			env:     map[string]string{"LEAD_MODEL_PRIORITY": "anthropic mistral"},
			wantSub: "LEAD_MODEL_PRIORITY",
		},
		{
			name:    "zero min models",
			env:     map[string]string{"MINIMUM_MODELS_REQUIRED": "0"},
			wantSub: "MINIMUM_MODELS_REQUIRED",
		},
		{
			name:    "negative retries",
			env:     map[string]string{"MAX_RETRY_ATTEMPTS": "-1"},
			wantSub: "MAX_RETRY_ATTEMPTS",
		},
		{
			name:    "unknown required provider",
			env:     map[string]string{"REQUIRED_PROVIDERS": "anthropic cohere"},
			wantSub: "REQUIRED_PROVIDERS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, val := range tc.env {
				t.Setenv(k, val)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load should have failed")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q should mention %s", err, tc.wantSub)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	cfg := &Config{
		OpenAI:    ProviderConfig{APIKey: "sk-test"},
		Anthropic: ProviderConfig{APIKey: ""},
		Google:    ProviderConfig{APIKey: "g-test"},
	}
	creds := cfg.Credentials()
	if !creds[providers.ProviderOpenAI] || !creds[providers.ProviderGoogle] {
		t.Error("keyed providers should report credentials")
	}
	if creds[providers.ProviderAnthropic] || creds[providers.ProviderHuggingFace] {
		t.Error("keyless providers must not report credentials")
	}
}

func TestAdapterConfigs_NoOverrides(t *testing.T) {
	cfg := &Config{}
	got := cfg.AdapterConfigs()
	want := providers.DefaultAdapterConfigs()
	for name, w := range want {
		g := got[name]
		if g.MaxAttempts != w.MaxAttempts || g.RequestTimeout != w.RequestTimeout {
			t.Errorf("%s: got %+v, want contractual defaults %+v", name, g, w)
		}
	}
}

func TestAdapterConfigs_GlobalOverrides(t *testing.T) {
	cfg := &Config{Resilience: ResilienceConfig{
		MaxRetryAttempts: 5,
		RequestTimeout:   10 * time.Second,
	}}
	for name, ac := range cfg.AdapterConfigs() {
		if ac.MaxAttempts != 5 {
			t.Errorf("%s: MaxAttempts = %d, want 5", name, ac.MaxAttempts)
		}
		if ac.RequestTimeout != 10*time.Second {
			t.Errorf("%s: RequestTimeout = %v, want 10s", name, ac.RequestTimeout)
		}
	}
}

func TestAdapterConfigs_PartialOverrideKeepsRest(t *testing.T) {
	cfg := &Config{Resilience: ResilienceConfig{MaxRetryAttempts: 2}}
	defaults := providers.DefaultAdapterConfigs()
	for name, ac := range cfg.AdapterConfigs() {
		if ac.MaxAttempts != 2 {
			t.Errorf("%s: MaxAttempts = %d, want 2", name, ac.MaxAttempts)
		}
		if ac.RequestTimeout != defaults[name].RequestTimeout {
			t.Errorf("%s: RequestTimeout changed to %v", name, ac.RequestTimeout)
		}
	}
}
