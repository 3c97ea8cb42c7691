// Package config loads and validates all runtime configuration for the
// service.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
//
// No provider key is strictly required to start — providers without keys
// are simply unavailable — but the viability gate will refuse every request
// until at least MINIMUM_MODELS_REQUIRED distinct providers have keys.
// Redis is optional: set CACHE_MODE=memory for the in-process cache.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/ultrai/ultrai/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Provider API keys. A provider with an empty key is permanently
	// unavailable for the process lifetime.
	OpenAI      ProviderConfig
	Anthropic   ProviderConfig
	Google      ProviderConfig
	HuggingFace ProviderConfig

	// Gating controls the pipeline viability gate.
	Gating GatingConfig

	// Pipeline holds stage and global deadlines.
	Pipeline PipelineConfig

	// Resilience tunes retry and recovery behaviour on top of the
	// per-provider contractual defaults.
	Resilience ResilienceConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls result caching.
	Cache CacheConfig

	// RateLimit controls inbound request-rate limiting.
	RateLimit RateLimitConfig

	// LeadPriority orders providers for synthesis lead selection.
	// Default: anthropic, google, openai, huggingface.
	LeadPriority []string

	// CORSOrigins is the list of allowed CORS origins. Use ["*"] to allow
	// any origin (default).
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Useful for
	// local mocks and development.
	BaseURL string
}

// GatingConfig controls the viability gate.
type GatingConfig struct {
	// MinModels is the minimum number of distinct healthy providers needed
	// to start a pipeline. Default: 2. Production policy: 3.
	MinModels int

	// SingleModelFallback, when true, lets a pipeline run with a single
	// healthy provider. Default: false.
	SingleModelFallback bool

	// RequiredProviders lists providers that must be healthy for any
	// pipeline to start, regardless of how many others are. Empty (the
	// default) requires no specific provider.
	RequiredProviders []string
}

// PipelineConfig holds deadlines for the pipeline and its stages.
type PipelineConfig struct {
	// GlobalDeadline bounds the whole pipeline. Default: 70s.
	GlobalDeadline time.Duration

	// InitialTimeout bounds the initial fan-out. Default: 30s.
	InitialTimeout time.Duration

	// PeerReviewTimeout bounds the peer-review fan-out. Default: 30s.
	PeerReviewTimeout time.Duration

	// SynthesisTimeout bounds the lead synthesis call. Default: 45s.
	SynthesisTimeout time.Duration

	// ProviderSlots caps concurrent in-flight calls per provider.
	// Default: 8.
	ProviderSlots int

	// SlotTimeout bounds how long a call may wait for a provider slot.
	// 0 (the default) waits until the stage deadline.
	SlotTimeout time.Duration
}

// ResilienceConfig tunes retry and health recovery.
type ResilienceConfig struct {
	// MaxRetryAttempts, when > 0, overrides every provider's MaxAttempts.
	MaxRetryAttempts int

	// RequestTimeout, when > 0, overrides every provider's per-attempt
	// timeout.
	RequestTimeout time.Duration

	// RecoveryWindow is how long a rate-limited provider sits out.
	// Default: 5m.
	RecoveryWindow time.Duration

	// RateLimitDetection controls whether rate-limited responses get their
	// special handling (health sit-out window, breaker exemption, max
	// backoff). When false they are treated as ordinary transient failures.
	// Default: true.
	RateLimitDetection bool

	// RateLimitRetry controls whether a rate-limited call is retried
	// in-process. When false the call returns its 429 immediately.
	// Default: true.
	RateLimitRetry bool

	// HealthProbeInterval is how often background health probes refresh
	// provider status. 0 (the default) uses the built-in 30s interval.
	HealthProbeInterval time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache. Not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached pipeline artifacts. Default: 10m.
	TTL time.Duration

	// ExcludeExact lists exact model names whose pipelines are never cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model
	// names; a match bypasses the cache.
	ExcludePatterns []string
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum analyze requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "10m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Gating defaults.
	v.SetDefault("MINIMUM_MODELS_REQUIRED", 2)
	v.SetDefault("ENABLE_SINGLE_MODEL_FALLBACK", false)

	// Pipeline deadlines.
	v.SetDefault("ORCHESTRATION_TIMEOUT", "70s")
	v.SetDefault("INITIAL_RESPONSE_TIMEOUT", "30s")
	v.SetDefault("PEER_REVIEW_TIMEOUT", "30s")
	v.SetDefault("ULTRA_SYNTHESIS_TIMEOUT", "45s")
	v.SetDefault("CONCURRENT_EXECUTION_LIMIT", 8)
	v.SetDefault("CONCURRENT_EXECUTION_TIMEOUT", "0s") // 0 = stage deadline

	// Resilience.
	v.SetDefault("MAX_RETRY_ATTEMPTS", 0) // 0 = per-provider defaults
	v.SetDefault("LLM_REQUEST_TIMEOUT", "0s")
	v.SetDefault("PROVIDER_RECOVERY_WINDOW_MINUTES", 5)
	v.SetDefault("RATE_LIMIT_DETECTION_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RETRY_ENABLED", true)
	v.SetDefault("MODEL_HEALTH_CACHE_TTL_MINUTES", 0) // 0 = built-in 30s probes

	// Lead priority.
	v.SetDefault("LEAD_MODEL_PRIORITY", providers.DefaultLeadOrder)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:      ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic:   ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:      ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},
		HuggingFace: ProviderConfig{APIKey: v.GetString("HUGGINGFACE_API_KEY"), BaseURL: v.GetString("HUGGINGFACE_BASE_URL")},

		Gating: GatingConfig{
			MinModels:           v.GetInt("MINIMUM_MODELS_REQUIRED"),
			SingleModelFallback: v.GetBool("ENABLE_SINGLE_MODEL_FALLBACK"),
			RequiredProviders:   v.GetStringSlice("REQUIRED_PROVIDERS"),
		},

		Pipeline: PipelineConfig{
			GlobalDeadline:    v.GetDuration("ORCHESTRATION_TIMEOUT"),
			InitialTimeout:    v.GetDuration("INITIAL_RESPONSE_TIMEOUT"),
			PeerReviewTimeout: v.GetDuration("PEER_REVIEW_TIMEOUT"),
			SynthesisTimeout:  v.GetDuration("ULTRA_SYNTHESIS_TIMEOUT"),
			ProviderSlots:     v.GetInt("CONCURRENT_EXECUTION_LIMIT"),
			SlotTimeout:       v.GetDuration("CONCURRENT_EXECUTION_TIMEOUT"),
		},

		Resilience: ResilienceConfig{
			MaxRetryAttempts:    v.GetInt("MAX_RETRY_ATTEMPTS"),
			RequestTimeout:      v.GetDuration("LLM_REQUEST_TIMEOUT"),
			RecoveryWindow:      time.Duration(v.GetInt("PROVIDER_RECOVERY_WINDOW_MINUTES")) * time.Minute,
			RateLimitDetection:  v.GetBool("RATE_LIMIT_DETECTION_ENABLED"),
			RateLimitRetry:      v.GetBool("RATE_LIMIT_RETRY_ENABLED"),
			HealthProbeInterval: time.Duration(v.GetInt("MODEL_HEALTH_CACHE_TTL_MINUTES")) * time.Minute,
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		LeadPriority: v.GetStringSlice("LEAD_MODEL_PRIORITY"),
		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.Gating.MinModels < 1 {
		return fmt.Errorf("config: MINIMUM_MODELS_REQUIRED must be >= 1, got %d", c.Gating.MinModels)
	}
	if c.Gating.SingleModelFallback && c.Gating.MinModels > 1 {
		// The fallback flag lowers the effective floor to one provider.
		c.Gating.MinModels = 1
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	for _, p := range c.LeadPriority {
		if !knownProvider(p) {
			return fmt.Errorf("config: LEAD_MODEL_PRIORITY contains unknown provider %q", p)
		}
	}
	for _, p := range c.Gating.RequiredProviders {
		if !knownProvider(p) {
			return fmt.Errorf("config: REQUIRED_PROVIDERS contains unknown provider %q", p)
		}
	}

	if c.Pipeline.GlobalDeadline <= 0 {
		return fmt.Errorf("config: ORCHESTRATION_TIMEOUT must be a positive duration")
	}
	if c.Resilience.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must be >= 0, got %d", c.Resilience.MaxRetryAttempts)
	}

	return nil
}

// Credentials maps provider name to whether a key is configured.
func (c *Config) Credentials() map[string]bool {
	return map[string]bool{
		providers.ProviderOpenAI:      c.OpenAI.APIKey != "",
		providers.ProviderAnthropic:   c.Anthropic.APIKey != "",
		providers.ProviderGoogle:      c.Google.APIKey != "",
		providers.ProviderHuggingFace: c.HuggingFace.APIKey != "",
	}
}

// AdapterConfigs returns the contractual per-provider defaults with the
// global resilience overrides applied.
func (c *Config) AdapterConfigs() map[string]providers.AdapterConfig {
	configs := providers.DefaultAdapterConfigs()
	if c.Resilience.MaxRetryAttempts > 0 || c.Resilience.RequestTimeout > 0 {
		for name, cfg := range configs {
			if c.Resilience.MaxRetryAttempts > 0 {
				cfg.MaxAttempts = c.Resilience.MaxRetryAttempts
			}
			if c.Resilience.RequestTimeout > 0 {
				cfg.RequestTimeout = c.Resilience.RequestTimeout
			}
			configs[name] = cfg
		}
	}
	return configs
}

func knownProvider(name string) bool {
	for _, p := range providers.AllProviders {
		if p == name {
			return true
		}
	}
	return false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
