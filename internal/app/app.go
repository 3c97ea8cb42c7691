// Package app wires configuration, adapters, resilience, health, caching,
// the orchestrator, and the HTTP server into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ultrai/ultrai/internal/cache"
	"github.com/ultrai/ultrai/internal/config"
	"github.com/ultrai/ultrai/internal/health"
	"github.com/ultrai/ultrai/internal/logger"
	"github.com/ultrai/ultrai/internal/metrics"
	"github.com/ultrai/ultrai/internal/orchestrator"
	"github.com/ultrai/ultrai/internal/providers"
	"github.com/ultrai/ultrai/internal/providers/anthropic"
	"github.com/ultrai/ultrai/internal/providers/gemini"
	"github.com/ultrai/ultrai/internal/providers/huggingface"
	"github.com/ultrai/ultrai/internal/providers/openai"
	"github.com/ultrai/ultrai/internal/ratelimit"
	"github.com/ultrai/ultrai/internal/resilience"
	"github.com/ultrai/ultrai/internal/server"
)

// gaugeInterval is how often provider health and breaker state gauges are
// refreshed.
const gaugeInterval = 15 * time.Second

// App owns every long-lived component. Build it with New, run it with Run,
// and tear it down with Close.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Registry

	redisCli    *redis.Client
	resultCache cache.Cache
	memCache    *cache.MemoryCache
	redisCache  *cache.RedisCache

	healthMgr *health.Manager
	wrapper   *resilience.Wrapper
	prober    *health.Prober
	stageLog  *logger.Logger
	orch      *orchestrator.Orchestrator
	srv       *server.Server

	gaugeDone chan struct{}
}

// New builds the full component graph. Startup never fails because one
// provider is misconfigured — providers without keys simply stay unavailable.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, gaugeDone: make(chan struct{})}

	a.metrics = metrics.New()
	a.metrics.SetBuildInfo(version)

	// Redis backs the shared result cache and the inbound rate limiter.
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("app: parse REDIS_URL: %w", err)
		}
		a.redisCli = redis.NewClient(opts)
	}

	if err := a.initCache(ctx); err != nil {
		a.Close()
		return nil, err
	}

	exclusions, err := cache.NewExclusionList(cfg.Cache.ExcludeExact, cfg.Cache.ExcludePatterns)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: cache exclusions: %w", err)
	}

	adapters := buildAdapters(ctx, cfg)

	a.healthMgr = health.NewManager(health.Options{
		MinModels:         cfg.Gating.MinModels,
		RecoveryWindow:    cfg.Resilience.RecoveryWindow,
		Credentials:       cfg.Credentials(),
		RequiredProviders: cfg.Gating.RequiredProviders,
	})

	a.wrapper = resilience.NewWrapper(adapters, resilience.Options{
		Configs:                   cfg.AdapterConfigs(),
		Health:                    a.healthMgr,
		OnRetry:                   a.metrics.IncRetry,
		DisableRateLimitDetection: !cfg.Resilience.RateLimitDetection,
		DisableRateLimitRetry:     !cfg.Resilience.RateLimitRetry,
	})

	executor := orchestrator.NewExecutor(a.wrapper, orchestrator.ExecutorOptions{
		ProviderSlots: int64(cfg.Pipeline.ProviderSlots),
		SlotTimeout:   cfg.Pipeline.SlotTimeout,
		Metrics:       a.metrics,
	})

	a.stageLog, err = logger.New(ctx, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: stage logger: %w", err)
	}

	a.orch = orchestrator.New(orchestrator.PipelineOptions{
		Health:       a.healthMgr,
		Executor:     executor,
		Cache:        a.resultCache,
		Exclusions:   exclusions,
		CacheTTL:     cfg.Cache.TTL,
		LeadPriority: cfg.LeadPriority,
		Timeouts: orchestrator.Timeouts{
			Global:     cfg.Pipeline.GlobalDeadline,
			Initial:    cfg.Pipeline.InitialTimeout,
			PeerReview: cfg.Pipeline.PeerReviewTimeout,
			Synthesis:  cfg.Pipeline.SynthesisTimeout,
		},
		Log:      log,
		StageLog: a.stageLog,
		Metrics:  a.metrics,
	})

	a.prober = health.NewProber(ctx, adapters, a.healthMgr, health.ProberOptions{
		Log:      log,
		Interval: cfg.Resilience.HealthProbeInterval,
	})

	var limiter server.Limiter
	if cfg.RateLimit.RPMLimit > 0 && a.redisCli != nil {
		limiter = ratelimit.NewRPMLimiter(a.redisCli, cfg.RateLimit.RPMLimit)
	}

	var cacheReady func(context.Context) bool
	if a.redisCache != nil {
		cacheReady = a.redisCache.Ready
	}

	a.srv = server.New(server.Options{
		Orchestrator: a.orch,
		Health:       a.healthMgr,
		Limiter:      limiter,
		Metrics:      a.metrics,
		CacheReady:   cacheReady,
		CORSOrigins:  cfg.CORSOrigins,
		Log:          log,
		Version:      version,
		// The write timeout must outlive the pipeline deadline plus slack.
		WriteTimeout: cfg.Pipeline.GlobalDeadline + 20*time.Second,
	})

	go a.refreshGauges()

	return a, nil
}

func (a *App) initCache(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		rc, err := cache.NewRedisCacheFromURL(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("app: redis cache: %w", err)
		}
		a.redisCache = rc
		a.resultCache = rc
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx)
		a.resultCache = a.memCache
	case "none":
		// Cache disabled; every request runs the pipeline.
	}
	return nil
}

// buildAdapters constructs one adapter per provider, applying base-URL
// overrides for local mocks.
func buildAdapters(ctx context.Context, cfg *config.Config) map[string]providers.Adapter {
	var openaiOpts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	var anthropicOpts []anthropic.Option
	if cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	var geminiOpts []gemini.Option
	if cfg.Google.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Google.BaseURL))
	}
	var hfOpts []huggingface.Option
	if cfg.HuggingFace.BaseURL != "" {
		hfOpts = append(hfOpts, huggingface.WithBaseURL(cfg.HuggingFace.BaseURL))
	}

	return map[string]providers.Adapter{
		providers.ProviderOpenAI:      openai.New(cfg.OpenAI.APIKey, openaiOpts...),
		providers.ProviderAnthropic:   anthropic.New(cfg.Anthropic.APIKey, anthropicOpts...),
		providers.ProviderGoogle:      gemini.New(ctx, cfg.Google.APIKey, geminiOpts...),
		providers.ProviderHuggingFace: huggingface.New(cfg.HuggingFace.APIKey, hfOpts...),
	}
}

// Run serves HTTP until ctx is cancelled, then drains gracefully.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")
		return a.srv.Shutdown()
	})
	return g.Wait()
}

// refreshGauges periodically exports provider health and breaker state.
func (a *App) refreshGauges() {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, name := range providers.AllProviders {
				a.metrics.SetProviderHealth(name, a.healthMgr.Healthy(name))
				a.metrics.SetCircuitState(name, a.wrapper.Breaker().StateCode(name))
			}
		case <-a.gaugeDone:
			return
		}
	}
}

// Close tears components down in reverse dependency order. Idempotent for
// partially built apps.
func (a *App) Close() {
	select {
	case <-a.gaugeDone:
	default:
		close(a.gaugeDone)
	}
	if a.prober != nil {
		a.prober.Close()
	}
	if a.stageLog != nil {
		_ = a.stageLog.Close()
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.redisCache != nil {
		// The cache owns the client it created from the URL.
		_ = a.redisCache.Close()
	}
	if a.redisCli != nil {
		_ = a.redisCli.Close()
	}
}
