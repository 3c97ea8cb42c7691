// Package metrics provides the Prometheus metrics registry for the service.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// ultrai_inflight_requests
	inFlight prometheus.Gauge

	// ultrai_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// ultrai_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// ultrai_stage_calls_total{stage,provider,outcome}
	stageCalls *prometheus.CounterVec

	// ultrai_stage_call_duration_seconds{stage,provider}
	stageCallDuration *prometheus.HistogramVec

	// ultrai_pipeline_duration_seconds{outcome}
	pipelineDuration *prometheus.HistogramVec

	// ultrai_pipelines_total{outcome}
	pipelinesTotal *prometheus.CounterVec

	// ultrai_retries_total{provider}
	retriesTotal *prometheus.CounterVec

	// ultrai_circuit_state{provider} — 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// ultrai_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// ultrai_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// ultrai_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// ultrai_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// ultrai_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrai_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ultrai_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"route"},
		),

		stageCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_stage_calls_total",
				Help: "Total model calls per pipeline stage by outcome",
			},
			[]string{"stage", "provider", "outcome"},
		),

		stageCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ultrai_stage_call_duration_seconds",
				Help:    "Duration of one resilient model call within a stage",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
			[]string{"stage", "provider"},
		),

		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ultrai_pipeline_duration_seconds",
				Help:    "Full pipeline duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 70, 90},
			},
			[]string{"outcome"},
		),

		pipelinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_pipelines_total",
				Help: "Total pipelines executed by outcome",
			},
			[]string{"outcome"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_retries_total",
				Help: "Total retry attempts per provider",
			},
			[]string{"provider"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ultrai_circuit_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ultrai_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total result-cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total result-cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_cache_operations_total",
				Help: "Result-cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_ratelimit_total",
				Help: "Inbound rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrai_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ultrai_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.stageCalls,
		r.stageCallDuration,
		r.pipelineDuration,
		r.pipelinesTotal,
		r.retriesTotal,
		r.circuitState,
		r.providerHealth,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.rateLimitTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveStageCall records one resilient model call within a stage.
// Outcome is "ok" or the error kind.
func (r *Registry) ObserveStageCall(stage, provider, outcome string, dur time.Duration) {
	r.stageCalls.WithLabelValues(stage, provider, outcome).Inc()
	r.stageCallDuration.WithLabelValues(stage, provider).Observe(dur.Seconds())
}

// ObservePipeline records one full pipeline run.
func (r *Registry) ObservePipeline(outcome string, dur time.Duration) {
	r.pipelinesTotal.WithLabelValues(outcome).Inc()
	r.pipelineDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (r *Registry) IncRetry(provider string) {
	r.retriesTotal.WithLabelValues(provider).Inc()
}

// SetCircuitState records the breaker state gauge for a provider.
func (r *Registry) SetCircuitState(provider string, state int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(state))
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
