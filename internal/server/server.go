// Package server exposes the synthesis pipeline over HTTP: the analyze
// endpoints (JSON and SSE), provider status, model discovery, health,
// readiness, and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/ultrai/ultrai/internal/health"
	"github.com/ultrai/ultrai/internal/metrics"
	"github.com/ultrai/ultrai/internal/orchestrator"
)

// Pipeline is the orchestrator surface the server depends on. Satisfied by
// *orchestrator.Orchestrator; tests substitute fakes.
type Pipeline interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Artifact, error)
	ExecuteStream(ctx context.Context, req orchestrator.Request, sink orchestrator.EventSink) (*orchestrator.Artifact, error)
}

// Limiter gates inbound pipeline submissions. Satisfied by
// *ratelimit.RPMLimiter.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Options configures a Server. Orchestrator and Health are required;
// everything else is optional and nil-safe.
type Options struct {
	Orchestrator Pipeline
	Health       *health.Manager

	// Limiter, when set, is consulted before every analyze request.
	Limiter Limiter

	// Metrics enables HTTP instrumentation and the /metrics endpoint.
	Metrics *metrics.Registry

	// CacheReady reports result-cache backend connectivity for /readiness.
	// Nil means "no backend to check" and readiness follows the viability
	// gate alone.
	CacheReady func(context.Context) bool

	CORSOrigins []string
	Log         *slog.Logger
	Version     string

	ReadTimeout  time.Duration // default 60s
	WriteTimeout time.Duration // default 90s, must exceed the pipeline deadline
}

// Server is the HTTP front end.
type Server struct {
	orch       Pipeline
	health     *health.Manager
	limiter    Limiter
	metrics    *metrics.Registry
	cacheReady func(context.Context) bool
	log        *slog.Logger
	version    string

	started time.Time
	handler fasthttp.RequestHandler
	srv     *fasthttp.Server
}

// New builds the Server and its route table.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 90 * time.Second
	}

	s := &Server{
		orch:       opts.Orchestrator,
		health:     opts.Health,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		cacheReady: opts.CacheReady,
		log:        log,
		version:    opts.Version,
		started:    time.Now(),
	}

	r := router.New()
	r.POST("/api/orchestrator/analyze", s.instrument("analyze", s.handleAnalyze))
	r.POST("/api/orchestrator/analyze/stream", s.instrument("analyze_stream", s.handleAnalyzeStream))
	r.GET("/api/orchestrator/status", s.instrument("status", s.handleStatus))
	r.GET("/api/available-models", s.instrument("available_models", s.handleAvailableModels))
	r.GET("/health", s.instrument("health", s.handleHealth))
	r.GET("/readiness", s.instrument("readiness", s.handleReadiness))
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusNotFound, map[string]any{
			"success": false,
			"error":   map[string]string{"kind": "not_found", "message": "no such route"},
		})
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusMethodNotAllowed, map[string]any{
			"success": false,
			"error":   map[string]string{"kind": "method_not_allowed", "message": "method not allowed for this route"},
		})
	}

	s.handler = applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      s.handler,
		Name:         "ultrai",
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the fully wrapped request handler. Used by tests to serve
// over in-memory listeners.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handler }

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("http server listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Serve blocks serving on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// instrument wraps a handler with in-flight and per-route HTTP metrics.
func (s *Server) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		s.metrics.IncInFlight()
		start := time.Now()
		h(ctx)
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}
