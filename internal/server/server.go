package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/naze/internal/ratelimit"
	"github.com/ashita-ai/naze/internal/service/ingest"
	"github.com/ashita-ai/naze/internal/service/query"
	"github.com/ashita-ai/naze/internal/storage"
)

// Server is the Naze HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Limiter is optional; nil disables rate limiting.
type Config struct {
	Store     storage.Store
	IngestSvc *ingest.Service
	QueryEng  *query.Engine
	Logger    *slog.Logger
	Limiter   ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StorageKind         string
	MaxRequestBodyBytes int64

	// ExtraRoutes lets embedding consumers register additional routes on
	// the mux before the middleware chain is applied.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares are applied inside the built-in chain, closest to the
	// routed handlers.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		IngestSvc:           cfg.IngestSvc,
		QueryEng:            cfg.QueryEng,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StorageKind:         cfg.StorageKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Ingestion (rate limited by client IP).
	mux.Handle("POST /v1/runs", rl(http.HandlerFunc(h.HandleIngestRun)))

	// Query endpoints (rate limited by client IP).
	mux.Handle("GET /v1/runs", rl(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", rl(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/steps", rl(http.HandlerFunc(h.HandleSearchSteps)))

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
