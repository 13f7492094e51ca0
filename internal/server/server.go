package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/agentops/internal/ratelimit"
	"github.com/ashita-ai/agentops/internal/service/analysis"
	"github.com/ashita-ai/agentops/internal/service/ingest"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
)

// Server is the agentops HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	Pipeline *ingest.Pipeline
	Usage    *usage.Accounting
	Analysis *analysis.Service
	Broker   *Broker
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	APIKey              string
	CORSOrigins         []string
	Heartbeat           time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Pipeline:            cfg.Pipeline,
		Usage:               cfg.Usage,
		Analysis:            cfg.Analysis,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Heartbeat:           cfg.Heartbeat,
	})

	// Writes are rate limited per client address. Reads and streams are not.
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Runs.
	mux.Handle("POST /api/runs", ingestRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.HandleFunc("GET /api/runs", h.HandleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.HandleGetRun)
	mux.Handle("PATCH /api/runs/{id}", ingestRL(http.HandlerFunc(h.HandleUpdateRun)))

	// Event ingestion and the derived projections.
	mux.Handle("POST /api/runs/{id}/events", ingestRL(http.HandlerFunc(h.HandleAppendEvent)))
	mux.HandleFunc("GET /api/runs/{id}/events", h.HandleListEvents)
	mux.HandleFunc("GET /api/runs/{id}/spans", h.HandleListSpans)
	mux.HandleFunc("GET /api/runs/{id}/usage", h.HandleGetUsage)
	mux.Handle("POST /api/runs/{id}/usage", ingestRL(http.HandlerFunc(h.HandlePostUsage)))
	mux.HandleFunc("GET /api/runs/{id}/trace-summary", h.HandleTraceSummary)

	// Live stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /api/runs/{id}/stream", h.HandleStream)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and metrics (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Everything else is a JSON 404. Registered last; the mux prefers the
	// more specific patterns above.
	mux.HandleFunc("/", h.HandleNotFound)

	// Middleware chain (outermost executes first):
	// cors → request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)

	// Shutdown does not cancel in-flight requests, so streams hang off a base
	// context that is cancelled when shutdown begins.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Open streams end when
// their request contexts are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
