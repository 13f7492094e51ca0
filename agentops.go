// Package agentops is the public entry point for running the agentops server.
//
// It wires the SQLite store, the ingest pipeline, the live event broker, the
// HTTP/SSE API and the MCP endpoint from environment configuration:
//
//	app, err := agentops.New(ctx,
//	    agentops.WithVersion(version),
//	    agentops.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
package agentops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/agentops/internal/config"
	"github.com/ashita-ai/agentops/internal/mcp"
	"github.com/ashita-ai/agentops/internal/ratelimit"
	"github.com/ashita-ai/agentops/internal/server"
	"github.com/ashita-ai/agentops/internal/service/analysis"
	"github.com/ashita-ai/agentops/internal/service/ingest"
	"github.com/ashita-ai/agentops/internal/service/spans"
	"github.com/ashita-ai/agentops/internal/service/usage"
	"github.com/ashita-ai/agentops/internal/storage"
	"github.com/ashita-ai/agentops/internal/telemetry"
	"github.com/ashita-ai/agentops/migrations"
)

// App is the agentops server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	broker       *server.Broker
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration, opens and migrates the database and wires every
// subsystem. It does not accept connections until Run is called.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is normal outside development.
	if !o.skipEnvFile {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)

	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentops starting", "version", version, "port", cfg.Port, "db_path", cfg.DBPath)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DBPath, logger, storage.WithRetentionMax(cfg.EventRetentionMax))
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	broker := server.NewBroker(logger)
	acct := usage.New(db, logger)
	pipeline := ingest.New(db, spans.NewTracker(db, logger), acct, broker, logger)
	analyzer := analysis.New(db, acct, nil)
	mcpSrv := mcp.New(db, acct, analyzer, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Pipeline:            pipeline,
		Usage:               acct,
		Analysis:            analyzer,
		Broker:              broker,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		APIKey:              cfg.APIKey,
		CORSOrigins:         cfg.CORSOrigins,
		Heartbeat:           cfg.SSEHeartbeat,
	})

	if cfg.APIKey == "" {
		logger.Warn("AGENTOPS_API_KEY is not set; the API accepts unauthenticated requests")
	}

	return &App{
		cfg:          cfg,
		db:           db,
		broker:       broker,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding agentops behind
// another server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down. Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains HTTP (ending open streams), then releases the broker,
// the rate limiter, the exporters and the database. Later calls return the
// first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("agentops shutting down")

	httpCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	a.broker.Close()
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close error", "error", err)
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	a.logger.Info("agentops stopped")
	return errors.Join(errs...)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
