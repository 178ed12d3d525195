// Package naze is the public API for embedding the Naze trace server.
//
// Consumers who want the server inside a larger process import this
// package instead of forking the repo:
//
//	app, err := naze.New(
//	    naze.WithVersion(version),
//	    naze.WithLogger(logger),
//	    naze.WithStorage("sqlite"),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: naze (root) imports
// internal/*, but internal/* never imports naze (root).
package naze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/naze/internal/config"
	"github.com/ashita-ai/naze/internal/ratelimit"
	"github.com/ashita-ai/naze/internal/server"
	"github.com/ashita-ai/naze/internal/service/ingest"
	"github.com/ashita-ai/naze/internal/service/query"
	"github.com/ashita-ai/naze/internal/storage"
	"github.com/ashita-ai/naze/internal/storage/memory"
	"github.com/ashita-ai/naze/internal/storage/postgres"
	"github.com/ashita-ai/naze/internal/storage/sqlite"
	"github.com/ashita-ai/naze/internal/telemetry"
	"github.com/ashita-ai/naze/migrations"
)

// App is the Naze server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Naze server. It opens the storage backend, runs
// migrations where the backend has them, wires all subsystems, and
// returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageKind != "" {
		cfg.Storage = o.storageKind
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.strictReconcile != nil {
		cfg.StrictReconcile = *o.strictReconcile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("naze starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_sec", cfg.RateLimitPerSec, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.Config{
		Store:               store,
		IngestSvc:           ingest.New(store, logger, cfg.StrictReconcile),
		QueryEng:            query.New(store, logger),
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StorageKind:         cfg.Storage,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         o.routeRegistrars,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting the API inside an
// existing server instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or a
// fatal server error occurs. On return, Shutdown is called automatically;
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the storage
// backend, rate limiter, and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("naze shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(context.Background()); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}

	a.logger.Info("naze stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageSQLite:
		return sqlite.New(ctx, cfg.SQLitePath, logger)
	case config.StoragePostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(ctx, migrations.FS); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}
