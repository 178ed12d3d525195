package naze

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	storageKind     string
	databaseURL     string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	strictReconcile *bool
	routeRegistrars []func(*http.ServeMux)
	middlewares     []Middleware
}

// Middleware wraps the HTTP handler chain. Registered middlewares run
// after the built-in request ID, logging, and recovery layers.
type Middleware func(http.Handler) http.Handler

// WithPort overrides the TCP port from config (NAZE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStorage overrides the storage backend ("memory", "sqlite", or
// "postgres") from config (NAZE_STORAGE env var).
func WithStorage(kind string) Option {
	return func(o *resolvedOptions) { o.storageKind = kind }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database path from config
// (NAZE_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStrictReconcile overrides count reconciliation from config
// (NAZE_STRICT_RECONCILE env var). When strict, runs whose step counts
// do not add up are rejected instead of accepted with a warning.
func WithStrictReconcile(strict bool) Option {
	return func(o *resolvedOptions) { o.strictReconcile = &strict }
}

// WithExtraRoutes registers additional HTTP routes on the server mux.
// May be passed multiple times.
func WithExtraRoutes(register func(*http.ServeMux)) Option {
	return func(o *resolvedOptions) {
		o.routeRegistrars = append(o.routeRegistrars, register)
	}
}

// WithMiddleware adds a middleware to the handler chain. May be passed
// multiple times; middlewares run in registration order.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) {
		o.middlewares = append(o.middlewares, mw)
	}
}
