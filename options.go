package agentops

import (
	"log/slog"

	"github.com/ashita-ai/agentops/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds overrides applied on top of environment config.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        *int
	dbPath      string
	apiKey      *string
	logger      *slog.Logger
	version     string
	skipEnvFile bool
}

// WithPort overrides the TCP port from config (AGENTOPS_PORT). Port 0 picks
// a free port.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = &port }
}

// WithDBPath overrides the SQLite file path from config (AGENTOPS_DB_PATH).
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithAPIKey overrides the shared API key (AGENTOPS_API_KEY). An empty key
// disables auth.
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = &key }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutEnvFile skips loading .env from the working directory.
func WithoutEnvFile() Option {
	return func(o *resolvedOptions) { o.skipEnvFile = true }
}

func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != nil {
		cfg.Port = *o.port
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.apiKey != nil {
		cfg.APIKey = *o.apiKey
	}
}
