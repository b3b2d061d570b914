// Package observability wires together this library's logging and tracing
// concerns behind a single config, the way the rest of the client's
// sub-packages (checkcache, quota, report) each take a small Config struct.
package observability

import (
	"context"
	"log/slog"
)

// Config is the top-level observability configuration for a Client.
type Config struct {
	Logger  LoggerConfig
	Tracing TracingConfig
}

// DefaultConfig returns a text logger at INFO level and disabled tracing.
func DefaultConfig() Config {
	return Config{
		Logger:  LoggerConfig{Level: slog.LevelInfo},
		Tracing: DefaultTracingConfig(),
	}
}

// FromEnv overlays environment-variable overrides onto DefaultConfig, in the
// same spirit as the teacher's per-integration env toggles: MIXERCLIENT_DEBUG
// raises the log level, MIXERCLIENT_JSON_LOGS switches the log encoding.
func FromEnv() Config {
	cfg := DefaultConfig()
	if envBool("MIXERCLIENT_DEBUG", false) {
		cfg.Logger.Level = slog.LevelDebug
	}
	cfg.Logger.JSONFormat = envBool("MIXERCLIENT_JSON_LOGS", false)
	cfg.Tracing.Enabled = envBool("MIXERCLIENT_TRACING_ENABLED", false)
	return cfg
}

// Provider bundles the constructed Logger and TracerProvider a Client needs.
type Provider struct {
	Logger  *Logger
	Tracing *TracerProvider
}

// NewProvider constructs a Logger and TracerProvider from cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	logger := NewLogger(cfg.Logger, NewRedactor())

	tp, err := InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	return &Provider{Logger: logger, Tracing: tp}, nil
}

// Shutdown releases resources held by the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.Tracing != nil {
		return p.Tracing.Shutdown(ctx)
	}
	return nil
}
