package hanrei

import (
	"log/slog"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
)

// Option configures an App during New().
type Option func(*resolvedOptions)

type resolvedOptions struct {
	version     string
	logger      *slog.Logger
	cfg         *config.Config
	provider    embedding.Provider
	runner      agent.Runner
	runnerLabel string
}

// WithVersion sets the version string reported by /health and recorded in
// telemetry. Defaults to "dev".
func WithVersion(v string) Option {
	return func(o *resolvedOptions) { o.version = v }
}

// WithLogger sets the structured logger. Defaults to a JSON logger on
// stdout.
func WithLogger(l *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = l }
}

// WithConfig supplies a fully resolved configuration, bypassing the
// environment. Validate it first; New does not re-validate.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithEmbeddingProvider overrides provider auto-detection.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.provider = p }
}

// WithCourtRunner overrides runner selection. label is recorded on each
// court run as the model identifier.
func WithCourtRunner(r agent.Runner, label string) Option {
	return func(o *resolvedOptions) {
		o.runner = r
		o.runnerLabel = label
	}
}
