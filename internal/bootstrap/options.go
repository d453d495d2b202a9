package bootstrap

import "github.com/tachyontex/service/internal/config"

// Option configures the bootstrap process.
type Option func(*options)

type options struct {
	skipAudit     bool
	skipRateLimit bool
	skipTelemetry bool
	customConfig  *config.Config
}

// WithoutAudit skips the Postgres audit trail even if AUDIT_ENABLED is set.
func WithoutAudit() Option {
	return func(o *options) { o.skipAudit = true }
}

// WithoutRateLimit skips the Redis rate limiter even if RATE_LIMIT_ENABLED is set.
func WithoutRateLimit() Option {
	return func(o *options) { o.skipRateLimit = true }
}

// WithoutTelemetry skips the pprof telemetry endpoint.
func WithoutTelemetry() Option {
	return func(o *options) { o.skipTelemetry = true }
}

// WithCustomConfig bypasses environment loading with a pre-built config.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

func defaultOptions() *options {
	return &options{}
}
