// Package bootstrap assembles every process-wide component into a
// Components struct and tears them down in reverse dependency order.
// Adapted from the teacher's common/bootstrap.Setup: same staged
// initialization, cleanup-stack, and Option pattern, narrowed to this
// service's own dependency graph (bundle, caches, blob store,
// orchestrator, webhook dispatcher, audit trail, rate limiter,
// telemetry) in place of the teacher's queue/DB/cache trio.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tachyontex/service/internal/audit"
	"github.com/tachyontex/service/internal/blobstore"
	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/config"
	"github.com/tachyontex/service/internal/engine"
	"github.com/tachyontex/service/internal/formatcache"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/orchestrator"
	"github.com/tachyontex/service/internal/pdfcache"
	"github.com/tachyontex/service/internal/ratelimit"
	"github.com/tachyontex/service/internal/telemetry"
	"github.com/tachyontex/service/internal/webhook"
)

// Components holds every initialized process-wide dependency.
type Components struct {
	Config       *config.Config
	Logger       *logger.Logger
	Bundle       *bundle.Bundle
	BlobStore    *blobstore.Store
	PDFCache     *pdfcache.Cache
	FormatCache  *formatcache.Cache
	Engine       engine.Engine
	Webhook      *webhook.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.Trail
	RateLimit    *ratelimit.Limiter
	Redis        *redis.Client
	Telemetry    *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Setup initializes all components needed to serve compile requests.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{cleanupFuncs: make([]func() error, 0)}

	var err error
	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		c.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	c.Logger.Info("initializing service", "service", serviceName)

	c.Logger.Info("loading package bundle", "dir", c.Config.Bundle.Dir)
	c.Bundle, err = bundle.LoadFromDir(c.Config.Bundle.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load package bundle: %w", err)
	}
	c.Logger.Info("package bundle loaded", "packages", c.Bundle.Len(), "checksum", c.Bundle.Checksum())

	c.BlobStore = blobstore.NewStore(int64(c.Config.BlobStore.CapMB) << 20)

	c.PDFCache = pdfcache.New(c.Config.PDFCache.Enabled, int64(c.Config.PDFCache.CapMB)<<20, c.Config.PDFCache.TTL, c.Logger)
	c.addCleanup(func() error { c.PDFCache.Close(); return nil })

	c.FormatCache = formatcache.New(true, int64(c.Config.FormatCache.CapMB)<<20, c.Config.FormatCache.TTL, c.Logger)
	c.addCleanup(func() error { c.FormatCache.Close(); return nil })

	c.Engine = engine.NewStub()

	c.Webhook, err = webhook.New(4, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webhook dispatcher: %w", err)
	}
	c.addCleanup(func() error { c.Webhook.Close(); return nil })

	if c.Config.Audit.Enabled && !options.skipAudit {
		c.Logger.Info("connecting to audit database")
		c.Audit, err = audit.Open(ctx, c.Config.DatabaseURL(), c.Logger)
		if err != nil {
			c.Logger.Warn("audit trail unavailable, continuing without it", "error", err)
			c.Audit = nil
		} else {
			c.addCleanup(func() error { c.Audit.Close(); return nil })
		}
	}

	if c.Config.RateLimit.Enabled && !options.skipRateLimit {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
		})
		c.addCleanup(func() error { return c.Redis.Close() })
		c.RateLimit = ratelimit.New(c.Redis, c.Logger)
	}

	c.Orchestrator = orchestrator.New(
		c.Bundle, c.PDFCache, c.FormatCache, c.BlobStore, c.Engine,
		orchestrator.Config{
			CompileTimeout: c.Config.Orchestrator.CompileTimeout,
			BlockingPoolSize: c.Config.Orchestrator.BlockingPool,
			OverloadFactor:   c.Config.Orchestrator.OverloadFactor,
		},
		c.Webhook,
		c.Audit,
		c.Logger,
	)

	if !options.skipTelemetry {
		c.Telemetry = telemetry.New(c.Config.Telemetry.EnablePprof, c.Config.Telemetry.PprofPort, c.Logger)
		if err := c.Telemetry.Start(ctx); err != nil {
			c.Logger.Warn("failed to start telemetry", "error", err)
		}
		c.Orchestrator.SetTelemetry(c.Telemetry)
	}

	c.Bundle.Warmup()

	c.Logger.Info("service initialization complete",
		"service", serviceName,
		"audit", c.Audit != nil,
		"ratelimit", c.RateLimit != nil,
	)

	return c, nil
}

// Shutdown runs registered cleanup functions in reverse (LIFO) order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
