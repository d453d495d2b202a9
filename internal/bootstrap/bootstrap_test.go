package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Name: "test", Port: 8080, LogLevel: "error", LogFormat: "text"},
		Bundle:  config.BundleConfig{Dir: t.TempDir()},
		PDFCache: config.PDFCacheConfig{
			Enabled: true, CapMB: 16, TTL: time.Hour,
		},
		FormatCache: config.FormatCacheConfig{CapMB: 16, TTL: time.Hour},
		BlobStore:   config.BlobStoreConfig{CapMB: 16},
		Orchestrator: config.OrchestratorConfig{
			CompileTimeout: time.Second, BlockingPool: 2, OverloadFactor: 2,
		},
		Ingestion: config.IngestionConfig{MaxProjectSizeMB: 32, MaxZipExpansion: 10},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Audit:     config.AuditConfig{Enabled: false},
		Telemetry: config.TelemetryConfig{EnablePprof: false, PprofPort: 6060},
	}
}

func TestSetup_BuildsAllCoreComponents(t *testing.T) {
	c, err := Setup(context.Background(), "test-service", WithCustomConfig(testConfig(t)), WithoutTelemetry())
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.NotNil(t, c.Bundle)
	assert.NotNil(t, c.BlobStore)
	assert.NotNil(t, c.PDFCache)
	assert.NotNil(t, c.FormatCache)
	assert.NotNil(t, c.Engine)
	assert.NotNil(t, c.Webhook)
	assert.NotNil(t, c.Orchestrator)
	assert.Nil(t, c.Audit)
	assert.Nil(t, c.RateLimit)

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestSetup_SkipsAuditAndRateLimitWhenDisabledInConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false
	cfg.RateLimit.Enabled = false

	c, err := Setup(context.Background(), "test-service", WithCustomConfig(cfg), WithoutTelemetry())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	assert.Nil(t, c.Audit)
	assert.Nil(t, c.RateLimit)
	assert.Nil(t, c.Redis)
}

func TestShutdown_RunsCleanupFuncsInLIFOOrder(t *testing.T) {
	c, err := Setup(context.Background(), "test-service", WithCustomConfig(testConfig(t)), WithoutTelemetry())
	require.NoError(t, err)

	var order []int
	c.addCleanup(func() error { order = append(order, 1); return nil })
	c.addCleanup(func() error { order = append(order, 2); return nil })
	c.addCleanup(func() error { order = append(order, 3); return nil })

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []int{3, 2, 1}, order)
}
