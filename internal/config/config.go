// Package config loads process-wide configuration from the
// environment. Tachyon-Tex keeps no config file: every setting in
// spec §6 is an environment variable with a documented default.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Service      ServiceConfig
	Bundle       BundleConfig
	PDFCache     PDFCacheConfig
	FormatCache  FormatCacheConfig
	BlobStore    BlobStoreConfig
	Orchestrator OrchestratorConfig
	Ingestion    IngestionConfig
	RateLimit    RateLimitConfig
	Audit        AuditConfig
	Redis        RedisConfig
	Telemetry    TelemetryConfig
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Name      string
	Port      int
	LogLevel  string
	LogFormat string
}

// BundleConfig configures the pre-shipped TeX package bundle (C4).
type BundleConfig struct {
	Dir string
}

// PDFCacheConfig configures the whole-artifact PDF cache (C5).
type PDFCacheConfig struct {
	Enabled bool
	CapMB   int
	TTL     time.Duration
}

// FormatCacheConfig configures the preamble-keyed format cache (C6).
type FormatCacheConfig struct {
	CapMB int
	TTL   time.Duration
}

// BlobStoreConfig configures the process-wide content-addressed store (C2).
type BlobStoreConfig struct {
	CapMB int
}

// OrchestratorConfig configures request-level timeouts and backpressure (C10).
type OrchestratorConfig struct {
	CompileTimeout  time.Duration
	BlockingPool    int
	OverloadFactor  int
}

// IngestionConfig configures submission-size limits (C8).
type IngestionConfig struct {
	MaxProjectSizeMB int
	MaxZipExpansion  int
}

// RateLimitConfig configures the Redis-backed request limiter.
type RateLimitConfig struct {
	Enabled     bool
	GlobalLimit int64
}

// AuditConfig configures the best-effort Postgres audit trail.
type AuditConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// RedisConfig configures the rate-limiter's Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
}

// TelemetryConfig configures pprof/metrics endpoints.
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load reads configuration from the environment.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Port:      getEnvInt("LISTEN_PORT", 8080),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Bundle: BundleConfig{
			Dir: getEnv("BUNDLE_DIR", "./bundle"),
		},
		PDFCache: PDFCacheConfig{
			Enabled: getEnvBool("PDF_CACHE_ENABLED", true),
			CapMB:   getEnvInt("PDF_CACHE_CAP_MB", 256),
			TTL:     getEnvDurationSeconds("PDF_CACHE_TTL_SEC", 86400),
		},
		FormatCache: FormatCacheConfig{
			CapMB: getEnvInt("FORMAT_CACHE_CAP_MB", 64),
			TTL:   getEnvDurationSeconds("PDF_CACHE_TTL_SEC", 86400),
		},
		BlobStore: BlobStoreConfig{
			CapMB: getEnvInt("BLOB_STORE_CAP_MB", 512),
		},
		Orchestrator: OrchestratorConfig{
			CompileTimeout: getEnvDurationMillis("COMPILE_TIMEOUT_MS", 30000),
			BlockingPool:   getEnvInt("BLOCKING_POOL_SIZE", defaultBlockingPoolSize()),
			OverloadFactor: 2,
		},
		Ingestion: IngestionConfig{
			MaxProjectSizeMB: getEnvInt("MAX_PROJECT_SIZE_MB", 32),
			MaxZipExpansion:  10,
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalLimit: int64(getEnvInt("RATE_LIMIT_GLOBAL_PER_MIN", 600)),
		},
		Audit: AuditConfig{
			Enabled:  getEnvBool("AUDIT_ENABLED", false),
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			Database: getEnv("POSTGRES_DB", "tachyontex"),
			User:     getEnv("POSTGRES_USER", "tachyontex"),
			Password: getEnv("POSTGRES_PASSWORD", "tachyontex"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks whether the loaded configuration is usable.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.PDFCache.CapMB <= 0 {
		return fmt.Errorf("PDF_CACHE_CAP_MB must be positive")
	}
	if c.BlobStore.CapMB <= 0 {
		return fmt.Errorf("BLOB_STORE_CAP_MB must be positive")
	}
	if c.Orchestrator.CompileTimeout <= 0 {
		return fmt.Errorf("COMPILE_TIMEOUT_MS must be positive")
	}
	if c.Ingestion.MaxProjectSizeMB <= 0 {
		return fmt.Errorf("MAX_PROJECT_SIZE_MB must be positive")
	}
	return nil
}

// DatabaseURL returns the audit trail's Postgres connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Audit.User, c.Audit.Password, c.Audit.Host, c.Audit.Port, c.Audit.Database,
	)
}

func defaultBlockingPoolSize() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvDurationMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}
