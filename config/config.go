// Package config holds the engine's configuration: defaults, YAML loading,
// and environment overrides. Precedence is defaults, then file, then env.
package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/execflow/internal/cache"
	"github.com/BaSui01/execflow/store"
	"github.com/BaSui01/execflow/types"
)

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Engine    EngineConfig    `yaml:"engine"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// StoreConfig selects and configures the entity store backend.
type StoreConfig struct {
	// Backend is "mongo" or "memory" (dev mode).
	Backend string            `yaml:"backend"`
	Mongo   store.MongoConfig `yaml:"mongo"`
}

// CacheConfig selects and configures the rollup cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string            `yaml:"backend"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// EngineConfig holds the server-side execution defaults injected at create
// time when the caller omits configuration.
type EngineConfig struct {
	DefaultTimeout        time.Duration             `yaml:"default_timeout"`
	DefaultMaxConcurrency int                       `yaml:"default_max_concurrency"`
	DefaultErrorHandling  types.ErrorHandlingPolicy `yaml:"default_error_handling"`
	SaveIntermediate      bool                      `yaml:"save_intermediate"`
}

// AnalyticsConfig configures the metrics aggregator.
type AnalyticsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RetentionConfig configures the maintenance sweeper.
type RetentionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	ArchiveAfter  time.Duration `yaml:"archive_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	DeletesPerSec float64       `yaml:"deletes_per_sec"`
}

// AuthConfig configures JWT verification for caller identity.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Secret is the HS256 signing secret.
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the default configuration. Server-side defaulting lives
// here so two identical create calls always yield identical effective
// configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Store: StoreConfig{
			Backend: "mongo",
			Mongo:   store.DefaultMongoConfig(),
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis:   cache.DefaultRedisConfig(),
		},
		Engine: EngineConfig{
			DefaultTimeout:        5 * time.Minute,
			DefaultMaxConcurrency: 1,
			DefaultErrorHandling:  types.ErrorHandlingFailFast,
			SaveIntermediate:      true,
		},
		Analytics: AnalyticsConfig{
			CacheTTL: 2 * time.Minute,
		},
		Retention: RetentionConfig{
			Enabled:       true,
			Window:        30 * 24 * time.Hour,
			ArchiveAfter:  90 * 24 * time.Hour,
			SweepInterval: time.Hour,
			DeletesPerSec: 10,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "execflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	switch c.Store.Backend {
	case "mongo", "memory":
	default:
		return fmt.Errorf("store.backend %q unsupported (mongo, memory)", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q unsupported (memory, redis)", c.Cache.Backend)
	}
	if c.Engine.DefaultTimeout <= 0 {
		return fmt.Errorf("engine.default_timeout must be positive")
	}
	if c.Engine.DefaultMaxConcurrency <= 0 {
		return fmt.Errorf("engine.default_max_concurrency must be positive")
	}
	switch c.Engine.DefaultErrorHandling {
	case types.ErrorHandlingFailFast, types.ErrorHandlingContinue, types.ErrorHandlingRetryAll:
	default:
		return fmt.Errorf("engine.default_error_handling %q unsupported", c.Engine.DefaultErrorHandling)
	}
	if c.Analytics.CacheTTL <= 0 {
		return fmt.Errorf("analytics.cache_ttl must be positive")
	}
	if c.Retention.Enabled && c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be positive when retention is enabled")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret required when auth is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint required when telemetry is enabled")
	}
	return nil
}
