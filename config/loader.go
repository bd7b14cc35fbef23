package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with the precedence defaults → YAML file →
// environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a Loader with the EXECFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "EXECFLOW"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load produces the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overrides the fields operators most often need to change at
// deploy time. Anything else belongs in the YAML file.
func (l *Loader) applyEnv(cfg *Config) {
	l.envString("MONGO_URI", &cfg.Store.Mongo.URI)
	l.envString("MONGO_DATABASE", &cfg.Store.Mongo.Database)
	l.envString("STORE_BACKEND", &cfg.Store.Backend)
	l.envString("CACHE_BACKEND", &cfg.Cache.Backend)
	l.envString("REDIS_ADDR", &cfg.Cache.Redis.Addr)
	l.envString("REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	l.envString("AUTH_SECRET", &cfg.Auth.Secret)
	l.envString("LOG_LEVEL", &cfg.Log.Level)
	l.envString("LOG_FORMAT", &cfg.Log.Format)
	l.envString("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	l.envInt("HTTP_PORT", &cfg.Server.HTTPPort)
	l.envBool("AUTH_ENABLED", &cfg.Auth.Enabled)
	l.envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	l.envBool("RETENTION_ENABLED", &cfg.Retention.Enabled)
	l.envDuration("DEFAULT_TIMEOUT", &cfg.Engine.DefaultTimeout)
	l.envDuration("ANALYTICS_CACHE_TTL", &cfg.Analytics.CacheTTL)
	l.envDuration("RETENTION_WINDOW", &cfg.Retention.Window)
}

func (l *Loader) envString(key string, dst *string) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		*dst = v
	}
}

func (l *Loader) envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (l *Loader) envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
