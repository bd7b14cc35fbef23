package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/execflow/types"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.Auth.Enabled = false // no secret in defaults
	assert.NoError(t, cfg.Validate())
}

func TestLoader_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9090
engine:
  default_timeout: 1m
  default_error_handling: continue
auth:
  enabled: false
`), 0o644))

	t.Setenv("EXECFLOW_HTTP_PORT", "9999")
	t.Setenv("EXECFLOW_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	// Env beats file, file beats defaults.
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Engine.DefaultTimeout)
	assert.Equal(t, types.ErrorHandlingContinue, cfg.Engine.DefaultErrorHandling)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, "mongo", cfg.Store.Backend)
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = -1 }},
		{"bad store backend", func(c *Config) { c.Store.Backend = "dynamo" }},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"zero timeout", func(c *Config) { c.Engine.DefaultTimeout = 0 }},
		{"bad error handling", func(c *Config) { c.Engine.DefaultErrorHandling = "ignore" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.Secret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Enabled = false
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
