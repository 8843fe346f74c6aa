package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/embedbridge/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 256, cfg.Cache.Capacity)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"nats": {"url": "nats://nats.internal:4222"},
		"sandbox": {"variant": "managed", "daemon_path": "/usr/local/bin/embedboxd"},
		"inference": {"url": "http://localhost:8080/v1", "model": "nomic-embed-text-v1.5", "dimensions": 768},
		"checkpoint": {"enabled": true, "bucket": "embeds"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "managed", cfg.Sandbox.Variant)
	assert.Equal(t, 768, cfg.Inference.Dimensions)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, "embeds", cfg.Checkpoint.Bucket)
	// File sections not present keep defaults.
	assert.Equal(t, 256, cfg.Cache.Capacity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EMBEDBRIDGE_NATS_URL", "nats://override:4222")
	t.Setenv("EMBEDBRIDGE_INFERENCE_MODEL", "env-model")
	t.Setenv("EMBEDBRIDGE_CACHE_CAPACITY", "64")
	t.Setenv("EMBEDBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "env-model", cfg.Inference.Model)
	assert.Equal(t, 64, cfg.Cache.Capacity)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing nats url",
			mutate:  func(c *Config) { c.NATS.URL = "" },
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "unknown variant",
			mutate:  func(c *Config) { c.Sandbox.Variant = "hybrid" },
			wantErr: errors.ErrInvalidConfig,
		},
		{
			name:    "managed without daemon path",
			mutate:  func(c *Config) { c.Sandbox.Variant = "managed" },
			wantErr: errors.ErrMissingConfig,
		},
		{
			name: "checkpoint without bucket",
			mutate: func(c *Config) {
				c.Checkpoint.Enabled = true
				c.Checkpoint.Bucket = ""
			},
			wantErr: errors.ErrMissingConfig,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: errors.ErrInvalidConfig,
		},
		{
			name:   "shared variant needs nothing extra",
			mutate: func(c *Config) { c.Sandbox.Variant = "shared" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
