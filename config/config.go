// Package config loads and validates the application configuration for
// the bridge and the sandbox daemon. Configuration comes from an optional
// JSON file with environment variable overrides on top, so containerized
// deployments can run file-less.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/embedbridge/errors"
)

// EnvPrefix is the prefix of all override environment variables.
const EnvPrefix = "EMBEDBRIDGE"

// Config is the complete application configuration.
type Config struct {
	NATS       NATSConfig       `json:"nats"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Inference  InferenceConfig  `json:"inference"`
	Cache      CacheConfig      `json:"cache"`
	Bridge     BridgeConfig     `json:"bridge"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Metrics    MetricsConfig    `json:"metrics"`
	LogLevel   string           `json:"log_level,omitempty"`
}

// NATSConfig describes the connection carrying bridge traffic.
type NATSConfig struct {
	URL           string `json:"url"`
	Name          string `json:"name,omitempty"`
	TimeoutSecs   int    `json:"timeout_secs,omitempty"`
	MaxReconnects int    `json:"max_reconnects,omitempty"`
}

// SandboxConfig selects and tunes the sandbox host variant.
type SandboxConfig struct {
	// Variant is "managed", "shared", or empty for auto-detection based
	// on whether a daemon path is configured.
	Variant string `json:"variant,omitempty"`

	// DaemonPath is the embedboxd binary spawned by the managed variant.
	DaemonPath string `json:"daemon_path,omitempty"`

	// SharedSubject overrides the well-known shared sandbox subject.
	SharedSubject string `json:"shared_subject,omitempty"`

	ReadyTimeoutSecs int `json:"ready_timeout_secs,omitempty"`
	InitTimeoutSecs  int `json:"init_timeout_secs,omitempty"`
}

// InferenceConfig points the sandbox at the local inference server.
type InferenceConfig struct {
	// URL of the OpenAI-compatible embedding endpoint. Empty disables
	// the accelerated backend; the sandbox then always runs the CPU
	// fallback.
	URL string `json:"url,omitempty"`

	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// CacheConfig bounds the host-side embedding cache.
type CacheConfig struct {
	Capacity  int `json:"capacity,omitempty"`
	PrefixLen int `json:"prefix_len,omitempty"`
}

// BridgeConfig tunes the RPC layer.
type BridgeConfig struct {
	RequestTimeoutSecs int `json:"request_timeout_secs,omitempty"`
}

// CheckpointConfig controls periodic index persistence.
type CheckpointConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	IntervalSecs int    `json:"interval_secs,omitempty"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"` // empty disables the endpoint
}

// Default returns the configuration used when no file and no overrides
// are present.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "embedbridge",
			TimeoutSecs:   5,
			MaxReconnects: -1,
		},
		Sandbox: SandboxConfig{
			ReadyTimeoutSecs: 10,
			InitTimeoutSecs:  30,
		},
		Cache: CacheConfig{
			Capacity:  256,
			PrefixLen: 256,
		},
		Bridge: BridgeConfig{
			RequestTimeoutSecs: 180,
		},
		Checkpoint: CheckpointConfig{
			Bucket:       "embedbridge_checkpoints",
			IntervalSecs: 300,
		},
		LogLevel: "info",
	}
}

// Load reads the JSON file at path (skipped when path is empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvPrefix + "_NATS_NAME"); v != "" {
		c.NATS.Name = v
	}
	if v := os.Getenv(EnvPrefix + "_SANDBOX_VARIANT"); v != "" {
		c.Sandbox.Variant = v
	}
	if v := os.Getenv(EnvPrefix + "_SANDBOX_DAEMON_PATH"); v != "" {
		c.Sandbox.DaemonPath = v
	}
	if v := os.Getenv(EnvPrefix + "_SANDBOX_SHARED_SUBJECT"); v != "" {
		c.Sandbox.SharedSubject = v
	}
	if v := os.Getenv(EnvPrefix + "_INFERENCE_URL"); v != "" {
		c.Inference.URL = v
	}
	if v := os.Getenv(EnvPrefix + "_INFERENCE_MODEL"); v != "" {
		c.Inference.Model = v
	}
	if v := os.Getenv(EnvPrefix + "_INFERENCE_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Inference.Dimensions = n
		}
	}
	if v := os.Getenv(EnvPrefix + "_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Capacity = n
		}
	}
	if v := os.Getenv(EnvPrefix + "_CHECKPOINT_ENABLED"); v != "" {
		c.Checkpoint.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(EnvPrefix + "_CHECKPOINT_BUCKET"); v != "" {
		c.Checkpoint.Bucket = v
	}
	if v := os.Getenv(EnvPrefix + "_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url")
	}
	switch c.Sandbox.Variant {
	case "", "managed", "shared":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown sandbox variant %q", c.Sandbox.Variant))
	}
	if c.Sandbox.Variant == "managed" && c.Sandbox.DaemonPath == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"sandbox.daemon_path required for managed variant")
	}
	if c.Inference.Dimensions < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"inference.dimensions must be positive")
	}
	if c.Cache.Capacity < 0 || c.Cache.PrefixLen < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"cache bounds must be positive")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"checkpoint.bucket required when checkpointing is enabled")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	return nil
}

// RequestTimeout returns the bridge request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Bridge.RequestTimeoutSecs) * time.Second
}

// CheckpointInterval returns the checkpoint period as a duration.
func (c *Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Checkpoint.IntervalSecs) * time.Second
}
