// config.go: engine configuration, defaults and file loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// EngineConfig is the complete configuration of a ModularEngine.
//
// It can be built in code from DefaultEngineConfig or loaded from a JSON,
// YAML or TOML file with LoadEngineConfig. Durations in YAML files accept
// Go duration strings ("250ms", "5s").
type EngineConfig struct {
	Container ContainerConfig   `json:"container" yaml:"container"`
	Security  SecurityConfig    `json:"security" yaml:"security"`
	Bridge    BridgeConfig      `json:"bridge" yaml:"bridge"`
	HotSwap   HotSwapConfig     `json:"hot_swap" yaml:"hot_swap"`
	Discovery DiscoveryConfig   `json:"discovery" yaml:"discovery"`
	Health    HealthCheckConfig `json:"health" yaml:"health"`
	Logging   LoggingConfig     `json:"logging" yaml:"logging"`
}

// ContainerConfig configures the root service container.
type ContainerConfig struct {
	// TrackTransients keeps disposable transient instances so Dispose can
	// release them. Disabled, transients are owned entirely by the caller.
	TrackTransients bool `json:"track_transients" yaml:"track_transients"`
}

// BridgeConfig configures the inter-module message bridge.
type BridgeConfig struct {
	// QueueSize bounds the per-channel queue of messages waiting for a first subscriber.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// HistorySize is the default number of delivered messages kept per channel (0 disables).
	HistorySize int `json:"history_size" yaml:"history_size"`

	// DefaultRequestTimeout applies when SendRequest is called with a zero timeout.
	DefaultRequestTimeout time.Duration `json:"default_request_timeout" yaml:"default_request_timeout"`

	// DefaultTTL applies to messages sent without an explicit TTL (0 means no expiry).
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
}

// HotSwapConfig configures the hot-swap manager.
type HotSwapConfig struct {
	DrainTimeout        time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	HealthCheckWindow   time.Duration `json:"health_check_window" yaml:"health_check_window"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout" yaml:"health_check_timeout"`

	// CheckpointRetention is the number of checkpoints kept per module after
	// a successful swap. Zero discards the swap checkpoint on completion.
	CheckpointRetention int `json:"checkpoint_retention" yaml:"checkpoint_retention"`

	// AllowBreakingChanges lets a swap proceed across a major version bump
	// when no state migration is declared.
	AllowBreakingChanges bool `json:"allow_breaking_changes" yaml:"allow_breaking_changes"`
}

// DiscoveryConfig configures manifest discovery.
type DiscoveryConfig struct {
	SearchPaths    []string `json:"search_paths" yaml:"search_paths"`
	FilePatterns   []string `json:"file_patterns" yaml:"file_patterns"`
	MaxDepth       int      `json:"max_depth" yaml:"max_depth"`
	FollowSymlinks bool     `json:"follow_symlinks" yaml:"follow_symlinks"`
}

// HealthCheckConfig configures module health checking.
type HealthCheckConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	FailureLimit int           `json:"failure_limit" yaml:"failure_limit"`
}

// LoggingConfig selects the built-in zap logger when no Logger option is given.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty disables logging.
	Level string `json:"level" yaml:"level"`
}

// DefaultBridgeConfig returns bridge defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		QueueSize:             100,
		HistorySize:           0,
		DefaultRequestTimeout: 5 * time.Second,
	}
}

// DefaultHotSwapConfig returns hot-swap defaults.
func DefaultHotSwapConfig() HotSwapConfig {
	return HotSwapConfig{
		DrainTimeout:        5 * time.Second,
		HealthCheckWindow:   time.Second,
		HealthCheckInterval: 100 * time.Millisecond,
		HealthCheckTimeout:  time.Second,
		CheckpointRetention: 3,
	}
}

// DefaultDiscoveryConfig returns discovery defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		FilePatterns: []string{"module.yaml", "module.yml", "module.json"},
		MaxDepth:     4,
	}
}

// DefaultHealthCheckConfig returns health check defaults.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:      true,
		Interval:     30 * time.Second,
		Timeout:      5 * time.Second,
		FailureLimit: 3,
	}
}

// DefaultEngineConfig returns a configuration suitable for development:
// validation and sandboxing on, signatures not enforced.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Container: ContainerConfig{TrackTransients: true},
		Security:  DefaultSecurityConfig(),
		Bridge:    DefaultBridgeConfig(),
		HotSwap:   DefaultHotSwapConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Health:    DefaultHealthCheckConfig(),
	}
}

// Validate checks the configuration for values the engines cannot run with.
func (c *EngineConfig) Validate() error {
	if c.Bridge.QueueSize <= 0 {
		return NewConfigValidationError("bridge.queue_size must be positive", nil)
	}
	if c.Bridge.HistorySize < 0 {
		return NewConfigValidationError("bridge.history_size cannot be negative", nil)
	}
	if c.Bridge.DefaultRequestTimeout <= 0 {
		return NewConfigValidationError("bridge.default_request_timeout must be positive", nil)
	}
	if c.HotSwap.HealthCheckInterval <= 0 {
		return NewConfigValidationError("hot_swap.health_check_interval must be positive", nil)
	}
	if c.HotSwap.HealthCheckWindow < 0 || c.HotSwap.DrainTimeout < 0 {
		return NewConfigValidationError("hot_swap durations cannot be negative", nil)
	}
	if c.HotSwap.CheckpointRetention < 0 {
		return NewConfigValidationError("hot_swap.checkpoint_retention cannot be negative", nil)
	}
	if c.Health.Enabled && c.Health.Timeout <= 0 {
		return NewConfigValidationError("health.timeout must be positive when health checks are enabled", nil)
	}
	if c.Discovery.MaxDepth < 0 {
		return NewConfigValidationError("discovery.max_depth cannot be negative", nil)
	}
	return c.Security.Validate()
}

// LoadEngineConfig reads a configuration file on top of DefaultEngineConfig,
// then applies HOTMOD_* environment overrides to the security section.
//
// The format is detected from the file extension with argus. JSON and YAML
// are decoded directly into the typed configuration; other formats argus
// understands are parsed to a map and bound through JSON.
func LoadEngineConfig(path string) (EngineConfig, error) {
	config := DefaultEngineConfig()

	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path is supplied by the host application
	if err != nil {
		if os.IsNotExist(err) {
			return config, NewConfigNotFoundError(cleanPath)
		}
		return config, NewConfigParseError(cleanPath, err)
	}

	if err := parseEngineConfig(data, cleanPath, &config); err != nil {
		return config, err
	}

	if err := ApplySecurityEnvOverrides(&config.Security); err != nil {
		return config, err
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func parseEngineConfig(data []byte, path string, config *EngineConfig) error {
	format := argus.DetectFormat(path)
	switch format {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return NewConfigParseError(path, err)
		}
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return NewConfigParseError(path, err)
		}
	default:
		parsed, err := argus.ParseConfig(data, format)
		if err != nil {
			return NewConfigParseError(path, err)
		}
		encoded, err := json.Marshal(parsed)
		if err != nil {
			return NewConfigParseError(path, err)
		}
		if err := json.Unmarshal(encoded, config); err != nil {
			return NewConfigParseError(path, err)
		}
	}
	return nil
}
