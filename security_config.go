// security_config.go: module security configuration and environment overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SecurityConfig configures validation, sandboxing and runtime monitoring.
type SecurityConfig struct {
	// Enabled turns the validation pipeline on. Disabled, every module passes
	// with the MODERATE level (or TRUSTED when trusted).
	Enabled bool `json:"enabled" yaml:"enabled"`

	// SandboxEnabled controls CreateSandbox. Disabled, modules run unconfined
	// and receive a nil sandbox.
	SandboxEnabled bool `json:"sandbox_enabled" yaml:"sandbox_enabled"`

	TrustedModules []string `json:"trusted_modules" yaml:"trusted_modules"`
	BannedModules  []string `json:"banned_modules" yaml:"banned_modules"`

	// AllowedSources holds glob patterns matched against ModuleSpec.Source,
	// e.g. "local:*" or "registry.example.com/**". Empty allows every source.
	AllowedSources []string `json:"allowed_sources" yaml:"allowed_sources"`

	// DeniedPatterns adds named regular expressions to the built-in code denylist.
	DeniedPatterns map[string]string `json:"denied_patterns" yaml:"denied_patterns"`

	RequireSignature bool `json:"require_signature" yaml:"require_signature"`

	// SigningKey switches signatures from a plain SHA-256 digest to HMAC-SHA256.
	SigningKey string `json:"signing_key,omitempty" yaml:"signing_key,omitempty"`

	// AllowedPaths holds glob patterns for the sandbox filesystem capability.
	AllowedPaths []string `json:"allowed_paths" yaml:"allowed_paths"`

	MinTimerDelay time.Duration `json:"min_timer_delay" yaml:"min_timer_delay"`
	MaxTimerDelay time.Duration `json:"max_timer_delay" yaml:"max_timer_delay"`
	FetchTimeout  time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`

	// MaxMemoryBytes and MaxExecutionTime are the runtime monitor ceilings (0 disables).
	MaxMemoryBytes   uint64        `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxExecutionTime time.Duration `json:"max_execution_time" yaml:"max_execution_time"`
	MonitorInterval  time.Duration `json:"monitor_interval" yaml:"monitor_interval"`

	// AuditFile enables the argus security audit trail when set.
	AuditFile string `json:"audit_file" yaml:"audit_file"`
}

// DefaultSecurityConfig returns the default security configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Enabled:         true,
		SandboxEnabled:  true,
		MinTimerDelay:   time.Millisecond,
		MaxTimerDelay:   5 * time.Minute,
		FetchTimeout:    10 * time.Second,
		MaxMemoryBytes:  256 << 20,
		MonitorInterval: time.Second,
	}
}

// Validate checks the security configuration.
func (c *SecurityConfig) Validate() error {
	if c.MinTimerDelay < 0 || c.MaxTimerDelay < 0 {
		return NewConfigValidationError("security timer band cannot be negative", nil)
	}
	if c.MaxTimerDelay > 0 && c.MinTimerDelay > c.MaxTimerDelay {
		return NewConfigValidationError("security.min_timer_delay exceeds security.max_timer_delay", nil)
	}
	if c.MonitorInterval <= 0 && (c.MaxMemoryBytes > 0 || c.MaxExecutionTime > 0) {
		return NewConfigValidationError("security.monitor_interval must be positive when limits are set", nil)
	}
	for name, expr := range c.DeniedPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return NewConfigValidationError("invalid denied pattern "+name, err)
		}
	}
	for _, id := range c.TrustedModules {
		for _, banned := range c.BannedModules {
			if id == banned {
				return NewConfigValidationError("module "+id+" is both trusted and banned", nil)
			}
		}
	}
	return nil
}

// LoadSecurityConfigFromEnv builds a security configuration from defaults and
// HOTMOD_* environment variables.
func LoadSecurityConfigFromEnv() (*SecurityConfig, error) {
	config := DefaultSecurityConfig()
	if err := ApplySecurityEnvOverrides(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplySecurityEnvOverrides overlays HOTMOD_* environment variables on config.
//
// Supported variables:
//   - HOTMOD_SECURITY_ENABLED, HOTMOD_SANDBOX_ENABLED, HOTMOD_REQUIRE_SIGNATURE (bool)
//   - HOTMOD_SIGNING_KEY, HOTMOD_AUDIT_FILE
//   - HOTMOD_TRUSTED_MODULES, HOTMOD_BANNED_MODULES, HOTMOD_ALLOWED_SOURCES,
//     HOTMOD_ALLOWED_PATHS (comma separated)
//   - HOTMOD_MAX_MEMORY_BYTES (integer), HOTMOD_MAX_EXECUTION_TIME (duration)
func ApplySecurityEnvOverrides(config *SecurityConfig) error {
	if v := os.Getenv("HOTMOD_SECURITY_ENABLED"); v != "" {
		config.Enabled = parseBool(v)
	}
	if v := os.Getenv("HOTMOD_SANDBOX_ENABLED"); v != "" {
		config.SandboxEnabled = parseBool(v)
	}
	if v := os.Getenv("HOTMOD_REQUIRE_SIGNATURE"); v != "" {
		config.RequireSignature = parseBool(v)
	}
	if v := os.Getenv("HOTMOD_SIGNING_KEY"); v != "" {
		config.SigningKey = v
	}
	if v := os.Getenv("HOTMOD_AUDIT_FILE"); v != "" {
		config.AuditFile = v
	}
	if v := os.Getenv("HOTMOD_TRUSTED_MODULES"); v != "" {
		config.TrustedModules = splitList(v)
	}
	if v := os.Getenv("HOTMOD_BANNED_MODULES"); v != "" {
		config.BannedModules = splitList(v)
	}
	if v := os.Getenv("HOTMOD_ALLOWED_SOURCES"); v != "" {
		config.AllowedSources = splitList(v)
	}
	if v := os.Getenv("HOTMOD_ALLOWED_PATHS"); v != "" {
		config.AllowedPaths = splitList(v)
	}
	if v := os.Getenv("HOTMOD_MAX_MEMORY_BYTES"); v != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return NewConfigValidationError("invalid HOTMOD_MAX_MEMORY_BYTES", err)
		}
		config.MaxMemoryBytes = n
	}
	if v := os.Getenv("HOTMOD_MAX_EXECUTION_TIME"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return NewConfigValidationError("invalid HOTMOD_MAX_EXECUTION_TIME", err)
		}
		config.MaxExecutionTime = d
	}
	return nil
}

// parseBool parses boolean values from environment variables
// Supports: true/false, 1/0, yes/no, on/off, enabled/disabled
func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
