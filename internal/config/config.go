// Package config loads the YAML file that governs where ESFS's two
// partitions live on disk and how the init-time SD-ready retry loop is
// tuned, following the same decode/validate shape used elsewhere in this
// codebase for device-facing configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationMode selects how strictly Config.ValidateWithMode checks the
// decoded document. ValidationMinimal is for tools (like a factory-reset
// CLI) that only need the partition roots and don't care about retry
// tuning; ValidationFull also requires both privacy flags and range-checks
// any retry fields that are set.
type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationMinimal
)

// Config is the top-level document.
type Config struct {
	Partitions PartitionConfig `yaml:"partitions"`
	Retry      RetryConfig     `yaml:"retry"`
}

// PartitionConfig names the two partition roots ESFS is built on. Secondary
// may be identical to Primary on single-partition platforms. PrimaryPrivate
// and SecondaryPrivate mark whether a partition supports being formatted
// independently of its sibling, which the factory-reset procedure uses to
// decide between format-and-recreate and recursive-remove.
type PartitionConfig struct {
	PrimaryRoot      string `yaml:"primary_root"`
	SecondaryRoot    string `yaml:"secondary_root"`
	PrimaryPrivate   *bool  `yaml:"primary_private"`
	SecondaryPrivate *bool  `yaml:"secondary_private"`
}

// RetryConfig tunes the init-time SD-card-ready loop. Zero-value fields
// fall back to internal/esfs's own defaults (100 retries, 50ms back-off).
// This section is optional in ValidationFull, required in no mode.
type RetryConfig struct {
	MaxAttempts   *int `yaml:"max_attempts"`
	BackoffMillis *int `yaml:"backoff_millis"`
}

// Backoff returns the configured retry back-off as a time.Duration, or
// zero if unset.
func (r RetryConfig) Backoff() time.Duration {
	if r.BackoffMillis == nil {
		return 0
	}
	return time.Duration(*r.BackoffMillis) * time.Millisecond
}

// Attempts returns the configured retry attempt count, or zero if unset.
func (r RetryConfig) Attempts() int {
	if r.MaxAttempts == nil {
		return 0
	}
	return *r.MaxAttempts
}

// Load reads and fully validates path.
func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

// LoadWithMode reads path, decodes it with unknown-field rejection, resolves
// relative partition roots against the config file's own directory, and
// validates according to mode.
func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if strings.TrimSpace(c.Partitions.PrimaryRoot) == "" {
		return fmt.Errorf("config.partitions.primary_root is required")
	}
	if strings.TrimSpace(c.Partitions.SecondaryRoot) == "" {
		return fmt.Errorf("config.partitions.secondary_root is required")
	}

	switch mode {
	case ValidationMinimal:
		return nil
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateFullMode() error {
	if c.Partitions.PrimaryPrivate == nil {
		return fmt.Errorf("config.partitions.primary_private is required")
	}
	if c.Partitions.SecondaryPrivate == nil {
		return fmt.Errorf("config.partitions.secondary_private is required")
	}
	if c.Retry.MaxAttempts != nil && *c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMillis != nil && *c.Retry.BackoffMillis < 0 {
		return fmt.Errorf("config.retry.backoff_millis must be >= 0")
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Partitions.PrimaryRoot = resolvePath(configDir, c.Partitions.PrimaryRoot)
	c.Partitions.SecondaryRoot = resolvePath(configDir, c.Partitions.SecondaryRoot)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
