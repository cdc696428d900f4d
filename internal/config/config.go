// Package config provides configuration types and defaults for conclave.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/paths"
	"github.com/zjrosen/conclave/internal/tracing"
)

// Config holds all configuration options for conclave.
type Config struct {
	WorkDir     string            `mapstructure:"work_dir"`
	Bus         BusConfig         `mapstructure:"bus"`
	Locks       LockConfig        `mapstructure:"locks"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
	Flags       map[string]bool   `mapstructure:"flags"`
}

// BusConfig holds message bus configuration.
type BusConfig struct {
	// HistoryDisabled turns off per-channel message history.
	HistoryDisabled bool `mapstructure:"history_disabled"`

	// HistoryLimit caps the number of retained messages per channel.
	// Default: 1000
	HistoryLimit int `mapstructure:"history_limit"`

	// HistoryRetention is how long history entries are kept.
	// Default: 5m
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// RequestTimeout is the default deadline for request/response exchanges.
	// Default: 30s
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LockConfig holds resource lock manager configuration.
type LockConfig struct {
	// HoldTimeout is how long a lock may be held before the sweeper
	// reclaims it. Default: 5m
	HoldTimeout time.Duration `mapstructure:"hold_timeout"`

	// WaitTimeout is the default maximum time a caller blocks waiting
	// for a contended lock. Default: 30s
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// SweepInterval controls how often expired locks are reclaimed.
	// Default: 10s
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CoordinatorConfig holds coordination session configuration.
type CoordinatorConfig struct {
	// MaxParallelAgents bounds concurrent agents in parallel runs.
	// Default: 3
	MaxParallelAgents int `mapstructure:"max_parallel_agents"`

	// AgentTimeout is the per-agent execution deadline.
	// Default: 5m
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`

	// ShareDiscoveries controls whether discoveries flow between agents.
	// Default: true
	ShareDiscoveries *bool `mapstructure:"share_discoveries"`
}

// SharesDiscoveries returns whether discovery sharing is enabled (defaults to true if nil).
func (c CoordinatorConfig) SharesDiscoveries() bool {
	return c.ShareDiscoveries == nil || *c.ShareDiscoveries
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/conclave/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	return paths.DefaultTracesFile()
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Bus: BusConfig{
			HistoryLimit:     1000,
			HistoryRetention: 5 * time.Minute,
			RequestTimeout:   30 * time.Second,
		},
		Locks: LockConfig{
			HoldTimeout:   5 * time.Minute,
			WaitTimeout:   30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxParallelAgents: 3,
			AgentTimeout:      5 * time.Minute,
		},
		Tracing: tracing.Config{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the full configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func Validate(cfg Config) error {
	if err := ValidateBus(cfg.Bus); err != nil {
		return err
	}
	if err := ValidateLocks(cfg.Locks); err != nil {
		return err
	}
	if err := ValidateCoordinator(cfg.Coordinator); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateBus checks message bus configuration for errors.
func ValidateBus(bus BusConfig) error {
	if bus.HistoryLimit < 0 {
		return fmt.Errorf("bus.history_limit must be non-negative, got %d", bus.HistoryLimit)
	}
	if bus.HistoryRetention < 0 {
		return fmt.Errorf("bus.history_retention must be non-negative, got %v", bus.HistoryRetention)
	}
	if bus.RequestTimeout < 0 {
		return fmt.Errorf("bus.request_timeout must be non-negative, got %v", bus.RequestTimeout)
	}
	return nil
}

// ValidateLocks checks lock manager configuration for errors.
func ValidateLocks(locks LockConfig) error {
	if locks.HoldTimeout < 0 {
		return fmt.Errorf("locks.hold_timeout must be non-negative, got %v", locks.HoldTimeout)
	}
	if locks.WaitTimeout < 0 {
		return fmt.Errorf("locks.wait_timeout must be non-negative, got %v", locks.WaitTimeout)
	}
	if locks.SweepInterval < 0 {
		return fmt.Errorf("locks.sweep_interval must be non-negative, got %v", locks.SweepInterval)
	}
	return nil
}

// ValidateCoordinator checks coordination configuration for errors.
func ValidateCoordinator(coord CoordinatorConfig) error {
	if coord.MaxParallelAgents < 0 {
		return fmt.Errorf("coordinator.max_parallel_agents must be non-negative, got %d", coord.MaxParallelAgents)
	}
	if coord.AgentTimeout < 0 {
		return fmt.Errorf("coordinator.agent_timeout must be non-negative, got %v", coord.AgentTimeout)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tc tracing.Config) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	// Validate Exporter is a valid option
	if tc.Exporter != "" {
		switch tc.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tc.Enabled {
		if tc.Exporter == "file" && tc.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tc.Exporter == "otlp" && tc.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Conclave Configuration

# Working directory for coordination sessions (default: current directory)
# work_dir: /path/to/project

# Message bus settings
bus:
  history_limit: 1000       # Max retained messages per channel
  history_retention: 5m     # How long history entries are kept
  request_timeout: 30s      # Default request/response deadline
  # history_disabled: true  # Turn off message history entirely

# Resource lock settings
locks:
  hold_timeout: 5m     # Locks held longer than this are reclaimed
  wait_timeout: 30s    # Default wait for a contended lock
  sweep_interval: 10s  # How often expired locks are reclaimed

# Coordination settings
coordinator:
  max_parallel_agents: 3   # Concurrent agents in parallel runs
  agent_timeout: 5m        # Per-agent execution deadline
  # share_discoveries: false  # Disable cross-agent discovery sharing

# Distributed tracing configuration
# Enables end-to-end visibility into coordination runs
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/conclave/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
