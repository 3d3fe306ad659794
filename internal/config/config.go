// Package config holds all gearbox configuration. Config is loaded from
// <workspace>/.gearbox/config.yaml with environment overrides; every tunable
// threshold lives here rather than in component logic.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace state directory.
const Dir = ".gearbox"

// FileName is the config file name inside Dir.
const FileName = "config.yaml"

// Config holds all gearbox configuration.
type Config struct {
	// Project is the state-store key. Defaults to the workspace basename.
	Project string `yaml:"project"`

	// Gate configures the objective-completion quality gate.
	Gate GateConfig `yaml:"gate"`

	// Memory configures the bounded lesson pool and pruning.
	Memory MemoryConfig `yaml:"memory"`

	// Logging configures category file logging.
	Logging LoggingConfig `yaml:"logging"`
}

// GateConfig configures the quality gate.
type GateConfig struct {
	// StrictMode denies on any single failure reason. When false, failures
	// are weighted and the gate denies once the total reaches 1.0.
	StrictMode bool `yaml:"strict_mode"`

	// Weights per failure code, used only when StrictMode is false.
	// Unlisted codes weigh 1.0.
	Weights map[string]float64 `yaml:"weights,omitempty"`
}

// EntropyMetric selects how pool entropy is measured.
type EntropyMetric string

const (
	// MetricItemCount measures the number of lessons in the pool.
	MetricItemCount EntropyMetric = "item_count"
	// MetricContentBytes measures aggregate trigger+lesson text size.
	MetricContentBytes EntropyMetric = "content_bytes"
)

// MemoryConfig configures the lesson pool.
type MemoryConfig struct {
	// ConsolidationThreshold is the similarity cutoff for merge-on-admit,
	// in (0, 1]. A candidate at or above it merges into the most similar
	// existing lesson instead of inserting.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`

	// EntropyHighWater triggers pruning once the entropy value reaches it.
	EntropyHighWater int `yaml:"entropy_high_water"`

	// EntropyLowWater is the target pruning drains the pool down to.
	// Must be strictly below EntropyHighWater (hysteresis).
	EntropyLowWater int `yaml:"entropy_low_water"`

	// EntropyMetric is "item_count" or "content_bytes".
	EntropyMetric EntropyMetric `yaml:"entropy_metric"`
}

// LoggingConfig configures category file logging under .gearbox/logs/.
type LoggingConfig struct {
	// DebugMode enables log output. When false, logging is a no-op.
	DebugMode bool `yaml:"debug_mode"`

	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Categories toggles individual categories. Empty means all enabled.
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gate: GateConfig{
			StrictMode: true,
		},
		Memory: MemoryConfig{
			ConsolidationThreshold: 0.8,
			EntropyHighWater:       64,
			EntropyLowWater:        48,
			EntropyMetric:          MetricItemCount,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, Dir, FileName)
}

// Load loads configuration for a workspace, falling back to defaults when no
// config file exists.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyDefaults(workspace)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults(workspace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the workspace config file.
func (c *Config) Save(workspace string) error {
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyDefaults fills fields the file and environment left empty.
func (c *Config) applyDefaults(workspace string) {
	if c.Project == "" {
		base := filepath.Base(workspace)
		if base == "." || base == string(filepath.Separator) || base == "" {
			base = "default"
		}
		c.Project = base
	}
	if c.Memory.EntropyMetric == "" {
		c.Memory.EntropyMetric = MetricItemCount
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnvOverrides applies GEARBOX_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEARBOX_PROJECT"); v != "" {
		c.Project = v
	}
	if v := os.Getenv("GEARBOX_GATE_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gate.StrictMode = b
		}
	}
	if v := os.Getenv("GEARBOX_CONSOLIDATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Memory.ConsolidationThreshold = f
		}
	}
	if v := os.Getenv("GEARBOX_ENTROPY_HIGH_WATER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.EntropyHighWater = n
		}
	}
	if v := os.Getenv("GEARBOX_ENTROPY_LOW_WATER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.EntropyLowWater = n
		}
	}
	if v := os.Getenv("GEARBOX_ENTROPY_METRIC"); v != "" {
		c.Memory.EntropyMetric = EntropyMetric(v)
	}
	if v := os.Getenv("GEARBOX_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate validates threshold relationships and enum values.
func (c *Config) Validate() error {
	m := c.Memory
	if m.ConsolidationThreshold <= 0 || m.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation_threshold %.2f out of range (0, 1]", m.ConsolidationThreshold)
	}
	if m.EntropyHighWater <= 0 {
		return fmt.Errorf("entropy_high_water must be positive, got %d", m.EntropyHighWater)
	}
	if m.EntropyLowWater < 0 {
		return fmt.Errorf("entropy_low_water must be non-negative, got %d", m.EntropyLowWater)
	}
	if m.EntropyLowWater >= m.EntropyHighWater {
		return fmt.Errorf("entropy_low_water %d must be below entropy_high_water %d", m.EntropyLowWater, m.EntropyHighWater)
	}
	switch m.EntropyMetric {
	case MetricItemCount, MetricContentBytes:
	default:
		return fmt.Errorf("unrecognized entropy_metric %q", m.EntropyMetric)
	}
	return nil
}

// FindWorkspaceRoot walks up from the current directory looking for an
// existing .gearbox directory. Falls back to the current directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for cur := dir; ; {
		if fi, err := os.Stat(filepath.Join(cur, Dir)); err == nil && fi.IsDir() {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir, nil
		}
		cur = parent
	}
}
