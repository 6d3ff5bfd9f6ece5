package anomaly

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/domain"
)

// Config holds detection thresholds.
type Config struct {
	// DefaultLatency applies to tools without an entry in Latency.
	DefaultLatency time.Duration            `mapstructure:"default_latency" yaml:"default_latency"`
	Latency        map[string]time.Duration `mapstructure:"latency" yaml:"latency,omitempty"`

	// Window is the number of recent completions the error rate is computed over.
	Window     int     `mapstructure:"window" yaml:"window"`
	MinSamples int     `mapstructure:"min_samples" yaml:"min_samples"`
	ErrorRatio float64 `mapstructure:"error_ratio" yaml:"error_ratio"`

	// Zero disables the corresponding resource rule.
	MaxMemoryBytes int64   `mapstructure:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCPUPercent  float64 `mapstructure:"max_cpu_percent" yaml:"max_cpu_percent"`

	// SeverityFloor is the lowest severity returned as a trigger.
	SeverityFloor domain.Severity `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultLatency: 30 * time.Second,
		Window:         10,
		MinSamples:     3,
		ErrorRatio:     0.5,
		SeverityFloor:  domain.SeverityMedium,
	}
}

// LatencyFor returns the latency threshold for a tool.
func (c Config) LatencyFor(tool string) time.Duration {
	if d, ok := c.Latency[tool]; ok && d > 0 {
		return d
	}
	return c.DefaultLatency
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.DefaultLatency <= 0 {
		return fmt.Errorf("default_latency must be positive")
	}
	if c.Window < 1 {
		return fmt.Errorf("window must be at least 1")
	}
	if c.MinSamples < 1 || c.MinSamples > c.Window {
		return fmt.Errorf("min_samples must be between 1 and window (%d)", c.Window)
	}
	if c.ErrorRatio <= 0 || c.ErrorRatio > 1 {
		return fmt.Errorf("error_ratio must be in (0, 1]")
	}
	if c.MaxMemoryBytes < 0 || c.MaxCPUPercent < 0 {
		return fmt.Errorf("resource caps must not be negative")
	}
	if c.SeverityFloor < domain.SeverityLow || c.SeverityFloor > domain.SeverityCritical {
		return fmt.Errorf("severity floor %d out of range", c.SeverityFloor)
	}
	return nil
}
