package orchestrator

import (
	"fmt"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/domain"
)

// DefaultMaxReplans bounds revisions per run.
const DefaultMaxReplans = 3

// Config controls the replan loop.
type Config struct {
	// Strategy selects the adapter policy steps are dispatched with.
	Strategy adapter.Strategy `mapstructure:"strategy" yaml:"strategy"`
	// ReplanEnabled allows triggers to interrupt and revise the plan.
	ReplanEnabled bool `mapstructure:"replan_enabled" yaml:"replan_enabled"`
	// MaxReplans is the revision budget; triggers beyond it are recorded only.
	MaxReplans int `mapstructure:"max_replans" yaml:"max_replans"`
	// ReplanOnFailure turns non-critical step failures into triggers.
	ReplanOnFailure bool `mapstructure:"replan_on_failure" yaml:"replan_on_failure"`
	// SeverityFloor is the lowest anomaly severity that triggers a replan.
	SeverityFloor domain.Severity `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Strategy:        adapter.StrategyGraph,
		ReplanEnabled:   true,
		MaxReplans:      DefaultMaxReplans,
		ReplanOnFailure: true,
		SeverityFloor:   domain.SeverityMedium,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.MaxReplans < 0 {
		return fmt.Errorf("max_replans must be >= 0, got %d", c.MaxReplans)
	}
	if c.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	return nil
}
