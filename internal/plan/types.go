package plan

import (
	"time"

	"github.com/felixgeelhaar/sentinel/internal/domain"
)

// Plan is an ordered list of steps forming a dependency DAG.
// A Plan is not modified once handed to the scheduler; revisions are new
// Plans that point back through ParentID.
type Plan struct {
	ID       string            `json:"id,omitempty" yaml:"id,omitempty"`
	Summary  string            `json:"summary,omitempty" yaml:"summary,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ParentID string            `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Revision int               `json:"revision,omitempty" yaml:"revision,omitempty"`
	Hints    ExecutionHints    `json:"hints,omitempty" yaml:"hints,omitempty"`
	Steps    []Step            `json:"steps" yaml:"steps"`
}

// ExecutionHints carry run-time adjustments chosen by the replanner.
type ExecutionHints struct {
	// MaxConcurrency caps in-flight steps below the adapter's slot count. Zero means no cap.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	// TimeoutScale multiplies every step timeout. Zero means 1.
	TimeoutScale float64 `json:"timeout_scale,omitempty" yaml:"timeout_scale,omitempty"`
}

// Step is one tool invocation in a plan.
type Step struct {
	ID          string           `json:"id" yaml:"id"`
	Tool        string           `json:"tool" yaml:"tool"`
	Args        map[string]any   `json:"args,omitempty" yaml:"args,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BestEffort  []string         `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Risk        domain.RiskLevel `json:"risk,omitempty" yaml:"risk,omitempty"`
	Priority    int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	TimeoutMS   int64            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Critical    bool             `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// Timeout returns the step's own timeout, or zero to use the adapter default.
func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// IsBestEffort reports whether the edge from dep to s tolerates dep failing.
func (s Step) IsBestEffort(dep string) bool {
	for _, d := range s.BestEffort {
		if d == dep {
			return true
		}
	}
	return false
}

// Step returns the step with the given ID.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepIDs returns step IDs in declaration order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Tools returns the tool of every step in declaration order.
func (p *Plan) Tools() []string {
	tools := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		tools[i] = s.Tool
	}
	return tools
}

// Clone returns a deep copy. Argument values are copied recursively.
func (p *Plan) Clone() *Plan {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.BestEffort = append([]string(nil), s.BestEffort...)
	if s.Args != nil {
		c.Args = copyValue(s.Args).(map[string]any)
	}
	return c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}
