package plan

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Validate checks a single step in isolation.
func (s *Step) Validate() error {
	if _, err := domain.NewStepID(s.ID); err != nil {
		return fmt.Errorf("invalid step ID: %w", err)
	}

	if strings.TrimSpace(s.Tool) == "" {
		return fmt.Errorf("tool cannot be empty")
	}

	if err := s.Risk.Validate(); err != nil {
		return err
	}

	if s.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative, got %d", s.TimeoutMS)
	}

	seen := make(map[string]bool, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fmt.Errorf("step cannot depend on itself")
		}
		if seen[dep] {
			return fmt.Errorf("duplicate dependency %q", dep)
		}
		seen[dep] = true
	}

	for _, dep := range s.BestEffort {
		if !seen[dep] {
			return fmt.Errorf("best_effort entry %q is not listed in depends_on", dep)
		}
	}

	return nil
}

// Validate checks the plan as a whole: unique IDs, known dependencies,
// an acyclic graph and references that point at ancestors.
// A cycle is reported with code PLAN-005; everything else with PLAN-002.
func (p *Plan) Validate() error {
	_, err := p.Compile()
	return err
}

// Compile validates the plan and returns its dependency graph.
func (p *Plan) Compile() (*Graph, error) {
	if len(p.Steps) == 0 {
		return nil, errors.NewPlanInvalidError("plan must have at least one step")
	}

	ids := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if err := s.Validate(); err != nil {
			return nil, errors.NewPlanInvalidError(fmt.Sprintf("step at index %d (%s): %v", i, s.ID, err))
		}
		if ids[s.ID] {
			return nil, errors.NewPlanInvalidError(fmt.Sprintf("duplicate step ID %q at index %d", s.ID, i))
		}
		ids[s.ID] = true
	}

	for i, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return nil, errors.NewPlanInvalidError(fmt.Sprintf("step at index %d (%s) depends on %q which does not exist in plan", i, s.ID, dep))
			}
		}
	}

	g, err := NewGraph(p)
	if err != nil {
		return nil, err
	}

	for _, s := range p.Steps {
		ancestors := g.Ancestors(s.ID)
		for _, ref := range References(s.Args) {
			switch {
			case ref.StepID == s.ID:
				return nil, errors.NewPlanInvalidError(fmt.Sprintf("step %s references its own result", s.ID))
			case !ids[ref.StepID]:
				return nil, errors.NewPlanInvalidError(fmt.Sprintf("step %s references unknown step %s", s.ID, ref.StepID))
			case !ancestors[ref.StepID]:
				return nil, errors.NewPlanInvalidError(fmt.Sprintf("step %s references %s which is not one of its dependencies", s.ID, ref))
			}
		}
	}

	return g, nil
}
