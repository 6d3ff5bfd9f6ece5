package replan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/session"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// revision applies a decision to a cloned plan.
type revision struct {
	r         *Replanner
	in        Input
	plan      *plan.Plan
	completed map[string]session.StepRun
	decision  *Decision
	changes   []Change
}

func (rv *revision) record(kind, stepID, field string, from, to any) {
	rv.changes = append(rv.changes, Change{
		Kind:   kind,
		StepID: stepID,
		Field:  field,
		From:   fmt.Sprint(from),
		To:     fmt.Sprint(to),
	})
}

func (rv *revision) pending(id string) bool {
	_, done := rv.completed[id]
	return !done
}

func (rv *revision) step(id string) *plan.Step {
	for i := range rv.plan.Steps {
		if rv.plan.Steps[i].ID == id {
			return &rv.plan.Steps[i]
		}
	}
	return nil
}

func (rv *revision) apply(ctx context.Context) error {
	switch rv.decision.Strategy {
	case StrategyPartialModification:
		rv.partialModification()
	case StrategyParameterOptimization:
		rv.parameterOptimization()
	case StrategyStepReorder:
		rv.stepReorder()
	case StrategyResourceReallocation:
		rv.resourceReallocation()
	case StrategyAlternativeCapability:
		if !rv.alternativeCapability() {
			rv.decision.Reason += "; no equivalent capability available"
			rv.decision.Strategy = StrategyCompleteReplan
			return rv.completeReplan(ctx)
		}
	default:
		return rv.completeReplan(ctx)
	}
	return nil
}

// completeReplan replaces every non-completed step with the planner's
// continuation, or re-issues them unchanged when no planner is set.
func (rv *revision) completeReplan(ctx context.Context) error {
	var kept, remaining []plan.Step
	for _, st := range rv.plan.Steps {
		if rv.pending(st.ID) {
			remaining = append(remaining, st)
		} else {
			kept = append(kept, st)
		}
	}

	if rv.r.planner == nil {
		for _, st := range remaining {
			rv.record("reissue", st.ID, "", "", st.Tool)
		}
		return nil
	}

	req := PlannerRequest{
		Plan:      rv.in.Plan,
		Completed: make(map[string]json.RawMessage, len(rv.completed)),
		Remaining: remaining,
		Decision:  *rv.decision,
	}
	for id, run := range rv.completed {
		req.Completed[id] = run.Result
	}

	next, err := rv.r.planner.Continue(ctx, req)
	if err != nil {
		rv.r.logger.WithError(err).Warn("planner failed, re-issuing remaining steps")
		for _, st := range remaining {
			rv.record("reissue", st.ID, "", "", st.Tool)
		}
		return nil
	}

	for _, st := range next {
		if !rv.pending(st.ID) {
			return fmt.Errorf("planner returned step %s which already completed", st.ID)
		}
	}
	for _, st := range remaining {
		rv.record("remove", st.ID, "", st.Tool, "")
	}
	for _, st := range next {
		rv.record("add", st.ID, "", "", st.Tool)
	}
	rv.plan.Steps = append(kept, bindReferences(next)...)
	return nil
}

// partialModification normalizes the failing step's arguments against its
// schema and makes its outgoing edges best-effort.
func (rv *revision) partialModification() {
	id := rv.decision.StepID
	st := rv.step(id)
	if st == nil {
		return
	}

	if rv.pending(id) {
		if desc, err := rv.r.caps.Describe(st.Tool); err == nil && desc.Schema != nil {
			before := len(st.Args)
			st.Args = tool.ApplyDefaults(desc.Schema, st.Args)
			rv.record("args", id, "args", fmt.Sprintf("%d keys", before), fmt.Sprintf("%d keys", len(st.Args)))
		}
	}

	for i := range rv.plan.Steps {
		s := &rv.plan.Steps[i]
		if !rv.pending(s.ID) || s.IsBestEffort(id) {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep == id {
				s.BestEffort = append(s.BestEffort, id)
				rv.record("edge", s.ID, "best_effort", "", id)
				break
			}
		}
	}
}

// parameterOptimization stretches the timeouts of the remaining steps.
func (rv *revision) parameterOptimization() {
	cur := rv.plan.Hints.TimeoutScale
	if cur <= 0 {
		cur = 1
	}
	next := cur * 1.5
	rv.plan.Hints.TimeoutScale = next
	rv.record("hints", "", "timeout_scale", cur, next)
}

// stepReorder moves pending steps that use the offending tool behind every
// other step. Dependencies are unchanged.
func (rv *revision) stepReorder() {
	offending := rv.decision.Tool
	if offending == "" {
		return
	}
	lowest := 0
	for _, st := range rv.plan.Steps {
		if st.Priority < lowest {
			lowest = st.Priority
		}
	}
	for i := range rv.plan.Steps {
		st := &rv.plan.Steps[i]
		if st.Tool != offending || !rv.pending(st.ID) {
			continue
		}
		prev := st.Priority
		st.Priority = lowest - 1
		rv.record("priority", st.ID, "priority", prev, st.Priority)
	}
}

// resourceReallocation halves the concurrency of the next session.
func (rv *revision) resourceReallocation() {
	cur := rv.plan.Hints.MaxConcurrency
	if cur <= 0 {
		cur = rv.in.Concurrency
	}
	if cur <= 0 {
		cur = 1
	}
	next := cur / 2
	if next < 1 {
		next = 1
	}
	rv.plan.Hints.MaxConcurrency = next
	rv.record("hints", "", "max_concurrency", cur, next)
}

// alternativeCapability routes the failing step to the first available
// equivalent. It reports false when there is none.
func (rv *revision) alternativeCapability() bool {
	id := rv.decision.StepID
	st := rv.step(id)
	if st == nil || !rv.pending(id) {
		return false
	}
	alts := rv.r.caps.Equivalents(st.Tool)
	if len(alts) == 0 {
		return false
	}

	prev := st.Tool
	st.Tool = alts[0]
	if desc, err := rv.r.caps.Describe(st.Tool); err == nil && desc.Schema != nil {
		st.Args = tool.ApplyDefaults(desc.Schema, st.Args)
	}
	rv.record("tool", id, "tool", prev, st.Tool)
	return true
}

// bindReferences parses reference strings in planner-supplied steps.
func bindReferences(steps []plan.Step) []plan.Step {
	for i := range steps {
		if steps[i].Args != nil {
			steps[i].Args = plan.ParseReferences(steps[i].Args).(map[string]any)
		}
	}
	return steps
}
