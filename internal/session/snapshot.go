package session

import (
	"encoding/json"
	"time"
)

// Outcome is the final result of a session or of an orchestrated run.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeCompletedWithWarnings Outcome = "completed_with_warnings"
	OutcomeFailed                Outcome = "failed"
	OutcomeCancelled             Outcome = "cancelled"
)

// OutcomeInput carries the facts an outcome is decided from.
type OutcomeInput struct {
	Cancelled       bool
	CriticalFailed  bool
	Completed       int
	Failed          int
	Skipped         int
	ReleaseWarnings int
}

// DecideOutcome applies the outcome rules in order: cancellation, then
// failure, then warnings.
func DecideOutcome(in OutcomeInput) Outcome {
	switch {
	case in.Cancelled:
		return OutcomeCancelled
	case in.CriticalFailed, in.Completed == 0 && in.Failed > 0:
		return OutcomeFailed
	case in.Failed > 0, in.Skipped > 0, in.ReleaseWarnings > 0:
		return OutcomeCompletedWithWarnings
	default:
		return OutcomeCompleted
	}
}

// Snapshot is a point-in-time deep copy of a session.
type Snapshot struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id"`
	State      State     `json:"state"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Metrics    Metrics   `json:"metrics"`
	Runs       []StepRun `json:"runs"`
}

// Run returns the run for stepID.
func (s Snapshot) Run(stepID string) (StepRun, bool) {
	for _, r := range s.Runs {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepRun{}, false
}

// WithStatus returns the IDs of runs in any of the given states, in plan order.
func (s Snapshot) WithStatus(statuses ...Status) []string {
	var ids []string
	for _, r := range s.Runs {
		for _, st := range statuses {
			if r.Status == st {
				ids = append(ids, r.StepID)
				break
			}
		}
	}
	return ids
}

// Completed returns the Completed runs keyed by step ID.
func (s Snapshot) Completed() map[string]StepRun {
	out := make(map[string]StepRun)
	for _, r := range s.Runs {
		if r.Status == StatusCompleted {
			out[r.StepID] = r
		}
	}
	return out
}

// Results returns the results of Completed runs.
func (s Snapshot) Results() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, r := range s.Runs {
		if r.Status == StatusCompleted {
			out[r.StepID] = r.Result
		}
	}
	return out
}

// Duration is the wall time between start and finish, or until now while
// the session is still running.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
