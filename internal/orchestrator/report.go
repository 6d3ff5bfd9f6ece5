package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

// Report is the result of one orchestrated run.
type Report struct {
	Outcome session.Outcome `json:"outcome"`
	// Plan is the last revision executed.
	Plan *plan.Plan `json:"plan"`
	// Sessions holds one snapshot per executed revision, in order.
	Sessions     []session.Snapshot `json:"sessions"`
	FinalSession session.Snapshot   `json:"final_session"`
	Anomalies    []anomaly.Anomaly  `json:"anomalies,omitempty"`
	Replans      []replan.Record    `json:"replans,omitempty"`
	// IgnoredTriggers arrived after the replan budget was spent.
	IgnoredTriggers []replan.Trigger `json:"ignored_triggers,omitempty"`
	ReleaseReport   guard.Report     `json:"release_report"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// Results returns the output of every completed step of the final
// session, whatever the outcome.
func (r *Report) Results() map[string]json.RawMessage {
	return r.FinalSession.Results()
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run completed, with or without warnings.
func (r *Report) Succeeded() bool {
	return r.Outcome == session.OutcomeCompleted || r.Outcome == session.OutcomeCompletedWithWarnings
}
