package replan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/session"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Capabilities is the part of the tool registry the replanner consults.
type Capabilities interface {
	Describe(name string) (tool.Descriptor, error)
	Equivalents(name string) []string
}

// PlannerRequest asks an external planner for a continuation.
type PlannerRequest struct {
	Plan      *plan.Plan
	Completed map[string]json.RawMessage
	Remaining []plan.Step
	Decision  Decision
}

// Planner produces replacement steps for everything not yet completed.
// Returned steps may depend on completed steps.
type Planner interface {
	Continue(ctx context.Context, req PlannerRequest) ([]plan.Step, error)
}

// Change is one modification made by a revision.
type Change struct {
	Kind   string `json:"kind"`
	StepID string `json:"step_id,omitempty"`
	Field  string `json:"field,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Record describes one revision.
type Record struct {
	ID            string    `json:"id"`
	OriginPlanID  string    `json:"origin_plan_id"`
	RevisedPlanID string    `json:"revised_plan_id"`
	Strategy      Strategy  `json:"strategy"`
	Decision      Decision  `json:"decision"`
	Trigger       Trigger   `json:"trigger"`
	Confidence    float64   `json:"confidence"`
	Changes       []Change  `json:"changes"`
	CreatedAt     time.Time `json:"created_at"`
	// Outcome is the session outcome of the revised plan, filled in after it runs.
	Outcome session.Outcome `json:"outcome,omitempty"`
}

// Input is everything a revision is computed from.
type Input struct {
	Plan     *plan.Plan
	Snapshot session.Snapshot
	Trigger  Trigger
	// PriorReplans counts earlier replans per step ID.
	PriorReplans map[string]int
	// TotalReplans counts earlier replans in this run.
	TotalReplans int
	// Concurrency is the effective concurrency of the interrupted session.
	Concurrency int
}

// Result is a revised plan plus the runs carried into its session.
type Result struct {
	Plan    *plan.Plan
	Record  Record
	Carried []session.StepRun
}

// Option configures a Replanner.
type Option func(*Replanner)

// WithPlanner sets the external planner used by complete_replan.
func WithPlanner(p Planner) Option { return func(r *Replanner) { r.planner = p } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(r *Replanner) { r.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Replanner) { r.metrics = m } }

// WithPublisher publishes each revision.
func WithPublisher(p hooks.Publisher) Option { return func(r *Replanner) { r.publisher = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Replanner) { r.now = now } }

// Replanner turns triggers into plan revisions.
type Replanner struct {
	caps      Capabilities
	planner   Planner
	logger    *log.Logger
	metrics   *metrics.Metrics
	publisher hooks.Publisher
	now       func() time.Time
}

// New creates a replanner.
func New(caps Capabilities, opts ...Option) *Replanner {
	r := &Replanner{caps: caps, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.OrDefault(r.logger).WithComponent("replan")
	return r
}

// Replan decides a strategy for in.Trigger and builds the revised plan.
// Completed steps keep their ID, tool and arguments; their runs are
// returned in Result.Carried for the next session.
func (r *Replanner) Replan(ctx context.Context, in Input) (*Result, error) {
	if in.Plan == nil {
		return nil, errors.NewPlanInvalidError("nothing to replan")
	}

	d := Decide(in.Trigger, in.PriorReplans)
	completed := in.Snapshot.Completed()

	rev := in.Plan.Clone()
	rev.ID = uuid.NewString()
	rev.ParentID = in.Plan.ID
	rev.Revision = in.Plan.Revision + 1

	rv := &revision{r: r, in: in, plan: rev, completed: completed, decision: &d}
	if err := rv.apply(ctx); err != nil {
		return nil, err
	}
	if _, err := rev.Compile(); err != nil {
		return nil, fmt.Errorf("revised plan (%s) is invalid: %w", d.Strategy, err)
	}

	res := &Result{Plan: rev}
	for _, st := range rev.Steps {
		if run, ok := completed[st.ID]; ok {
			res.Carried = append(res.Carried, run)
		}
	}

	res.Record = Record{
		ID:            uuid.NewString(),
		OriginPlanID:  in.Plan.ID,
		RevisedPlanID: rev.ID,
		Strategy:      d.Strategy,
		Decision:      d,
		Trigger:       in.Trigger,
		Confidence:    Confidence(d.Strategy, in.TotalReplans),
		Changes:       rv.changes,
		CreatedAt:     r.now(),
	}

	r.metrics.RecordReplan(string(d.Strategy))
	r.logger.Info("plan revised",
		"strategy", string(d.Strategy), "reason", d.Reason,
		"origin_plan_id", in.Plan.ID, "revised_plan_id", rev.ID,
		"revision", rev.Revision, "changes", len(rv.changes), "carried", len(res.Carried))
	r.publish(in.Snapshot.ID, res.Record)
	return res, nil
}

func (r *Replanner) publish(sessionID string, rec Record) {
	if r.publisher == nil {
		return
	}
	ev := hooks.NewEvent(hooks.EventReplanIssued, sessionID, map[string]any{
		"strategy":        string(rec.Strategy),
		"revised_plan_id": rec.RevisedPlanID,
		"confidence":      rec.Confidence,
		"changes":         len(rec.Changes),
		"reason":          rec.Decision.Reason,
	})
	ev.PlanID = rec.OriginPlanID
	ev.StepID = rec.Decision.StepID
	r.publisher.Publish(ev)
}
