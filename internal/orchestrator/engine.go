// Package orchestrator runs a plan end to end: it executes revisions
// through the scheduler, revises the plan when anomalies or failures
// trigger the replanner, releases every held resource and persists the
// run.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/scheduler"
	"github.com/felixgeelhaar/sentinel/internal/session"
	"github.com/felixgeelhaar/sentinel/internal/store"
	"github.com/felixgeelhaar/sentinel/internal/telemetry"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Plan metadata keys the experience fingerprints are derived from.
const (
	MetaTask        = "task"
	MetaTarget      = "target"
	MetaEnvironment = "environment"
)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the replan loop settings.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithDetectorConfig sets the anomaly thresholds used for each run.
func WithDetectorConfig(cfg anomaly.Config) Option { return func(e *Engine) { e.detectorCfg = cfg } }

// WithReleaser sets how held resources are released at the end of a run.
func WithReleaser(r guard.Releaser, opts ...guard.Option) Option {
	return func(e *Engine) {
		e.releaser = r
		e.guardOpts = opts
	}
}

// WithStore persists plans, sessions, anomalies, replans and experiences.
func WithStore(s store.Store) Option { return func(e *Engine) { e.store = s } }

// WithPublisher publishes progress events.
func WithPublisher(p hooks.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Engine owns the long-lived collaborators of a run. One Engine can run
// many plans; each Run gets a fresh detector and guard.
type Engine struct {
	adapters    *adapter.Manager
	replanner   *replan.Replanner
	cfg         Config
	detectorCfg anomaly.Config
	releaser    guard.Releaser
	guardOpts   []guard.Option
	store       store.Store
	publisher   hooks.Publisher
	logger      *log.Logger
	metrics     *metrics.Metrics
}

// New creates an engine dispatching through adapters and revising plans
// with replanner.
func New(adapters *adapter.Manager, replanner *replan.Replanner, opts ...Option) (*Engine, error) {
	e := &Engine{
		adapters:    adapters,
		replanner:   replanner,
		cfg:         DefaultConfig(),
		detectorCfg: anomaly.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if e.cfg.SeverityFloor != 0 {
		e.detectorCfg.SeverityFloor = e.cfg.SeverityFloor
	}
	if err := e.detectorCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}
	if _, err := adapters.Get(e.cfg.Strategy); err != nil {
		return nil, err
	}
	if e.releaser == nil {
		e.releaser = guard.ReleaserFunc(func(context.Context, tool.Resource) error { return nil })
	}
	e.logger = log.OrDefault(e.logger).WithComponent("orchestrator")
	return e, nil
}

// loop is the state of one Run.
type loop struct {
	e        *Engine
	report   *Report
	replans  int
	prior    map[string]int
	disabled bool
}

// Run executes p until it finishes, replanning on triggers up to the
// configured budget. A plan that does not compile is returned as an error
// before anything runs. Every other failure is reported in the Report.
func (e *Engine) Run(ctx context.Context, p *plan.Plan) (*Report, error) {
	ctx, span := telemetry.StartRunSpan(ctx, p.ID, len(p.Steps))
	defer span.End()

	if _, err := p.Compile(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	a, err := e.adapters.Get(e.cfg.Strategy)
	if err != nil {
		return nil, err
	}
	det, err := anomaly.NewDetector(e.detectorCfg,
		anomaly.WithLogger(e.logger), anomaly.WithMetrics(e.metrics), anomaly.WithPublisher(e.publisher))
	if err != nil {
		return nil, err
	}
	g := guard.New(e.releaser, append(append([]guard.Option(nil), e.guardOpts...),
		guard.WithLogger(e.logger), guard.WithMetrics(e.metrics), guard.WithPublisher(e.publisher))...)

	persistCtx := context.WithoutCancel(ctx)
	e.persist("plan", func() error { return e.store.SavePlan(persistCtx, p) })

	l := &loop{
		e:      e,
		report: &Report{StartedAt: time.Now()},
		prior:  make(map[string]int),
	}

	e.logger.Info("run started", "plan_id", p.ID, "steps", len(p.Steps), "strategy", string(e.cfg.Strategy))

	cur := p
	var carried []session.StepRun
	var final *scheduler.Result
	for {
		sess := session.New(cur, session.WithPublisher(e.publisher))
		for _, run := range carried {
			if err := sess.Carry(run); err != nil {
				e.logger.WithError(err).Warn("cannot carry step", "step_id", run.StepID)
			}
		}

		sched := scheduler.New(a,
			scheduler.WithDetector(det),
			scheduler.WithGuard(g),
			scheduler.WithReplanOnFailure(e.cfg.ReplanOnFailure),
			scheduler.WithContextVersion(cur.Metadata[MetaEnvironment]),
			scheduler.WithTrigger(l.accept),
			scheduler.WithLogger(e.logger),
			scheduler.WithMetrics(e.metrics),
		)
		res, err := sched.Run(ctx, cur, sess)
		if err != nil {
			return nil, err
		}
		l.record(persistCtx, res)

		if res.Status != scheduler.StatusInterrupted {
			final = res
			break
		}

		next, err := e.replanner.Replan(ctx, replan.Input{
			Plan:         cur,
			Snapshot:     res.Snapshot,
			Trigger:      *res.Trigger,
			PriorReplans: l.prior,
			TotalReplans: l.replans,
			Concurrency:  concurrency(a, cur),
		})
		if err != nil {
			// run the rest of the current revision without further replans
			e.logger.WithError(err).Warn("replan failed, resuming current plan", "plan_id", cur.ID)
			l.disabled = true
			carried = completedRuns(res.Snapshot)
			continue
		}

		l.replans++
		if id := next.Record.Decision.StepID; id != "" {
			l.prior[id]++
		}
		l.report.Replans = append(l.report.Replans, next.Record)
		e.persist("replan record", func() error { return e.store.SaveReplan(persistCtx, next.Record) })
		e.persist("plan", func() error { return e.store.SavePlan(persistCtx, next.Plan) })

		cur = next.Plan
		carried = next.Carried
	}

	l.report.Plan = cur
	l.report.ReleaseReport = g.ReleaseAll(ctx)
	l.finish(persistCtx, final)

	if l.report.Succeeded() {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("run %s", l.report.Outcome))
	}
	return l.report, nil
}

// accept decides whether a trigger interrupts the current revision.
func (l *loop) accept(t replan.Trigger) bool {
	if !l.e.cfg.ReplanEnabled || l.disabled || l.replans >= l.e.cfg.MaxReplans {
		l.report.IgnoredTriggers = append(l.report.IgnoredTriggers, t)
		l.e.logger.Debug("trigger recorded without replanning", "replans", l.replans)
		return false
	}
	return true
}

// record stores the outcome of one scheduler run.
func (l *loop) record(ctx context.Context, res *scheduler.Result) {
	r := l.report
	r.Sessions = append(r.Sessions, res.Snapshot)
	r.Anomalies = append(r.Anomalies, res.Anomalies...)
	if n := len(r.Replans); n > 0 && r.Replans[n-1].RevisedPlanID == res.Snapshot.PlanID {
		r.Replans[n-1].Outcome = res.Outcome
		rec := r.Replans[n-1]
		l.e.persist("replan outcome", func() error { return l.e.store.SaveReplan(ctx, rec) })
	}

	snap := res.Snapshot
	l.e.persist("session", func() error { return l.e.store.SaveSession(ctx, snap) })
	if len(res.Anomalies) > 0 {
		found := res.Anomalies
		l.e.persist("anomalies", func() error { return l.e.store.SaveAnomalies(ctx, found) })
	}
}

// finish decides the run outcome and records the experience.
func (l *loop) finish(ctx context.Context, final *scheduler.Result) {
	r := l.report
	snap := final.Snapshot
	r.FinalSession = snap
	r.Outcome = session.DecideOutcome(session.OutcomeInput{
		Cancelled:       final.Status == scheduler.StatusCancelled,
		CriticalFailed:  final.Status == scheduler.StatusAborted,
		Completed:       snap.Metrics.Completed + snap.Metrics.Carried,
		Failed:          snap.Metrics.Failed,
		Skipped:         snap.Metrics.Skipped,
		ReleaseWarnings: len(r.ReleaseReport.Warnings),
	})
	r.FinishedAt = time.Now()
	l.e.metrics.RecordSession(string(r.Outcome))

	if r.Succeeded() && r.Plan != nil {
		exp := experienceFor(r.Plan, snap)
		l.e.persist("experience", func() error {
			_, err := l.e.store.UpsertExperience(ctx, exp)
			return err
		})
	}

	l.publishFinish()

	l.e.logger.Info("run finished",
		"plan_id", r.Plan.ID, "outcome", string(r.Outcome), "revisions", len(r.Sessions),
		"replans", len(r.Replans), "anomalies", len(r.Anomalies),
		"released", len(r.ReleaseReport.Released), "release_warnings", len(r.ReleaseReport.Warnings),
		"duration", r.Duration())
}

// publishFinish announces the run outcome once every held resource has
// been released or reported.
func (l *loop) publishFinish() {
	if l.e.publisher == nil {
		return
	}
	r := l.report
	snap := r.FinalSession
	ev := hooks.NewEvent(hooks.EventRunFinish, snap.ID, map[string]any{
		"outcome":          string(r.Outcome),
		"completed":        snap.Metrics.Completed + snap.Metrics.Carried,
		"failed":           snap.Metrics.Failed,
		"skipped":          snap.Metrics.Skipped,
		"revisions":        len(r.Sessions),
		"replans":          len(r.Replans),
		"released":         len(r.ReleaseReport.Released),
		"release_warnings": len(r.ReleaseReport.Warnings),
		"duration_ms":      int(r.Duration().Milliseconds()),
	})
	ev.PlanID = snap.PlanID
	l.e.publisher.Publish(ev)
}

// persist runs fn when a store is configured. Store failures never fail a
// run; they are logged.
func (e *Engine) persist(what string, fn func() error) {
	if e.store == nil {
		return
	}
	if err := fn(); err != nil {
		e.logger.WithError(err).Warn("failed to persist " + what)
	}
}

// concurrency is the effective slot count the revision ran with.
func concurrency(a *adapter.Adapter, p *plan.Plan) int {
	if n := p.Hints.MaxConcurrency; n > 0 && n < a.Slots() {
		return n
	}
	return a.Slots()
}

func completedRuns(snap session.Snapshot) []session.StepRun {
	var out []session.StepRun
	for _, r := range snap.Runs {
		if r.Status == session.StatusCompleted {
			out = append(out, r)
		}
	}
	return out
}

// experienceFor summarizes a successful run: the tools of completed steps
// in completion order, with the completed fraction as confidence.
func experienceFor(p *plan.Plan, snap session.Snapshot) store.Experience {
	runs := completedRuns(snap)
	sortByCompletion(runs)
	seq := make([]string, 0, len(runs))
	for _, r := range runs {
		seq = append(seq, r.Tool)
	}
	conf := 0.0
	if len(snap.Runs) > 0 {
		conf = float64(len(runs)) / float64(len(snap.Runs))
	}
	return store.Experience{
		TaskFingerprint:        store.Fingerprint(p.Metadata[MetaTask], p.Summary),
		TargetFingerprint:      store.Fingerprint(p.Metadata[MetaTarget]),
		EnvironmentFingerprint: store.Fingerprint(p.Metadata[MetaEnvironment]),
		ToolSequence:           seq,
		Confidence:             conf,
	}
}

func sortByCompletion(runs []session.StepRun) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CompletedAt.Before(runs[j].CompletedAt) })
}
