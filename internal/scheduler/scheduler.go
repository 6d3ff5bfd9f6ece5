// Package scheduler drives one plan revision to completion: it dispatches
// ready steps through the call adapter, records every transition in the
// session, feeds completions to the anomaly detector and stops when a
// replan trigger fires.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
	"github.com/felixgeelhaar/sentinel/internal/telemetry"
)

// Status is how a scheduler run ended.
type Status string

const (
	// StatusFinished means nothing is left Pending or Running.
	StatusFinished Status = "finished"
	// StatusInterrupted means a trigger stopped dispatch; Pending steps remain.
	StatusInterrupted Status = "interrupted"
	// StatusAborted means a critical step failed.
	StatusAborted Status = "aborted"
	// StatusCancelled means the context was cancelled.
	StatusCancelled Status = "cancelled"
)

// Result describes a finished scheduler run. The session is finished too.
type Result struct {
	Status       Status
	Outcome      session.Outcome
	Trigger      *replan.Trigger
	CriticalStep string
	// Anomalies holds every anomaly detected during the run, triggers or not.
	Anomalies []anomaly.Anomaly
	Snapshot  session.Snapshot
}

// TriggerFunc is consulted when a completion produces a trigger. Returning
// true interrupts the run.
type TriggerFunc func(replan.Trigger) bool

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDetector evaluates each completion for anomalies.
func WithDetector(d *anomaly.Detector) Option { return func(s *Scheduler) { s.detector = d } }

// WithGuard records resources declared by completed steps.
func WithGuard(g *guard.Guard) Option { return func(s *Scheduler) { s.guard = g } }

// WithTrigger sets the interrupt callback.
func WithTrigger(fn TriggerFunc) Option { return func(s *Scheduler) { s.onTrigger = fn } }

// WithReplanOnFailure turns non-critical step failures into triggers.
func WithReplanOnFailure(enabled bool) Option {
	return func(s *Scheduler) { s.replanOnFailure = enabled }
}

// WithContextVersion partitions the adapter cache for this run.
func WithContextVersion(v string) Option { return func(s *Scheduler) { s.contextVersion = v } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// Scheduler executes plans through one adapter.
type Scheduler struct {
	adapter         *adapter.Adapter
	detector        *anomaly.Detector
	guard           *guard.Guard
	onTrigger       TriggerFunc
	replanOnFailure bool
	contextVersion  string
	logger          *log.Logger
	metrics         *metrics.Metrics
}

// New creates a scheduler dispatching through a.
func New(a *adapter.Adapter, opts ...Option) *Scheduler {
	s := &Scheduler{adapter: a}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrDefault(s.logger).WithComponent("scheduler")
	return s
}

type message struct {
	stepID  string
	retry   bool
	resumed bool
	attempt int
	err     error
	result  *adapter.ToolResult
}

// run is the state of one Run call. Only the loop goroutine touches it.
type run struct {
	s        *Scheduler
	plan     *plan.Plan
	graph    *plan.Graph
	sess     *session.Session
	adapter  *adapter.Adapter
	msgs     chan message
	inFlight int
	started  map[string]time.Time

	stopped  bool
	trigger  *replan.Trigger
	critical string
	found    []anomaly.Anomaly
}

// Run executes p, recording into sess, until every step is terminal, a
// trigger interrupts, a critical step fails or ctx is cancelled. Steps
// carried into sess from an earlier revision are never dispatched.
func (s *Scheduler) Run(ctx context.Context, p *plan.Plan, sess *session.Session) (*Result, error) {
	g, err := p.Compile()
	if err != nil {
		return nil, err
	}
	if err := sess.Start(); err != nil {
		return nil, err
	}

	a := s.adapter
	if n := p.Hints.MaxConcurrency; n > 0 {
		a = a.WithConcurrency(n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		s:       s,
		plan:    p,
		graph:   g,
		sess:    sess,
		adapter: a,
		msgs:    make(chan message),
		started: make(map[string]time.Time),
	}

	s.logger.Info("session started",
		"session_id", sess.ID(), "plan_id", p.ID, "revision", p.Revision,
		"steps", len(p.Steps), "slots", a.Slots())

	for {
		if !r.stopped && ctx.Err() == nil {
			r.dispatch(runCtx)
		}
		if r.inFlight == 0 {
			break
		}
		msg := <-r.msgs
		if msg.retry {
			r.onRetry(msg)
			continue
		}
		if msg.resumed {
			r.onResume(msg)
			continue
		}
		r.inFlight--
		if r.onDone(ctx, msg) {
			cancel()
		}
	}

	return r.finish(ctx)
}

// dispatch skips steps whose required predecessors did not complete, then
// starts ready steps in priority order while slots remain.
func (r *run) dispatch(ctx context.Context) {
	for r.skipBlocked() {
	}

	var pending []string
	for _, id := range r.graph.Order() {
		if st, _ := r.sess.Status(id); st == session.StatusPending {
			pending = append(pending, id)
		}
	}

	ready := r.graph.Ready(pending, r.terminal)
	for _, id := range ready {
		if r.inFlight >= r.adapter.Slots() {
			return
		}
		r.start(ctx, id)
	}
}

func (r *run) terminal(id string) bool {
	st, _ := r.sess.Status(id)
	return st.Terminal()
}

// skipBlocked marks Pending steps with a failed or skipped predecessor over
// a required edge as Skipped. It reports whether anything changed.
func (r *run) skipBlocked() bool {
	changed := false
	for _, id := range r.graph.Order() {
		if st, _ := r.sess.Status(id); st != session.StatusPending {
			continue
		}
		step, _ := r.graph.Step(id)
		for _, dep := range r.graph.Predecessors(id) {
			st, _ := r.sess.Status(dep)
			if (st == session.StatusFailed || st == session.StatusSkipped) && !step.IsBestEffort(dep) {
				r.skip(id, errors.NewDependencyFailedError(id, dep))
				changed = true
				break
			}
		}
	}
	return changed
}

func (r *run) skip(id string, cause error) {
	if err := r.sess.Skip(id, cause); err != nil {
		r.s.logger.WithError(err).Warn("cannot skip step", "step_id", id)
		return
	}
	step, _ := r.graph.Step(id)
	r.s.metrics.RecordStep(step.Tool, string(session.StatusSkipped), 0)
	r.s.logger.Debug("step skipped", "step_id", id, "reason", cause.Error())
}

func (r *run) start(ctx context.Context, id string) {
	step, _ := r.graph.Step(id)
	if err := r.sess.MarkRunning(id); err != nil {
		r.s.logger.WithError(err).Error("cannot start step", "step_id", id)
		return
	}
	r.started[id] = time.Now()
	r.inFlight++

	args, err := plan.ResolveArgs(step, r.sess.Lookup())
	if err != nil {
		go func() { r.msgs <- message{stepID: id, err: err} }()
		return
	}

	call := adapter.Call{
		StepID:         id,
		Tool:           step.Tool,
		Args:           args,
		Timeout:        r.timeout(step),
		ContextVersion: r.s.contextVersion,
		// tools that open or close tracked resources must run every time
		NoCache: r.s.guard != nil && r.s.guard.Stateful(step.Tool),
		OnRetry: func(attempt int, _ time.Duration, err error) {
			r.msgs <- message{stepID: id, retry: true, attempt: attempt, err: err}
		},
		OnAttempt: func(attempt int) {
			r.msgs <- message{stepID: id, resumed: true, attempt: attempt}
		},
	}

	go func() {
		stepCtx, span := telemetry.StartStepSpan(ctx, r.sess.ID(), id, step.Tool)
		defer span.End()
		res, err := r.adapter.Call(stepCtx, call)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		r.msgs <- message{stepID: id, result: res, err: err}
	}()
}

// timeout applies the plan's timeout scale to the step or policy timeout.
func (r *run) timeout(step plan.Step) time.Duration {
	d := step.Timeout()
	scale := r.plan.Hints.TimeoutScale
	if scale <= 0 || scale == 1 {
		return d
	}
	if d <= 0 {
		d = r.adapter.Policy().Timeout
	}
	return time.Duration(float64(d) * scale)
}

func (r *run) onRetry(msg message) {
	if err := r.sess.MarkRetrying(msg.stepID, msg.attempt, msg.err); err != nil {
		r.s.logger.WithError(err).Warn("cannot record retry", "step_id", msg.stepID)
	}
}

// onResume records that a retry attempt started after its backoff wait.
func (r *run) onResume(msg message) {
	if err := r.sess.MarkRunning(msg.stepID); err != nil {
		r.s.logger.WithError(err).Warn("cannot record retry attempt", "step_id", msg.stepID, "attempt", msg.attempt)
	}
}

// onDone records a finished step and reports whether in-flight work must be
// cancelled.
func (r *run) onDone(ctx context.Context, msg message) (abort bool) {
	step, _ := r.graph.Step(msg.stepID)
	elapsed := time.Since(r.started[msg.stepID])
	failed := msg.err != nil

	if failed {
		if err := r.sess.Fail(msg.stepID, msg.result, msg.err); err != nil {
			r.s.logger.WithError(err).Error("cannot record failure", "step_id", msg.stepID)
		}
		r.s.metrics.RecordStep(step.Tool, string(session.StatusFailed), elapsed)
		r.s.logger.WithError(msg.err).Warn("step failed", "step_id", msg.stepID, "tool", step.Tool)
	} else {
		if err := r.sess.Complete(msg.stepID, msg.result); err != nil {
			r.s.logger.WithError(err).Error("cannot record completion", "step_id", msg.stepID)
		}
		if r.s.guard != nil {
			r.s.guard.Observe(guard.Completion{
				StepID:   msg.stepID,
				Tool:     step.Tool,
				Cached:   msg.result.Cached,
				Acquired: msg.result.Acquired,
				Released: msg.result.Released,
			})
		}
		r.s.metrics.RecordStep(step.Tool, string(session.StatusCompleted), elapsed)
		r.s.logger.Debug("step completed", "step_id", msg.stepID, "tool", step.Tool, "cached", msg.result.Cached)
	}

	if ctx.Err() != nil {
		return false
	}

	var eval anomaly.Evaluation
	if r.s.detector != nil {
		obs := anomaly.Observation{
			SessionID: r.sess.ID(),
			StepID:    msg.stepID,
			Tool:      step.Tool,
			Success:   !failed,
			Duration:  elapsed,
		}
		if msg.result != nil {
			obs.Usage = msg.result.Usage
			if msg.result.Duration > 0 {
				obs.Duration = msg.result.Duration
			}
		}
		eval = r.s.detector.Observe(obs)
		r.found = append(r.found, eval.Anomalies...)
	}

	if failed && step.Critical {
		r.stopped = true
		r.critical = msg.stepID
		r.s.logger.Error("critical step failed, aborting", "step_id", msg.stepID)
		return true
	}

	if r.stopped || r.s.onTrigger == nil {
		return false
	}
	trig := replan.Trigger{Anomalies: eval.Triggers}
	if failed && r.s.replanOnFailure {
		f := &replan.StepFailure{StepID: msg.stepID, Tool: step.Tool, Code: errors.CodeOf(msg.err), Error: msg.err.Error()}
		if msg.result != nil {
			f.Retries = msg.result.RetryCount()
		}
		trig.Failure = f
	}
	if !trig.Empty() && r.s.onTrigger(trig) {
		r.stopped = true
		r.trigger = &trig
		r.s.logger.Info("replan triggered, draining in-flight steps", "step_id", msg.stepID, "in_flight", r.inFlight)
	}
	return false
}

// finish skips what can no longer run, closes the session and builds the
// result.
func (r *run) finish(ctx context.Context) (*Result, error) {
	res := &Result{Status: StatusFinished, Trigger: r.trigger, CriticalStep: r.critical, Anomalies: r.found}

	switch {
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		r.skipPending(errors.Wrap(errors.ErrCodeExecCancelled, "run cancelled", ctx.Err()))
	case r.critical != "":
		res.Status = StatusAborted
		r.skipPending(errors.New(errors.ErrCodeExecCancelled, fmt.Sprintf("run aborted: critical step %s failed", r.critical)))
	case r.trigger != nil:
		res.Status = StatusInterrupted
	}

	snap := r.sess.Snapshot()
	res.Outcome = session.DecideOutcome(session.OutcomeInput{
		Cancelled:      res.Status == StatusCancelled,
		CriticalFailed: res.Status == StatusAborted,
		Completed:      snap.Metrics.Completed + snap.Metrics.Carried,
		Failed:         snap.Metrics.Failed,
		Skipped:        snap.Metrics.Skipped,
	})
	if err := r.sess.Finish(res.Outcome); err != nil {
		return nil, err
	}
	res.Snapshot = r.sess.Snapshot()

	r.s.logger.Info("session finished",
		"session_id", r.sess.ID(), "status", string(res.Status), "outcome", string(res.Outcome),
		"completed", snap.Metrics.Completed, "failed", snap.Metrics.Failed, "skipped", snap.Metrics.Skipped)
	return res, nil
}

func (r *run) skipPending(cause error) {
	for _, id := range r.graph.Order() {
		if st, _ := r.sess.Status(id); st == session.StatusPending {
			r.skip(id, cause)
		}
	}
}
