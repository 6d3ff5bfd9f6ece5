// Package session records the execution of one plan revision: per-step
// state machines, their transitions and aggregate metrics.
//
// A Session has a single writer (the scheduler loop); Snapshot and the
// other read methods are safe from any goroutine.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Status is the state of one StepRun.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

var allowed = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusSkipped, StatusFailed},
	StatusRunning:  {StatusRetrying, StatusCompleted, StatusFailed, StatusSkipped},
	StatusRetrying: {StatusRunning, StatusFailed, StatusSkipped},
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the lifecycle state of the session itself.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Transition is one recorded state change of a step.
type Transition struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// StepRun is the execution record of one step.
type StepRun struct {
	StepID      string           `json:"step_id"`
	Tool        string           `json:"tool"`
	Status      Status           `json:"status"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   errors.ErrorCode `json:"error_code,omitempty"`
	RetryCount  int              `json:"retry_count"`
	Attempts    int              `json:"attempts"`
	Cached      bool             `json:"cached,omitempty"`
	Usage       []tool.Usage     `json:"usage,omitempty"`
	Acquired    []tool.Resource  `json:"acquired,omitempty"`
	Released    []string         `json:"released,omitempty"`
	Carried     bool             `json:"carried,omitempty"`
	Transitions []Transition     `json:"transitions"`
}

// Clone returns a deep copy.
func (r StepRun) Clone() StepRun {
	c := r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	c.Usage = append([]tool.Usage(nil), r.Usage...)
	c.Acquired = append([]tool.Resource(nil), r.Acquired...)
	c.Released = append([]string(nil), r.Released...)
	c.Transitions = append([]Transition(nil), r.Transitions...)
	return c
}

// Metrics aggregates a session.
type Metrics struct {
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Carried         int           `json:"carried"`
	Retries         int           `json:"retries"`
	CacheHits       int           `json:"cache_hits"`
	TotalLatency    time.Duration `json:"total_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	PeakCPUPercent  float64       `json:"peak_cpu_percent"`
}

// Option configures a Session.
type Option func(*Session)

// WithPublisher publishes every transition to p.
func WithPublisher(p hooks.Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithID sets the session ID instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is the execution record of one plan revision.
type Session struct {
	mu        sync.RWMutex
	id        string
	planID    string
	order     []string
	runs      map[string]*StepRun
	metrics   Metrics
	state     State
	outcome   Outcome
	startedAt time.Time
	endedAt   time.Time

	publisher hooks.Publisher
	now       func() time.Time
}

// New creates a session with every step of p Pending.
func New(p *plan.Plan, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		planID: p.ID,
		runs:   make(map[string]*StepRun, len(p.Steps)),
		state:  StateCreated,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, st := range p.Steps {
		s.order = append(s.order, st.ID)
		s.runs[st.ID] = &StepRun{StepID: st.ID, Tool: st.Tool, Status: StatusPending}
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// PlanID returns the ID of the plan revision being executed.
func (s *Session) PlanID() string { return s.planID }

// Start moves the session to running.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return errors.NewSessionClosedError(s.id)
	}
	s.state = StateRunning
	s.startedAt = s.now()
	s.mu.Unlock()

	s.publish(hooks.EventSessionStart, "", map[string]any{"steps": len(s.order)})
	return nil
}

// Carry installs a Completed run from a previous revision. The run is
// kept as is apart from the Carried flag; it is never dispatched again.
func (s *Session) Carry(run StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	cur, ok := s.runs[run.StepID]
	if !ok {
		return errors.NewPlanInvalidError("carried step " + run.StepID + " is not part of plan " + s.planID)
	}
	if run.Status != StatusCompleted {
		return errors.NewInvalidTransitionError(run.StepID, string(cur.Status), string(run.Status))
	}
	if cur.Status != StatusPending {
		return errors.NewInvalidTransitionError(run.StepID, string(cur.Status), string(StatusCompleted))
	}
	c := run.Clone()
	c.Carried = true
	s.runs[run.StepID] = &c
	s.metrics.Carried++
	return nil
}

// MarkRunning records dispatch of a step, or the start of a retry attempt
// once its backoff wait is over.
func (s *Session) MarkRunning(stepID string) error {
	return s.update(stepID, StatusRunning, "", func(r *StepRun, now time.Time) {
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
		r.Attempts++
	})
}

// MarkRetrying records that attempt failed and another will follow.
func (s *Session) MarkRetrying(stepID string, attempt int, cause error) error {
	s.mu.Lock()
	r, ok := s.runs[stepID]
	if ok && r.Status == StatusRetrying {
		// the attempt start was not reported; close the wait here
		s.transition(r, StatusRunning, attempt, "")
		r.Attempts = attempt
	}
	s.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.updateAttempt(stepID, StatusRetrying, attempt, reason, func(r *StepRun, _ time.Time) {
		r.RetryCount = attempt
		s.metrics.Retries++
	})
}

// Complete records a successful result.
func (s *Session) Complete(stepID string, res *adapter.ToolResult) error {
	if err := s.resume(stepID); err != nil {
		return err
	}
	return s.update(stepID, StatusCompleted, "", func(r *StepRun, now time.Time) {
		s.finishRun(r, now, res)
		s.metrics.Completed++
	})
}

// Fail records a failed step. res may be nil when the step failed before
// reaching the adapter.
func (s *Session) Fail(stepID string, res *adapter.ToolResult, cause error) error {
	if err := s.resume(stepID); err != nil {
		return err
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.update(stepID, StatusFailed, reason, func(r *StepRun, now time.Time) {
		s.finishRun(r, now, res)
		r.Result = nil
		if cause != nil {
			r.Error = cause.Error()
			r.ErrorCode = errors.CodeOf(cause)
		}
		s.metrics.Failed++
	})
}

// Skip records a step that will never run.
func (s *Session) Skip(stepID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.update(stepID, StatusSkipped, reason, func(r *StepRun, now time.Time) {
		r.CompletedAt = now
		if cause != nil {
			r.Error = cause.Error()
			r.ErrorCode = errors.CodeOf(cause)
		}
		s.metrics.Skipped++
	})
}

// Finish closes the session with outcome. Every later write fails with
// SESSION-001.
func (s *Session) Finish(outcome Outcome) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateFinished
	s.outcome = outcome
	s.endedAt = s.now()
	m := s.metrics
	s.mu.Unlock()

	s.publish(hooks.EventSessionFinish, "", map[string]any{
		"outcome":   string(outcome),
		"completed": m.Completed,
		"failed":    m.Failed,
		"skipped":   m.Skipped,
	})
	return nil
}

// Status returns a step's status; ok is false for unknown steps.
func (s *Session) Status(stepID string) (status Status, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, found := s.runs[stepID]
	if !found {
		return "", false
	}
	return r.Status, true
}

// Run returns a copy of a step's run.
func (s *Session) Run(stepID string) (StepRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[stepID]
	if !ok {
		return StepRun{}, false
	}
	return r.Clone(), true
}

// CompletedResults returns the results of every Completed step.
func (s *Session) CompletedResults() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for id, r := range s.runs {
		if r.Status == StatusCompleted {
			out[id] = append(json.RawMessage(nil), r.Result...)
		}
	}
	return out
}

// Lookup resolves references against Completed steps.
func (s *Session) Lookup() plan.Lookup {
	return func(stepID string) (json.RawMessage, bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		r, ok := s.runs[stepID]
		if !ok || r.Status != StatusCompleted {
			return nil, false
		}
		return r.Result, true
	}
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:         s.id,
		PlanID:     s.planID,
		State:      s.state,
		Outcome:    s.outcome,
		StartedAt:  s.startedAt,
		FinishedAt: s.endedAt,
		Metrics:    s.metrics,
		Runs:       make([]StepRun, 0, len(s.order)),
	}
	for _, id := range s.order {
		snap.Runs = append(snap.Runs, s.runs[id].Clone())
	}
	return snap
}

func (s *Session) writable() error {
	if s.state == StateFinished {
		return errors.NewSessionClosedError(s.id)
	}
	return nil
}

// resume closes an open retry wait before a terminal transition.
func (s *Session) resume(stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if r, ok := s.runs[stepID]; ok && r.Status == StatusRetrying {
		s.transition(r, StatusRunning, r.RetryCount+1, "")
		r.Attempts = r.RetryCount + 1
	}
	return nil
}

func (s *Session) update(stepID string, to Status, reason string, apply func(*StepRun, time.Time)) error {
	return s.updateAttempt(stepID, to, 0, reason, apply)
}

func (s *Session) updateAttempt(stepID string, to Status, attempt int, reason string, apply func(*StepRun, time.Time)) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.runs[stepID]
	if !ok {
		s.mu.Unlock()
		return errors.NewPlanInvalidError("unknown step " + stepID)
	}
	from := r.Status
	if !canTransition(from, to) {
		s.mu.Unlock()
		return errors.NewInvalidTransitionError(stepID, string(from), string(to))
	}
	now := s.now()
	if attempt == 0 && to == StatusRunning {
		attempt = r.Attempts + 1
	}
	s.transition(r, to, attempt, reason)
	apply(r, now)
	toolName := r.Tool
	code := r.ErrorCode
	s.mu.Unlock()

	data := map[string]any{"from": string(from), "to": string(to), "tool": toolName}
	if attempt > 0 {
		data["attempt"] = attempt
	}
	if code != "" {
		data["error_code"] = string(code)
	}
	s.publish(hooks.EventStepTransition, stepID, data)
	return nil
}

func (s *Session) transition(r *StepRun, to Status, attempt int, reason string) {
	r.Transitions = append(r.Transitions, Transition{
		From:    r.Status,
		To:      to,
		At:      s.now(),
		Attempt: attempt,
		Reason:  reason,
	})
	r.Status = to
}

func (s *Session) finishRun(r *StepRun, now time.Time, res *adapter.ToolResult) {
	r.CompletedAt = now
	if !r.StartedAt.IsZero() {
		r.Duration = now.Sub(r.StartedAt)
	}
	if res == nil {
		return
	}
	if res.Duration > 0 {
		r.Duration = res.Duration
	}
	r.Result = append(json.RawMessage(nil), res.Output...)
	r.Cached = res.Cached
	if res.Attempts > 0 {
		r.Attempts = res.Attempts
		r.RetryCount = res.RetryCount()
	}
	r.Acquired = append(r.Acquired, res.Acquired...)
	r.Released = append(r.Released, res.Released...)
	if res.Cached {
		s.metrics.CacheHits++
	}
	s.metrics.TotalLatency += r.Duration
	if r.Duration > s.metrics.MaxLatency {
		s.metrics.MaxLatency = r.Duration
	}
	if res.Usage != nil {
		r.Usage = append(r.Usage, *res.Usage)
		if res.Usage.MemoryBytes > s.metrics.PeakMemoryBytes {
			s.metrics.PeakMemoryBytes = res.Usage.MemoryBytes
		}
		if res.Usage.CPUPercent > s.metrics.PeakCPUPercent {
			s.metrics.PeakCPUPercent = res.Usage.CPUPercent
		}
	}
}

func (s *Session) publish(t hooks.EventType, stepID string, data map[string]any) {
	if s.publisher == nil {
		return
	}
	ev := hooks.NewEvent(t, s.id, data)
	ev.PlanID = s.planID
	ev.StepID = stepID
	s.publisher.Publish(ev)
}
