// Package guard tracks resources opened by tools during a run and releases
// them in reverse acquisition order, even after failure or cancellation.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// DefaultReleaseTimeout bounds a single release call.
const DefaultReleaseTimeout = 30 * time.Second

// Rule marks a tool as acquiring a resource that ReleaseTool closes.
type Rule struct {
	Tool        string         `mapstructure:"tool" yaml:"tool"`
	Kind        string         `mapstructure:"kind" yaml:"kind"`
	ReleaseTool string         `mapstructure:"release_tool" yaml:"release_tool"`
	ReleaseArgs map[string]any `mapstructure:"release_args" yaml:"release_args,omitempty"`
}

// DefaultRules covers the stateful tools of a web assessment.
func DefaultRules() []Rule {
	return []Rule{
		{Tool: "start_passive_scan", Kind: "proxy", ReleaseTool: "stop_passive_scan"},
		{Tool: "browser_open", Kind: "browser", ReleaseTool: "browser_close"},
	}
}

// Releaser closes one resource.
type Releaser interface {
	Release(ctx context.Context, r tool.Resource) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context, r tool.Resource) error

// Release calls f.
func (f ReleaserFunc) Release(ctx context.Context, r tool.Resource) error { return f(ctx, r) }

// InvokerReleaser releases resources by calling their release tool.
type InvokerReleaser struct {
	Invoker tool.Invoker
}

// Release calls r.ReleaseTool with r.ReleaseArgs, or with the resource ID
// when no arguments were declared. Resources without a release tool need
// no call.
func (ir InvokerReleaser) Release(ctx context.Context, r tool.Resource) error {
	if r.ReleaseTool == "" {
		return nil
	}
	args := r.ReleaseArgs
	if args == nil {
		args = map[string]any{"resource_id": r.ID}
	}
	_, err := ir.Invoker.Execute(ctx, r.ReleaseTool, args, 0)
	return err
}

// Warning is a resource that could not be released.
type Warning struct {
	Resource tool.Resource    `json:"resource"`
	Code     errors.ErrorCode `json:"code"`
	Error    string           `json:"error"`
}

// Report lists what ReleaseAll did, in release order.
type Report struct {
	Released []tool.Resource `json:"released,omitempty"`
	Warnings []Warning       `json:"warnings,omitempty"`
}

// OK reports whether every resource was released.
func (r Report) OK() bool { return len(r.Warnings) == 0 }

// Option configures a Guard.
type Option func(*Guard)

// WithRules replaces the acquisition rules.
func WithRules(rules ...Rule) Option {
	return func(g *Guard) {
		g.rules = make(map[string]Rule, len(rules))
		for _, r := range rules {
			g.rules[r.Tool] = r
		}
	}
}

// WithReleaseTimeout bounds each release call.
func WithReleaseTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(g *Guard) { g.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Guard) { g.metrics = m } }

// WithPublisher publishes acquisitions and releases.
func WithPublisher(p hooks.Publisher) Option { return func(g *Guard) { g.publisher = p } }

// Guard is the per-run resource stack.
type Guard struct {
	mu    sync.Mutex
	stack []tool.Resource

	rules     map[string]Rule
	releaser  Releaser
	timeout   time.Duration
	logger    *log.Logger
	metrics   *metrics.Metrics
	publisher hooks.Publisher
}

// New creates a guard using releaser and DefaultRules.
func New(releaser Releaser, opts ...Option) *Guard {
	g := &Guard{releaser: releaser, timeout: DefaultReleaseTimeout}
	WithRules(DefaultRules()...)(g)
	for _, opt := range opts {
		opt(g)
	}
	g.logger = log.OrDefault(g.logger).WithComponent("guard")
	return g
}

// Completion is what a completed step reported.
type Completion struct {
	StepID   string
	Tool     string
	Cached   bool
	Acquired []tool.Resource
	Released []string
}

// Stateful reports whether calls to toolName open or close a resource the
// guard tracks. Such calls must reach the tool every time.
func (g *Guard) Stateful(toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rules[toolName]; ok {
		return true
	}
	for _, r := range g.rules {
		if r.ReleaseTool == toolName {
			return true
		}
	}
	return g.isReleaseToolLocked(toolName)
}

// Observe records what a completed step opened and closed. Resources come
// from the result itself and from the rule for the step's tool. A step whose
// tool is a release tool and that names no released IDs closes the most
// recent resource it releases. Cached results invoked nothing and are
// ignored.
func (g *Guard) Observe(c Completion) {
	if c.Cached {
		g.logger.Debug("ignoring cached result", "step_id", c.StepID, "tool", c.Tool)
		return
	}
	stepID, toolName, acquired, released := c.StepID, c.Tool, c.Acquired, c.Released

	g.mu.Lock()
	var pushed []tool.Resource

	for _, id := range released {
		g.removeLocked(func(r tool.Resource) bool { return r.ID == id })
	}
	if len(released) == 0 && g.isReleaseToolLocked(toolName) {
		g.removeLocked(func(r tool.Resource) bool { return r.ReleaseTool == toolName })
	}

	for _, r := range acquired {
		if r.StepID == "" {
			r.StepID = stepID
		}
		if r.Tool == "" {
			r.Tool = toolName
		}
		g.stack = append(g.stack, r)
		pushed = append(pushed, r)
	}
	if rule, ok := g.rules[toolName]; ok && len(acquired) == 0 {
		r := tool.Resource{
			ID:          rule.Kind + ":" + stepID,
			Kind:        rule.Kind,
			StepID:      stepID,
			Tool:        toolName,
			ReleaseTool: rule.ReleaseTool,
			ReleaseArgs: rule.ReleaseArgs,
		}
		g.stack = append(g.stack, r)
		pushed = append(pushed, r)
	}
	g.mu.Unlock()

	for _, r := range pushed {
		g.logger.Debug("resource acquired", "resource_id", r.ID, "kind", r.Kind, "step_id", r.StepID)
		g.publish(hooks.EventResourceAcquired, r, nil)
	}
}

// Held returns the open resources, oldest first.
func (g *Guard) Held() []tool.Resource {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]tool.Resource(nil), g.stack...)
}

// ReleaseAll pops and releases every resource, newest first. Failures are
// reported as RES-001 warnings and do not stop the remaining releases.
// Each release runs on a context detached from ctx's cancellation.
func (g *Guard) ReleaseAll(ctx context.Context) Report {
	base := context.WithoutCancel(ctx)
	var report Report

	for {
		r, ok := g.pop()
		if !ok {
			return report
		}

		rctx, cancel := context.WithTimeout(base, g.timeout)
		err := g.releaser.Release(rctx, r)
		cancel()

		if err != nil {
			w := errors.NewResourceReleaseWarning(r.ID, err)
			report.Warnings = append(report.Warnings, Warning{Resource: r, Code: w.Code, Error: w.Error()})
			g.metrics.RecordRelease(r.Kind, false)
			g.logger.WithError(w).Warn("resource release failed", "resource_id", r.ID, "kind", r.Kind)
			g.publish(hooks.EventResourceReleaseFailed, r, w)
			continue
		}
		report.Released = append(report.Released, r)
		g.metrics.RecordRelease(r.Kind, true)
		g.logger.Debug("resource released", "resource_id", r.ID, "kind", r.Kind)
		g.publish(hooks.EventResourceReleased, r, nil)
	}
}

func (g *Guard) pop() (tool.Resource, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.stack)
	if n == 0 {
		return tool.Resource{}, false
	}
	r := g.stack[n-1]
	g.stack = g.stack[:n-1]
	return r, true
}

// removeLocked drops the most recent resource matching match.
func (g *Guard) removeLocked(match func(tool.Resource) bool) {
	for i := len(g.stack) - 1; i >= 0; i-- {
		if match(g.stack[i]) {
			g.stack = append(g.stack[:i], g.stack[i+1:]...)
			return
		}
	}
}

func (g *Guard) isReleaseToolLocked(name string) bool {
	for _, r := range g.stack {
		if r.ReleaseTool == name {
			return true
		}
	}
	return false
}

func (g *Guard) publish(t hooks.EventType, r tool.Resource, err error) {
	if g.publisher == nil {
		return
	}
	data := map[string]any{"resource_id": r.ID, "kind": r.Kind}
	if err != nil {
		data["error"] = err.Error()
	}
	ev := hooks.NewEvent(t, "", data)
	ev.StepID = r.StepID
	g.publisher.Publish(ev)
}
