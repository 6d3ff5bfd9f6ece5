// Package adapter implements the per-strategy call layer between the
// scheduler and the tool registry: validation, result caching, bounded
// concurrency, retry with capped exponential backoff, and timeouts.
package adapter

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/telemetry"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Call is one requested tool invocation.
type Call struct {
	// ID correlates the call across logs and results; generated when empty.
	ID     string
	StepID string
	Tool   string
	Args   map[string]any
	// Timeout overrides the policy timeout when positive.
	Timeout time.Duration
	// ContextVersion partitions the cache, e.g. per target environment.
	ContextVersion string
	NoCache        bool
	// OnRetry is invoked before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	// OnAttempt is invoked when a retry attempt starts, after its backoff
	// wait. The first attempt is not reported.
	OnAttempt func(attempt int)
}

// ToolResult is the normalized outcome of a Call.
type ToolResult struct {
	CallID    string           `json:"call_id"`
	StepID    string           `json:"step_id,omitempty"`
	Tool      string           `json:"tool"`
	Success   bool             `json:"success"`
	Output    json.RawMessage  `json:"output,omitempty"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
	ErrorCode errors.ErrorCode `json:"error_code,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Attempts  int              `json:"attempts"`
	Cached    bool             `json:"cached,omitempty"`
	Acquired  []tool.Resource  `json:"acquired,omitempty"`
	Released  []string         `json:"released,omitempty"`
	Usage     *tool.Usage      `json:"usage,omitempty"`
	// Args are the validated, normalized arguments sent to the tool.
	Args map[string]any `json:"args,omitempty"`
}

// RetryCount is the number of attempts beyond the first.
func (r *ToolResult) RetryCount() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

func (r *ToolResult) clone() *ToolResult {
	c := *r
	return &c
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithCache shares a result cache between adapters.
func WithCache(c *Cache) Option {
	return func(a *Adapter) { a.cache = c }
}

// WithSleeper replaces the backoff wait; tests use it to observe delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = fn }
}

// Adapter executes calls for one strategy.
type Adapter struct {
	policy  Policy
	invoker tool.Invoker
	cache   *Cache
	sem     *semaphore.Weighted
	slots   int
	limiter *rate.Limiter
	flight  *singleflight.Group
	metrics *metrics.Metrics
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	inFlight *atomic.Int64
	peak     *atomic.Int64
}

// New creates an adapter over invoker with the given policy.
func New(invoker tool.Invoker, policy Policy, opts ...Option) (*Adapter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		policy:   policy,
		invoker:  invoker,
		sem:      semaphore.NewWeighted(int64(policy.MaxConcurrency)),
		slots:    policy.MaxConcurrency,
		flight:   &singleflight.Group{},
		sleep:    sleepContext,
		inFlight: &atomic.Int64{},
		peak:     &atomic.Int64{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = NewCache(policy.CacheTTL)
	}
	if policy.RateLimit > 0 {
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(policy.RateLimit), burst)
	}
	a.logger = log.OrDefault(a.logger).WithComponent("adapter").With("strategy", string(policy.Strategy))
	return a, nil
}

// WithConcurrency returns an adapter sharing this one's cache and tools but
// allowing at most n calls in flight. n above the policy limit is clamped.
func (a *Adapter) WithConcurrency(n int) *Adapter {
	if n < 1 {
		n = 1
	}
	if n >= a.slots {
		return a
	}
	c := *a
	c.sem = semaphore.NewWeighted(int64(n))
	c.slots = n
	c.inFlight = &atomic.Int64{}
	c.peak = &atomic.Int64{}
	return &c
}

// Policy returns the adapter policy.
func (a *Adapter) Policy() Policy { return a.policy }

// Slots returns the number of concurrent calls allowed.
func (a *Adapter) Slots() int { return a.slots }

// Cache returns the result cache.
func (a *Adapter) Cache() *Cache { return a.cache }

// InFlight returns the calls currently holding a slot.
func (a *Adapter) InFlight() int { return int(a.inFlight.Load()) }

// PeakInFlight returns the highest number of simultaneous calls observed.
func (a *Adapter) PeakInFlight() int { return int(a.peak.Load()) }

// Call validates, then serves call from cache or executes it with retries.
// The returned result is never nil; on failure err is also stored in it.
func (a *Adapter) Call(ctx context.Context, call Call) (*ToolResult, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	start := time.Now()
	strategy := string(a.policy.Strategy)

	ctx, span := telemetry.StartCallSpan(ctx, call.Tool, strategy)
	defer span.End()

	res, err := a.call(ctx, call)
	res.CallID = call.ID
	res.StepID = call.StepID
	res.Tool = call.Tool
	res.Duration = time.Since(start)

	if err != nil {
		res.Success = false
		res.Err = err
		res.Error = err.Error()
		res.ErrorCode = errors.CodeOf(err)
		a.metrics.RecordError(string(res.ErrorCode))
		telemetry.RecordError(span, err)
		a.logger.WithError(err).Debug("tool call failed", "call_id", call.ID, "tool", call.Tool, "attempts", res.Attempts)
	} else {
		res.Success = true
		telemetry.RecordSuccess(span)
	}
	a.metrics.RecordToolCall(call.Tool, strategy, res.Success, res.Duration)
	return res, err
}

func (a *Adapter) call(ctx context.Context, call Call) (*ToolResult, error) {
	args, err := a.invoker.Validate(call.Tool, call.Args)
	if err != nil {
		return &ToolResult{}, err
	}

	if call.NoCache || !a.cacheable(call.Tool) {
		res, err := a.execute(ctx, call, args)
		res.Args = args
		return res, err
	}

	key, err := Key(call.Tool, args, call.ContextVersion)
	if err != nil {
		return &ToolResult{Args: args}, errors.NewArgumentError(call.Tool, err)
	}

	if hit, ok := a.cache.Get(key); ok {
		a.metrics.RecordCache(string(a.policy.Strategy), true)
		res := hit.clone()
		res.Cached = true
		res.Attempts = 0
		res.Acquired = nil
		res.Released = nil
		return res, nil
	}
	a.metrics.RecordCache(string(a.policy.Strategy), false)

	v, err, _ := a.flight.Do(key, func() (any, error) {
		res, err := a.execute(ctx, call, args)
		res.Args = args
		if err == nil && len(res.Acquired) == 0 && len(res.Released) == 0 {
			stored := res.clone()
			stored.Success = true
			a.cache.Put(key, stored)
		}
		return res, err
	})
	return v.(*ToolResult).clone(), err
}

func (a *Adapter) cacheable(name string) bool {
	desc, err := a.invoker.Describe(name)
	return err == nil && !desc.NoCache
}

// execute runs the retry loop. Retryable failures are retried up to
// MaxRetries times with Policy.Backoff delays.
func (a *Adapter) execute(ctx context.Context, call Call, args map[string]any) (*ToolResult, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = a.policy.Timeout
	}

	res := &ToolResult{}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		out, err := a.attempt(ctx, call.Tool, args, timeout)
		if err == nil {
			res.Output = out.Output
			res.Acquired = out.Acquired
			res.Released = out.Released
			res.Usage = out.Usage
			return res, nil
		}

		if !errors.IsRetryable(err) || attempt > a.policy.MaxRetries || ctx.Err() != nil {
			return res, err
		}

		delay := a.policy.Backoff(attempt)
		a.metrics.RecordRetry(call.Tool, string(a.policy.Strategy))
		a.logger.WithError(err).Warn("retrying tool call",
			"call_id", call.ID, "tool", call.Tool, "attempt", attempt, "delay", delay)
		if call.OnRetry != nil {
			call.OnRetry(attempt, delay, err)
		}

		if err := a.sleep(ctx, delay); err != nil {
			return res, errors.Wrap(errors.ErrCodeExecCancelled, call.Tool+" cancelled during backoff", err)
		}
		if call.OnAttempt != nil {
			call.OnAttempt(attempt + 1)
		}
	}
}

// attempt holds a concurrency slot for exactly one invocation.
func (a *Adapter) attempt(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*tool.Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeExecCancelled, name+" cancelled waiting for rate limit", err)
		}
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(errors.ErrCodeExecCancelled, name+" cancelled waiting for a slot", err)
	}
	defer a.sem.Release(1)

	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}

	strategy := string(a.policy.Strategy)
	a.metrics.AddInFlight(strategy, 1)
	defer a.metrics.AddInFlight(strategy, -1)

	return a.invoker.Execute(ctx, name, args, timeout)
}

// CallBatch executes calls and returns their results in input order.
// Sequential policies run them one after another; others fan out, bounded
// by the adapter's slots.
func (a *Adapter) CallBatch(ctx context.Context, calls []Call) []*ToolResult {
	results := make([]*ToolResult, len(calls))
	if a.policy.Sequential {
		for i, c := range calls {
			results[i], _ = a.Call(ctx, c)
		}
		return results
	}

	var g errgroup.Group
	for i, c := range calls {
		g.Go(func() error {
			results[i], _ = a.Call(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
