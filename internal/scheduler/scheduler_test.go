package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/sentinel/internal/adapter"
	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/guard"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

func testPolicy() adapter.Policy {
	return adapter.Policy{
		Strategy:       adapter.StrategyGraph,
		MaxConcurrency: 4,
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		Multiplier:     2,
		Timeout:        time.Second,
		CacheTTL:       time.Minute,
	}
}

func instant(context.Context, time.Duration) error { return nil }

func newAdapter(t *testing.T, policy adapter.Policy, caps ...tool.Capability) *adapter.Adapter {
	t.Helper()
	reg := tool.NewRegistry(log.Discard())
	reg.MustRegister(caps...)
	a, err := adapter.New(reg, policy, adapter.WithLogger(log.Discard()), adapter.WithSleeper(instant))
	require.NoError(t, err)
	return a
}

func echo(name string, calls *atomic.Int32) tool.Capability {
	return tool.Func(tool.Descriptor{Name: name, NoCache: true}, func(_ context.Context, args map[string]any) (*tool.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return tool.JSONResult(map[string]any{"tool": name, "args": args})
	})
}

func failing(name string, err error) tool.Capability {
	return tool.Func(tool.Descriptor{Name: name, NoCache: true}, func(context.Context, map[string]any) (*tool.Result, error) {
		return nil, err
	})
}

func mustPlan(t *testing.T, steps ...plan.Step) *plan.Plan {
	t.Helper()
	p, err := plan.New("plan-1", steps...)
	require.NoError(t, err)
	return p
}

func runPlan(t *testing.T, s *Scheduler, p *plan.Plan) *Result {
	t.Helper()
	res, err := s.Run(context.Background(), p, session.New(p))
	require.NoError(t, err)
	return res
}

func TestRun_FanOutAfterRoot(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var both sync.WaitGroup
	both.Add(2)

	record := func(name string, wait bool) tool.Capability {
		return tool.Func(tool.Descriptor{Name: name, NoCache: true}, func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if wait {
				both.Done()
				done := make(chan struct{})
				go func() { both.Wait(); close(done) }()
				select {
				case <-done:
				case <-ctx.Done():
					return nil, errors.New(errors.ErrCodeArgumentInvalid, "sibling never started")
				}
			}
			return tool.JSONResult(name)
		})
	}

	a := newAdapter(t, testPolicy(), record("tool_a", false), record("tool_b", true), record("tool_c", true))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "tool_a"},
		plan.Step{ID: "E2", Tool: "tool_b", DependsOn: []string{"E1"}},
		plan.Step{ID: "E3", Tool: "tool_c", DependsOn: []string{"E1"}},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Equal(t, StatusFinished, res.Status)
	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	require.Len(t, order, 3)
	assert.Equal(t, "tool_a", order[0])
	assert.ElementsMatch(t, []string{"tool_b", "tool_c"}, order[1:])
	for _, id := range []string{"E1", "E2", "E3"} {
		run, ok := res.Snapshot.Run(id)
		require.True(t, ok)
		assert.Equal(t, session.StatusCompleted, run.Status, id)
	}
	assert.Equal(t, 3, res.Snapshot.Metrics.Completed)
}

func TestRun_DependentOfFailedStepIsSkipped(t *testing.T) {
	var dependentCalls atomic.Int32
	a := newAdapter(t, testPolicy(),
		failing("fingerprint", errors.NewArgumentError("fingerprint", fmt.Errorf("missing host"))),
		echo("exploit", &dependentCalls),
		echo("report", nil),
	)
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "fingerprint"},
		plan.Step{ID: "E2", Tool: "exploit", DependsOn: []string{"E1"}, Args: map[string]any{"service": "#E1.service"}},
		plan.Step{ID: "E3", Tool: "exploit", DependsOn: []string{"E2"}},
		plan.Step{ID: "E4", Tool: "report"},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Zero(t, dependentCalls.Load())
	for _, id := range []string{"E2", "E3"} {
		run, _ := res.Snapshot.Run(id)
		assert.Equal(t, session.StatusSkipped, run.Status, id)
		assert.Equal(t, errors.ErrCodeDependencyFailed, run.ErrorCode, id)
		assert.Zero(t, run.Attempts, id)
	}
	e4, _ := res.Snapshot.Run("E4")
	assert.Equal(t, session.StatusCompleted, e4.Status)
	assert.Equal(t, session.OutcomeCompletedWithWarnings, res.Outcome)
}

func TestRun_AllFailedIsFailedOutcome(t *testing.T) {
	a := newAdapter(t, testPolicy(), failing("probe", errors.NewCapabilityUnavailableError("probe")))
	p := mustPlan(t, plan.Step{ID: "E1", Tool: "probe"})

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)
	assert.Equal(t, session.OutcomeFailed, res.Outcome)
}

func TestRun_TimeoutsExhaustRetries(t *testing.T) {
	var attempts atomic.Int32
	hang := tool.Func(tool.Descriptor{Name: "port_scan", NoCache: true}, func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := newAdapter(t, testPolicy(), hang)
	p := mustPlan(t, plan.Step{ID: "E1", Tool: "port_scan", TimeoutMS: 10})

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Equal(t, int32(3), attempts.Load())
	run, _ := res.Snapshot.Run("E1")
	assert.Equal(t, session.StatusFailed, run.Status)
	assert.Equal(t, errors.ErrCodeExecTimeout, run.ErrorCode)
	assert.Equal(t, 3, run.Attempts)
	assert.Equal(t, 2, run.RetryCount)

	var path []session.Status
	var running []int
	for _, tr := range run.Transitions {
		path = append(path, tr.To)
		if tr.To == session.StatusRunning {
			running = append(running, tr.Attempt)
		}
	}
	assert.Equal(t, []session.Status{
		session.StatusRunning, session.StatusRetrying,
		session.StatusRunning, session.StatusRetrying,
		session.StatusRunning, session.StatusFailed,
	}, path)
	assert.Equal(t, []int{1, 2, 3}, running)
}

func TestRun_BestEffortEdgePassesUnavailable(t *testing.T) {
	var got map[string]any
	capture := tool.Func(tool.Descriptor{Name: "summarize", NoCache: true}, func(_ context.Context, args map[string]any) (*tool.Result, error) {
		b, _ := json.Marshal(args)
		_ = json.Unmarshal(b, &got)
		return tool.JSONResult("ok")
	})
	a := newAdapter(t, testPolicy(), failing("screenshot", errors.NewCapabilityUnavailableError("screenshot")), capture)
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "screenshot"},
		plan.Step{ID: "E2", Tool: "summarize", DependsOn: []string{"E1"}, BestEffort: []string{"E1"}, Args: map[string]any{"image": "#E1"}},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	e2, _ := res.Snapshot.Run("E2")
	assert.Equal(t, session.StatusCompleted, e2.Status)
	assert.Equal(t, map[string]any{"$unavailable": "E1"}, got["image"])
}

func TestRun_ReferencesResolveAgainstCompletedResults(t *testing.T) {
	var got atomic.Value
	resolve := tool.Func(tool.Descriptor{Name: "dns_resolve", NoCache: true}, func(context.Context, map[string]any) (*tool.Result, error) {
		return tool.JSONResult(map[string]any{"addresses": []string{"10.0.0.5"}})
	})
	scan := tool.Func(tool.Descriptor{Name: "tcp_probe", NoCache: true}, func(_ context.Context, args map[string]any) (*tool.Result, error) {
		got.Store(args["hosts"])
		return tool.JSONResult("open")
	})
	a := newAdapter(t, testPolicy(), resolve, scan)
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "dns_resolve"},
		plan.Step{ID: "E2", Tool: "tcp_probe", DependsOn: []string{"E1"}, Args: map[string]any{"hosts": "#E1.addresses"}},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []any{"10.0.0.5"}, got.Load())
}

func TestRun_CriticalFailureAborts(t *testing.T) {
	var later atomic.Int32
	a := newAdapter(t, testPolicy(), failing("auth", errors.NewArgumentError("auth", fmt.Errorf("bad credentials"))), echo("crawl", &later))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "auth", Critical: true},
		plan.Step{ID: "E2", Tool: "crawl", DependsOn: []string{"E1"}, BestEffort: []string{"E1"}},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, "E1", res.CriticalStep)
	assert.Equal(t, session.OutcomeFailed, res.Outcome)
	assert.Zero(t, later.Load())
	e2, _ := res.Snapshot.Run("E2")
	assert.Equal(t, session.StatusSkipped, e2.Status)
	assert.Equal(t, errors.ErrCodeExecCancelled, e2.ErrorCode)
}

func TestRun_TriggerInterruptsAndLeavesPending(t *testing.T) {
	var later atomic.Int32
	a := newAdapter(t, testPolicy(), failing("sqli_probe", errors.NewArgumentError("sqli_probe", fmt.Errorf("no params"))), echo("report", &later))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "sqli_probe"},
		plan.Step{ID: "E2", Tool: "report", DependsOn: []string{"E1"}, BestEffort: []string{"E1"}},
	)

	var triggers []replan.Trigger
	s := New(a,
		WithLogger(log.Discard()),
		WithReplanOnFailure(true),
		WithTrigger(func(tr replan.Trigger) bool {
			triggers = append(triggers, tr)
			return true
		}),
	)
	res := runPlan(t, s, p)

	assert.Equal(t, StatusInterrupted, res.Status)
	require.NotNil(t, res.Trigger)
	require.NotNil(t, res.Trigger.Failure)
	assert.Equal(t, "E1", res.Trigger.Failure.StepID)
	assert.Equal(t, errors.ErrCodeArgumentInvalid, res.Trigger.Failure.Code)
	assert.Len(t, triggers, 1)
	assert.Zero(t, later.Load())

	e2, _ := res.Snapshot.Run("E2")
	assert.Equal(t, session.StatusPending, e2.Status)
	assert.Equal(t, session.StateFinished, res.Snapshot.State)
}

func TestRun_DeclinedTriggerContinues(t *testing.T) {
	a := newAdapter(t, testPolicy(), failing("sqli_probe", errors.NewArgumentError("sqli_probe", nil)), echo("report", nil))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "sqli_probe"},
		plan.Step{ID: "E2", Tool: "report", DependsOn: []string{"E1"}, BestEffort: []string{"E1"}},
	)

	s := New(a, WithLogger(log.Discard()), WithReplanOnFailure(true),
		WithTrigger(func(replan.Trigger) bool { return false }))
	res := runPlan(t, s, p)

	assert.Equal(t, StatusFinished, res.Status)
	assert.Nil(t, res.Trigger)
	e2, _ := res.Snapshot.Run("E2")
	assert.Equal(t, session.StatusCompleted, e2.Status)
}

func TestRun_LatencyAnomalyTriggers(t *testing.T) {
	slow := tool.Func(tool.Descriptor{Name: "crawl", NoCache: true}, func(context.Context, map[string]any) (*tool.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return tool.JSONResult("pages")
	})
	a := newAdapter(t, testPolicy(), slow, echo("report", nil))
	cfg := anomaly.DefaultConfig()
	cfg.DefaultLatency = 5 * time.Millisecond
	det, err := anomaly.NewDetector(cfg, anomaly.WithLogger(log.Discard()))
	require.NoError(t, err)

	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "crawl"},
		plan.Step{ID: "E2", Tool: "report", DependsOn: []string{"E1"}},
	)
	s := New(a, WithLogger(log.Discard()), WithDetector(det),
		WithTrigger(func(tr replan.Trigger) bool { return len(tr.Anomalies) > 0 }))
	res := runPlan(t, s, p)

	assert.Equal(t, StatusInterrupted, res.Status)
	require.NotEmpty(t, res.Anomalies)
	assert.Equal(t, anomaly.KindLatency, res.Anomalies[0].Kind)
	assert.Equal(t, domain.SeverityCritical, res.Anomalies[0].Severity)
	require.NotNil(t, res.Trigger)
	assert.Nil(t, res.Trigger.Failure)
}

func TestRun_CancellationSkipsRemaining(t *testing.T) {
	started := make(chan struct{})
	block := tool.Func(tool.Descriptor{Name: "brute_force", NoCache: true}, func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := newAdapter(t, testPolicy(), block, echo("report", nil))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "brute_force"},
		plan.Step{ID: "E2", Tool: "report", DependsOn: []string{"E1"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := New(a, WithLogger(log.Discard())).Run(ctx, p, session.New(p))
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, session.OutcomeCancelled, res.Outcome)
	e1, _ := res.Snapshot.Run("E1")
	assert.Equal(t, session.StatusFailed, e1.Status)
	assert.Equal(t, errors.ErrCodeExecCancelled, e1.ErrorCode)
	e2, _ := res.Snapshot.Run("E2")
	assert.Equal(t, session.StatusSkipped, e2.Status)
}

func TestRun_MaxConcurrencyHintCapsInFlight(t *testing.T) {
	var cur, peak atomic.Int32
	work := tool.Func(tool.Descriptor{Name: "dir_enum", NoCache: true}, func(context.Context, map[string]any) (*tool.Result, error) {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return tool.JSONResult("ok")
	})
	a := newAdapter(t, testPolicy(), work)
	var steps []plan.Step
	for i := range 6 {
		steps = append(steps, plan.Step{ID: fmt.Sprintf("E%d", i+1), Tool: "dir_enum"})
	}
	p := mustPlan(t, steps...)
	p.Hints.MaxConcurrency = 1

	res := runPlan(t, New(a, WithLogger(log.Discard())), p)

	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRun_CarriedStepsAreNotDispatched(t *testing.T) {
	var calls atomic.Int32
	a := newAdapter(t, testPolicy(), echo("dns_resolve", &calls), echo("tcp_probe", nil))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "dns_resolve"},
		plan.Step{ID: "E2", Tool: "tcp_probe", DependsOn: []string{"E1"}, Args: map[string]any{"hosts": "#E1.addresses"}},
	)
	sess := session.New(p)
	require.NoError(t, sess.Carry(session.StepRun{
		StepID: "E1",
		Tool:   "dns_resolve",
		Status: session.StatusCompleted,
		Result: json.RawMessage(`{"addresses":["10.0.0.7"]}`),
	}))

	res, err := New(a, WithLogger(log.Discard())).Run(context.Background(), p, sess)
	require.NoError(t, err)

	assert.Zero(t, calls.Load())
	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	e1, _ := res.Snapshot.Run("E1")
	assert.True(t, e1.Carried)
}

func TestRun_GuardTracksAcquiredResources(t *testing.T) {
	open := tool.Func(tool.Descriptor{Name: "browser_open", NoCache: true}, func(context.Context, map[string]any) (*tool.Result, error) {
		return &tool.Result{Acquired: []tool.Resource{{ID: "b-1", Kind: "browser"}}}, nil
	})
	a := newAdapter(t, testPolicy(), open)
	g := guard.New(guard.ReleaserFunc(func(context.Context, tool.Resource) error { return nil }), guard.WithLogger(log.Discard()))
	p := mustPlan(t, plan.Step{ID: "E1", Tool: "browser_open"})

	runPlan(t, New(a, WithLogger(log.Discard()), WithGuard(g)), p)

	held := g.Held()
	require.Len(t, held, 1)
	assert.Equal(t, "b-1", held[0].ID)
}

func TestRun_StatefulToolsBypassTheCache(t *testing.T) {
	var opens, closes atomic.Int32
	open := tool.Func(tool.Descriptor{Name: "browser_open"}, func(context.Context, map[string]any) (*tool.Result, error) {
		opens.Add(1)
		return tool.JSONResult(map[string]any{"ok": true})
	})
	closeTool := tool.Func(tool.Descriptor{Name: "browser_close"}, func(context.Context, map[string]any) (*tool.Result, error) {
		closes.Add(1)
		return tool.JSONResult(map[string]any{"ok": true})
	})
	a := newAdapter(t, testPolicy(), open, closeTool)
	g := guard.New(guard.ReleaserFunc(func(context.Context, tool.Resource) error { return nil }), guard.WithLogger(log.Discard()))
	p := mustPlan(t,
		plan.Step{ID: "E1", Tool: "browser_open", Args: map[string]any{"url": "a"}},
		plan.Step{ID: "E2", Tool: "browser_close", DependsOn: []string{"E1"}},
		plan.Step{ID: "E3", Tool: "browser_open", Args: map[string]any{"url": "b"}, DependsOn: []string{"E2"}},
		plan.Step{ID: "E4", Tool: "browser_close", DependsOn: []string{"E3"}},
	)

	res := runPlan(t, New(a, WithLogger(log.Discard()), WithGuard(g)), p)

	assert.Equal(t, session.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int32(2), opens.Load())
	assert.Equal(t, int32(2), closes.Load())
	for _, id := range []string{"E1", "E2", "E3", "E4"} {
		run, _ := res.Snapshot.Run(id)
		assert.False(t, run.Cached, id)
	}
	assert.Empty(t, g.Held())
}

func TestRun_CycleIsRejected(t *testing.T) {
	a := newAdapter(t, testPolicy(), echo("x", nil))
	p := &plan.Plan{ID: "cyclic", Steps: []plan.Step{
		{ID: "E1", Tool: "x", DependsOn: []string{"E2"}},
		{ID: "E2", Tool: "x", DependsOn: []string{"E1"}},
	}}

	_, err := New(a, WithLogger(log.Discard())).Run(context.Background(), p, session.New(p))
	assert.ErrorIs(t, err, errors.ErrCycleDetected)
}
