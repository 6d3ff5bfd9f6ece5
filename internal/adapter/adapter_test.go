package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

func testPolicy() Policy {
	return Policy{
		Strategy:       StrategyBatch,
		MaxConcurrency: 3,
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       150 * time.Millisecond,
		Multiplier:     2,
		Timeout:        time.Second,
		CacheTTL:       time.Minute,
	}
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestAdapter(t *testing.T, policy Policy, caps ...tool.Capability) (*Adapter, *recordingSleeper) {
	t.Helper()
	reg := tool.NewRegistry(log.Discard())
	reg.MustRegister(caps...)
	rs := &recordingSleeper{}
	a, err := New(reg, policy, WithLogger(log.Discard()), WithSleeper(rs.sleep))
	require.NoError(t, err)
	return a, rs
}

func counting(name string, calls *atomic.Int32, fn func(n int32) (*tool.Result, error)) tool.Capability {
	return tool.Func(tool.Descriptor{Name: name}, func(ctx context.Context, args map[string]any) (*tool.Result, error) {
		return fn(calls.Add(1))
	})
}

func TestDefaultPoliciesAreValid(t *testing.T) {
	for _, s := range Strategies() {
		p := DefaultPolicy(s)
		assert.NoError(t, p.Validate(), s)
		assert.Equal(t, s, p.Strategy)
		assert.Equal(t, DefaultCacheTTL, p.CacheTTL)
	}
	assert.True(t, DefaultPolicy(StrategySequential).Sequential)
	assert.Equal(t, 10, DefaultPolicy(StrategyBatch).MaxConcurrency)

	_, err := ParseStrategy("react")
	assert.Error(t, err)
	s, err := ParseStrategy("graph")
	require.NoError(t, err)
	assert.Equal(t, StrategyGraph, s)

	bad := testPolicy()
	bad.MaxConcurrency = 0
	assert.Error(t, bad.Validate())
	bad = testPolicy()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())
}

func TestBackoff_FollowsCappedExponential(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 5000).Draw(t, "base_ms")) * time.Millisecond
		mult := rapid.Float64Range(1, 3).Draw(t, "multiplier")
		maxDelay := time.Duration(rapid.IntRange(1, 60000).Draw(t, "max_ms")) * time.Millisecond
		k := rapid.IntRange(1, 10).Draw(t, "attempt")

		p := Policy{BaseDelay: base, MaxDelay: maxDelay, Multiplier: mult}
		got := p.Backoff(k)

		want := float64(base)
		for i := 1; i < k; i++ {
			want *= mult
		}
		if want > float64(maxDelay) {
			want = float64(maxDelay)
		}
		if diff := float64(got) - want; diff > 1 || diff < -1 {
			t.Fatalf("Backoff(%d) = %v, want %v", k, got, time.Duration(want))
		}
		if got > maxDelay {
			t.Fatalf("Backoff(%d) = %v exceeds max %v", k, got, maxDelay)
		}
	})
}

func TestCallServesIdenticalCallsFromCache(t *testing.T) {
	var calls atomic.Int32
	a, _ := newTestAdapter(t, testPolicy(), counting("whois", &calls, func(int32) (*tool.Result, error) {
		return tool.JSONResult(map[string]string{"registrar": "example"})
	}))

	first, err := a.Call(context.Background(), Call{Tool: "whois", Args: map[string]any{"domain": "example.com", "full": true}})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Attempts)

	second, err := a.Call(context.Background(), Call{Tool: "whois", Args: map[string]any{"full": true, "domain": "example.com"}})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Output, second.Output)
	assert.NotEqual(t, first.CallID, second.CallID)
	assert.Equal(t, int32(1), calls.Load(), "second call must not invoke the tool")

	_, err = a.Call(context.Background(), Call{Tool: "whois", Args: map[string]any{"domain": "example.com", "full": true}, ContextVersion: "v2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "a new context version misses the cache")

	_, err = a.Call(context.Background(), Call{Tool: "whois", Args: map[string]any{"domain": "example.com", "full": true}, NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFailuresAndResourceResultsAreNotCached(t *testing.T) {
	var failing, opening atomic.Int32
	a, _ := newTestAdapter(t, testPolicy(),
		counting("broken", &failing, func(int32) (*tool.Result, error) {
			return nil, errors.NewArgumentError("broken", fmt.Errorf("bad target"))
		}),
		counting("open_browser", &opening, func(n int32) (*tool.Result, error) {
			res, _ := tool.JSONResult(map[string]int32{"n": n})
			res.Acquired = []tool.Resource{{ID: fmt.Sprintf("browser-%d", n), Kind: "browser"}}
			return res, nil
		}),
	)

	for i := 0; i < 2; i++ {
		_, err := a.Call(context.Background(), Call{Tool: "broken"})
		require.Error(t, err)
		_, err = a.Call(context.Background(), Call{Tool: "open_browser"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), failing.Load())
	assert.Equal(t, int32(2), opening.Load())
}

func TestCacheExpiresLazily(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	key, err := Key("t", map[string]any{"a": 1.0}, "")
	require.NoError(t, err)
	c.Put(key, &ToolResult{Success: true})

	_, ok := c.Get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheSweepsExpiredEntries(t *testing.T) {
	c := NewCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("k%d", i), &ToolResult{})
	}
	now = now.Add(time.Hour)
	c.Put("fresh", &ToolResult{})
	c.Sweep()
	assert.Equal(t, 1, c.Len())
}

func TestKeyIsCanonical(t *testing.T) {
	k1, err := Key("scan", map[string]any{"b": []any{1.0, 2.0}, "a": "x"}, "v1")
	require.NoError(t, err)
	k2, err := Key("scan", map[string]any{"a": "x", "b": []any{1.0, 2.0}}, "v1")
	require.NoError(t, err)
	k3, err := Key("scan2", map[string]any{"a": "x", "b": []any{1.0, 2.0}}, "v1")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}

func TestConcurrencyNeverExceedsSlots(t *testing.T) {
	var current, peak atomic.Int32
	slow := tool.Func(tool.Descriptor{Name: "slow_scan", NoCache: true}, func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &tool.Result{}, nil
	})
	a, _ := newTestAdapter(t, testPolicy(), slow)

	calls := make([]Call, 40)
	for i := range calls {
		calls[i] = Call{Tool: "slow_scan", Args: map[string]any{"i": i}}
	}
	results := a.CallBatch(context.Background(), calls)

	for _, r := range results {
		require.True(t, r.Success)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, a.PeakInFlight(), 3)
	assert.Equal(t, 0, a.InFlight())

	narrow := a.WithConcurrency(1)
	peak.Store(0)
	narrow.CallBatch(context.Background(), calls[:8])
	assert.Equal(t, int32(1), peak.Load())
	assert.Same(t, a, a.WithConcurrency(10))
}

func TestRetriesTransientFailuresWithBackoff(t *testing.T) {
	var calls atomic.Int32
	a, sleeper := newTestAdapter(t, testPolicy(), counting("flaky", &calls, func(n int32) (*tool.Result, error) {
		if n <= 3 {
			return nil, fmt.Errorf("connection reset")
		}
		return tool.JSONResult("ok")
	}))

	var retries []int
	res, err := a.Call(context.Background(), Call{Tool: "flaky", OnRetry: func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, res.RetryCount())
	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond}, sleeper.delays)
}

func TestAttemptsAreReportedAfterBackoff(t *testing.T) {
	var calls atomic.Int32
	var events []string
	reg := tool.NewRegistry(log.Discard())
	reg.MustRegister(counting("flaky", &calls, func(n int32) (*tool.Result, error) {
		events = append(events, fmt.Sprintf("invoke %d", n))
		if n <= 2 {
			return nil, fmt.Errorf("connection reset")
		}
		return tool.JSONResult("ok")
	}))
	a, err := New(reg, testPolicy(), WithLogger(log.Discard()), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		events = append(events, "wait")
		return ctx.Err()
	}))
	require.NoError(t, err)

	res, err := a.Call(context.Background(), Call{
		Tool:      "flaky",
		NoCache:   true,
		OnRetry:   func(attempt int, _ time.Duration, _ error) { events = append(events, fmt.Sprintf("retry %d", attempt)) },
		OnAttempt: func(attempt int) { events = append(events, fmt.Sprintf("attempt %d", attempt)) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{
		"invoke 1", "retry 1", "wait", "attempt 2",
		"invoke 2", "retry 2", "wait", "attempt 3",
		"invoke 3",
	}, events)
}

func TestRetriesStopAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	p := testPolicy()
	p.MaxRetries = 2
	a, _ := newTestAdapter(t, p, counting("down", &calls, func(int32) (*tool.Result, error) {
		return nil, fmt.Errorf("503")
	}))

	res, err := a.Call(context.Background(), Call{Tool: "down"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeExecTransient, res.ErrorCode)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, res.Success)
}

func TestNonRetryableFailuresFailImmediately(t *testing.T) {
	var calls atomic.Int32
	schema := tool.Object(map[string]*openapi3.Schema{"url": tool.String("url")}, "url")
	fetch := tool.Func(tool.Descriptor{Name: "fetch", Schema: schema}, func(context.Context, map[string]any) (*tool.Result, error) {
		calls.Add(1)
		return nil, errors.NewArgumentError("fetch", fmt.Errorf("unsupported scheme"))
	})
	a, sleeper := newTestAdapter(t, testPolicy(), fetch)

	res, err := a.Call(context.Background(), Call{Tool: "fetch"})
	assert.Equal(t, errors.ErrCodeArgumentInvalid, errors.CodeOf(err))
	assert.Equal(t, 0, res.Attempts, "schema failures never reach the tool")

	res, err = a.Call(context.Background(), Call{Tool: "fetch", Args: map[string]any{"url": "gopher://x"}})
	assert.Equal(t, errors.ErrCodeArgumentInvalid, errors.CodeOf(err))
	assert.Equal(t, 1, res.Attempts)

	res, err = a.Call(context.Background(), Call{Tool: "nmap"})
	assert.Equal(t, errors.ErrCodeCapabilityNotFound, errors.CodeOf(err))
	assert.Equal(t, errors.ErrCodeCapabilityNotFound, res.ErrorCode)

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeper.delays)
}

func TestTimeoutIsRetried(t *testing.T) {
	p := testPolicy()
	p.MaxRetries = 1
	hang := tool.Func(tool.Descriptor{Name: "hang"}, func(ctx context.Context, _ map[string]any) (*tool.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a, sleeper := newTestAdapter(t, p, hang)

	res, err := a.Call(context.Background(), Call{Tool: "hang", Timeout: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, errors.ErrCodeExecTimeout, res.ErrorCode)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, sleeper.delays, 1)
}

func TestCancellationDuringBackoff(t *testing.T) {
	reg := tool.NewRegistry(log.Discard())
	reg.MustRegister(tool.Func(tool.Descriptor{Name: "flaky"}, func(context.Context, map[string]any) (*tool.Result, error) {
		return nil, fmt.Errorf("reset")
	}))
	p := testPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour
	a, err := New(reg, p, WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := a.Call(ctx, Call{Tool: "flaky"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeExecCancelled, res.ErrorCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallBatchSequentialKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	rec := tool.Func(tool.Descriptor{Name: "rec", NoCache: true}, func(_ context.Context, args map[string]any) (*tool.Result, error) {
		mu.Lock()
		order = append(order, args["id"].(string))
		mu.Unlock()
		return tool.JSONResult(args["id"])
	})
	p := DefaultPolicy(StrategySequential)
	a, _ := newTestAdapter(t, p, rec)

	results := a.CallBatch(context.Background(), []Call{
		{Tool: "rec", Args: map[string]any{"id": "a"}},
		{Tool: "rec", Args: map[string]any{"id": "b"}},
		{Tool: "missing"},
		{Tool: "rec", Args: map[string]any{"id": "c"}},
	})

	require.Len(t, results, 4)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.JSONEq(t, `"b"`, string(results[1].Output))
	assert.False(t, results[2].Success)
	assert.Equal(t, errors.ErrCodeCapabilityNotFound, results[2].ErrorCode)
}

func TestManager(t *testing.T) {
	reg := tool.NewRegistry(log.Discard())
	custom := DefaultPolicy(StrategyGraph)
	custom.MaxConcurrency = 7

	m, err := NewManager(reg, []Policy{custom}, WithLogger(log.Discard()))
	require.NoError(t, err)

	assert.Equal(t, []Strategy{StrategyBatch, StrategyConservative, StrategyGraph, StrategySequential}, m.Strategies())
	g, err := m.Get(StrategyGraph)
	require.NoError(t, err)
	assert.Equal(t, 7, g.Slots())

	_, err = m.Get("react")
	assert.Error(t, err)

	bad := DefaultPolicy(StrategyBatch)
	bad.Timeout = 0
	_, err = NewManager(reg, []Policy{bad})
	assert.Error(t, err)
}
