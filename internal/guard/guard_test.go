package guard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

type recorder struct {
	mu       sync.Mutex
	released []string
	fail     map[string]bool
	ctxErrs  []error
}

func (r *recorder) Release(ctx context.Context, res tool.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, res.ID)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if r.fail[res.ID] {
		return fmt.Errorf("%s refused to close", res.ID)
	}
	return nil
}

func newGuard(rec Releaser, opts ...Option) *Guard {
	return New(rec, append([]Option{WithLogger(log.Discard())}, opts...)...)
}

func res(id string) tool.Resource {
	return tool.Resource{ID: id, Kind: "browser", ReleaseTool: "browser_close"}
}

func observe(g *Guard, stepID, toolName string, acquired []tool.Resource, released []string) {
	g.Observe(Completion{StepID: stepID, Tool: toolName, Acquired: acquired, Released: released})
}

func TestReleaseAllIsLIFO(t *testing.T) {
	rec := &recorder{fail: map[string]bool{"R2": true}}
	g := newGuard(rec)

	observe(g, "E1", "custom", []tool.Resource{res("R1")}, nil)
	observe(g, "E2", "custom", []tool.Resource{res("R2")}, nil)
	observe(g, "E3", "custom", []tool.Resource{res("R3")}, nil)

	report := g.ReleaseAll(context.Background())

	assert.Equal(t, []string{"R3", "R2", "R1"}, rec.released)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "R2", report.Warnings[0].Resource.ID)
	assert.Equal(t, errors.ErrCodeResourceRelease, report.Warnings[0].Code)
	assert.Len(t, report.Released, 2)
	assert.False(t, report.OK())
	assert.Empty(t, g.Held())
}

func TestReleaseAllRunsAfterCancellation(t *testing.T) {
	rec := &recorder{}
	g := newGuard(rec)
	observe(g, "E1", "custom", []tool.Resource{res("R1"), res("R2")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := g.ReleaseAll(ctx)

	assert.True(t, report.OK())
	assert.Equal(t, []string{"R2", "R1"}, rec.released)
	for _, err := range rec.ctxErrs {
		assert.NoError(t, err, "release context must not inherit cancellation")
	}
}

func TestReleaseTimeout(t *testing.T) {
	slow := ReleaserFunc(func(ctx context.Context, _ tool.Resource) error {
		<-ctx.Done()
		return ctx.Err()
	})
	g := newGuard(slow, WithReleaseTimeout(20*time.Millisecond))
	observe(g, "E1", "custom", []tool.Resource{res("R1")}, nil)

	start := time.Now()
	report := g.ReleaseAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0].Error, "deadline exceeded")
}

func TestRulesAcquireAndExplicitReleaseRemoves(t *testing.T) {
	rec := &recorder{}
	g := newGuard(rec)

	observe(g, "E1", "start_passive_scan", nil, nil)
	observe(g, "E2", "browser_open", nil, nil)
	observe(g, "E3", "http_probe", nil, nil)

	held := g.Held()
	require.Len(t, held, 2)
	assert.Equal(t, tool.Resource{ID: "proxy:E1", Kind: "proxy", StepID: "E1", Tool: "start_passive_scan", ReleaseTool: "stop_passive_scan"}, held[0])
	assert.Equal(t, "browser", held[1].Kind)

	observe(g, "E4", "stop_passive_scan", nil, nil)
	held = g.Held()
	require.Len(t, held, 1)
	assert.Equal(t, "browser:E2", held[0].ID)

	g.ReleaseAll(context.Background())
	assert.Equal(t, []string{"browser:E2"}, rec.released)
}

func TestDeclaredReleasesRemoveByID(t *testing.T) {
	g := newGuard(&recorder{})
	c1 := tool.Resource{ID: "container:a", Kind: "container", ReleaseTool: "docker_stop"}
	c2 := tool.Resource{ID: "container:b", Kind: "container", ReleaseTool: "docker_stop"}
	observe(g, "E1", "shell", []tool.Resource{c1}, nil)
	observe(g, "E2", "shell", []tool.Resource{c2}, nil)

	observe(g, "E3", "docker_stop", nil, []string{"container:a"})

	held := g.Held()
	require.Len(t, held, 1)
	assert.Equal(t, "container:b", held[0].ID)
	assert.Equal(t, "E2", held[0].StepID)
	assert.Equal(t, "shell", held[0].Tool)
}

func TestInvokerReleaserCallsReleaseTool(t *testing.T) {
	reg := tool.NewRegistry(log.Discard())
	var got map[string]any
	reg.MustRegister(tool.Func(tool.Descriptor{Name: "browser_close"}, func(_ context.Context, args map[string]any) (*tool.Result, error) {
		got = args
		return &tool.Result{}, nil
	}))

	g := newGuard(InvokerReleaser{Invoker: reg})
	observe(g, "E1", "browser_open", nil, nil)
	observe(g, "E2", "noop", []tool.Resource{{ID: "tmp", Kind: "file"}}, nil)
	observe(g, "E3", "custom", []tool.Resource{{ID: "x", Kind: "thing", ReleaseTool: "missing_tool"}}, nil)

	report := g.ReleaseAll(context.Background())

	assert.Equal(t, map[string]any{"resource_id": "browser:E1"}, got)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "x", report.Warnings[0].Resource.ID)
	assert.Contains(t, report.Warnings[0].Error, "CAP-001")
	assert.Len(t, report.Released, 2)
}

func TestGuardPublishesLifecycle(t *testing.T) {
	stream := hooks.NewStream()
	events, cancel := stream.Subscribe(8)
	defer cancel()

	g := newGuard(&recorder{fail: map[string]bool{"R2": true}}, WithPublisher(stream))
	observe(g, "E1", "custom", []tool.Resource{res("R1"), res("R2")}, nil)
	g.ReleaseAll(context.Background())

	var types []hooks.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []hooks.EventType{
		hooks.EventResourceAcquired,
		hooks.EventResourceAcquired,
		hooks.EventResourceReleaseFailed,
		hooks.EventResourceReleased,
	}, types)
}

func TestConcurrentObserve(t *testing.T) {
	g := newGuard(&recorder{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			observe(g, fmt.Sprintf("E%d", i), "custom", []tool.Resource{res(fmt.Sprintf("R%d", i))}, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, g.Held(), 20)
	assert.Len(t, g.ReleaseAll(context.Background()).Released, 20)
}

func TestStateful(t *testing.T) {
	g := newGuard(&recorder{})

	assert.True(t, g.Stateful("browser_open"))
	assert.True(t, g.Stateful("browser_close"))
	assert.True(t, g.Stateful("start_passive_scan"))
	assert.True(t, g.Stateful("stop_passive_scan"))
	assert.False(t, g.Stateful("http_probe"))
	assert.False(t, g.Stateful("docker_stop"))

	observe(g, "E1", "shell", []tool.Resource{{ID: "container:a", Kind: "container", ReleaseTool: "docker_stop"}}, nil)
	assert.True(t, g.Stateful("docker_stop"), "release tool of a held resource")
}

func TestObserveIgnoresCachedResults(t *testing.T) {
	rec := &recorder{}
	g := newGuard(rec)

	observe(g, "E1", "browser_open", nil, nil)
	observe(g, "E2", "browser_open", nil, nil)
	g.Observe(Completion{StepID: "E3", Tool: "browser_close", Cached: true})
	g.Observe(Completion{StepID: "E4", Tool: "browser_open", Cached: true})

	held := g.Held()
	require.Len(t, held, 2)
	assert.Equal(t, "browser:E1", held[0].ID)
	assert.Equal(t, "browser:E2", held[1].ID)

	g.ReleaseAll(context.Background())
	assert.Equal(t, []string{"browser:E2", "browser:E1"}, rec.released)
}
