package plan

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

const reconPlan = `{
  "summary": "recon example.com",
  "metadata": {"task": "recon", "target": "example.com"},
  "steps": [
    {"id": "E1", "tool": "dns_resolve", "args": {"host": "example.com"}},
    {"id": "E2", "tool": "tcp_probe", "args": {"host": "#E1.addresses.0", "ports": [80, 443]}, "depends_on": ["E1"]},
    {"id": "E3", "tool": "http_probe", "args": {"url": "https://example.com", "note": "see #E1 output"}, "depends_on": ["E1"], "priority": 5},
    {"id": "E4", "tool": "report", "args": {"dns": "#E1", "ports": "#E2"}, "depends_on": ["E2", "E3"], "best_effort": ["E3"]}
  ]
}`

func TestParseBindsReferences(t *testing.T) {
	p, err := Parse([]byte(reconPlan), FormatJSON)
	require.NoError(t, err)

	e2, ok := p.Step("E2")
	require.True(t, ok)
	assert.Equal(t, Reference{StepID: "E1", Field: "addresses.0"}, e2.Args["host"])

	e3, _ := p.Step("E3")
	assert.Equal(t, "see #E1 output", e3.Args["note"], "embedded references stay literal")

	e4, _ := p.Step("E4")
	assert.True(t, e4.IsBestEffort("E3"))
	assert.False(t, e4.IsBestEffort("E2"))
	assert.Len(t, References(e4.Args), 2)
}

func TestResolveLayers(t *testing.T) {
	p, err := Parse([]byte(reconPlan), FormatJSON)
	require.NoError(t, err)

	layers, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"E1"}, {"E3", "E2"}, {"E4"}}, layers, "priority orders E3 first")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		code    errors.ErrorCode
		wantMsg string
	}{
		{
			name: "empty plan",
			code: errors.ErrCodePlanInvalid, wantMsg: "at least one step",
		},
		{
			name:  "duplicate id",
			steps: []Step{{ID: "E1", Tool: "a"}, {ID: "E1", Tool: "b"}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "duplicate step ID",
		},
		{
			name:  "missing tool",
			steps: []Step{{ID: "E1"}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "tool cannot be empty",
		},
		{
			name:  "unknown dependency",
			steps: []Step{{ID: "E1", Tool: "a", DependsOn: []string{"E9"}}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "does not exist",
		},
		{
			name:  "self dependency",
			steps: []Step{{ID: "E1", Tool: "a", DependsOn: []string{"E1"}}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "itself",
		},
		{
			name:  "best effort outside depends_on",
			steps: []Step{{ID: "E1", Tool: "a"}, {ID: "E2", Tool: "b", BestEffort: []string{"E1"}}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "best_effort",
		},
		{
			name: "cycle",
			steps: []Step{
				{ID: "E1", Tool: "a", DependsOn: []string{"E3"}},
				{ID: "E2", Tool: "b", DependsOn: []string{"E1"}},
				{ID: "E3", Tool: "c", DependsOn: []string{"E2"}},
			},
			code: errors.ErrCodePlanCyclicDep, wantMsg: "circular dependency",
		},
		{
			name: "reference to non ancestor",
			steps: []Step{
				{ID: "E1", Tool: "a"},
				{ID: "E2", Tool: "b", Args: map[string]any{"x": "#E1"}},
			},
			code: errors.ErrCodePlanInvalid, wantMsg: "not one of its dependencies",
		},
		{
			name:  "self reference",
			steps: []Step{{ID: "E1", Tool: "a", Args: map[string]any{"x": "#E1.y"}}},
			code:  errors.ErrCodePlanInvalid, wantMsg: "its own result",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("p", tt.steps...)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCycleErrorMatchesMarker(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "A", Tool: "t", DependsOn: []string{"B"}},
		{ID: "B", Tool: "t", DependsOn: []string{"A"}},
	}}
	_, err := Resolve(p)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCycleDetected))
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestResolveArgs(t *testing.T) {
	p, err := Parse([]byte(reconPlan), FormatJSON)
	require.NoError(t, err)

	results := map[string]json.RawMessage{
		"E1": json.RawMessage(`{"addresses": ["93.184.216.34"], "cname": null}`),
		"E2": json.RawMessage(`{"open": [443]}`),
	}
	lookup := func(id string) (json.RawMessage, bool) {
		r, ok := results[id]
		return r, ok
	}

	e2, _ := p.Step("E2")
	args, err := ResolveArgs(e2, lookup)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", args["host"])
	assert.Equal(t, []any{float64(80), float64(443)}, args["ports"])

	e4, _ := p.Step("E4")
	args, err = ResolveArgs(e4, lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"open": []any{float64(443)}}, args["ports"])

	// the original args are untouched
	assert.IsType(t, Reference{}, e4.Args["dns"])
}

func TestResolveArgsUnavailableAndMissing(t *testing.T) {
	step := Step{ID: "E3", Tool: "x", Args: map[string]any{
		"a": Reference{StepID: "E1"},
		"b": []any{Reference{StepID: "E2", Field: "missing"}},
	}}

	lookup := func(id string) (json.RawMessage, bool) {
		if id == "E2" {
			return json.RawMessage(`{"present": 1}`), true
		}
		return nil, false
	}

	_, err := ResolveArgs(step, lookup)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeReferenceMissing, errors.CodeOf(err))

	delete(step.Args, "b")
	args, err := ResolveArgs(step, lookup)
	require.NoError(t, err)
	require.IsType(t, Unavailable{}, args["a"])

	b, err := json.Marshal(args)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": {"$unavailable": "E1"}}`, string(b))
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(src, []byte(reconPlan), 0o600))

	p, err := Load(src)
	require.NoError(t, err)

	dst := filepath.Join(dir, "plan.yaml")
	require.NoError(t, p.Save(dst))

	reloaded, err := Load(dst)
	require.NoError(t, err)
	assert.Equal(t, p.StepIDs(), reloaded.StepIDs())
	e2, _ := reloaded.Step("E2")
	assert.Equal(t, Reference{StepID: "E1", Field: "addresses.0"}, e2.Args["host"])

	_, err = Load(filepath.Join(dir, "absent.json"))
	assert.Equal(t, errors.ErrCodeFileNotFound, errors.CodeOf(err))
}

func TestCloneIsDeep(t *testing.T) {
	p, err := Parse([]byte(reconPlan), FormatJSON)
	require.NoError(t, err)

	c := p.Clone()
	c.Steps[1].Args["ports"].([]any)[0] = 8080
	c.Steps[1].DependsOn[0] = "changed"
	c.Metadata["task"] = "other"

	e2, _ := p.Step("E2")
	assert.Equal(t, float64(80), e2.Args["ports"].([]any)[0])
	assert.Equal(t, "E1", e2.DependsOn[0])
	assert.Equal(t, "recon", p.Metadata["task"])
}

func TestGraphAncestorsAndReady(t *testing.T) {
	p, err := Parse([]byte(reconPlan), FormatJSON)
	require.NoError(t, err)
	g, err := p.Compile()
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"E1": true, "E2": true, "E3": true}, g.Ancestors("E4"))
	assert.Equal(t, map[string]bool{"E2": true, "E3": true, "E4": true}, g.Descendants("E1"))

	done := map[string]bool{"E1": true}
	ready := g.Ready([]string{"E2", "E3", "E4"}, func(id string) bool { return done[id] })
	assert.Equal(t, []string{"E3", "E2"}, ready)
}

// genDAG builds a plan where each step depends on a random subset of
// earlier steps, then shuffles declaration order.
func genDAG(t *rapid.T) *Plan {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	steps := make([]Step, n)
	for i := 0; i < n; i++ {
		steps[i] = Step{ID: fmt.Sprintf("S%d", i), Tool: "t"}
		for j := 0; j < i; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
				steps[i].DependsOn = append(steps[i].DependsOn, fmt.Sprintf("S%d", j))
			}
		}
	}
	perm := rapid.Permutation(steps).Draw(t, "order")
	return &Plan{Steps: perm}
}

func TestResolve_PredecessorsInEarlierLayers(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genDAG(t)

		layers, err := Resolve(p)
		if err != nil {
			t.Fatalf("acyclic plan rejected: %v", err)
		}

		layerOf := make(map[string]int)
		count := 0
		for i, l := range layers {
			for _, id := range l {
				layerOf[id] = i
				count++
			}
		}
		if count != len(p.Steps) {
			t.Fatalf("layers hold %d steps, plan has %d", count, len(p.Steps))
		}
		for _, s := range p.Steps {
			for _, dep := range s.DependsOn {
				if layerOf[dep] >= layerOf[s.ID] {
					t.Fatalf("%s in layer %d but dependency %s in layer %d", s.ID, layerOf[s.ID], dep, layerOf[dep])
				}
			}
		}
	})
}

func TestResolve_BackEdgeAlwaysCycles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 15).Draw(t, "n")
		steps := make([]Step, n)
		for i := 0; i < n; i++ {
			steps[i] = Step{ID: fmt.Sprintf("S%d", i), Tool: "t"}
			if i > 0 {
				steps[i].DependsOn = []string{fmt.Sprintf("S%d", i-1)}
			}
		}
		// close the chain
		steps[0].DependsOn = []string{fmt.Sprintf("S%d", n-1)}

		_, err := Resolve(&Plan{Steps: steps})
		if errors.CodeOf(err) != errors.ErrCodePlanCyclicDep {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})
}
