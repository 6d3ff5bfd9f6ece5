package plan

import (
	"sort"

	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Graph is the resolved dependency structure of a validated plan.
type Graph struct {
	steps  map[string]Step
	order  []string
	preds  map[string][]string
	succs  map[string][]string
	layers [][]string
}

// NewGraph resolves the depends_on edges of p into layers.
// Layer 0 holds steps with no dependencies; layer i holds steps whose
// predecessors all sit in earlier layers. A cycle yields a PLAN-005 error
// and no graph.
func NewGraph(p *Plan) (*Graph, error) {
	g := &Graph{
		steps: make(map[string]Step, len(p.Steps)),
		preds: make(map[string][]string, len(p.Steps)),
		succs: make(map[string][]string, len(p.Steps)),
	}
	for _, s := range p.Steps {
		g.steps[s.ID] = s
		g.order = append(g.order, s.ID)
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, errors.NewPlanInvalidError("step " + s.ID + " depends on unknown step " + dep)
			}
			g.preds[s.ID] = append(g.preds[s.ID], dep)
			g.succs[dep] = append(g.succs[dep], s.ID)
		}
	}

	indegree := make(map[string]int, len(g.steps))
	for id := range g.steps {
		indegree[id] = len(g.preds[id])
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	placed := 0
	for len(frontier) > 0 {
		layer := g.Sort(frontier)
		g.layers = append(g.layers, layer)
		placed += len(layer)

		var next []string
		for _, id := range layer {
			for _, succ := range g.succs[id] {
				indegree[succ]--
				if indegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		frontier = next
	}

	if placed != len(g.steps) {
		return nil, errors.NewCycleError(g.findCycle())
	}
	return g, nil
}

// Resolve returns the execution layers of p.
func Resolve(p *Plan) ([][]string, error) {
	g, err := NewGraph(p)
	if err != nil {
		return nil, err
	}
	return g.Layers(), nil
}

// Layers returns a copy of the layer partition.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Step returns the step with the given ID.
func (g *Graph) Step(id string) (Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Order returns step IDs in plan declaration order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Predecessors returns the direct dependencies of id.
func (g *Graph) Predecessors(id string) []string {
	return g.preds[id]
}

// Successors returns the steps that depend directly on id.
func (g *Graph) Successors(id string) []string {
	return g.succs[id]
}

// Ancestors returns every step id transitively depends on.
func (g *Graph) Ancestors(id string) map[string]bool {
	return g.closure(id, g.preds)
}

// Descendants returns every step that transitively depends on id.
func (g *Graph) Descendants(id string) map[string]bool {
	return g.closure(id, g.succs)
}

func (g *Graph) closure(id string, edges map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), edges[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return seen
}

// Ready returns the candidates whose predecessors are all terminal, in
// dispatch order.
func (g *Graph) Ready(candidates []string, terminal func(id string) bool) []string {
	var ready []string
	for _, id := range candidates {
		ok := true
		for _, dep := range g.preds[id] {
			if !terminal(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return g.Sort(ready)
}

// Sort orders ids by priority (highest first), then by ID.
func (g *Graph) Sort(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := g.steps[out[i]].Priority, g.steps[out[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return out[i] < out[j]
	})
	return out
}

// findCycle walks depends_on edges depth-first and returns the first cycle
// found as a path that starts and ends on the same step.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range g.preds[id] {
			if !visited[dep] {
				if visit(dep, path) {
					return true
				}
			} else if onStack[dep] {
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
			}
		}

		onStack[id] = false
		return false
	}

	for _, id := range g.order {
		if !visited[id] && visit(id, nil) {
			return cycle
		}
	}
	return cycle
}
