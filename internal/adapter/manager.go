package adapter

import (
	"fmt"
	"sort"

	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Manager owns one adapter per strategy over a shared tool registry.
// It is built once at startup and handed to the components that need it.
type Manager struct {
	adapters map[Strategy]*Adapter
}

// NewManager builds adapters for the given policies. Strategies without a
// policy get their preset.
func NewManager(invoker tool.Invoker, policies []Policy, opts ...Option) (*Manager, error) {
	byStrategy := make(map[Strategy]Policy, len(Strategies()))
	for _, s := range Strategies() {
		byStrategy[s] = DefaultPolicy(s)
	}
	for _, p := range policies {
		byStrategy[p.Strategy] = p
	}

	m := &Manager{adapters: make(map[Strategy]*Adapter, len(byStrategy))}
	for s, p := range byStrategy {
		a, err := New(invoker, p, opts...)
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", s, err)
		}
		m.adapters[s] = a
	}
	return m, nil
}

// Get returns the adapter for a strategy.
func (m *Manager) Get(s Strategy) (*Adapter, error) {
	a, ok := m.adapters[s]
	if !ok {
		return nil, fmt.Errorf("no adapter for strategy %q", s)
	}
	return a, nil
}

// Strategies returns the configured strategies, sorted.
func (m *Manager) Strategies() []Strategy {
	out := make([]Strategy, 0, len(m.adapters))
	for s := range m.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
