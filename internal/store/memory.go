package store

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

// Memory keeps everything in process memory. Values are copied in and
// out, so callers never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	plans       map[string]*plan.Plan
	sessions    map[string]session.Snapshot
	anomalies   map[string][]anomaly.Anomaly
	replans     []replan.Record
	experiences map[string]Experience
	now         func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plans:       make(map[string]*plan.Plan),
		sessions:    make(map[string]session.Snapshot),
		anomalies:   make(map[string][]anomaly.Anomaly),
		experiences: make(map[string]Experience),
		now:         time.Now,
	}
}

func (m *Memory) SavePlan(_ context.Context, p *plan.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p.Clone()
	return nil
}

func (m *Memory) LoadPlan(_ context.Context, id string) (*plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, notFound("plan", id)
	}
	return p.Clone(), nil
}

func (m *Memory) SaveSession(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snap.ID] = cloneSnapshot(snap)
	return nil
}

func (m *Memory) LoadSession(_ context.Context, id string) (session.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.sessions[id]
	if !ok {
		return session.Snapshot{}, notFound("session", id)
	}
	return cloneSnapshot(snap), nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]SessionSummary, error) {
	m.mu.RLock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, snap := range m.sessions {
		out = append(out, Summarize(snap))
	}
	m.mu.RUnlock()
	return sortSummaries(out, limit), nil
}

func (m *Memory) SaveAnomalies(_ context.Context, found []anomaly.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range found {
		m.anomalies[a.SessionID] = append(m.anomalies[a.SessionID], a)
	}
	return nil
}

func (m *Memory) Anomalies(_ context.Context, sessionID string) ([]anomaly.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]anomaly.Anomaly(nil), m.anomalies[sessionID]...), nil
}

func (m *Memory) SaveReplan(_ context.Context, rec replan.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.replans {
		if m.replans[i].ID == rec.ID {
			m.replans[i] = rec
			return nil
		}
	}
	m.replans = append(m.replans, rec)
	return nil
}

func (m *Memory) Replans(_ context.Context, planID string) ([]replan.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []replan.Record
	for _, rec := range m.replans {
		if rec.OriginPlanID == planID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) UpsertExperience(_ context.Context, exp Experience) (Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp.ToolSequence = append([]string(nil), exp.ToolSequence...)
	if cur, ok := m.experiences[exp.Key()]; ok {
		exp = cur.merge(exp)
		exp.UpdatedAt = m.now()
	} else {
		exp = firstUse(exp, m.now())
	}
	m.experiences[exp.Key()] = exp
	return exp, nil
}

func (m *Memory) Close() error { return nil }

func cloneSnapshot(snap session.Snapshot) session.Snapshot {
	c := snap
	c.Runs = make([]session.StepRun, len(snap.Runs))
	for i, r := range snap.Runs {
		c.Runs[i] = r.Clone()
	}
	return c
}
