package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

// Subdirectories of a file store root
const (
	dirPlans       = "plans"
	dirSessions    = "sessions"
	dirAnomalies   = "anomalies"
	dirReplans     = "replans"
	dirExperiences = "experiences"
)

// File stores one JSON document per record under a root directory.
type File struct {
	root string
	// mu serializes read-modify-write updates (anomaly appends, experiences).
	mu  sync.Mutex
	now func() time.Time
}

// OpenFile creates the directory layout under root.
func OpenFile(root string) (*File, error) {
	if root == "" {
		return nil, errors.New(errors.ErrCodeStoreOpen, "file store needs a root directory")
	}
	for _, d := range []string{dirPlans, dirSessions, dirAnomalies, dirReplans, dirExperiences} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreOpen, "failed to create store directory", err)
		}
	}
	return &File{root: root, now: time.Now}, nil
}

func (f *File) path(dir, id string) string {
	return filepath.Join(f.root, dir, safeName(id)+".json")
}

// safeName keeps IDs from escaping their directory.
func safeName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_").Replace(id)
}

// write replaces the file atomically through a temporary sibling.
func (f *File) write(dir, id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, fmt.Sprintf("failed to marshal %s", strings.TrimSuffix(dir, "s")), err)
	}
	target := f.path(dir, id)
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to create temporary file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to write file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to write file", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to replace file", err)
	}
	return nil
}

// read decodes the record; a missing file is a not-found error.
func (f *File) read(dir, id string, v any) error {
	data, err := os.ReadFile(f.path(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return notFound(strings.TrimSuffix(dir, "s"), id)
		}
		return errors.Wrap(errors.ErrCodeStoreRead, "failed to read file", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(errors.ErrCodeStoreRead, fmt.Sprintf("failed to unmarshal %s", id), err)
	}
	return nil
}

// list returns the IDs stored in dir.
func (f *File) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStoreRead, "failed to read store directory", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *File) SavePlan(_ context.Context, p *plan.Plan) error {
	return f.write(dirPlans, p.ID, p)
}

func (f *File) LoadPlan(_ context.Context, id string) (*plan.Plan, error) {
	var p plan.Plan
	if err := f.read(dirPlans, id, &p); err != nil {
		return nil, err
	}
	for i := range p.Steps {
		if p.Steps[i].Args != nil {
			p.Steps[i].Args = plan.ParseReferences(p.Steps[i].Args).(map[string]any)
		}
	}
	return &p, nil
}

func (f *File) SaveSession(_ context.Context, snap session.Snapshot) error {
	return f.write(dirSessions, snap.ID, snap)
}

func (f *File) LoadSession(_ context.Context, id string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := f.read(dirSessions, id, &snap)
	return snap, err
}

func (f *File) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	ids, err := f.list(dirSessions)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var snap session.Snapshot
		if err := f.read(dirSessions, id, &snap); err != nil {
			return nil, err
		}
		out = append(out, Summarize(snap))
	}
	return sortSummaries(out, limit), nil
}

func (f *File) SaveAnomalies(_ context.Context, found []anomaly.Anomaly) error {
	bySession := make(map[string][]anomaly.Anomaly)
	for _, a := range found {
		bySession[a.SessionID] = append(bySession[a.SessionID], a)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, add := range bySession {
		var cur []anomaly.Anomaly
		if err := f.read(dirAnomalies, sessionID, &cur); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := f.write(dirAnomalies, sessionID, append(cur, add...)); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Anomalies(_ context.Context, sessionID string) ([]anomaly.Anomaly, error) {
	var out []anomaly.Anomaly
	if err := f.read(dirAnomalies, sessionID, &out); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return out, nil
}

func (f *File) SaveReplan(_ context.Context, rec replan.Record) error {
	return f.write(dirReplans, rec.ID, rec)
}

func (f *File) Replans(_ context.Context, planID string) ([]replan.Record, error) {
	ids, err := f.list(dirReplans)
	if err != nil {
		return nil, err
	}
	var out []replan.Record
	for _, id := range ids {
		var rec replan.Record
		if err := f.read(dirReplans, id, &rec); err != nil {
			return nil, err
		}
		if rec.OriginPlanID == planID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *File) UpsertExperience(_ context.Context, exp Experience) (Experience, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cur Experience
	err := f.read(dirExperiences, exp.Key(), &cur)
	switch {
	case err == nil:
		exp = cur.merge(exp)
		exp.UpdatedAt = f.now()
	case errors.Is(err, ErrNotFound):
		exp = firstUse(exp, f.now())
	default:
		return Experience{}, err
	}
	if err := f.write(dirExperiences, exp.Key(), exp); err != nil {
		return Experience{}, err
	}
	return exp, nil
}

func (f *File) Close() error { return nil }
