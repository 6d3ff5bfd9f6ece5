// Package store persists plans, execution sessions, anomalies, replan
// records and experience records.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

// Driver names a storage backend.
type Driver string

// Available drivers
const (
	DriverSQLite Driver = "sqlite"
	DriverFile   Driver = "file"
	DriverMemory Driver = "memory"
)

// Config selects and locates a backend.
type Config struct {
	Driver Driver `mapstructure:"driver" yaml:"driver"`
	// Path is the database file for sqlite and the root directory for file.
	Path string `mapstructure:"path" yaml:"path"`
}

// Store is the persistence boundary of the orchestrator. Implementations
// are safe for concurrent use.
type Store interface {
	SavePlan(ctx context.Context, p *plan.Plan) error
	LoadPlan(ctx context.Context, id string) (*plan.Plan, error)

	SaveSession(ctx context.Context, snap session.Snapshot) error
	LoadSession(ctx context.Context, id string) (session.Snapshot, error)
	// ListSessions returns summaries, most recently started first.
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	SaveAnomalies(ctx context.Context, found []anomaly.Anomaly) error
	Anomalies(ctx context.Context, sessionID string) ([]anomaly.Anomaly, error)

	SaveReplan(ctx context.Context, rec replan.Record) error
	// Replans returns the records whose origin is planID, oldest first.
	Replans(ctx context.Context, planID string) ([]replan.Record, error)

	UpsertExperience(ctx context.Context, exp Experience) (Experience, error)

	Close() error
}

// SessionSummary is one line of a session listing.
type SessionSummary struct {
	ID         string          `json:"id"`
	PlanID     string          `json:"plan_id"`
	State      session.State   `json:"state"`
	Outcome    session.Outcome `json:"outcome,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Steps      int             `json:"steps"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
}

// Summarize builds the summary of a snapshot.
func Summarize(snap session.Snapshot) SessionSummary {
	return SessionSummary{
		ID:         snap.ID,
		PlanID:     snap.PlanID,
		State:      snap.State,
		Outcome:    snap.Outcome,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
		Steps:      len(snap.Runs),
		Completed:  snap.Metrics.Completed + snap.Metrics.Carried,
		Failed:     snap.Metrics.Failed,
		Skipped:    snap.Metrics.Skipped,
	}
}

// Experience records a tool sequence that worked for a kind of task
// against a kind of target.
type Experience struct {
	TaskFingerprint        string    `json:"task_fingerprint"`
	TargetFingerprint      string    `json:"target_fingerprint"`
	EnvironmentFingerprint string    `json:"environment_fingerprint"`
	ToolSequence           []string  `json:"tool_sequence"`
	Confidence             float64   `json:"confidence"`
	UsageCount             int       `json:"usage_count"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Key identifies the experience by its three fingerprints.
func (e Experience) Key() string {
	return e.TaskFingerprint + ":" + e.TargetFingerprint + ":" + e.EnvironmentFingerprint
}

// merge folds an incoming observation into an existing record: the usage
// count grows, confidence becomes the running mean and the latest tool
// sequence wins.
func (e Experience) merge(in Experience) Experience {
	out := in
	out.UsageCount = e.UsageCount + 1
	out.Confidence = (e.Confidence*float64(e.UsageCount) + in.Confidence) / float64(out.UsageCount)
	return out
}

func firstUse(in Experience, now time.Time) Experience {
	in.UsageCount = 1
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	return in
}

// Fingerprint hashes the given parts into a short stable identifier.
// Parts are normalized to lower case and sorted, so order does not matter.
func Fingerprint(parts ...string) string {
	norm := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			norm = append(norm, p)
		}
	}
	sort.Strings(norm)
	sum := blake3.Sum256([]byte(strings.Join(norm, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Open returns the backend cfg names.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "sqlite3":
		return OpenSQLite(cfg.Path)
	case DriverFile:
		return OpenFile(cfg.Path)
	case DriverMemory, "":
		return NewMemory(), nil
	default:
		return nil, errors.New(errors.ErrCodeStoreOpen, fmt.Sprintf("unknown store driver %q", cfg.Driver)).
			WithSuggestion("Use one of: sqlite, file, memory")
	}
}

func notFound(kind, id string) error {
	return errors.New(errors.ErrCodeStoreNotFound, fmt.Sprintf("%s not found: %s", kind, id))
}

// ErrNotFound matches lookups of unknown IDs.
var ErrNotFound = errors.New(errors.ErrCodeStoreNotFound, "")

func sortSummaries(out []SessionSummary, limit int) []SessionSummary {
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
