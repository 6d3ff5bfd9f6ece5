package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/plan"
	"github.com/felixgeelhaar/sentinel/internal/replan"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	revision INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	metadata TEXT,
	hints TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	plan_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	tool TEXT NOT NULL,
	args TEXT,
	description TEXT,
	risk TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	critical INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (plan_id, step_id),
	FOREIGN KEY (plan_id) REFERENCES plans(id)
);

CREATE TABLE IF NOT EXISTS step_dependencies (
	plan_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	position INTEGER NOT NULL,
	best_effort INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (plan_id, step_id, depends_on)
);

CREATE TABLE IF NOT EXISTS execution_sessions (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	state TEXT NOT NULL,
	outcome TEXT,
	started_at DATETIME,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS step_runs (
	session_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	tool TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	error TEXT,
	error_code TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	cached INTEGER NOT NULL DEFAULT 0,
	carried INTEGER NOT NULL DEFAULT 0,
	detail TEXT,
	PRIMARY KEY (session_id, step_id),
	FOREIGN KEY (session_id) REFERENCES execution_sessions(id)
);

CREATE TABLE IF NOT EXISTS execution_metrics (
	session_id TEXT PRIMARY KEY,
	completed INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	carried INTEGER NOT NULL,
	retries INTEGER NOT NULL,
	cache_hits INTEGER NOT NULL,
	total_latency_ms INTEGER NOT NULL,
	max_latency_ms INTEGER NOT NULL,
	peak_memory_bytes INTEGER NOT NULL,
	peak_cpu_percent REAL NOT NULL,
	FOREIGN KEY (session_id) REFERENCES execution_sessions(id)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	step_id TEXT,
	tool TEXT,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	observed REAL NOT NULL,
	threshold REAL NOT NULL,
	description TEXT,
	detected_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS replan_records (
	id TEXT PRIMARY KEY,
	origin_plan_id TEXT NOT NULL,
	revised_plan_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	confidence REAL NOT NULL,
	outcome TEXT,
	record TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS experiences (
	task_fingerprint TEXT NOT NULL,
	target_fingerprint TEXT NOT NULL,
	environment_fingerprint TEXT NOT NULL,
	tool_sequence TEXT NOT NULL,
	confidence REAL NOT NULL,
	usage_count INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (task_fingerprint, target_fingerprint, environment_fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_step_runs_session ON step_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_session ON anomalies(session_id);
CREATE INDEX IF NOT EXISTS idx_replans_origin ON replan_records(origin_plan_id);
`

// SQLite stores records in a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New(errors.ErrCodeStoreOpen, "sqlite store needs a database path")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreOpen, "failed to open database", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeStoreOpen, "failed to create schema", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// tx runs fn in a transaction, committing when it returns nil.
func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeStoreWrite, "failed to commit", err)
	}
	return nil
}

func writeErr(what string, err error) error {
	return errors.Wrap(errors.ErrCodeStoreWrite, "failed to save "+what, err)
}

func readErr(what string, err error) error {
	return errors.Wrap(errors.ErrCodeStoreRead, "failed to load "+what, err)
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) SavePlan(ctx context.Context, p *plan.Plan) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, parent_id, revision, summary, metadata, hints, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				revision = excluded.revision,
				summary = excluded.summary,
				metadata = excluded.metadata,
				hints = excluded.hints
		`, p.ID, p.ParentID, p.Revision, p.Summary, toJSON(p.Metadata), toJSON(p.Hints), s.now())
		if err != nil {
			return writeErr("plan", err)
		}

		for _, table := range []string{"steps", "step_dependencies"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE plan_id = ?", p.ID); err != nil {
				return writeErr(table, err)
			}
		}

		for i, st := range p.Steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO steps (plan_id, step_id, position, tool, args, description, risk, priority, timeout_ms, critical)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, st.ID, i, st.Tool, toJSON(st.Args), st.Description, string(st.Risk), st.Priority, st.TimeoutMS, boolInt(st.Critical))
			if err != nil {
				return writeErr("step "+st.ID, err)
			}
			for j, dep := range st.DependsOn {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO step_dependencies (plan_id, step_id, depends_on, position, best_effort)
					VALUES (?, ?, ?, ?, ?)
				`, p.ID, st.ID, dep, j, boolInt(st.IsBestEffort(dep)))
				if err != nil {
					return writeErr("dependency "+st.ID+" -> "+dep, err)
				}
			}
		}
		return nil
	})
}

func (s *SQLite) LoadPlan(ctx context.Context, id string) (*plan.Plan, error) {
	var p plan.Plan
	var parentID, summary, metadata, hints sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, revision, summary, metadata, hints FROM plans WHERE id = ?
	`, id).Scan(&p.ID, &parentID, &p.Revision, &summary, &metadata, &hints)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("plan", id)
		}
		return nil, readErr("plan", err)
	}
	p.ParentID = parentID.String
	p.Summary = summary.String
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &p.Metadata)
	}
	if hints.Valid {
		_ = json.Unmarshal([]byte(hints.String), &p.Hints)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, tool, args, description, risk, priority, timeout_ms, critical
		FROM steps WHERE plan_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, readErr("steps", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var st plan.Step
		var args, desc, risk sql.NullString
		var critical int
		if err := rows.Scan(&st.ID, &st.Tool, &args, &desc, &risk, &st.Priority, &st.TimeoutMS, &critical); err != nil {
			return nil, readErr("step", err)
		}
		if args.Valid && args.String != "null" {
			var m map[string]any
			if err := json.Unmarshal([]byte(args.String), &m); err != nil {
				return nil, readErr("step args", err)
			}
			st.Args = plan.ParseReferences(m).(map[string]any)
		}
		st.Description = desc.String
		st.Risk = domain.RiskLevel(risk.String)
		st.Critical = critical != 0
		index[st.ID] = len(p.Steps)
		p.Steps = append(p.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("steps", err)
	}

	deps, err := s.db.QueryContext(ctx, `
		SELECT step_id, depends_on, best_effort FROM step_dependencies
		WHERE plan_id = ? ORDER BY step_id, position
	`, id)
	if err != nil {
		return nil, readErr("dependencies", err)
	}
	defer deps.Close()
	for deps.Next() {
		var stepID, dep string
		var bestEffort int
		if err := deps.Scan(&stepID, &dep, &bestEffort); err != nil {
			return nil, readErr("dependency", err)
		}
		i, ok := index[stepID]
		if !ok {
			continue
		}
		p.Steps[i].DependsOn = append(p.Steps[i].DependsOn, dep)
		if bestEffort != 0 {
			p.Steps[i].BestEffort = append(p.Steps[i].BestEffort, dep)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, readErr("dependencies", err)
	}
	return &p, nil
}

// runDetail holds the StepRun fields stored as one JSON column.
type runDetail struct {
	Usage       any `json:"usage,omitempty"`
	Acquired    any `json:"acquired,omitempty"`
	Released    any `json:"released,omitempty"`
	Transitions any `json:"transitions,omitempty"`
}

func (s *SQLite) SaveSession(ctx context.Context, snap session.Snapshot) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_sessions (id, plan_id, state, outcome, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				outcome = excluded.outcome,
				started_at = excluded.started_at,
				finished_at = excluded.finished_at
		`, snap.ID, snap.PlanID, string(snap.State), string(snap.Outcome), nullTime(snap.StartedAt), nullTime(snap.FinishedAt))
		if err != nil {
			return writeErr("session", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM step_runs WHERE session_id = ?", snap.ID); err != nil {
			return writeErr("step runs", err)
		}
		for i, r := range snap.Runs {
			detail := toJSON(runDetail{Usage: r.Usage, Acquired: r.Acquired, Released: r.Released, Transitions: r.Transitions})
			var result sql.NullString
			if r.Result != nil {
				result = sql.NullString{String: string(r.Result), Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO step_runs (session_id, step_id, position, tool, status, started_at, completed_at,
					duration_ms, result, error, error_code, retry_count, attempts, cached, carried, detail)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, snap.ID, r.StepID, i, r.Tool, string(r.Status), nullTime(r.StartedAt), nullTime(r.CompletedAt),
				r.Duration.Milliseconds(), result, r.Error, string(r.ErrorCode), r.RetryCount, r.Attempts,
				boolInt(r.Cached), boolInt(r.Carried), detail)
			if err != nil {
				return writeErr("step run "+r.StepID, err)
			}
		}

		m := snap.Metrics
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_metrics (session_id, completed, failed, skipped, carried, retries, cache_hits,
				total_latency_ms, max_latency_ms, peak_memory_bytes, peak_cpu_percent)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				completed = excluded.completed,
				failed = excluded.failed,
				skipped = excluded.skipped,
				carried = excluded.carried,
				retries = excluded.retries,
				cache_hits = excluded.cache_hits,
				total_latency_ms = excluded.total_latency_ms,
				max_latency_ms = excluded.max_latency_ms,
				peak_memory_bytes = excluded.peak_memory_bytes,
				peak_cpu_percent = excluded.peak_cpu_percent
		`, snap.ID, m.Completed, m.Failed, m.Skipped, m.Carried, m.Retries, m.CacheHits,
			m.TotalLatency.Milliseconds(), m.MaxLatency.Milliseconds(), m.PeakMemoryBytes, m.PeakCPUPercent)
		if err != nil {
			return writeErr("metrics", err)
		}
		return nil
	})
}

func (s *SQLite) LoadSession(ctx context.Context, id string) (session.Snapshot, error) {
	var snap session.Snapshot
	var state string
	var outcome sql.NullString
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, state, outcome, started_at, finished_at FROM execution_sessions WHERE id = ?
	`, id).Scan(&snap.ID, &snap.PlanID, &state, &outcome, &started, &finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return snap, notFound("session", id)
		}
		return snap, readErr("session", err)
	}
	snap.State = session.State(state)
	snap.Outcome = session.Outcome(outcome.String)
	snap.StartedAt = started.Time
	snap.FinishedAt = finished.Time

	var total, maxLat int64
	err = s.db.QueryRowContext(ctx, `
		SELECT completed, failed, skipped, carried, retries, cache_hits, total_latency_ms, max_latency_ms,
			peak_memory_bytes, peak_cpu_percent
		FROM execution_metrics WHERE session_id = ?
	`, id).Scan(&snap.Metrics.Completed, &snap.Metrics.Failed, &snap.Metrics.Skipped, &snap.Metrics.Carried,
		&snap.Metrics.Retries, &snap.Metrics.CacheHits, &total, &maxLat,
		&snap.Metrics.PeakMemoryBytes, &snap.Metrics.PeakCPUPercent)
	if err != nil && err != sql.ErrNoRows {
		return snap, readErr("metrics", err)
	}
	snap.Metrics.TotalLatency = time.Duration(total) * time.Millisecond
	snap.Metrics.MaxLatency = time.Duration(maxLat) * time.Millisecond

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, tool, status, started_at, completed_at, duration_ms, result, error, error_code,
			retry_count, attempts, cached, carried, detail
		FROM step_runs WHERE session_id = ? ORDER BY position
	`, id)
	if err != nil {
		return snap, readErr("step runs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r session.StepRun
		var status string
		var startedAt, completedAt sql.NullTime
		var durationMS int64
		var result, errText, code, detail sql.NullString
		var cached, carried int
		if err := rows.Scan(&r.StepID, &r.Tool, &status, &startedAt, &completedAt, &durationMS, &result,
			&errText, &code, &r.RetryCount, &r.Attempts, &cached, &carried, &detail); err != nil {
			return snap, readErr("step run", err)
		}
		r.Status = session.Status(status)
		r.StartedAt = startedAt.Time
		r.CompletedAt = completedAt.Time
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if result.Valid {
			r.Result = json.RawMessage(result.String)
		}
		r.Error = errText.String
		r.ErrorCode = errors.ErrorCode(code.String)
		r.Cached = cached != 0
		r.Carried = carried != 0
		if detail.Valid {
			var d struct {
				Usage       json.RawMessage `json:"usage"`
				Acquired    json.RawMessage `json:"acquired"`
				Released    json.RawMessage `json:"released"`
				Transitions json.RawMessage `json:"transitions"`
			}
			if err := json.Unmarshal([]byte(detail.String), &d); err == nil {
				unmarshalOptional(d.Usage, &r.Usage)
				unmarshalOptional(d.Acquired, &r.Acquired)
				unmarshalOptional(d.Released, &r.Released)
				unmarshalOptional(d.Transitions, &r.Transitions)
			}
		}
		snap.Runs = append(snap.Runs, r)
	}
	if err := rows.Err(); err != nil {
		return snap, readErr("step runs", err)
	}
	return snap, nil
}

func unmarshalOptional(raw json.RawMessage, v any) {
	if len(raw) > 0 && string(raw) != "null" {
		_ = json.Unmarshal(raw, v)
	}
}

func (s *SQLite) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := `
		SELECT es.id, es.plan_id, es.state, es.outcome, es.started_at, es.finished_at,
			(SELECT COUNT(*) FROM step_runs sr WHERE sr.session_id = es.id),
			COALESCE(em.completed + em.carried, 0), COALESCE(em.failed, 0), COALESCE(em.skipped, 0)
		FROM execution_sessions es
		LEFT JOIN execution_metrics em ON em.session_id = es.id
		ORDER BY es.started_at DESC, es.id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("sessions", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var state string
		var outcome sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.PlanID, &state, &outcome, &started, &finished,
			&sum.Steps, &sum.Completed, &sum.Failed, &sum.Skipped); err != nil {
			return nil, readErr("session summary", err)
		}
		sum.State = session.State(state)
		sum.Outcome = session.Outcome(outcome.String)
		sum.StartedAt = started.Time
		sum.FinishedAt = finished.Time
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveAnomalies(ctx context.Context, found []anomaly.Anomaly) error {
	if len(found) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, a := range found {
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO anomalies (id, session_id, step_id, tool, kind, severity, observed, threshold, description, detected_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID, a.SessionID, a.StepID, a.Tool, string(a.Kind), a.Severity.String(), a.Observed, a.Threshold, a.Description, a.DetectedAt)
			if err != nil {
				return writeErr("anomaly", err)
			}
		}
		return nil
	})
}

func (s *SQLite) Anomalies(ctx context.Context, sessionID string) ([]anomaly.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_id, tool, kind, severity, observed, threshold, description, detected_at
		FROM anomalies WHERE session_id = ? ORDER BY detected_at, id
	`, sessionID)
	if err != nil {
		return nil, readErr("anomalies", err)
	}
	defer rows.Close()

	var out []anomaly.Anomaly
	for rows.Next() {
		var a anomaly.Anomaly
		var sessID, stepID, toolName, desc sql.NullString
		var kind, severity string
		if err := rows.Scan(&a.ID, &sessID, &stepID, &toolName, &kind, &severity, &a.Observed, &a.Threshold, &desc, &a.DetectedAt); err != nil {
			return nil, readErr("anomaly", err)
		}
		a.SessionID = sessID.String
		a.StepID = stepID.String
		a.Tool = toolName.String
		a.Description = desc.String
		a.Kind = anomaly.Kind(kind)
		if sev, err := domain.ParseSeverity(severity); err == nil {
			a.Severity = sev
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveReplan(ctx context.Context, rec replan.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replan_records (id, origin_plan_id, revised_plan_id, strategy, confidence, outcome, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			record = excluded.record
	`, rec.ID, rec.OriginPlanID, rec.RevisedPlanID, string(rec.Strategy), rec.Confidence, string(rec.Outcome), toJSON(rec), rec.CreatedAt)
	if err != nil {
		return writeErr("replan record", err)
	}
	return nil
}

func (s *SQLite) Replans(ctx context.Context, planID string) ([]replan.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM replan_records WHERE origin_plan_id = ? ORDER BY created_at, id
	`, planID)
	if err != nil {
		return nil, readErr("replan records", err)
	}
	defer rows.Close()

	var out []replan.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, readErr("replan record", err)
		}
		var rec replan.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, readErr("replan record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertExperience(ctx context.Context, exp Experience) (Experience, error) {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var cur Experience
		var seq string
		err := tx.QueryRowContext(ctx, `
			SELECT tool_sequence, confidence, usage_count, updated_at FROM experiences
			WHERE task_fingerprint = ? AND target_fingerprint = ? AND environment_fingerprint = ?
		`, exp.TaskFingerprint, exp.TargetFingerprint, exp.EnvironmentFingerprint).Scan(&seq, &cur.Confidence, &cur.UsageCount, &cur.UpdatedAt)
		switch {
		case err == sql.ErrNoRows:
			exp = firstUse(exp, s.now())
		case err != nil:
			return readErr("experience", err)
		default:
			exp = cur.merge(exp)
			exp.UpdatedAt = s.now()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO experiences (task_fingerprint, target_fingerprint, environment_fingerprint, tool_sequence, confidence, usage_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_fingerprint, target_fingerprint, environment_fingerprint) DO UPDATE SET
				tool_sequence = excluded.tool_sequence,
				confidence = excluded.confidence,
				usage_count = excluded.usage_count,
				updated_at = excluded.updated_at
		`, exp.TaskFingerprint, exp.TargetFingerprint, exp.EnvironmentFingerprint, toJSON(exp.ToolSequence), exp.Confidence, exp.UsageCount, exp.UpdatedAt)
		if err != nil {
			return writeErr("experience", err)
		}
		return nil
	})
	if err != nil {
		return Experience{}, err
	}
	return exp, nil
}

// compile-time interface checks
var (
	_ Store = (*SQLite)(nil)
	_ Store = (*File)(nil)
	_ Store = (*Memory)(nil)
)
