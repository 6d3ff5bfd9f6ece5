// Package progress renders orchestration events and run reports for the
// terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/orchestrator"
	"github.com/felixgeelhaar/sentinel/internal/session"
)

// Config holds configuration for the printer
type Config struct {
	Writer io.Writer
	// Verbose also prints running and retrying transitions.
	Verbose bool
	// IsCI disables styling. Detected from the environment when unset.
	IsCI bool
}

type styles struct {
	ok, warn, fail, muted, header, key lipgloss.Style
}

func newStyles(r *lipgloss.Renderer, plain bool) styles {
	if plain {
		s := r.NewStyle()
		return styles{ok: s, warn: s, fail: s, muted: s, header: s, key: s}
	}
	return styles{
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.Color("244")),
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		key:    r.NewStyle().Foreground(lipgloss.Color("99")),
	}
}

// Printer writes one line per notable event. It is safe for use from the
// stream goroutine and the caller at once.
type Printer struct {
	writer  io.Writer
	styles  styles
	verbose bool

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	skipped   int
	startTime time.Time
}

// NewPrinter creates a printer.
func NewPrinter(cfg Config) *Printer {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if !cfg.IsCI {
		cfg.IsCI = os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
	}
	return &Printer{
		writer:    cfg.Writer,
		styles:    newStyles(lipgloss.NewRenderer(cfg.Writer), cfg.IsCI),
		verbose:   cfg.Verbose,
		startTime: time.Now(),
	}
}

// Attach prints events from stream until stop is called. stop waits for
// queued events to be printed.
func (p *Printer) Attach(stream *hooks.Stream) (stop func()) {
	events, cancel := stream.Subscribe(hooks.DefaultBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			p.Handle(ev)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Handle prints a single event.
func (p *Printer) Handle(ev hooks.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case hooks.EventSessionStart:
		p.total = ev.GetInt("steps")
		p.completed, p.failed, p.skipped = 0, 0, 0
		p.line(p.styles.header.Render("▶ session "+ev.SessionID), fmt.Sprintf("%d steps", p.total))
	case hooks.EventStepTransition:
		p.transition(ev)
	case hooks.EventAnomalyDetected:
		p.line(p.styles.warn.Render("! anomaly"),
			fmt.Sprintf("%s %s [%s] %s", ev.StepID, ev.GetString("kind"), ev.GetString("severity"), ev.GetString("description")))
	case hooks.EventReplanIssued:
		p.line(p.styles.warn.Render("↻ replan"),
			fmt.Sprintf("%s → %s (%s, confidence %.2f)", ev.PlanID, ev.GetString("revised_plan_id"),
				ev.GetString("strategy"), ev.GetFloat("confidence")))
	case hooks.EventResourceReleaseFailed:
		p.line(p.styles.fail.Render("✗ release"), ev.GetString("resource_id")+" - "+ev.GetString("error"))
	case hooks.EventResourceReleased:
		if p.verbose {
			p.line(p.styles.muted.Render("⊖ released"), ev.GetString("resource_id"))
		}
	case hooks.EventSessionFinish:
		// a revision ended; the run may still replan or release resources
		if p.verbose {
			p.line(p.styles.muted.Render("□ revision "+ev.PlanID), ev.GetString("outcome"))
		}
	case hooks.EventRunFinish:
		p.line(p.outcomeStyle(session.Outcome(ev.GetString("outcome"))).Render("■ "+ev.GetString("outcome")),
			fmt.Sprintf("✓ %d | ✗ %d | ⊘ %d | %s", ev.GetInt("completed"), ev.GetInt("failed"),
				ev.GetInt("skipped"), formatDuration(time.Since(p.startTime))))
	}
}

func (p *Printer) transition(ev hooks.Event) {
	to := session.Status(ev.GetString("to"))
	label := fmt.Sprintf("%s (%s)", ev.StepID, ev.GetString("tool"))
	if code := ev.GetString("error_code"); code != "" {
		label += " " + code
	}

	var symbol string
	switch to {
	case session.StatusCompleted:
		p.completed++
		symbol = p.styles.ok.Render("✓")
	case session.StatusFailed:
		p.failed++
		symbol = p.styles.fail.Render("✗")
	case session.StatusSkipped:
		p.skipped++
		symbol = p.styles.muted.Render("⊘")
	case session.StatusRetrying:
		if !p.verbose {
			return
		}
		symbol = p.styles.warn.Render("⟲")
		label += fmt.Sprintf(" attempt %d", ev.GetInt("attempt"))
	case session.StatusRunning:
		if !p.verbose {
			return
		}
		symbol = p.styles.muted.Render("▶")
	default:
		return
	}

	if to.Terminal() && p.total > 0 {
		label += p.styles.muted.Render(fmt.Sprintf(" [%d/%d]", p.completed+p.failed+p.skipped, p.total))
	}
	p.line(symbol, label)
}

func (p *Printer) line(prefix, msg string) {
	fmt.Fprintf(p.writer, "%s %s\n", prefix, msg)
}

func (p *Printer) outcomeStyle(o session.Outcome) lipgloss.Style {
	switch o {
	case session.OutcomeCompleted:
		return p.styles.ok
	case session.OutcomeCompletedWithWarnings:
		return p.styles.warn
	default:
		return p.styles.fail
	}
}

// PrintReport prints the final summary of a run.
func (p *Printer) PrintReport(r *orchestrator.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rule := strings.Repeat("═", 59)
	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, rule)
	fmt.Fprintln(p.writer, p.styles.header.Render("Run Summary"))
	fmt.Fprintln(p.writer, rule)

	snap := r.FinalSession
	p.field("Outcome", p.outcomeStyle(r.Outcome).Render(string(r.Outcome)))
	if r.Plan != nil {
		p.field("Plan", r.Plan.ID)
	}
	p.field("Revisions", fmt.Sprintf("%d", len(r.Sessions)))
	p.field("Steps", fmt.Sprintf("%d", len(snap.Runs)))
	p.field("Completed", fmt.Sprintf("%d (%d carried)", snap.Metrics.Completed+snap.Metrics.Carried, snap.Metrics.Carried))
	p.field("Failed", fmt.Sprintf("%d", snap.Metrics.Failed))
	p.field("Skipped", fmt.Sprintf("%d", snap.Metrics.Skipped))
	p.field("Retries", fmt.Sprintf("%d", snap.Metrics.Retries))
	p.field("Total Time", formatDuration(r.Duration()))
	fmt.Fprintln(p.writer, rule)

	if len(snap.Runs) > 0 {
		fmt.Fprintln(p.writer)
		fmt.Fprintln(p.writer, p.styles.header.Render("Steps:"))
		for _, run := range snap.Runs {
			fmt.Fprintf(p.writer, "  %s %-12s %-14s %-10s %s\n",
				p.statusSymbol(run.Status), run.StepID, run.Tool, run.Status, p.runDetail(run))
		}
	}

	if len(r.Anomalies) > 0 {
		fmt.Fprintln(p.writer)
		fmt.Fprintln(p.writer, p.styles.header.Render("Anomalies:"))
		for _, a := range r.Anomalies {
			fmt.Fprintf(p.writer, "  ! %s %s [%s] %s\n", a.StepID, a.Kind, a.Severity, a.Description)
		}
	}

	if len(r.Replans) > 0 {
		fmt.Fprintln(p.writer)
		fmt.Fprintln(p.writer, p.styles.header.Render("Replans:"))
		for _, rec := range r.Replans {
			fmt.Fprintf(p.writer, "  ↻ %s → %s %s (confidence %.2f, %d changes) %s\n",
				rec.OriginPlanID, rec.RevisedPlanID, rec.Strategy, rec.Confidence, len(rec.Changes), rec.Outcome)
		}
	}
	if n := len(r.IgnoredTriggers); n > 0 {
		fmt.Fprintf(p.writer, "  %s\n", p.styles.muted.Render(fmt.Sprintf("%d trigger(s) ignored after the replan budget", n)))
	}

	if !r.ReleaseReport.OK() {
		fmt.Fprintln(p.writer)
		fmt.Fprintln(p.writer, p.styles.header.Render("Release Warnings:"))
		for _, w := range r.ReleaseReport.Warnings {
			fmt.Fprintf(p.writer, "  %s %s %s\n", p.styles.fail.Render("✗"), w.Resource.ID, w.Error)
		}
	}
}

func (p *Printer) field(name, value string) {
	fmt.Fprintf(p.writer, "%s %s\n", p.styles.key.Render(fmt.Sprintf("%-16s", name+":")), value)
}

func (p *Printer) statusSymbol(s session.Status) string {
	switch s {
	case session.StatusCompleted:
		return p.styles.ok.Render("✓")
	case session.StatusFailed:
		return p.styles.fail.Render("✗")
	case session.StatusSkipped:
		return p.styles.muted.Render("⊘")
	default:
		return p.styles.muted.Render("·")
	}
}

func (p *Printer) runDetail(run session.StepRun) string {
	var parts []string
	if run.Duration > 0 {
		parts = append(parts, run.Duration.Round(time.Millisecond).String())
	}
	if run.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", run.Attempts))
	}
	if run.Cached {
		parts = append(parts, "cached")
	}
	if run.Carried {
		parts = append(parts, "carried")
	}
	if run.ErrorCode != "" {
		parts = append(parts, string(run.ErrorCode))
	}
	return p.styles.muted.Render(strings.Join(parts, " "))
}

// Counts returns the terminal transitions seen in the current session.
func (p *Printer) Counts() (completed, failed, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed, p.skipped
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
