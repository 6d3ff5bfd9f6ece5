package anomaly

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/sentinel/internal/hooks"
	"github.com/felixgeelhaar/sentinel/internal/log"
	"github.com/felixgeelhaar/sentinel/internal/metrics"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// Observation is one finished step run.
type Observation struct {
	SessionID string
	StepID    string
	Tool      string
	Success   bool
	Duration  time.Duration
	Usage     *tool.Usage
}

// Evaluation is the detector's verdict for one observation.
type Evaluation struct {
	// Anomalies holds every rule that fired.
	Anomalies []Anomaly
	// Triggers holds the anomalies at or above the severity floor.
	Triggers []Anomaly
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(d *Detector) { d.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Detector) { d.metrics = m } }

// WithPublisher publishes each anomaly.
func WithPublisher(p hooks.Publisher) Option { return func(d *Detector) { d.publisher = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// Detector evaluates observations. The rolling error-rate window spans
// every observation it has seen, across plan revisions.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	outcomes []bool
	next     int
	filled   int
	recorded []Anomaly

	logger    *log.Logger
	metrics   *metrics.Metrics
	publisher hooks.Publisher
	now       func() time.Time
}

// NewDetector creates a detector.
func NewDetector(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}
	d := &Detector{
		cfg:      cfg,
		outcomes: make([]bool, cfg.Window),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrDefault(d.logger).WithComponent("anomaly")
	return d, nil
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Observe records obs and evaluates every rule.
func (d *Detector) Observe(obs Observation) Evaluation {
	d.mu.Lock()
	d.outcomes[d.next] = !obs.Success
	d.next = (d.next + 1) % len(d.outcomes)
	if d.filled < len(d.outcomes) {
		d.filled++
	}
	failures := 0
	for i := 0; i < d.filled; i++ {
		if d.outcomes[i] {
			failures++
		}
	}
	samples := d.filled
	d.mu.Unlock()

	var found []Anomaly

	if limit := d.cfg.LatencyFor(obs.Tool); obs.Duration > limit {
		found = append(found, d.anomaly(obs, KindLatency, obs.Duration.Seconds(), limit.Seconds(),
			fmt.Sprintf("%s took %s, expected at most %s", obs.Tool, obs.Duration.Round(time.Millisecond), limit)))
	}

	if samples >= d.cfg.MinSamples {
		rate := float64(failures) / float64(samples)
		if rate > d.cfg.ErrorRatio {
			found = append(found, d.anomaly(obs, KindErrorRate, rate, d.cfg.ErrorRatio,
				fmt.Sprintf("%d of the last %d steps failed", failures, samples)))
		}
	}

	if a, ok := d.resourceAnomaly(obs); ok {
		found = append(found, a)
	}

	var ev Evaluation
	for _, a := range found {
		ev.Anomalies = append(ev.Anomalies, a)
		if a.Severity.AtLeast(d.cfg.SeverityFloor) {
			ev.Triggers = append(ev.Triggers, a)
		}
		d.metrics.RecordAnomaly(string(a.Kind), a.Severity.String())
		d.logger.Info("anomaly detected",
			"kind", string(a.Kind), "severity", a.Severity.String(), "step_id", a.StepID,
			"observed", a.Observed, "threshold", a.Threshold)
		d.publish(a)
	}

	if len(found) > 0 {
		d.mu.Lock()
		d.recorded = append(d.recorded, found...)
		d.mu.Unlock()
	}
	return ev
}

// Recorded returns every anomaly detected so far.
func (d *Detector) Recorded() []Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Anomaly(nil), d.recorded...)
}

// ErrorRate returns the failure ratio over the current window.
func (d *Detector) ErrorRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < d.filled; i++ {
		if d.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(d.filled)
}

// resourceAnomaly evaluates the memory and CPU caps as one rule. When both
// are exceeded the anomaly reports the worse ratio and names both.
func (d *Detector) resourceAnomaly(obs Observation) (Anomaly, bool) {
	u := obs.Usage
	if u == nil {
		return Anomaly{}, false
	}
	var (
		observed, threshold float64
		over                []string
	)
	consider := func(o, t float64, desc string) {
		if t <= 0 || o <= t {
			return
		}
		over = append(over, desc)
		if threshold == 0 || o/t > observed/threshold {
			observed, threshold = o, t
		}
	}
	consider(float64(u.MemoryBytes), float64(d.cfg.MaxMemoryBytes), fmt.Sprintf("%d bytes of memory", u.MemoryBytes))
	consider(u.CPUPercent, d.cfg.MaxCPUPercent, fmt.Sprintf("%.1f%% CPU", u.CPUPercent))
	if len(over) == 0 {
		return Anomaly{}, false
	}
	return d.anomaly(obs, KindResourceUsage, observed, threshold,
		fmt.Sprintf("%s used %s", obs.Tool, strings.Join(over, " and "))), true
}

func (d *Detector) anomaly(obs Observation, kind Kind, observed, threshold float64, desc string) Anomaly {
	return Anomaly{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    SeverityFor(kind, observed/threshold),
		Observed:    observed,
		Threshold:   threshold,
		StepID:      obs.StepID,
		SessionID:   obs.SessionID,
		Tool:        obs.Tool,
		DetectedAt:  d.now(),
		Description: desc,
	}
}

func (d *Detector) publish(a Anomaly) {
	if d.publisher == nil {
		return
	}
	ev := hooks.NewEvent(hooks.EventAnomalyDetected, a.SessionID, map[string]any{
		"kind":        string(a.Kind),
		"severity":    a.Severity.String(),
		"observed":    a.Observed,
		"threshold":   a.Threshold,
		"description": a.Description,
	})
	ev.StepID = a.StepID
	d.publisher.Publish(ev)
}
