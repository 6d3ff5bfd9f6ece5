// Package anomaly evaluates completed step runs against latency, error-rate
// and resource-usage rules and decides which anomalies should trigger a
// replan.
package anomaly

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/domain"
)

// Kind is the rule that produced an anomaly.
type Kind string

const (
	KindLatency       Kind = "latency"
	KindErrorRate     Kind = "error_rate"
	KindResourceUsage Kind = "resource_usage"
)

// Anomaly is one rule firing.
type Anomaly struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Severity    domain.Severity `json:"severity"`
	Observed    float64         `json:"observed"`
	Threshold   float64         `json:"threshold"`
	StepID      string          `json:"step_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
	Description string          `json:"description"`
}

// Ratio is Observed / Threshold.
func (a Anomaly) Ratio() float64 {
	if a.Threshold == 0 {
		return 0
	}
	return a.Observed / a.Threshold
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s anomaly on %s: %s", a.Severity, a.Kind, a.StepID, a.Description)
}

// SeverityFor maps an observed/threshold ratio to a severity. Error-rate
// ratios are bounded by 1/threshold, so they use tighter cut-offs.
func SeverityFor(kind Kind, ratio float64) domain.Severity {
	critical, high, medium := 4.0, 2.5, 1.5
	if kind == KindErrorRate {
		critical, high, medium = 1.8, 1.5, 1.2
	}
	switch {
	case ratio >= critical:
		return domain.SeverityCritical
	case ratio >= high:
		return domain.SeverityHigh
	case ratio >= medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// MostSevere picks the anomaly that should drive a replan: highest
// severity first, then error rate over resource usage over latency.
func MostSevere(anomalies []Anomaly) (Anomaly, bool) {
	if len(anomalies) == 0 {
		return Anomaly{}, false
	}
	best := anomalies[0]
	for _, a := range anomalies[1:] {
		if a.Severity > best.Severity || (a.Severity == best.Severity && kindRank[a.Kind] > kindRank[best.Kind]) {
			best = a
		}
	}
	return best, true
}

var kindRank = map[Kind]int{
	KindLatency:       1,
	KindResourceUsage: 2,
	KindErrorRate:     3,
}
