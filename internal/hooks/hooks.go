// Package hooks carries orchestration progress: a non-blocking fan-out
// event stream and a registry of hooks (log, script, webhook) that react
// to those events.
package hooks

import (
	"context"
	"time"
)

// EventType identifies a progress event.
type EventType string

const (
	// Session lifecycle
	EventSessionStart  EventType = "session_start"
	EventSessionFinish EventType = "session_finish"

	// Run lifecycle; run_finish follows resource release and is the last
	// event of a run.
	EventRunFinish EventType = "run_finish"

	// Step lifecycle
	EventStepTransition EventType = "step_transition"

	// Control loop
	EventAnomalyDetected EventType = "anomaly_detected"
	EventReplanIssued    EventType = "replan_issued"

	// Resource lifecycle
	EventResourceAcquired      EventType = "resource_acquired"
	EventResourceReleased      EventType = "resource_released"
	EventResourceReleaseFailed EventType = "resource_release_failed"
)

// AllEventTypes lists every event type, in a stable order.
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionStart,
		EventSessionFinish,
		EventRunFinish,
		EventStepTransition,
		EventAnomalyDetected,
		EventReplanIssued,
		EventResourceAcquired,
		EventResourceReleased,
		EventResourceReleaseFailed,
	}
}

// Event is one progress notification.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	PlanID    string         `json:"plan_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, sessionID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	}
}

// GetString gets a string value from event data
func (e Event) GetString(key string) string {
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// GetInt gets an int value from event data
func (e Event) GetInt(key string) int {
	if i, ok := e.Data[key].(int); ok {
		return i
	}
	return 0
}

// GetFloat gets a float64 value from event data
func (e Event) GetFloat(key string) float64 {
	if f, ok := e.Data[key].(float64); ok {
		return f
	}
	return 0
}

// Hook reacts to events of the types it declares.
type Hook interface {
	Name() string
	EventTypes() []EventType
	Execute(ctx context.Context, event Event) error
}

// Failure modes for hook errors.
const (
	FailureIgnore = "ignore"
	FailureWarn   = "warn"
	FailureFail   = "fail"
)

// ValidFailureModes defines valid failure modes
var ValidFailureModes = []string{FailureIgnore, FailureWarn, FailureFail}

// IsValidFailureMode checks if a failure mode is valid
func IsValidFailureMode(mode string) bool {
	for _, valid := range ValidFailureModes {
		if mode == valid {
			return true
		}
	}
	return false
}

// HookConfig declares a hook in configuration.
type HookConfig struct {
	Name    string         `yaml:"name" json:"name" mapstructure:"name"`
	Type    string         `yaml:"type" json:"type" mapstructure:"type"`
	Events  []EventType    `yaml:"events" json:"events" mapstructure:"events"`
	Enabled bool           `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Config  map[string]any `yaml:"config" json:"config" mapstructure:"config"`

	// Timeout bounds a single execution; zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`

	// FailureMode is one of ignore, warn or fail. Empty means warn.
	FailureMode string `yaml:"failure_mode" json:"failure_mode" mapstructure:"failure_mode"`
}

// ExecutionResult is the outcome of running one hook for one event.
type ExecutionResult struct {
	HookName  string        `json:"hook_name"`
	EventType EventType     `json:"event_type"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// HookFactory creates hooks from configuration
type HookFactory func(config *HookConfig) (Hook, error)

// DefaultTimeout is the default hook execution timeout
const DefaultTimeout = 10 * time.Second
