// Package replan revises a running plan in response to anomalies and step
// failures without discarding completed work.
package replan

import (
	"fmt"

	"github.com/felixgeelhaar/sentinel/internal/anomaly"
	"github.com/felixgeelhaar/sentinel/internal/domain"
	"github.com/felixgeelhaar/sentinel/internal/errors"
)

// Strategy is how a plan gets revised.
type Strategy string

const (
	StrategyCompleteReplan        Strategy = "complete_replan"
	StrategyPartialModification   Strategy = "partial_modification"
	StrategyParameterOptimization Strategy = "parameter_optimization"
	StrategyStepReorder           Strategy = "step_reorder"
	StrategyResourceReallocation  Strategy = "resource_reallocation"
	StrategyAlternativeCapability Strategy = "alternative_capability"
)

// baseConfidence is the starting confidence of each strategy.
var baseConfidence = map[Strategy]float64{
	StrategyCompleteReplan:        0.6,
	StrategyPartialModification:   0.7,
	StrategyParameterOptimization: 0.8,
	StrategyStepReorder:           0.75,
	StrategyResourceReallocation:  0.85,
	StrategyAlternativeCapability: 0.65,
}

// Confidence decays the strategy's base score by 0.1 per prior replan,
// never going below 0.1.
func Confidence(s Strategy, priorReplans int) float64 {
	c := baseConfidence[s] - 0.1*float64(priorReplans)
	if c < 0.1 {
		c = 0.1
	}
	return c
}

// FailureKind classifies a failed step for the decision table.
type FailureKind string

const (
	FailureCapabilityNotFound FailureKind = "capability_not_found"
	FailureArgumentValidation FailureKind = "argument_validation"
	FailureTimeout            FailureKind = "timeout"
	FailureTransient          FailureKind = "transient"
	FailureDependency         FailureKind = "dependency"
	FailureOther              FailureKind = "other"
)

// ClassifyFailure maps an error code to a failure kind.
func ClassifyFailure(code errors.ErrorCode) FailureKind {
	switch code {
	case errors.ErrCodeCapabilityNotFound, errors.ErrCodeCapabilityUnavailable:
		return FailureCapabilityNotFound
	case errors.ErrCodeArgumentInvalid, errors.ErrCodeReferenceMissing:
		return FailureArgumentValidation
	case errors.ErrCodeExecTimeout:
		return FailureTimeout
	case errors.ErrCodeExecTransient:
		return FailureTransient
	case errors.ErrCodeDependencyFailed:
		return FailureDependency
	default:
		return FailureOther
	}
}

// FailureSeverity is the severity a step failure competes with when
// anomalies are present as well.
const FailureSeverity = domain.SeverityHigh

// StepFailure describes a failed step that triggered a replan.
type StepFailure struct {
	StepID  string           `json:"step_id"`
	Tool    string           `json:"tool"`
	Code    errors.ErrorCode `json:"code,omitempty"`
	Error   string           `json:"error,omitempty"`
	Retries int              `json:"retries"`
}

// Kind classifies the failure.
func (f StepFailure) Kind() FailureKind { return ClassifyFailure(f.Code) }

// Trigger is what interrupted the scheduler.
type Trigger struct {
	Anomalies []anomaly.Anomaly `json:"anomalies,omitempty"`
	Failure   *StepFailure      `json:"failure,omitempty"`
}

// Empty reports whether the trigger carries nothing to act on.
func (t Trigger) Empty() bool {
	return len(t.Anomalies) == 0 && t.Failure == nil
}

// Decision is the chosen strategy and what it targets.
type Decision struct {
	Strategy Strategy        `json:"strategy"`
	Severity domain.Severity `json:"severity,omitempty"`
	StepID   string          `json:"step_id,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Reason   string          `json:"reason"`
	// Anomaly is set when an anomaly, not a failure, drove the decision.
	Anomaly *anomaly.Anomaly `json:"anomaly,omitempty"`
	Failure *StepFailure     `json:"failure,omitempty"`
}

// Decide picks a strategy for trigger. priorReplans counts earlier replans
// per step ID; a step replanned twice already escalates to complete_replan.
func Decide(t Trigger, priorReplans map[string]int) Decision {
	var d Decision

	worst, hasAnomaly := anomaly.MostSevere(t.Anomalies)
	useFailure := t.Failure != nil && (!hasAnomaly || worst.Severity <= FailureSeverity)

	switch {
	case useFailure:
		f := *t.Failure
		d = Decision{
			Strategy: ForFailure(f.Kind(), f.Retries),
			Severity: FailureSeverity,
			StepID:   f.StepID,
			Tool:     f.Tool,
			Reason:   fmt.Sprintf("step %s failed (%s)", f.StepID, f.Kind()),
			Failure:  &f,
		}
	case hasAnomaly:
		a := worst
		d = Decision{
			Strategy: ForAnomaly(a.Kind, a.Severity),
			Severity: a.Severity,
			StepID:   a.StepID,
			Tool:     a.Tool,
			Reason:   fmt.Sprintf("%s %s anomaly on step %s", a.Severity, a.Kind, a.StepID),
			Anomaly:  &a,
		}
	default:
		return Decision{Strategy: StrategyCompleteReplan, Reason: "no trigger details"}
	}

	if n := priorReplans[d.StepID]; d.StepID != "" && n >= 2 && d.Strategy != StrategyCompleteReplan {
		d.Reason = fmt.Sprintf("%s; escalated after %d replans of %s", d.Reason, n, d.StepID)
		d.Strategy = StrategyCompleteReplan
	}
	return d
}

// ForAnomaly is the anomaly half of the decision table.
func ForAnomaly(kind anomaly.Kind, sev domain.Severity) Strategy {
	switch kind {
	case anomaly.KindLatency:
		if sev >= domain.SeverityHigh {
			return StrategyResourceReallocation
		}
		return StrategyParameterOptimization
	case anomaly.KindErrorRate:
		switch {
		case sev >= domain.SeverityCritical:
			return StrategyCompleteReplan
		case sev == domain.SeverityHigh:
			return StrategyResourceReallocation
		case sev == domain.SeverityMedium:
			return StrategyStepReorder
		default:
			return StrategyPartialModification
		}
	case anomaly.KindResourceUsage:
		return StrategyResourceReallocation
	default:
		return StrategyCompleteReplan
	}
}

// ForFailure is the failure half of the decision table.
func ForFailure(kind FailureKind, retries int) Strategy {
	switch kind {
	case FailureCapabilityNotFound:
		return StrategyAlternativeCapability
	case FailureArgumentValidation:
		return StrategyPartialModification
	case FailureTimeout:
		if retries < 2 {
			return StrategyParameterOptimization
		}
		return StrategyAlternativeCapability
	case FailureTransient:
		if retries < 2 {
			return StrategyResourceReallocation
		}
		return StrategyAlternativeCapability
	default:
		return StrategyCompleteReplan
	}
}
