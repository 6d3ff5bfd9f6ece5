// Package health checks the dependencies a sentinel run relies on: the
// store, the docker daemon behind the shell capability, and the
// availability of registered capabilities.
package health

import (
	"context"
	"time"
)

// Checker verifies one dependency. Check must honour ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context) *Result
}

// Status is the health of a dependency.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Result is the outcome of one check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

func newResult(status Status, message string) *Result {
	return &Result{Status: status, Message: message, Details: make(map[string]any)}
}

// WithDetail adds a detail and returns r for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// Healthy creates a healthy result.
func Healthy(message string) *Result { return newResult(StatusHealthy, message) }

// Degraded creates a degraded result.
func Degraded(message string) *Result { return newResult(StatusDegraded, message) }

// Unhealthy creates an unhealthy result.
func Unhealthy(message string) *Result { return newResult(StatusUnhealthy, message) }
