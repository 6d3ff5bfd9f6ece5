// Package tool defines the capability interface the engine invokes and the
// registry that holds the available capabilities.
package tool

import (
	"context"
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"
)

// Capability is one invocable tool: a scanner, a browser driver, a proxy
// controller, a report generator.
type Capability interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Prober is implemented by capabilities whose backing service can go away.
type Prober interface {
	Available() bool
}

// Descriptor describes a capability to planners and to the argument validator.
type Descriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	Schema      *openapi3.Schema  `json:"schema,omitempty"`
	Equivalents []string          `json:"equivalents,omitempty"`
	NoCache     bool              `json:"no_cache,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Result is what a capability returns on success.
type Result struct {
	// Output is the JSON payload later steps can reference.
	Output json.RawMessage `json:"output,omitempty"`
	// Acquired lists resources that stay open after the call returns.
	Acquired []Resource `json:"acquired,omitempty"`
	// Released lists IDs of previously acquired resources this call closed.
	Released []string `json:"released,omitempty"`
	// Usage is an optional resource usage sample for the call.
	Usage *Usage `json:"usage,omitempty"`
}

// Resource is something a tool opened that must be closed before the run ends.
type Resource struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	StepID      string         `json:"step_id,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	ReleaseTool string         `json:"release_tool,omitempty"`
	ReleaseArgs map[string]any `json:"release_args,omitempty"`
}

// Usage is a resource consumption sample.
type Usage struct {
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
}

// JSONResult marshals v into a Result.
func JSONResult(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Output: b}, nil
}

// Func adapts a function into a Capability.
func Func(desc Descriptor, fn func(ctx context.Context, args map[string]any) (*Result, error)) Capability {
	return &funcCapability{desc: desc, fn: fn}
}

type funcCapability struct {
	desc Descriptor
	fn   func(ctx context.Context, args map[string]any) (*Result, error)
}

func (f *funcCapability) Descriptor() Descriptor { return f.desc }

func (f *funcCapability) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.fn(ctx, args)
}
