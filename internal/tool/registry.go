package tool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/errors"
	"github.com/felixgeelhaar/sentinel/internal/log"
)

// Invoker is the capability interface the engine core depends on.
type Invoker interface {
	Execute(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*Result, error)
	ListAvailable() []string
	Describe(name string) (Descriptor, error)
	IsAvailable(name string) bool
	Validate(name string, args map[string]any) (map[string]any, error)
}

// Registry holds the capabilities known to one engine instance.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	equivalents  map[string][]string
	logger       *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		equivalents:  make(map[string][]string),
		logger:       log.OrDefault(logger).WithComponent("tool-registry"),
	}
}

// Register adds a capability. Registering a name twice is an error.
func (r *Registry) Register(c Capability) error {
	desc := c.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[desc.Name]; exists {
		return fmt.Errorf("capability %s already registered", desc.Name)
	}
	r.capabilities[desc.Name] = c
	r.logger.Debug("capability registered", "tool", desc.Name, "category", desc.Category)
	return nil
}

// MustRegister registers capabilities and panics on error.
func (r *Registry) MustRegister(cs ...Capability) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a capability.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.capabilities, name)
}

// SetEquivalents declares capabilities that can stand in for name.
func (r *Registry) SetEquivalents(name string, alternatives ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equivalents[name] = append([]string(nil), alternatives...)
}

// Equivalents returns the available alternatives for name, in preference order.
func (r *Registry) Equivalents(name string) []string {
	r.mu.RLock()
	var candidates []string
	if c, ok := r.capabilities[name]; ok {
		candidates = append(candidates, c.Descriptor().Equivalents...)
	}
	candidates = append(candidates, r.equivalents[name]...)
	r.mu.RUnlock()

	var out []string
	seen := map[string]bool{name: true}
	for _, alt := range candidates {
		if seen[alt] || !r.IsAvailable(alt) {
			continue
		}
		seen[alt] = true
		out = append(out, alt)
	}
	return out
}

func (r *Registry) get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// IsAvailable reports whether name is registered and its backend is up.
func (r *Registry) IsAvailable(name string) bool {
	c, ok := r.get(name)
	if !ok {
		return false
	}
	if p, ok := c.(Prober); ok {
		return p.Available()
	}
	return true
}

// ListAvailable returns the sorted names of available capabilities.
func (r *Registry) ListAvailable() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	r.mu.RUnlock()

	available := names[:0]
	for _, name := range names {
		if r.IsAvailable(name) {
			available = append(available, name)
		}
	}
	sort.Strings(available)
	return available
}

// List returns the descriptors of every registered capability, available
// or not, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c.Descriptor())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the descriptor of a registered capability.
func (r *Registry) Describe(name string) (Descriptor, error) {
	c, ok := r.get(name)
	if !ok {
		return Descriptor{}, errors.NewCapabilityNotFoundError(name)
	}
	return c.Descriptor(), nil
}

// Validate checks that name can run with args and returns the normalized
// arguments. It fails with CAP-001, CAP-002 or ARG-001.
func (r *Registry) Validate(name string, args map[string]any) (map[string]any, error) {
	c, ok := r.get(name)
	if !ok {
		return nil, errors.NewCapabilityNotFoundError(name)
	}
	if p, ok := c.(Prober); ok && !p.Available() {
		return nil, errors.NewCapabilityUnavailableError(name)
	}

	normalized, err := Normalize(args)
	if err != nil {
		return nil, err
	}
	if err := validateArgs(name, c.Descriptor().Schema, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// Execute runs a capability under timeout. A missed deadline yields EXEC-004;
// errors the capability did not classify are treated as transient.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*Result, error) {
	c, ok := r.get(name)
	if !ok {
		return nil, errors.NewCapabilityNotFoundError(name)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := c.Execute(callCtx, args)
	if err == nil {
		if res == nil {
			res = &Result{}
		}
		return res, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, errors.Wrap(errors.ErrCodeExecCancelled, name+" cancelled", ctx.Err())
	case stderrors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, errors.NewTimeoutError(name, timeout)
	case errors.CodeOf(err) != "":
		return nil, err
	default:
		return nil, errors.NewTransientError(name, err)
	}
}
