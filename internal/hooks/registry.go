package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/log"
)

type entry struct {
	hook        Hook
	timeout     time.Duration
	failureMode string
}

// Registry manages hooks and dispatches events to them.
type Registry struct {
	mu        sync.RWMutex
	hooks     map[EventType][]entry
	factories map[string]HookFactory
	executor  *Executor
	logger    *log.Logger
}

// NewRegistry creates a hook registry with the built-in factories.
func NewRegistry(logger *log.Logger) *Registry {
	r := &Registry{
		hooks:     make(map[EventType][]entry),
		factories: make(map[string]HookFactory),
		executor:  NewExecutor(),
		logger:    log.OrDefault(logger).WithComponent("hooks"),
	}
	r.RegisterFactory("log", func(c *HookConfig) (Hook, error) { return NewLogHook(c, r.logger) })
	r.RegisterFactory("script", NewScriptHook)
	r.RegisterFactory("webhook", NewWebhookHook)
	return r
}

// RegisterFactory registers a hook factory
func (r *Registry) RegisterFactory(hookType string, factory HookFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[hookType] = factory
}

// Register adds a hook with the default timeout and warn failure mode.
func (r *Registry) Register(hook Hook) error {
	return r.RegisterWith(hook, 0, FailureWarn)
}

// RegisterWith adds a hook with an explicit timeout and failure mode.
func (r *Registry) RegisterWith(hook Hook, timeout time.Duration, failureMode string) error {
	if hook == nil {
		return fmt.Errorf("hook cannot be nil")
	}
	if failureMode == "" {
		failureMode = FailureWarn
	}
	if !IsValidFailureMode(failureMode) {
		return fmt.Errorf("hook %s: invalid failure mode %q", hook.Name(), failureMode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, et := range hook.EventTypes() {
		r.hooks[et] = append(r.hooks[et], entry{hook: hook, timeout: timeout, failureMode: failureMode})
	}
	return nil
}

// RegisterFromConfig creates and registers a hook from configuration.
// Disabled hooks are skipped.
func (r *Registry) RegisterFromConfig(config *HookConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if !config.Enabled {
		return nil
	}

	r.mu.RLock()
	factory, ok := r.factories[config.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown hook type: %s", config.Type)
	}

	hook, err := factory(config)
	if err != nil {
		return fmt.Errorf("failed to create hook %s: %w", config.Name, err)
	}
	return r.RegisterWith(hook, config.Timeout, config.FailureMode)
}

// Unregister removes a hook from every event type.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for et, entries := range r.hooks {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.hook.Name() != name {
				kept = append(kept, e)
			}
		}
		r.hooks[et] = kept
	}
}

// Trigger runs every hook registered for event.Type. The returned error is
// non-nil only when a hook in fail mode failed.
func (r *Registry) Trigger(ctx context.Context, event Event) ([]ExecutionResult, error) {
	r.mu.RLock()
	entries := append([]entry(nil), r.hooks[event.Type]...)
	r.mu.RUnlock()
	if len(entries) == 0 {
		return nil, nil
	}

	results := r.executor.ExecuteAll(ctx, entries, event)

	var firstErr error
	for i, e := range entries {
		if err := HandleResults(results[i:i+1], e.failureMode, r.logger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// Attach subscribes the registry to stream and dispatches events to hooks
// on a separate goroutine. The returned stop function unsubscribes and
// waits for queued events to be handled.
func (r *Registry) Attach(ctx context.Context, stream *Stream) (stop func()) {
	events, cancel := stream.Subscribe(DefaultBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if !r.HasHooksFor(ev.Type) {
				continue
			}
			_, _ = r.Trigger(context.WithoutCancel(ctx), ev)
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

// Names returns the names of all registered hooks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, entries := range r.hooks {
		for _, e := range entries {
			seen[e.hook.Name()] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of distinct registered hooks.
func (r *Registry) Count() int {
	return len(r.Names())
}

// HasHooksFor checks if there are any hooks registered for an event type
func (r *Registry) HasHooksFor(eventType EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[eventType]) > 0
}
