package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/log"
)

// Executor runs hooks with a timeout and bounded parallelism.
type Executor struct {
	maxConcurrency int
	defaultTimeout time.Duration
}

// NewExecutor creates a new hook executor
func NewExecutor() *Executor {
	return &Executor{
		maxConcurrency: 10,
		defaultTimeout: DefaultTimeout,
	}
}

// SetMaxConcurrency sets the maximum number of concurrent hook executions
func (e *Executor) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	e.maxConcurrency = n
}

// SetDefaultTimeout sets the default timeout for hook execution
func (e *Executor) SetDefaultTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e.defaultTimeout = timeout
}

// ExecuteAll runs every entry for event and returns results in entry order.
func (e *Executor) ExecuteAll(ctx context.Context, entries []entry, event Event) []ExecutionResult {
	if len(entries) == 0 {
		return nil
	}

	results := make([]ExecutionResult, len(entries))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i, en := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Execute(ctx, en.hook, en.timeout, event)
		}()
	}

	wg.Wait()
	return results
}

// Execute runs a single hook. A zero timeout uses the executor default.
func (e *Executor) Execute(ctx context.Context, hook Hook, timeout time.Duration, event Event) ExecutionResult {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	result := ExecutionResult{
		HookName:  hook.Name(),
		EventType: event.Type,
		Timestamp: time.Now(),
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := hook.Execute(hookCtx, event)
	result.Duration = time.Since(start)

	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
	}
	return result
}

// HandleResults logs failed results according to failureMode and returns
// an error only in fail mode.
func HandleResults(results []ExecutionResult, failureMode string, logger *log.Logger) error {
	logger = log.OrDefault(logger)

	var failures []ExecutionResult
	for _, r := range results {
		if !r.Success {
			failures = append(failures, r)
		}
	}
	if len(failures) == 0 {
		return nil
	}

	for _, f := range failures {
		args := []any{"hook", f.HookName, "event", string(f.EventType), "error", f.Error, "duration", f.Duration}
		switch failureMode {
		case FailureIgnore:
			logger.Debug("hook failed", args...)
		case FailureFail:
			logger.Error("hook failed", args...)
		default:
			logger.Warn("hook failed", args...)
		}
	}

	if failureMode == FailureFail {
		return fmt.Errorf("%d hook(s) failed, first: %s: %s", len(failures), failures[0].HookName, failures[0].Error)
	}
	return nil
}
