package adapter

import (
	"fmt"
	"math"
	"time"
)

// Strategy names an execution style; each gets its own adapter.
type Strategy string

// Supported strategies
const (
	// StrategySequential executes a plan step by step and batches calls in order.
	StrategySequential Strategy = "sequential"
	// StrategyGraph executes a variable-substitution plan graph.
	StrategyGraph Strategy = "graph"
	// StrategyBatch fans out independent calls with high concurrency.
	StrategyBatch Strategy = "batch"
	// StrategyConservative suits reasoning loops: few retries, long backoff.
	StrategyConservative Strategy = "conservative"
)

// Strategies lists the built-in strategies.
func Strategies() []Strategy {
	return []Strategy{StrategySequential, StrategyGraph, StrategyBatch, StrategyConservative}
}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q: must be one of sequential, graph, batch, conservative", s)
}

// DefaultCacheTTL is how long a successful result stays reusable.
const DefaultCacheTTL = 5 * time.Minute

// Policy is the per-strategy call behaviour.
type Policy struct {
	Strategy       Strategy
	MaxConcurrency int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Timeout        time.Duration
	CacheTTL       time.Duration
	// RateLimit caps call starts per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Sequential makes CallBatch run calls one at a time, in order.
	Sequential bool
}

// DefaultPolicy returns the preset for a strategy.
func DefaultPolicy(s Strategy) Policy {
	switch s {
	case StrategyGraph:
		return Policy{
			Strategy:       s,
			MaxConcurrency: 3,
			MaxRetries:     1,
			BaseDelay:      time.Second,
			MaxDelay:       5 * time.Second,
			Multiplier:     1.5,
			Timeout:        180 * time.Second,
			CacheTTL:       DefaultCacheTTL,
		}
	case StrategyBatch:
		return Policy{
			Strategy:       s,
			MaxConcurrency: 10,
			MaxRetries:     3,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       8 * time.Second,
			Multiplier:     2.0,
			Timeout:        120 * time.Second,
			CacheTTL:       DefaultCacheTTL,
		}
	case StrategyConservative:
		return Policy{
			Strategy:       s,
			MaxConcurrency: 5,
			MaxRetries:     1,
			BaseDelay:      3 * time.Second,
			MaxDelay:       15 * time.Second,
			Multiplier:     2.0,
			Timeout:        300 * time.Second,
			CacheTTL:       DefaultCacheTTL,
		}
	default:
		return Policy{
			Strategy:       StrategySequential,
			MaxConcurrency: 5,
			MaxRetries:     2,
			BaseDelay:      2 * time.Second,
			MaxDelay:       10 * time.Second,
			Multiplier:     2.0,
			Timeout:        300 * time.Second,
			CacheTTL:       DefaultCacheTTL,
			Sequential:     true,
		}
	}
}

// Validate checks the policy for values the adapter cannot honour.
func (p Policy) Validate() error {
	switch {
	case p.MaxConcurrency < 1:
		return fmt.Errorf("%s: max concurrency must be at least 1, got %d", p.Strategy, p.MaxConcurrency)
	case p.MaxRetries < 0:
		return fmt.Errorf("%s: max retries must not be negative, got %d", p.Strategy, p.MaxRetries)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("%s: retry delays must not be negative", p.Strategy)
	case p.Multiplier < 1:
		return fmt.Errorf("%s: backoff multiplier must be at least 1, got %g", p.Strategy, p.Multiplier)
	case p.Timeout <= 0:
		return fmt.Errorf("%s: timeout must be positive", p.Strategy)
	case p.RateLimit < 0:
		return fmt.Errorf("%s: rate limit must not be negative", p.Strategy)
	}
	return nil
}

// Backoff returns the wait before retry number attempt (1-based):
// min(base * multiplier^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
