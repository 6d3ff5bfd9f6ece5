package health

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/sentinel/internal/store"
	"github.com/felixgeelhaar/sentinel/internal/tool"
)

// StoreChecker checks that the store can be read.
type StoreChecker struct {
	Store  store.Store
	Driver store.Driver
}

// Name implements Checker.
func (c StoreChecker) Name() string { return "store" }

// Check lists one session.
func (c StoreChecker) Check(ctx context.Context) *Result {
	if c.Store == nil {
		return Unhealthy("store is not open")
	}
	if _, err := c.Store.ListSessions(ctx, 1); err != nil {
		return Unhealthy("store is not readable").WithDetail("error", err.Error())
	}
	return Healthy(fmt.Sprintf("%s store is readable", c.Driver))
}

// CapabilityChecker reports registered capabilities whose backend is down.
type CapabilityChecker struct {
	Registry *tool.Registry
}

// Name implements Checker.
func (c CapabilityChecker) Name() string { return "capabilities" }

// Check compares registered and available capabilities.
func (c CapabilityChecker) Check(ctx context.Context) *Result {
	all := c.Registry.List()
	if len(all) == 0 {
		return Unhealthy("no capabilities registered")
	}

	var down []string
	for _, d := range all {
		if !c.Registry.IsAvailable(d.Name) {
			down = append(down, d.Name)
		}
	}
	if len(down) > 0 {
		return Degraded(fmt.Sprintf("%d of %d capabilities unavailable", len(down), len(all))).
			WithDetail("unavailable", down)
	}
	return Healthy(fmt.Sprintf("%d capabilities available", len(all)))
}
