// Package arbitrage selects the cheapest eligible, healthy provider for a
// non-streaming request and fails over to the next candidate on transport
// error (spec.md §4.3). Generalizes the teacher registry's single
// per-model provider lookup (provider.Registry.GetForModel) across every
// capability this platform meters, with cost-based ordering instead of a
// fixed model→provider map.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/money"
)

// ErrNoProviderAvailable is returned when every eligible provider for a
// capability is unhealthy or fails the call.
var ErrNoProviderAvailable = errors.New("arbitrage: no provider available")

// Request is the input to Select.
type Request struct {
	Capability catalog.Capability
	TenantID   string
	Input      any
	ModelHint  string
	Tier       string
	Region     string
	HasBYOK    bool
}

// Result is the outcome of a successful Select.
type Result struct {
	Provider      string
	WholesaleCost float64
	Charge        money.Cents
	Output        any
}

// Adapter is implemented once per provider and registered under its name.
// EstimateCost must be cheap and synchronous (no network round trip);
// Invoke performs the actual call.
type Adapter interface {
	Name() string
	Healthy(ctx context.Context) bool
	EstimateCost(ctx context.Context, capability catalog.Capability, entry catalog.Entry, input any) (wholesaleCost float64, charge money.Cents, err error)
	Invoke(ctx context.Context, capability catalog.Capability, input any) (output any, err error)
}

// Registry holds the Adapters available to the router, keyed by provider
// name (matching catalog.Entry.Provider).
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a set of adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Router picks the cheapest eligible, healthy provider and invokes it,
// advancing to the next candidate on transport failure.
type Router struct {
	catalog  *catalog.Catalog
	adapters *Registry
}

// New builds a Router over a rate catalog and an adapter registry.
func New(c *catalog.Catalog, adapters *Registry) *Router {
	return &Router{catalog: c, adapters: adapters}
}

type candidate struct {
	entry         catalog.Entry
	adapter       Adapter
	wholesaleCost float64
	charge        money.Cents
}

// Select enumerates eligible providers for req.Capability, estimates cost
// on each, and invokes the cheapest healthy one, advancing on transport
// failure until exhausted.
func (router *Router) Select(ctx context.Context, req Request) (Result, error) {
	eligible := router.catalog.Eligible(req.Capability, catalog.EligibilityInput{
		TenantID:  req.TenantID,
		Tier:      req.Tier,
		Region:    req.Region,
		ModelHint: req.ModelHint,
		HasBYOK:   req.HasBYOK,
	})
	if len(eligible) == 0 {
		return Result{}, ErrNoProviderAvailable
	}

	candidates := make([]candidate, 0, len(eligible))
	for _, entry := range eligible {
		adapter, ok := router.adapters.get(entry.Provider)
		if !ok {
			continue
		}
		wholesaleCost, charge, err := adapter.EstimateCost(ctx, req.Capability, entry, req.Input)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{entry: entry, adapter: adapter, wholesaleCost: wholesaleCost, charge: charge})
	}
	if len(candidates) == 0 {
		return Result{}, ErrNoProviderAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].charge < candidates[j].charge
	})

	var lastErr error
	for _, c := range candidates {
		if !c.adapter.Healthy(ctx) {
			continue
		}
		output, err := c.adapter.Invoke(ctx, req.Capability, req.Input)
		if err != nil {
			lastErr = err
			continue
		}
		return Result{Provider: c.adapter.Name(), WholesaleCost: c.wholesaleCost, Charge: c.charge, Output: output}, nil
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: last transport error: %v", ErrNoProviderAvailable, lastErr)
	}
	return Result{}, ErrNoProviderAvailable
}
