package arbitrage

import (
	"context"
	"errors"
	"testing"

	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/money"
)

type fakeAdapter struct {
	name    string
	healthy bool
	cost    money.Cents
	invoke  func() (any, error)
}

func (f *fakeAdapter) Name() string                      { return f.name }
func (f *fakeAdapter) Healthy(context.Context) bool       { return f.healthy }
func (f *fakeAdapter) EstimateCost(context.Context, catalog.Capability, catalog.Entry, any) (float64, money.Cents, error) {
	return f.cost.Dollars(), f.cost, nil
}
func (f *fakeAdapter) Invoke(context.Context, catalog.Capability, any) (any, error) {
	return f.invoke()
}

func newCatalogWith(providers ...string) *catalog.Catalog {
	entries := make([]catalog.Entry, 0, len(providers))
	for _, p := range providers {
		entries = append(entries, catalog.Entry{Provider: p, RateUnit: catalog.RateUnitFlat, Margin: 1.0, Eligible: catalog.AlwaysEligible})
	}
	c := catalog.New()
	c.SetEntries(catalog.CapabilityChatCompletions, entries)
	return c
}

func TestSelectPicksCheapestHealthyProvider(t *testing.T) {
	cat := newCatalogWith("expensive", "cheap")
	reg := NewRegistry(
		&fakeAdapter{name: "expensive", healthy: true, cost: 500, invoke: func() (any, error) { return "expensive-result", nil }},
		&fakeAdapter{name: "cheap", healthy: true, cost: 100, invoke: func() (any, error) { return "cheap-result", nil }},
	)
	router := New(cat, reg)

	res, err := router.Select(context.Background(), Request{Capability: catalog.CapabilityChatCompletions})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "cheap" {
		t.Fatalf("provider = %q, want cheap", res.Provider)
	}
}

func TestSelectFailsOverOnTransportError(t *testing.T) {
	cat := newCatalogWith("cheap-broken", "pricier-working")
	reg := NewRegistry(
		&fakeAdapter{name: "cheap-broken", healthy: true, cost: 100, invoke: func() (any, error) { return nil, errors.New("connection reset") }},
		&fakeAdapter{name: "pricier-working", healthy: true, cost: 200, invoke: func() (any, error) { return "ok", nil }},
	)
	router := New(cat, reg)

	res, err := router.Select(context.Background(), Request{Capability: catalog.CapabilityChatCompletions})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "pricier-working" {
		t.Fatalf("provider = %q, want pricier-working after failover", res.Provider)
	}
}

func TestSelectSkipsUnhealthyProviders(t *testing.T) {
	cat := newCatalogWith("cheap-unhealthy", "backup")
	reg := NewRegistry(
		&fakeAdapter{name: "cheap-unhealthy", healthy: false, cost: 50, invoke: func() (any, error) { return "should-not-be-called", nil }},
		&fakeAdapter{name: "backup", healthy: true, cost: 300, invoke: func() (any, error) { return "backup-result", nil }},
	)
	router := New(cat, reg)

	res, err := router.Select(context.Background(), Request{Capability: catalog.CapabilityChatCompletions})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "backup" {
		t.Fatalf("provider = %q, want backup", res.Provider)
	}
}

func TestSelectReturnsNoProviderAvailableWhenAllFail(t *testing.T) {
	cat := newCatalogWith("only")
	reg := NewRegistry(
		&fakeAdapter{name: "only", healthy: true, cost: 100, invoke: func() (any, error) { return nil, errors.New("timeout") }},
	)
	router := New(cat, reg)

	_, err := router.Select(context.Background(), Request{Capability: catalog.CapabilityChatCompletions})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestSelectReturnsNoProviderAvailableWhenNoneEligible(t *testing.T) {
	cat := catalog.New()
	reg := NewRegistry()
	router := New(cat, reg)

	_, err := router.Select(context.Background(), Request{Capability: catalog.CapabilityChatCompletions})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}
