package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/mboutik/storekit/internal/catalog"
	"github.com/mboutik/storekit/internal/pricing"
	"github.com/mboutik/storekit/pkg/logger"
)

func newGateFixture(t *testing.T) (*Gate, *MockStore) {
	t.Helper()

	store := NewMockStore()
	prices := pricing.NewResolver(catalog.Default(), store, 0, logger.NewNop())
	engine, err := New(Config{
		Catalog: catalog.Default(),
		Prices:  prices,
		Store:   store,
		Logger:  logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(engine.Close)
	return NewGate(engine), store
}

func waitLoaded(t *testing.T, g *Gate) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.Loading() {
		if time.Now().After(deadline) {
			t.Fatal("gate never finished loading")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateQueries(t *testing.T) {
	gate, store := newGateFixture(t)
	store.Seed("store-1", "analytics")

	gate.engine.SetTenant(context.Background(), "store-1")
	waitLoaded(t, gate)

	if !gate.ModuleEnabled("analytics") {
		t.Error("ModuleEnabled(analytics) = false, want true")
	}
	if !gate.ModuleEnabled("dashboard") {
		t.Error("ModuleEnabled(dashboard) = false, want true")
	}
	if gate.ModuleEnabled("delivery") {
		t.Error("ModuleEnabled(delivery) = true, want false")
	}
	if !gate.FeatureEnabled("analytics.export") {
		t.Error("FeatureEnabled(analytics.export) = false, want true")
	}
	if got := gate.MonthlyPrice(context.Background()); got != 7500 {
		t.Errorf("MonthlyPrice() = %d, want 7500", got)
	}
}

func TestSelect(t *testing.T) {
	gate, store := newGateFixture(t)
	store.Seed("store-1", "analytics")

	gate.engine.SetTenant(context.Background(), "store-1")
	waitLoaded(t, gate)

	if got := Select(gate, "analytics", 365, 7); got != 365 {
		t.Errorf("Select(analytics) = %d, want 365", got)
	}
	if got := Select(gate, "delivery", "full", "teaser"); got != "teaser" {
		t.Errorf("Select(delivery) = %q, want teaser", got)
	}
}
