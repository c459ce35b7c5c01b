package entitlement

import "context"

// Gate is the read-only view handed to feature code. It answers "is this
// unlocked" without exposing commands or tenant control.
type Gate struct {
	engine *Engine
}

// NewGate wraps an engine in a query-only gate.
func NewGate(e *Engine) *Gate {
	return &Gate{engine: e}
}

// ModuleEnabled reports whether a module is active for the current store.
func (g *Gate) ModuleEnabled(moduleID string) bool {
	return g.engine.HasModule(moduleID)
}

// FeatureEnabled reports whether any active module carries the capability
// tag.
func (g *Gate) FeatureEnabled(feature string) bool {
	return g.engine.FeatureEnabled(feature)
}

// ActiveModules returns the sorted active module ids, free ones included.
func (g *Gate) ActiveModules() []string {
	return g.engine.ActiveModules()
}

// Loading reports whether entitlement state is still being fetched.
func (g *Gate) Loading() bool {
	return g.engine.Loading()
}

// MonthlyPrice returns the store's total monthly bill.
func (g *Gate) MonthlyPrice(ctx context.Context) int64 {
	return g.engine.MonthlyPrice(ctx)
}

// Select returns unlocked when the module is active and locked otherwise.
// It keeps call sites to one line:
//
//	limit := entitlement.Select(gate, "analytics", fullHistory, last7Days)
func Select[T any](g *Gate, moduleID string, unlocked, locked T) T {
	if g.ModuleEnabled(moduleID) {
		return unlocked
	}
	return locked
}
