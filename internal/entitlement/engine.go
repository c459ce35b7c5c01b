package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mboutik/storekit/internal/catalog"
	"github.com/mboutik/storekit/internal/pricing"
	"github.com/mboutik/storekit/pkg/logger"
)

// Config holds the engine's dependencies. Catalog, Prices and Store are
// required; a nil Subscriber disables change notifications and nil Metrics
// disables instrumentation.
type Config struct {
	Catalog    *catalog.Catalog
	Prices     *pricing.Resolver
	Store      Store
	Subscriber Subscriber
	Logger     *logger.Logger
	Metrics    *Metrics
	// OnError receives one notification per failed command.
	OnError func(*CommandError)
}

// Engine answers entitlement queries and applies commands for one store at a
// time. Commands mutate local state optimistically before the remote write
// lands; failed writes roll the local state back to its exact prior value.
type Engine struct {
	catalog *catalog.Catalog
	prices  *pricing.Resolver
	store   Store
	sub     Subscriber
	log     *logger.Logger
	metrics *Metrics
	onError func(*CommandError)

	mu         sync.RWMutex
	storeID    string
	paid       map[string]struct{}
	loading    bool
	gen        uint64
	syncCtx    context.Context
	cancelSync context.CancelFunc
	cancelSub  func()
}

// New constructs an engine. All required dependencies must be non-nil.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price resolver is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("entitlement")
	}
	return &Engine{
		catalog: cfg.Catalog,
		prices:  cfg.Prices,
		store:   cfg.Store,
		sub:     cfg.Subscriber,
		log:     log,
		metrics: cfg.Metrics,
		onError: cfg.OnError,
		paid:    make(map[string]struct{}),
	}, nil
}

// SetTenant switches the engine to a store. It cancels any in-flight fetch
// for the previous store, resets local state, starts a fresh full fetch and
// opens a change subscription. An empty storeID tears the tenant down: all
// commands become no-ops and queries reflect free-only entitlement.
func (e *Engine) SetTenant(ctx context.Context, storeID string) {
	e.mu.Lock()
	if e.storeID == storeID {
		e.mu.Unlock()
		return
	}
	e.gen++
	gen := e.gen
	e.teardownLocked()
	e.storeID = storeID
	e.paid = make(map[string]struct{})
	e.updateGaugeLocked()
	if storeID == "" {
		e.loading = false
		e.mu.Unlock()
		return
	}
	e.loading = true
	// The sync lifetime is bound to the tenant, not to the caller's request.
	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.syncCtx = syncCtx
	e.cancelSync = cancel
	e.mu.Unlock()

	if e.sub != nil {
		cancelSub, err := e.sub.Subscribe(syncCtx, storeID, func() { e.refresh(gen) })
		if err != nil {
			e.log.WithError(err).WithField("store_id", storeID).Warn("change subscription failed, state will only update on tenant changes")
		} else {
			e.mu.Lock()
			if e.gen == gen {
				e.cancelSub = cancelSub
				e.mu.Unlock()
			} else {
				e.mu.Unlock()
				cancelSub()
				return
			}
		}
	}

	go e.fetch(syncCtx, gen, storeID)
}

// Close tears down the current tenant and releases the subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.teardownLocked()
	e.storeID = ""
	e.paid = make(map[string]struct{})
	e.loading = false
	e.updateGaugeLocked()
}

func (e *Engine) teardownLocked() {
	if e.cancelSync != nil {
		e.cancelSync()
		e.cancelSync = nil
		e.syncCtx = nil
	}
	if e.cancelSub != nil {
		e.cancelSub()
		e.cancelSub = nil
	}
}

// refresh re-fetches the full activation set in response to a change
// notification. Overlapping refreshes are fine: each replaces the whole set
// and the generation counter discards anything from a previous tenant.
func (e *Engine) refresh(gen uint64) {
	e.mu.RLock()
	if gen != e.gen || e.syncCtx == nil {
		e.mu.RUnlock()
		return
	}
	ctx := e.syncCtx
	storeID := e.storeID
	e.mu.RUnlock()

	e.fetch(ctx, gen, storeID)
}

func (e *Engine) fetch(ctx context.Context, gen uint64, storeID string) {
	ids, err := e.store.ListActivations(ctx, storeID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// The tenant changed while this fetch was in flight.
		return
	}
	e.loading = false
	if err != nil {
		// Fail open: stale-but-present beats an empty dashboard.
		e.log.WithError(err).WithField("store_id", storeID).Warn("activation fetch failed, keeping last known set")
		if e.metrics != nil {
			e.metrics.SyncFailures.Inc()
		}
		return
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if e.catalog.IsFree(id) {
			// The persisted set never holds free ids; scrub defensively.
			continue
		}
		set[id] = struct{}{}
	}
	e.paid = set
	e.updateGaugeLocked()
	if e.metrics != nil {
		e.metrics.Syncs.Inc()
	}
}

// =============================================================================
// Queries
// =============================================================================

// HasModule reports whether a module is active for the current store. Free
// modules are active for every store, provisioned or not.
func (e *Engine) HasModule(moduleID string) bool {
	if e.catalog.IsFree(moduleID) {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.paid[moduleID]
	return ok
}

// FeatureEnabled reports whether any active module carries the capability
// tag.
func (e *Engine) FeatureEnabled(feature string) bool {
	for _, id := range e.ActiveModules() {
		def, ok := e.catalog.Lookup(id)
		if !ok {
			continue
		}
		for _, f := range def.Features {
			if f == feature {
				return true
			}
		}
	}
	return false
}

// ActiveModules returns the sorted union of the free set and the
// locally-known paid set.
func (e *Engine) ActiveModules() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.paid))
	for id := range e.paid {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	ids = append(ids, e.catalog.FreeModules()...)
	sort.Strings(ids)
	return ids
}

// MonthlyPrice returns the store's total monthly bill: the sum of resolved
// prices over every active module. Free modules are summed too so a future
// free-tier price takes effect without code changes here.
func (e *Engine) MonthlyPrice(ctx context.Context) int64 {
	var total int64
	for _, id := range e.ActiveModules() {
		total += e.prices.Price(ctx, id)
	}
	return total
}

// ModulePrice returns the effective monthly price of one module.
func (e *Engine) ModulePrice(ctx context.Context, moduleID string) int64 {
	return e.prices.Price(ctx, moduleID)
}

// Loading reports whether the first fetch for the current store is still
// outstanding.
func (e *Engine) Loading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loading
}

// StoreID returns the current store, or "" when no tenant is set.
func (e *Engine) StoreID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.storeID
}

// =============================================================================
// Commands
// =============================================================================

// Activate turns a paid module on. Free modules and unset tenants are
// no-ops. The local set is updated before the write lands; a failed write
// that is not a duplicate rolls the update back before Activate returns.
func (e *Engine) Activate(ctx context.Context, moduleID string) error {
	if e.catalog.IsFree(moduleID) {
		return nil
	}

	e.mu.Lock()
	if e.storeID == "" {
		e.mu.Unlock()
		return nil
	}
	storeID := e.storeID
	_, wasActive := e.paid[moduleID]
	e.paid[moduleID] = struct{}{}
	e.updateGaugeLocked()
	e.mu.Unlock()

	err := e.store.InsertActivation(ctx, storeID, moduleID)
	if err == nil || errors.Is(err, ErrDuplicate) {
		if e.metrics != nil {
			e.metrics.Activations.Inc()
		}
		e.log.WithField("store_id", storeID).WithField("module_id", moduleID).Info("module activated")
		return nil
	}

	// Exact-value rollback, complete before the caller sees the error.
	e.mu.Lock()
	if e.storeID == storeID && !wasActive {
		delete(e.paid, moduleID)
		e.updateGaugeLocked()
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Rollbacks.Inc()
	}
	return e.fail(OpActivate, storeID, moduleID, err)
}

// Deactivate turns a paid module off; the mirror of Activate.
func (e *Engine) Deactivate(ctx context.Context, moduleID string) error {
	if e.catalog.IsFree(moduleID) {
		return nil
	}

	e.mu.Lock()
	if e.storeID == "" {
		e.mu.Unlock()
		return nil
	}
	storeID := e.storeID
	_, wasActive := e.paid[moduleID]
	delete(e.paid, moduleID)
	e.updateGaugeLocked()
	e.mu.Unlock()

	err := e.store.DeleteActivation(ctx, storeID, moduleID)
	if err == nil {
		if e.metrics != nil {
			e.metrics.Deactivations.Inc()
		}
		e.log.WithField("store_id", storeID).WithField("module_id", moduleID).Info("module deactivated")
		return nil
	}

	e.mu.Lock()
	if e.storeID == storeID && wasActive {
		e.paid[moduleID] = struct{}{}
		e.updateGaugeLocked()
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Rollbacks.Inc()
	}
	return e.fail(OpDeactivate, storeID, moduleID, err)
}

// SetModules bulk-replaces the store's paid set with ids (free ids are
// dropped). The remote write is a delete-all followed by a bulk insert,
// skipped when the new set is empty. A failure is reported but not rolled
// back element-by-element: this path runs during one-time onboarding and the
// next full re-sync corrects any divergence.
func (e *Engine) SetModules(ctx context.Context, moduleIDs []string) error {
	e.mu.Lock()
	if e.storeID == "" {
		e.mu.Unlock()
		return nil
	}
	storeID := e.storeID
	next := make(map[string]struct{})
	persisted := make([]string, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		if e.catalog.IsFree(id) {
			continue
		}
		if _, dup := next[id]; dup {
			continue
		}
		next[id] = struct{}{}
		persisted = append(persisted, id)
	}
	e.paid = next
	e.updateGaugeLocked()
	e.mu.Unlock()

	if err := e.store.ClearActivations(ctx, storeID); err != nil {
		return e.fail(OpSetModules, storeID, "", err)
	}
	if len(persisted) > 0 {
		if err := e.store.InsertActivations(ctx, storeID, persisted); err != nil {
			return e.fail(OpSetModules, storeID, "", err)
		}
	}
	e.log.WithField("store_id", storeID).WithField("modules", len(persisted)).Info("module set replaced")
	return nil
}

func (e *Engine) fail(op Op, storeID, moduleID string, err error) error {
	cmdErr := &CommandError{
		ID:       uuid.NewString(),
		Op:       op,
		StoreID:  storeID,
		ModuleID: moduleID,
		Err:      err,
	}
	e.log.WithError(err).
		WithField("op", string(op)).
		WithField("store_id", storeID).
		WithField("module_id", moduleID).
		WithField("error_id", cmdErr.ID).
		Warn("entitlement command failed")
	if e.onError != nil {
		e.onError(cmdErr)
	}
	return cmdErr
}

func (e *Engine) updateGaugeLocked() {
	if e.metrics != nil {
		e.metrics.ActiveModules.Set(float64(len(e.paid)))
	}
}
