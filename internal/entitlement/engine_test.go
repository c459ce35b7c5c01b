package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboutik/storekit/internal/catalog"
	"github.com/mboutik/storekit/internal/pricing"
	"github.com/mboutik/storekit/pkg/logger"
)

type testEnv struct {
	engine *Engine
	store  *MockStore
	sub    *MockSubscriber
	prices *pricing.Resolver

	mu     sync.Mutex
	errors []*CommandError
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: NewMockStore(),
		sub:   NewMockSubscriber(),
	}
	env.prices = pricing.NewResolver(catalog.Default(), env.store, 0, logger.NewNop())

	engine, err := New(Config{
		Catalog:    catalog.Default(),
		Prices:     env.prices,
		Store:      env.store,
		Subscriber: env.sub,
		Logger:     logger.NewNop(),
		OnError: func(cmdErr *CommandError) {
			env.mu.Lock()
			env.errors = append(env.errors, cmdErr)
			env.mu.Unlock()
		},
	})
	require.NoError(t, err)
	env.engine = engine
	t.Cleanup(engine.Close)
	return env
}

func (env *testEnv) waitSynced(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !env.engine.Loading() },
		time.Second, time.Millisecond, "initial fetch never settled")
}

func (env *testEnv) commandErrors() []*CommandError {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]*CommandError(nil), env.errors...)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Catalog: catalog.Default()})
	require.Error(t, err)
}

func TestFreeModulesAlwaysActive(t *testing.T) {
	env := newTestEnv(t)

	// No tenant set: free modules are active, paid ones are not.
	assert.True(t, env.engine.HasModule("dashboard"))
	assert.True(t, env.engine.HasModule("orders"))
	assert.False(t, env.engine.HasModule("delivery"))
	assert.False(t, env.engine.HasModule("unknown"))

	// Activating or deactivating a free module never touches the store.
	require.NoError(t, env.engine.Activate(context.Background(), "dashboard"))
	require.NoError(t, env.engine.Deactivate(context.Background(), "orders"))
	assert.Zero(t, env.store.InsertCalls())
	assert.True(t, env.engine.HasModule("orders"))
}

func TestCommandsWithoutTenantAreNoOps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.Activate(ctx, "delivery"))
	require.NoError(t, env.engine.Deactivate(ctx, "delivery"))
	require.NoError(t, env.engine.SetModules(ctx, []string{"delivery", "loyalty"}))

	assert.Zero(t, env.store.InsertCalls())
	assert.False(t, env.engine.HasModule("delivery"))
	assert.Empty(t, env.commandErrors())
}

func TestActivatePersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	require.NoError(t, env.engine.Activate(ctx, "delivery"))
	assert.True(t, env.engine.HasModule("delivery"))
	assert.Equal(t, []string{"delivery"}, env.store.Persisted("store-1"))
}

func TestActivateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)
	require.True(t, env.engine.HasModule("delivery"))

	// The insert hits a duplicate key; that is success, not an error.
	require.NoError(t, env.engine.Activate(ctx, "delivery"))
	assert.True(t, env.engine.HasModule("delivery"))
	assert.Empty(t, env.commandErrors())
}

func TestActivateRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	boom := errors.New("insert failed")
	env.store.FailInsert = boom

	err := env.engine.Activate(ctx, "delivery")
	require.Error(t, err)

	// Rollback is complete before the command returns.
	assert.False(t, env.engine.HasModule("delivery"))
	assert.Empty(t, env.store.Persisted("store-1"))

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, OpActivate, cmdErr.Op)
	assert.Equal(t, "delivery", cmdErr.ModuleID)
	assert.ErrorIs(t, err, boom)

	errs := env.commandErrors()
	require.Len(t, errs, 1)
	assert.NotEmpty(t, errs[0].ID)
}

func TestDeactivateRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	env.store.FailDelete = errors.New("delete failed")

	err := env.engine.Deactivate(ctx, "delivery")
	require.Error(t, err)
	assert.True(t, env.engine.HasModule("delivery"), "failed deactivate must restore the module")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, OpDeactivate, cmdErr.Op)
}

func TestDeactivateRemoves(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery", "loyalty")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	require.NoError(t, env.engine.Deactivate(ctx, "delivery"))
	assert.False(t, env.engine.HasModule("delivery"))
	assert.True(t, env.engine.HasModule("loyalty"))
	assert.Equal(t, []string{"loyalty"}, env.store.Persisted("store-1"))
}

func TestSetModulesFiltersFreeAndDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	err := env.engine.SetModules(ctx, []string{"dashboard", "delivery", "delivery", "loyalty", "orders"})
	require.NoError(t, err)

	// Only paid modules are persisted, each once.
	assert.Equal(t, []string{"delivery", "loyalty"}, env.store.Persisted("store-1"))
	assert.Equal(t,
		[]string{"customers", "dashboard", "delivery", "loyalty", "orders", "products"},
		env.engine.ActiveModules())
}

func TestSetModulesReplacesExisting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery", "analytics")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	require.NoError(t, env.engine.SetModules(ctx, []string{"loyalty"}))
	assert.Equal(t, []string{"loyalty"}, env.store.Persisted("store-1"))
	assert.False(t, env.engine.HasModule("delivery"))
	assert.False(t, env.engine.HasModule("analytics"))
}

func TestSetModulesFailureIsReportedNotRolledBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	env.store.FailBulk = errors.New("bulk insert failed")

	err := env.engine.SetModules(ctx, []string{"delivery"})
	require.Error(t, err)

	// The local set keeps the requested value; the next full re-sync is the
	// authority on divergence.
	assert.True(t, env.engine.HasModule("delivery"))

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, OpSetModules, cmdErr.Op)
	assert.Empty(t, cmdErr.ModuleID)
}

func TestMonthlyPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	// Free modules cost nothing; delivery bills at its base price.
	assert.Equal(t, int64(3000), env.engine.MonthlyPrice(ctx))
	assert.Equal(t, int64(3000), env.engine.ModulePrice(ctx, "delivery"))

	// A promo override takes effect on the next resolver fetch.
	env.store.SetOverride("delivery", 2500)
	env.prices.Invalidate()
	assert.Equal(t, int64(2500), env.engine.MonthlyPrice(ctx))

	require.NoError(t, env.engine.Activate(ctx, "loyalty"))
	assert.Equal(t, int64(2500+2500), env.engine.MonthlyPrice(ctx))
}

func TestFeatureEnabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	assert.True(t, env.engine.FeatureEnabled("orders.manage"), "free module features are always on")
	assert.False(t, env.engine.FeatureEnabled("delivery.zones"))

	require.NoError(t, env.engine.Activate(ctx, "delivery"))
	assert.True(t, env.engine.FeatureEnabled("delivery.zones"))
	assert.False(t, env.engine.FeatureEnabled("no.such.feature"))
}

func TestFetchFailureKeepsLastKnownSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)
	require.True(t, env.engine.HasModule("delivery"))

	// A notification arrives but the re-fetch fails: keep what we have.
	env.store.FailList = errors.New("postgrest unavailable")
	env.sub.Notify("store-1")

	assert.True(t, env.engine.HasModule("delivery"))
	assert.False(t, env.engine.Loading())
}

func TestFirstFetchFailureClearsLoading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.FailList = errors.New("postgrest unavailable")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	// Fail open on the free set rather than hang on a spinner.
	assert.Equal(t,
		[]string{"customers", "dashboard", "orders", "products"},
		env.engine.ActiveModules())
}

func TestNotificationTriggersRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)
	listed := env.store.ListCalls()

	// Another session activates a module; we only hear "something changed".
	env.store.Seed("store-1", "marketing")
	env.sub.Notify("store-1")

	assert.True(t, env.engine.HasModule("marketing"))
	assert.Greater(t, env.store.ListCalls(), listed)
}

func TestStaleFetchDiscardedOnTenantSwitch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-a", "delivery")
	env.store.Seed("store-b", "loyalty")

	gate := make(chan struct{})
	env.store.ListGate = gate

	// The fetch for store-a snapshots its rows, then stalls in flight.
	env.engine.SetTenant(ctx, "store-a")
	env.engine.SetTenant(ctx, "store-b")

	// Releasing the gate lets both fetches return; store-a's response is now
	// stale and must not leak into store-b's state.
	close(gate)
	env.waitSynced(t)

	require.Eventually(t, func() bool { return env.engine.HasModule("loyalty") },
		time.Second, time.Millisecond)
	assert.False(t, env.engine.HasModule("delivery"))
	assert.Equal(t, "store-b", env.engine.StoreID())
}

func TestTenantSwitchResetsStateAndSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-a", "delivery")
	env.engine.SetTenant(ctx, "store-a")
	env.waitSynced(t)
	require.True(t, env.engine.HasModule("delivery"))

	env.engine.SetTenant(ctx, "store-b")
	env.waitSynced(t)

	assert.False(t, env.engine.HasModule("delivery"))
	assert.Equal(t, 1, env.sub.Cancelled(), "previous tenant's subscription released")

	// Notifications for the old tenant must not resurrect its state.
	env.sub.Notify("store-a")
	assert.False(t, env.engine.HasModule("delivery"))
}

func TestSetTenantSameStoreIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)
	listed := env.store.ListCalls()

	env.engine.SetTenant(ctx, "store-1")
	assert.Equal(t, listed, env.store.ListCalls())
	assert.Zero(t, env.sub.Cancelled())
}

func TestClearTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.Seed("store-1", "delivery")
	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	env.engine.SetTenant(ctx, "")
	assert.False(t, env.engine.Loading())
	assert.False(t, env.engine.HasModule("delivery"))
	assert.True(t, env.engine.HasModule("dashboard"))
	assert.Equal(t, 1, env.sub.Cancelled())

	// Commands are no-ops again.
	require.NoError(t, env.engine.Activate(ctx, "delivery"))
	assert.Zero(t, env.store.InsertCalls())
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.SetTenant(ctx, "store-1")
	env.waitSynced(t)

	env.engine.Close()
	assert.Equal(t, 1, env.sub.Cancelled())
	assert.Empty(t, env.engine.StoreID())
}
