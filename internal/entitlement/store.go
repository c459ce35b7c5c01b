package entitlement

import (
	"context"
	"sort"
	"sync"
)

// Store persists per-store activation records. Implementations must return
// ErrDuplicate from InsertActivation when the (store, module) pair already
// exists, and must treat deleting an absent record as a no-op.
type Store interface {
	ListActivations(ctx context.Context, storeID string) ([]string, error)
	InsertActivation(ctx context.Context, storeID, moduleID string) error
	DeleteActivation(ctx context.Context, storeID, moduleID string) error
	ClearActivations(ctx context.Context, storeID string) error
	InsertActivations(ctx context.Context, storeID string, moduleIDs []string) error
}

// Subscriber delivers change notifications for a store's activation records.
// Delivery is at-least-once and carries no row data; the engine answers every
// notification with a full re-fetch. The returned cancel func releases the
// subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, storeID string, onChange func()) (cancel func(), err error)
}

// =============================================================================
// Mock implementations for tests
// =============================================================================

// MockStore is an in-memory Store and pricing.OverrideSource. Errors can be
// injected per operation to exercise failure paths.
type MockStore struct {
	mu          sync.Mutex
	activations map[string]map[string]struct{}
	overrides   map[string]int64

	FailList   error
	FailInsert error
	FailDelete error
	FailClear  error
	FailBulk   error

	// ListGate, when set, is received from before each ListActivations
	// returns; tests use it to hold a fetch in flight.
	ListGate chan struct{}

	listCalls   int
	insertCalls int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		activations: make(map[string]map[string]struct{}),
		overrides:   make(map[string]int64),
	}
}

// ListActivations returns the persisted module ids for a store.
func (m *MockStore) ListActivations(ctx context.Context, storeID string) ([]string, error) {
	m.mu.Lock()
	m.listCalls++
	gate := m.ListGate
	err := m.FailList
	var ids []string
	for id := range m.activations[storeID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// InsertActivation records an activation, returning ErrDuplicate when the
// pair already exists.
func (m *MockStore) InsertActivation(ctx context.Context, storeID, moduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls++
	if m.FailInsert != nil {
		return m.FailInsert
	}
	set := m.activations[storeID]
	if set == nil {
		set = make(map[string]struct{})
		m.activations[storeID] = set
	}
	if _, exists := set[moduleID]; exists {
		return ErrDuplicate
	}
	set[moduleID] = struct{}{}
	return nil
}

// DeleteActivation removes an activation; absent records are a no-op.
func (m *MockStore) DeleteActivation(ctx context.Context, storeID, moduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.activations[storeID], moduleID)
	return nil
}

// ClearActivations removes every activation for a store.
func (m *MockStore) ClearActivations(ctx context.Context, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailClear != nil {
		return m.FailClear
	}
	delete(m.activations, storeID)
	return nil
}

// InsertActivations bulk-inserts activations.
func (m *MockStore) InsertActivations(ctx context.Context, storeID string, moduleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailBulk != nil {
		return m.FailBulk
	}
	set := m.activations[storeID]
	if set == nil {
		set = make(map[string]struct{})
		m.activations[storeID] = set
	}
	for _, id := range moduleIDs {
		set[id] = struct{}{}
	}
	return nil
}

// FetchOverrides implements pricing.OverrideSource.
func (m *MockStore) FetchOverrides(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.overrides))
	for id, price := range m.overrides {
		out[id] = price
	}
	return out, nil
}

// SetOverride sets a price override.
func (m *MockStore) SetOverride(moduleID string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[moduleID] = price
}

// Seed records activations directly, bypassing duplicate checks.
func (m *MockStore) Seed(storeID string, moduleIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.activations[storeID]
	if set == nil {
		set = make(map[string]struct{})
		m.activations[storeID] = set
	}
	for _, id := range moduleIDs {
		set[id] = struct{}{}
	}
}

// Persisted returns the sorted persisted module ids for a store.
func (m *MockStore) Persisted(storeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id := range m.activations[storeID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListCalls returns how many times ListActivations ran.
func (m *MockStore) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// InsertCalls returns how many times InsertActivation ran.
func (m *MockStore) InsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCalls
}

// MockSubscriber is an in-memory Subscriber whose notifications are fired
// manually with Notify.
type MockSubscriber struct {
	mu        sync.Mutex
	next      int
	handlers  map[string]map[int]func()
	cancelled int
}

// NewMockSubscriber creates an empty subscriber.
func NewMockSubscriber() *MockSubscriber {
	return &MockSubscriber{handlers: make(map[string]map[int]func())}
}

// Subscribe registers onChange for a store's notifications.
func (m *MockSubscriber) Subscribe(ctx context.Context, storeID string, onChange func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[storeID] == nil {
		m.handlers[storeID] = make(map[int]func())
	}
	m.next++
	id := m.next
	m.handlers[storeID][id] = onChange

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[storeID], id)
		m.cancelled++
	}, nil
}

// Notify fires every handler registered for a store.
func (m *MockSubscriber) Notify(storeID string) {
	m.mu.Lock()
	var fns []func()
	for _, fn := range m.handlers[storeID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Cancelled returns how many subscriptions were released.
func (m *MockSubscriber) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

var (
	_ Store      = (*MockStore)(nil)
	_ Subscriber = (*MockSubscriber)(nil)
)
