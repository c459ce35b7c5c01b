package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mboutik/storekit/pkg/logger"
	"github.com/mboutik/storekit/supabase/client"
)

const (
	activationsTable = "module_activations"
	overridesTable   = "module_price_overrides"
)

// SupabaseStore persists activations through PostgREST and delivers change
// notifications through Supabase Realtime. It also serves catalog-wide price
// overrides, so one store backs both the engine and the price resolver.
type SupabaseStore struct {
	client   *client.Client
	realtime *client.RealtimeClient
	log      *logger.Logger
}

// NewSupabaseStore creates a store on top of an existing REST client. The
// realtime client is optional; without it Subscribe returns an error and the
// engine runs on explicit re-syncs only.
func NewSupabaseStore(c *client.Client, rt *client.RealtimeClient, log *logger.Logger) *SupabaseStore {
	if log == nil {
		log = logger.NewDefault("supastore")
	}
	return &SupabaseStore{client: c, realtime: rt, log: log}
}

type activationRow struct {
	StoreID  string `json:"store_id"`
	ModuleID string `json:"module_id"`
}

// ListActivations returns the module ids persisted for a store.
func (s *SupabaseStore) ListActivations(ctx context.Context, storeID string) ([]string, error) {
	resp, err := s.client.From(activationsTable).
		Select("module_id").
		Eq("store_id", storeID).
		Order("module_id", true).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}

	var rows []struct {
		ModuleID string `json:"module_id"`
	}
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode activations: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ModuleID)
	}
	return ids, nil
}

// InsertActivation inserts one activation record. A unique-key conflict maps
// to ErrDuplicate.
func (s *SupabaseStore) InsertActivation(ctx context.Context, storeID, moduleID string) error {
	resp, err := s.client.From(activationsTable).
		ExecuteInsert(ctx, activationRow{StoreID: storeID, ModuleID: moduleID})
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	if err := resp.Error(); err != nil {
		if errors.Is(err, client.ErrConflict) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

// DeleteActivation deletes one activation record. PostgREST deletes are
// no-ops when no row matches, which is exactly the contract.
func (s *SupabaseStore) DeleteActivation(ctx context.Context, storeID, moduleID string) error {
	resp, err := s.client.From(activationsTable).
		Eq("store_id", storeID).
		Eq("module_id", moduleID).
		ExecuteDelete(ctx)
	if err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	return nil
}

// ClearActivations deletes every activation for a store.
func (s *SupabaseStore) ClearActivations(ctx context.Context, storeID string) error {
	resp, err := s.client.From(activationsTable).
		Eq("store_id", storeID).
		ExecuteDelete(ctx)
	if err != nil {
		return fmt.Errorf("clear activations: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("clear activations: %w", err)
	}
	return nil
}

// InsertActivations bulk-inserts activation records.
func (s *SupabaseStore) InsertActivations(ctx context.Context, storeID string, moduleIDs []string) error {
	rows := make([]activationRow, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		rows = append(rows, activationRow{StoreID: storeID, ModuleID: id})
	}
	resp, err := s.client.From(activationsTable).ExecuteInsert(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert activations: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("insert activations: %w", err)
	}
	return nil
}

// FetchOverrides returns the catalog-wide price overrides. It implements
// pricing.OverrideSource.
func (s *SupabaseStore) FetchOverrides(ctx context.Context) (map[string]int64, error) {
	resp, err := s.client.From(overridesTable).
		Select("module_id,monthly_price").
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch overrides: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("fetch overrides: %w", err)
	}

	var rows []struct {
		ModuleID     string `json:"module_id"`
		MonthlyPrice int64  `json:"monthly_price"`
	}
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	overrides := make(map[string]int64, len(rows))
	for _, row := range rows {
		overrides[row.ModuleID] = row.MonthlyPrice
	}
	return overrides, nil
}

// SetOverride upserts a price override, used by seeding tools.
func (s *SupabaseStore) SetOverride(ctx context.Context, moduleID string, monthlyPrice int64) error {
	resp, err := s.client.From(overridesTable).ExecuteUpsert(ctx, struct {
		ModuleID     string `json:"module_id"`
		MonthlyPrice int64  `json:"monthly_price"`
	}{ModuleID: moduleID, MonthlyPrice: monthlyPrice})
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

// Subscribe opens a realtime subscription on the store's activation rows.
// Every INSERT, UPDATE or DELETE fires onChange; the event payload is
// dropped because the engine re-fetches the full set anyway.
func (s *SupabaseStore) Subscribe(ctx context.Context, storeID string, onChange func()) (func(), error) {
	if s.realtime == nil {
		return nil, fmt.Errorf("realtime client not configured")
	}
	if err := s.realtime.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect realtime: %w", err)
	}

	cfg := client.PostgresChangesConfig{
		Table:  activationsTable,
		Filter: "store_id=eq." + storeID,
	}
	ch, err := s.realtime.SubscribeToPostgresChanges(ctx, cfg, func(ev client.Event) {
		s.log.WithField("store_id", storeID).WithField("change", ev.Type).Debug("activation change received")
		onChange()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe activations: %w", err)
	}

	return func() {
		if err := ch.Unsubscribe(context.Background()); err != nil {
			s.log.WithError(err).WithField("store_id", storeID).Warn("realtime unsubscribe failed")
		}
	}, nil
}

var (
	_ Store      = (*SupabaseStore)(nil)
	_ Subscriber = (*SupabaseStore)(nil)
)
