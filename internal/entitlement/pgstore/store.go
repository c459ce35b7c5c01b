// Package pgstore backs the entitlement engine with a plain PostgreSQL
// database for self-hosted deployments that run without Supabase. Change
// notifications ride on LISTEN/NOTIFY instead of the realtime websocket.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mboutik/storekit/internal/entitlement"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint
// conflict.
const uniqueViolation = "23505"

// Store persists activation records in PostgreSQL. It implements
// entitlement.Store and pricing.OverrideSource.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations and the notify listener.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// ListActivations returns the module ids persisted for a store.
func (s *Store) ListActivations(ctx context.Context, storeID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT module_id FROM module_activations WHERE store_id = $1 ORDER BY module_id`,
		storeID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	return ids, nil
}

// InsertActivation inserts one activation record. A unique-key conflict maps
// to entitlement.ErrDuplicate.
func (s *Store) InsertActivation(ctx context.Context, storeID, moduleID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO module_activations (id, store_id, module_id) VALUES ($1, $2, $3)`,
		uuid.NewString(), storeID, moduleID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return entitlement.ErrDuplicate
		}
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

// DeleteActivation deletes one activation record; absent rows are a no-op.
func (s *Store) DeleteActivation(ctx context.Context, storeID, moduleID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM module_activations WHERE store_id = $1 AND module_id = $2`,
		storeID, moduleID)
	if err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	return nil
}

// ClearActivations deletes every activation for a store.
func (s *Store) ClearActivations(ctx context.Context, storeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM module_activations WHERE store_id = $1`, storeID)
	if err != nil {
		return fmt.Errorf("clear activations: %w", err)
	}
	return nil
}

// InsertActivations bulk-inserts activation records in one transaction.
// Conflicting rows are skipped so a retried bulk write stays idempotent.
func (s *Store) InsertActivations(ctx context.Context, storeID string, moduleIDs []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk insert: %w", err)
	}
	defer tx.Rollback()

	for _, moduleID := range moduleIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO module_activations (id, store_id, module_id) VALUES ($1, $2, $3)
			 ON CONFLICT (store_id, module_id) DO NOTHING`,
			uuid.NewString(), storeID, moduleID)
		if err != nil {
			return fmt.Errorf("insert activation %s: %w", moduleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

// FetchOverrides returns the catalog-wide price overrides. It implements
// pricing.OverrideSource.
func (s *Store) FetchOverrides(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ModuleID     string `db:"module_id"`
		MonthlyPrice int64  `db:"monthly_price"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT module_id, monthly_price FROM module_price_overrides`)
	if err != nil {
		return nil, fmt.Errorf("fetch overrides: %w", err)
	}
	overrides := make(map[string]int64, len(rows))
	for _, row := range rows {
		overrides[row.ModuleID] = row.MonthlyPrice
	}
	return overrides, nil
}

// SetOverride upserts a price override, used by seeding tools.
func (s *Store) SetOverride(ctx context.Context, moduleID string, monthlyPrice int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO module_price_overrides (module_id, monthly_price) VALUES ($1, $2)
		 ON CONFLICT (module_id) DO UPDATE SET monthly_price = EXCLUDED.monthly_price, updated_at = now()`,
		moduleID, monthlyPrice)
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}

var _ entitlement.Store = (*Store)(nil)
