// Package pricing resolves the effective monthly price of a module from
// catalog defaults and a platform-wide override table.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/mboutik/storekit/internal/catalog"
	"github.com/mboutik/storekit/pkg/logger"
)

// DefaultTTL is how long a fetched override table stays fresh.
const DefaultTTL = 5 * time.Minute

// OverrideSource fetches the override table (module id -> positive price).
// Overrides apply uniformly to every store.
type OverrideSource interface {
	FetchOverrides(ctx context.Context) (map[string]int64, error)
}

// OverrideSourceFunc adapts a function to an OverrideSource.
type OverrideSourceFunc func(ctx context.Context) (map[string]int64, error)

// FetchOverrides calls f(ctx).
func (f OverrideSourceFunc) FetchOverrides(ctx context.Context) (map[string]int64, error) {
	return f(ctx)
}

// Resolver computes module prices. An override wins over the catalog base
// price; an unknown module resolves to zero.
type Resolver struct {
	catalog *catalog.Catalog
	source  OverrideSource
	ttl     time.Duration
	log     *logger.Logger

	mu        sync.Mutex
	overrides map[string]int64
	fetchedAt time.Time
}

// NewResolver creates a resolver. A nil source disables overrides entirely;
// ttl <= 0 falls back to DefaultTTL.
func NewResolver(c *catalog.Catalog, source OverrideSource, ttl time.Duration, log *logger.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewDefault("pricing")
	}
	return &Resolver{catalog: c, source: source, ttl: ttl, log: log}
}

// Price returns the effective monthly price for a module. A refresh happens
// at most once per TTL window; a failed refresh degrades to the last-known
// table and never blocks the caller with an error.
func (r *Resolver) Price(ctx context.Context, id string) int64 {
	if p, ok := r.snapshot(ctx)[id]; ok {
		return p
	}
	if def, ok := r.catalog.Lookup(id); ok {
		return def.BasePrice
	}
	return 0
}

// Invalidate drops the cached table so the next Price call refreshes.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchedAt = time.Time{}
}

func (r *Resolver) snapshot(ctx context.Context) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source == nil {
		return r.overrides
	}
	if r.overrides != nil && time.Since(r.fetchedAt) < r.ttl {
		return r.overrides
	}

	fetched, err := r.source.FetchOverrides(ctx)
	if err != nil {
		// Stale-but-present beats blocking the caller. The failed window
		// still counts so a broken source is not hammered on every lookup.
		r.log.WithError(err).Warn("price override refresh failed, keeping last known table")
		if r.overrides == nil {
			r.overrides = map[string]int64{}
		}
		r.fetchedAt = time.Now()
		return r.overrides
	}
	if fetched == nil {
		fetched = map[string]int64{}
	}
	r.overrides = fetched
	r.fetchedAt = time.Now()
	return r.overrides
}
