// Command seed provisions a fresh deployment: it upserts price overrides and
// optionally activates modules for a demo store, against either backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mboutik/storekit/internal/config"
	"github.com/mboutik/storekit/internal/entitlement"
	"github.com/mboutik/storekit/internal/entitlement/pgstore"
	"github.com/mboutik/storekit/pkg/logger"
	"github.com/mboutik/storekit/supabase/client"
)

// seeder is the slice of the store backends this tool needs.
type seeder interface {
	InsertActivation(ctx context.Context, storeID, moduleID string) error
	SetOverride(ctx context.Context, moduleID string, monthlyPrice int64) error
}

func main() {
	var (
		envFile   = flag.String("env", ".env", "Path to .env file (optional)")
		storeID   = flag.String("store", "", "Store to activate demo modules for")
		modules   = flag.String("modules", "", "Comma-separated module ids to activate for -store")
		overrides = flag.String("overrides", "", "Comma-separated module=price overrides, e.g. delivery=2500")
		migrate   = flag.Bool("migrate", false, "Apply schema migrations first (postgres backend only)")
	)
	flag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("no env file loaded (%s): %v", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.NewDefault("seed")

	cat, err := config.LoadCatalogOrDefault(cfg.CatalogPath, logg)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}

	var store seeder
	switch cfg.Backend {
	case config.BackendSupabase:
		restClient, err := client.New(client.Config{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.ServiceKey,
		})
		if err != nil {
			log.Fatalf("supabase client: %v", err)
		}
		store = entitlement.NewSupabaseStore(restClient, nil, logg)
	case config.BackendPostgres:
		pg, err := pgstore.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pg.Close()
		if *migrate {
			if err := pgstore.Migrate(pg.DB()); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			fmt.Println("Schema migrations applied")
		}
		store = pg
	default:
		log.Fatalf("unknown backend %q", cfg.Backend)
	}

	for _, pair := range splitList(*overrides) {
		moduleID, raw, ok := strings.Cut(pair, "=")
		if !ok {
			log.Fatalf("invalid override %q, want module=price", pair)
		}
		price, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || price < 0 {
			log.Fatalf("invalid override price %q for %s", raw, moduleID)
		}
		if _, known := cat.Lookup(moduleID); !known {
			log.Fatalf("override for unknown module %q", moduleID)
		}
		if err := store.SetOverride(ctx, moduleID, price); err != nil {
			log.Fatalf("set override %s: %v", moduleID, err)
		}
		fmt.Printf("Override set: %s = %d FCFA/month\n", moduleID, price)
	}

	if *storeID != "" {
		for _, moduleID := range splitList(*modules) {
			if cat.IsFree(moduleID) {
				fmt.Printf("Skipping %s: free modules are never persisted\n", moduleID)
				continue
			}
			if _, known := cat.Lookup(moduleID); !known {
				log.Fatalf("unknown module %q", moduleID)
			}
			err := store.InsertActivation(ctx, *storeID, moduleID)
			if err != nil && !errors.Is(err, entitlement.ErrDuplicate) {
				log.Fatalf("activate %s for %s: %v", moduleID, *storeID, err)
			}
			fmt.Printf("Activated %s for store %s\n", moduleID, *storeID)
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
