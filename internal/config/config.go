// Package config loads runtime configuration from the environment and
// optional YAML catalog files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/mboutik/storekit/internal/catalog"
	"github.com/mboutik/storekit/pkg/logger"
)

// Backend selects the entitlement persistence backend.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// Config is the process configuration, decoded from the environment.
type Config struct {
	Backend     string        `env:"STOREKIT_BACKEND,default=supabase"`
	LogLevel    string        `env:"STOREKIT_LOG_LEVEL,default=info"`
	PriceTTL    time.Duration `env:"STOREKIT_PRICE_TTL,default=5m"`
	CatalogPath string        `env:"STOREKIT_CATALOG_PATH,default="`

	Supabase SupabaseConfig
	Postgres PostgresConfig
}

// SupabaseConfig configures the Supabase backend.
type SupabaseConfig struct {
	URL        string `env:"SUPABASE_URL,default="`
	ServiceKey string `env:"SUPABASE_SERVICE_KEY,default="`
}

// PostgresConfig configures the plain PostgreSQL backend.
type PostgresConfig struct {
	DSN string `env:"DATABASE_URL,default="`
}

// Load decodes configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backend is fully configured.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the supabase backend")
		}
		if c.Supabase.ServiceKey == "" {
			return fmt.Errorf("SUPABASE_SERVICE_KEY is required for the supabase backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.PriceTTL < 0 {
		return fmt.Errorf("price TTL must not be negative")
	}
	return nil
}

type catalogFile struct {
	Modules []catalog.Definition `yaml:"modules"`
}

// LoadCatalog builds a catalog from a YAML file.
func LoadCatalog(path string) (*catalog.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Modules) == 0 {
		return nil, fmt.Errorf("catalog %s defines no modules", path)
	}
	c, err := catalog.New(file.Modules)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// LoadCatalogOrDefault loads a YAML catalog when path is set and falls back
// to the compiled-in catalog otherwise. A broken file is a startup error,
// not a silent fallback.
func LoadCatalogOrDefault(path string, log *logger.Logger) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	c, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	log.WithField("path", path).WithField("modules", len(c.Definitions())).Info("loaded catalog from file")
	return c, nil
}
