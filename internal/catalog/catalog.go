// Package catalog defines the static registry of storefront feature modules.
// Definitions are fixed at process start and never mutated; everything the
// entitlement engine knows about a module (tier, price, capability tags)
// comes from here.
package catalog

import (
	"fmt"
	"sort"
)

// Tier classifies a module's pricing band.
type Tier string

const (
	TierFree Tier = "free"
	Tier1    Tier = "tier1"
	Tier2    Tier = "tier2"
	Tier3    Tier = "tier3"
)

// Availability reports whether a module can be activated yet.
type Availability string

const (
	Available  Availability = "available"
	ComingSoon Availability = "coming_soon"
)

// Definition describes one feature module.
type Definition struct {
	ID           string       `yaml:"id" json:"id"`
	Tier         Tier         `yaml:"tier" json:"tier"`
	Category     string       `yaml:"category" json:"category"`
	BasePrice    int64        `yaml:"base_price" json:"base_price"` // monthly, FCFA
	Features     []string     `yaml:"features" json:"features"`
	Availability Availability `yaml:"availability" json:"availability"`
}

// Catalog is a read-only module registry.
type Catalog struct {
	defs []Definition
	byID map[string]Definition
	free []string
}

// New builds a catalog from definitions.
func New(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		defs: make([]Definition, 0, len(defs)),
		byID: make(map[string]Definition, len(defs)),
	}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("module definition without id")
		}
		if _, exists := c.byID[def.ID]; exists {
			return nil, fmt.Errorf("duplicate module id %s", def.ID)
		}
		if def.BasePrice < 0 {
			return nil, fmt.Errorf("module %s: negative base price %d", def.ID, def.BasePrice)
		}
		switch def.Tier {
		case TierFree, Tier1, Tier2, Tier3:
		default:
			return nil, fmt.Errorf("module %s: invalid tier %q", def.ID, def.Tier)
		}
		if def.Tier == TierFree && def.BasePrice != 0 {
			return nil, fmt.Errorf("module %s: free tier must have zero base price", def.ID)
		}
		if def.Availability == "" {
			def.Availability = Available
		}
		switch def.Availability {
		case Available, ComingSoon:
		default:
			return nil, fmt.Errorf("module %s: invalid availability %q", def.ID, def.Availability)
		}
		c.defs = append(c.defs, def)
		c.byID[def.ID] = def
		if def.Tier == TierFree {
			c.free = append(c.free, def.ID)
		}
	}
	sort.Strings(c.free)
	return c, nil
}

// Lookup returns the definition for id. Unknown ids are "no module", never an
// error.
func (c *Catalog) Lookup(id string) (Definition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// IsFree reports whether id belongs to the free module set.
func (c *Catalog) IsFree(id string) bool {
	def, ok := c.byID[id]
	return ok && def.Tier == TierFree
}

// FreeModules returns the sorted ids of all free modules.
func (c *Catalog) FreeModules() []string {
	out := make([]string, len(c.free))
	copy(out, c.free)
	return out
}

// Definitions returns a copy of all definitions in registration order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Default returns the compiled-in storefront catalog. Deployments can replace
// it with a YAML catalog via config.LoadCatalogOrDefault.
func Default() *Catalog {
	c, err := New([]Definition{
		{ID: "dashboard", Tier: TierFree, Category: "core", Features: []string{"dashboard.view"}},
		{ID: "orders", Tier: TierFree, Category: "core", Features: []string{"orders.manage", "orders.status"}},
		{ID: "products", Tier: TierFree, Category: "core", Features: []string{"products.manage", "products.stock"}},
		{ID: "customers", Tier: TierFree, Category: "core", Features: []string{"customers.manage"}},
		{ID: "delivery", Tier: Tier1, Category: "logistics", BasePrice: 3000, Features: []string{"delivery.zones", "delivery.tracking"}},
		{ID: "loyalty", Tier: Tier1, Category: "growth", BasePrice: 2500, Features: []string{"loyalty.points", "loyalty.rewards"}},
		{ID: "invoicing", Tier: Tier1, Category: "finance", BasePrice: 2000, Features: []string{"invoicing.receipts"}},
		{ID: "marketing", Tier: Tier2, Category: "growth", BasePrice: 5000, Features: []string{"marketing.campaigns", "marketing.sms"}},
		{ID: "staff", Tier: Tier2, Category: "operations", BasePrice: 4000, Features: []string{"staff.accounts", "staff.roles"}},
		{ID: "analytics", Tier: Tier2, Category: "insights", BasePrice: 7500, Features: []string{"analytics.reports", "analytics.export"}},
		{ID: "multistore", Tier: Tier3, Category: "operations", BasePrice: 10000, Features: []string{"multistore.branches"}, Availability: ComingSoon},
	})
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}
