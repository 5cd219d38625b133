package scheduler

import (
	"slices"
	"strings"
	"sync"

	"github.com/saltfish/paramsearch/internal/domain"
)

// Catalog holds the known plans by ID.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]*domain.Plan
}

// NewCatalog creates a catalog holding plans. Later duplicates replace
// earlier ones.
func NewCatalog(plans ...*domain.Plan) *Catalog {
	c := &Catalog{plans: make(map[string]*domain.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// Get returns the plan with the given ID.
func (c *Catalog) Get(id string) (*domain.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	return p, ok
}

// List returns every plan ordered by ID.
func (c *Catalog) List() []*domain.Plan {
	c.mu.RLock()
	out := make([]*domain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.Plan) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
