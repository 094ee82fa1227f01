package schedule

import (
	"sort"
	"sync/atomic"
	"time"
)

// snapshot is immutable once published.
type snapshot struct {
	byTenant    map[string][]Item
	items       int
	refreshedAt time.Time
}

// Cache is the process-wide tenant → items mapping.
//
// The only mutation is Replace, which publishes a fresh snapshot with a single
// pointer swap. Readers observe either the old or the new snapshot, never a mix.
type Cache struct {
	cur atomic.Pointer[snapshot]
	now func() time.Time
}

func NewCache() *Cache {
	c := &Cache{now: time.Now}
	c.cur.Store(&snapshot{byTenant: map[string][]Item{}})
	return c
}

// Replace swaps in a new mapping. The input is copied, so callers may reuse it.
func (c *Cache) Replace(byTenant map[string][]Item) {
	next := &snapshot{
		byTenant:    make(map[string][]Item, len(byTenant)),
		refreshedAt: c.now(),
	}
	for tenant, items := range byTenant {
		cp := make([]Item, len(items))
		copy(cp, items)
		next.byTenant[tenant] = cp
		next.items += len(cp)
	}
	c.cur.Store(next)
}

// Lookup returns a copy of the tenant's items, or an empty non-nil slice.
func (c *Cache) Lookup(tenantID string) []Item {
	items := c.cur.Load().byTenant[tenantID]
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// Tenants returns the cached tenant IDs, sorted.
func (c *Cache) Tenants() []string {
	s := c.cur.Load()
	out := make([]string, 0, len(s.byTenant))
	for t := range s.byTenant {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the current mapping as one consistent view.
// The returned map must be treated as read-only.
func (c *Cache) Snapshot() map[string][]Item {
	return c.cur.Load().byTenant
}

// Len reports the total number of cached items.
func (c *Cache) Len() int { return c.cur.Load().items }

// RefreshedAt is the time of the last Replace (zero before the first one).
func (c *Cache) RefreshedAt() time.Time { return c.cur.Load().refreshedAt }
