package cache

import (
	"sync"

	"github.com/flotaops/rastreo/internal/model"
)

// RouteCache caches routes by ID to avoid a database read on every
// simulation start. Entries are whole-value copies; a cached route is
// never mutated in place, so readers get a stable snapshot.
type RouteCache struct {
	m      sync.Mutex
	routes map[uint]model.Route
}

// NewRouteCache creates an empty route cache.
func NewRouteCache() *RouteCache {
	return &RouteCache{
		routes: make(map[uint]model.Route),
	}
}

// Get returns the cached route for id, if present.
func (c *RouteCache) Get(id uint) (model.Route, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	r, ok := c.routes[id]
	return r, ok
}

// Add stores a route by its ID.
func (c *RouteCache) Add(r model.Route) {
	c.m.Lock()
	defer c.m.Unlock()
	c.routes[r.ID] = r
}

// Invalidate drops one route, e.g. after an edit.
func (c *RouteCache) Invalidate(id uint) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.routes, id)
}

// Reset drops all cached routes.
func (c *RouteCache) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.routes = make(map[uint]model.Route)
}

// Len returns the number of cached routes.
func (c *RouteCache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.routes)
}
