// Package memory implements store.RouteStore with a plain map. It
// backs tests and the standalone demo mode where no database exists.
package memory

import (
	"context"
	"sync"

	"github.com/flotaops/rastreo/internal/model"
	"github.com/flotaops/rastreo/internal/store"
)

// Store is an in-memory route store.
type Store struct {
	mu     sync.RWMutex
	routes map[uint]model.Route
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{routes: make(map[uint]model.Route)}
}

// Put inserts or replaces a route.
func (s *Store) Put(r model.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[r.ID] = r
}

// RouteByID returns a copy of the stored route.
func (s *Store) RouteByID(ctx context.Context, id uint) (*model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, store.ErrRouteNotFound
	}
	return &r, nil
}
