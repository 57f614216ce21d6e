// Package gormstore implements store.RouteStore against the GORM
// database connection, with a read-through cache in front.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/flotaops/rastreo/internal/cache"
	"github.com/flotaops/rastreo/internal/model"
	"github.com/flotaops/rastreo/internal/store"
)

// Store reads routes from the database.
type Store struct {
	db     *gorm.DB
	routes *cache.RouteCache
}

// New creates a route store backed by db. routeCache may be nil to
// disable caching.
func New(db *gorm.DB, routeCache *cache.RouteCache) *Store {
	return &Store{
		db:     db,
		routes: routeCache,
	}
}

// RouteByID fetches one route, serving repeat lookups from the cache.
func (s *Store) RouteByID(ctx context.Context, id uint) (*model.Route, error) {
	if s.routes != nil {
		if r, ok := s.routes.Get(id); ok {
			return &r, nil
		}
	}

	var route model.Route
	err := s.db.WithContext(ctx).First(&route, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("route lookup failed: %w", err)
	}

	if s.routes != nil {
		s.routes.Add(route)
	}
	return &route, nil
}
