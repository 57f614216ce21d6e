// Package store exposes route lookup to the simulation engine. The
// engine only ever reads; route CRUD lives in the management API and
// is out of scope here.
package store

import (
	"context"
	"errors"

	"github.com/flotaops/rastreo/internal/model"
)

// ErrRouteNotFound is returned when no route exists for the given ID.
var ErrRouteNotFound = errors.New("route not found")

// RouteStore is the read contract the simulation engine consumes.
type RouteStore interface {
	RouteByID(ctx context.Context, id uint) (*model.Route, error)
}
