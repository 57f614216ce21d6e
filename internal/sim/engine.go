// Package sim drives synthetic vehicles along stored routes. Each
// connection owns at most one run; every lifecycle path (exhaustion,
// explicit stop, disconnect, restart) releases the run's ticker before
// returning, so no timer can outlive its run.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotaops/rastreo/internal/geo"
	"github.com/flotaops/rastreo/internal/store"
	"github.com/flotaops/rastreo/pkg/streaming"
)

// DefaultTickInterval is the cadence a run advances at unless
// configured otherwise.
const DefaultTickInterval = 2000 * time.Millisecond

// Publisher delivers events to rooms and connections. Satisfied by
// *rooms.Manager.
type Publisher interface {
	Publish(room, event string, payload any) error
	Send(connID, event string, payload any) error
	IsMember(room, connID string) bool
}

// PositionRecorder receives each emitted position fix for history
// storage. Optional; may be nil.
type PositionRecorder interface {
	RecordPosition(vehicleID uint, lat, lon float64, asignacionID *uint)
}

// Engine owns the per-connection simulation runs.
type Engine struct {
	store     store.RouteStore
	pub       Publisher
	clock     Clock
	interval  time.Duration
	positions PositionRecorder
	log       *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the state of one route traversal, owned by one connection.
type run struct {
	connID       string
	routeID      uint
	routeName    string
	vehicleID    uint
	asignacionID *uint
	waypoints    []geo.Waypoint
	cursor       int
	ticker       Ticker
	stop         chan struct{}
	stopped      bool
}

// Options configures an Engine.
type Options struct {
	Store            store.RouteStore
	Publisher        Publisher
	Clock            Clock            // defaults to RealClock
	TickInterval     time.Duration    // defaults to DefaultTickInterval
	PositionRecorder PositionRecorder // optional
	Logger           *slog.Logger     // defaults to slog.Default
}

// NewEngine creates a simulation engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:     opts.Store,
		pub:       opts.Publisher,
		clock:     opts.Clock,
		interval:  opts.TickInterval,
		positions: opts.PositionRecorder,
		log:       opts.Logger,
		runs:      make(map[string]*run),
	}
}

// ActiveRuns returns the number of live simulation runs.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// sendError reports a failure to the requesting connection only. All
// simulation failures terminate here; the socket itself stays open.
func (e *Engine) sendError(connID, msg string) {
	if err := e.pub.Send(connID, streaming.TypeSimulationError, streaming.SimulationErrorPayload{Message: msg}); err != nil {
		e.log.Error("failed to send simulation error", "connId", connID, "error", err)
	}
}

// Start begins a simulation run for a connection. A run already owned
// by the connection is torn down first; overwriting is not an error.
func (e *Engine) Start(ctx context.Context, connID string, req streaming.StartSimulationPayload) {
	// Presence check, not truthiness: vehicle id zero is valid.
	if req.RouteID == nil || req.VehicleID == nil {
		e.sendError(connID, "routeId and vehicleId are required to start a simulation")
		return
	}
	routeID := *req.RouteID

	// Tear the old run down before the route fetch so a failed restart
	// leaves the connection with no run at all, not a half-dead one.
	e.mu.Lock()
	if prev, ok := e.runs[connID]; ok {
		e.releaseLocked(prev)
		delete(e.runs, connID)
	}
	e.mu.Unlock()

	route, err := e.store.RouteByID(ctx, routeID)
	if errors.Is(err, store.ErrRouteNotFound) {
		e.sendError(connID, fmt.Sprintf("route %d not found", routeID))
		return
	}
	if err != nil {
		e.log.Error("route lookup failed", "connId", connID, "routeId", routeID, "error", err)
		e.sendError(connID, "failed to start simulation")
		return
	}
	if len(route.Waypoints) == 0 {
		e.sendError(connID, fmt.Sprintf("route %d has no waypoint data", routeID))
		return
	}

	waypoints, err := geo.DecodeWaypoints(route.Waypoints)
	if err != nil {
		e.sendError(connID, fmt.Sprintf("malformed waypoint data for route %d", routeID))
		return
	}

	r := &run{
		connID:       connID,
		routeID:      routeID,
		routeName:    route.Name,
		vehicleID:    *req.VehicleID,
		asignacionID: req.AsignacionID,
		waypoints:    waypoints,
		stop:         make(chan struct{}),
	}

	e.mu.Lock()
	// A concurrent Start for the same connection may have installed a
	// run while the route was being fetched; it loses.
	if prev, ok := e.runs[connID]; ok {
		e.releaseLocked(prev)
	}
	e.runs[connID] = r
	r.ticker = e.clock.NewTicker(e.interval)
	e.emitScopedLocked(r, streaming.TypeSimulationStarted, streaming.SimulationStartedPayload{
		RouteID:      r.routeID,
		VehicleID:    r.vehicleID,
		AsignacionID: r.asignacionID,
		RouteName:    r.routeName,
	})
	e.mu.Unlock()

	e.log.Info("simulation started",
		"connId", connID,
		"routeId", routeID,
		"vehicleId", r.vehicleID,
		"waypoints", len(waypoints),
		"pathMeters", int(geo.PathLengthMeters(waypoints)),
	)

	go e.runLoop(r)
}

// runLoop waits for ticks until the run is released.
func (e *Engine) runLoop(r *run) {
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C():
			e.tick(r)
		}
	}
}

// tick advances a run by one waypoint, or ends it when the cursor has
// walked off the sequence. A tick that fires after its run was
// released finds the registry changed and does nothing: cancellation
// always wins the race.
func (e *Engine) tick(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runs[r.connID] != r {
		return
	}

	if r.cursor >= len(r.waypoints) {
		e.releaseLocked(r)
		delete(e.runs, r.connID)
		e.emitScopedLocked(r, streaming.TypeSimulationEnded, streaming.SimulationStartedPayload{
			RouteID:      r.routeID,
			VehicleID:    r.vehicleID,
			AsignacionID: r.asignacionID,
			RouteName:    r.routeName,
		})
		e.log.Info("simulation ended", "connId", r.connID, "routeId", r.routeID)
		return
	}

	wp := r.waypoints[r.cursor]
	e.emitScopedLocked(r, streaming.TypeVehicleUpdated, streaming.VehicleUpdatedPayload{
		VehicleID:    r.vehicleID,
		Latitude:     wp.Lat,
		Longitude:    wp.Lon,
		AsignacionID: r.asignacionID,
	})
	if e.positions != nil {
		e.positions.RecordPosition(r.vehicleID, wp.Lat, wp.Lon, r.asignacionID)
	}
	r.cursor++
}

// Stop ends a connection's run and confirms to the requester. Stopping
// with nothing running is benign and answered with an error event.
func (e *Engine) Stop(connID string, req streaming.StopSimulationPayload) {
	e.mu.Lock()
	r, ok := e.runs[connID]
	if ok {
		e.releaseLocked(r)
		delete(e.runs, connID)
	}
	e.mu.Unlock()

	if !ok {
		e.sendError(connID, "no active simulation for this connection")
		return
	}

	if err := e.pub.Send(connID, streaming.TypeSimulationStopped, streaming.SimulationStoppedPayload{
		Message:   "simulation stopped",
		VehicleID: req.VehicleID,
	}); err != nil {
		e.log.Error("failed to confirm stop", "connId", connID, "error", err)
	}
	e.log.Info("simulation stopped", "connId", connID, "routeId", r.routeID)
}

// OnDisconnect releases a connection's run without notifying peers.
// The disconnecting party cannot receive an acknowledgment, and room
// subscribers are deliberately not told.
func (e *Engine) OnDisconnect(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[connID]; ok {
		e.releaseLocked(r)
		delete(e.runs, connID)
		e.log.Info("simulation cancelled by disconnect", "connId", connID, "routeId", r.routeID)
	}
}

// releaseLocked stops a run's ticker and wakes its loop. Callers hold
// e.mu and remain responsible for the registry entry.
func (e *Engine) releaseLocked(r *run) {
	if r.stopped {
		return
	}
	r.stopped = true
	if r.ticker != nil {
		r.ticker.Stop()
	}
	close(r.stop)
}

// emitScopedLocked delivers a run-scoped event: to the asignacion room
// when the run has one (plus the owner, who always sees its own run),
// otherwise to every connection.
func (e *Engine) emitScopedLocked(r *run, event string, payload any) {
	if r.asignacionID == nil {
		if err := e.pub.Publish("", event, payload); err != nil {
			e.log.Error("broadcast failed", "event", event, "error", err)
		}
		return
	}
	room := streaming.RoomName(*r.asignacionID)
	if err := e.pub.Publish(room, event, payload); err != nil {
		e.log.Error("room publish failed", "event", event, "room", room, "error", err)
		return
	}
	if !e.pub.IsMember(room, r.connID) {
		if err := e.pub.Send(r.connID, event, payload); err != nil {
			e.log.Error("owner send failed", "event", event, "connId", r.connID, "error", err)
		}
	}
}
