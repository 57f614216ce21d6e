package sim

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flotaops/rastreo/internal/model"
	memorystore "github.com/flotaops/rastreo/internal/store/memory"
	"github.com/flotaops/rastreo/pkg/streaming"
)

// fakeTicker fires only when a test sends on its channel.
type fakeTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTicker) advance() { t.ch <- time.Time{} }

type fakeClock struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 16)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) ticker(i int) *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[i]
}

func (c *fakeClock) latest() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[len(c.tickers)-1]
}

// pubEvent records one delivery made through the fake publisher.
type pubEvent struct {
	room    string // Publish target; "" is the broadcast fallback
	connID  string // Send target
	direct  bool   // true for Send, false for Publish
	event   string
	payload any
}

type fakePublisher struct {
	mu      sync.Mutex
	events  []pubEvent
	members map[string]map[string]struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{members: make(map[string]map[string]struct{})}
}

func (p *fakePublisher) Publish(room, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{room: room, event: event, payload: payload})
	return nil
}

func (p *fakePublisher) Send(connID, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{connID: connID, direct: true, event: event, payload: payload})
	return nil
}

func (p *fakePublisher) IsMember(room, connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.members[room][connID]
	return ok
}

func (p *fakePublisher) join(room, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.members[room] == nil {
		p.members[room] = make(map[string]struct{})
	}
	p.members[room][connID] = struct{}{}
}

func (p *fakePublisher) snapshot() []pubEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubEvent, len(p.events))
	copy(out, p.events)
	return out
}

// waitForEvents polls until at least n deliveries were recorded.
func (p *fakePublisher) waitForEvents(t *testing.T, n int) []pubEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := p.snapshot()
		if len(events) >= n {
			return events
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(p.snapshot()), p.snapshot())
	return nil
}

const testWaypoints = `[[-33.45,-70.65],[-33.44,-70.64],[-33.43,-70.63]]`

func seedRoute(s *memorystore.Store, id uint, waypoints string) {
	r := model.Route{
		Model: gorm.Model{ID: id},
		Name:  "Ruta Norte",
	}
	if waypoints != "" {
		r.Waypoints = datatypes.JSON(waypoints)
	}
	s.Put(r)
}

func newTestEngine(t *testing.T) (*Engine, *fakePublisher, *fakeClock, *memorystore.Store) {
	t.Helper()
	routes := memorystore.New()
	pub := newFakePublisher()
	clock := &fakeClock{}
	engine := NewEngine(Options{
		Store:        routes,
		Publisher:    pub,
		Clock:        clock,
		TickInterval: time.Second,
	})
	return engine, pub, clock, routes
}

func uptr(v uint) *uint { return &v }

func startReq(routeID, vehicleID uint, asignacionID *uint) streaming.StartSimulationPayload {
	return streaming.StartSimulationPayload{
		RouteID:      uptr(routeID),
		VehicleID:    uptr(vehicleID),
		AsignacionID: asignacionID,
	}
}

func TestStart_WalksRouteInOrderAndEnds(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationStarted, events[0].event)
	assert.False(t, events[0].direct, "started with no asignacion must broadcast")
	assert.Equal(t, "", events[0].room)
	require.Equal(t, 1, engine.ActiveRuns())

	ticker := clock.ticker(0)
	ticker.advance()
	ticker.advance()
	ticker.advance()

	// started + 3 positions.
	events = pub.waitForEvents(t, 4)
	wantPositions := []streaming.VehicleUpdatedPayload{
		{VehicleID: 7, Latitude: -33.45, Longitude: -70.65},
		{VehicleID: 7, Latitude: -33.44, Longitude: -70.64},
		{VehicleID: 7, Latitude: -33.43, Longitude: -70.63},
	}
	for i, want := range wantPositions {
		got := events[i+1]
		require.Equal(t, streaming.TypeVehicleUpdated, got.event, "event %d", i+1)
		assert.Equal(t, want, got.payload)
	}

	// The cursor has walked off the route; the next tick ends the run.
	ticker.advance()
	events = pub.waitForEvents(t, 5)
	assert.Equal(t, streaming.TypeSimulationEnded, events[4].event)
	assert.Equal(t, streaming.SimulationStartedPayload{
		RouteID: 1, VehicleID: 7, RouteName: "Ruta Norte",
	}, events[4].payload)
	assert.Equal(t, 0, engine.ActiveRuns())
	assert.True(t, ticker.isStopped(), "ended run must release its ticker")
}

func TestStart_ScopedToAsignacionRoom(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, uptr(9)))

	// The owner is not a room member, so every scoped event goes to the
	// room and directly to the owner.
	events := pub.waitForEvents(t, 2)
	assert.Equal(t, streaming.TypeSimulationStarted, events[0].event)
	assert.Equal(t, "asignacion_9", events[0].room)
	assert.True(t, events[1].direct)
	assert.Equal(t, "conn-a", events[1].connID)
	assert.Equal(t, streaming.TypeSimulationStarted, events[1].event)

	clock.ticker(0).advance()
	events = pub.waitForEvents(t, 4)
	assert.Equal(t, streaming.TypeVehicleUpdated, events[2].event)
	assert.Equal(t, "asignacion_9", events[2].room)
	assert.Equal(t, streaming.VehicleUpdatedPayload{
		VehicleID: 7, Latitude: -33.45, Longitude: -70.65, AsignacionID: uptr(9),
	}, events[2].payload)
	assert.True(t, events[3].direct)
}

func TestStart_OwnerInRoomGetsNoDuplicate(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)
	pub.join("asignacion_9", "conn-a")

	engine.Start(context.Background(), "conn-a", startReq(1, 7, uptr(9)))

	events := pub.waitForEvents(t, 1)
	assert.Equal(t, "asignacion_9", events[0].room)
	// Give a stray duplicate send a moment to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.snapshot(), 1)
}

func TestStart_MissingFieldsRejected(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", streaming.StartSimulationPayload{RouteID: uptr(1)})

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationError, events[0].event)
	assert.True(t, events[0].direct)
	assert.Equal(t, "conn-a", events[0].connID)
	assert.Equal(t, 0, engine.ActiveRuns())
}

func TestStart_VehicleIDZeroIsValid(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 0, nil))

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationStarted, events[0].event)
	payload := events[0].payload.(streaming.SimulationStartedPayload)
	assert.Equal(t, uint(0), payload.VehicleID)
	assert.Equal(t, 1, engine.ActiveRuns())
}

func TestStart_RouteNotFound(t *testing.T) {
	engine, pub, _, _ := newTestEngine(t)

	engine.Start(context.Background(), "conn-a", startReq(42, 7, nil))

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationError, events[0].event)
	payload := events[0].payload.(streaming.SimulationErrorPayload)
	assert.Contains(t, payload.Message, "route 42 not found")
	assert.Equal(t, 0, engine.ActiveRuns())
}

func TestStart_NoWaypointData(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, "")

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationError, events[0].event)
	payload := events[0].payload.(streaming.SimulationErrorPayload)
	assert.Contains(t, payload.Message, "no waypoint data")
}

func TestStart_MalformedWaypoints(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, `{"not":"an array"}`)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationError, events[0].event)
	payload := events[0].payload.(streaming.SimulationErrorPayload)
	assert.True(t, strings.Contains(payload.Message, "malformed"), "got %q", payload.Message)
	assert.Equal(t, 0, engine.ActiveRuns())
}

func TestStop_ReleasesRunAndConfirms(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))
	pub.waitForEvents(t, 1)

	engine.Stop("conn-a", streaming.StopSimulationPayload{VehicleID: uptr(7)})

	events := pub.waitForEvents(t, 2)
	require.Equal(t, streaming.TypeSimulationStopped, events[1].event)
	assert.True(t, events[1].direct, "stop confirmation goes to the requester only")
	assert.Equal(t, "conn-a", events[1].connID)
	payload := events[1].payload.(streaming.SimulationStoppedPayload)
	assert.Equal(t, uptr(7), payload.VehicleID)

	assert.Equal(t, 0, engine.ActiveRuns())
	assert.True(t, clock.ticker(0).isStopped())
}

func TestStop_WithoutActiveRun(t *testing.T) {
	engine, pub, _, _ := newTestEngine(t)

	engine.Stop("conn-a", streaming.StopSimulationPayload{})

	events := pub.waitForEvents(t, 1)
	require.Equal(t, streaming.TypeSimulationError, events[0].event)
	payload := events[0].payload.(streaming.SimulationErrorPayload)
	assert.Contains(t, payload.Message, "no active simulation")
}

func TestStop_IsIdempotentPerRun(t *testing.T) {
	engine, pub, _, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))
	pub.waitForEvents(t, 1)

	engine.Stop("conn-a", streaming.StopSimulationPayload{})
	engine.Stop("conn-a", streaming.StopSimulationPayload{})

	events := pub.waitForEvents(t, 3)
	assert.Equal(t, streaming.TypeSimulationStopped, events[1].event)
	assert.Equal(t, streaming.TypeSimulationError, events[2].event)
}

func TestRestart_OverwritesExistingRun(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)
	routes.Put(model.Route{
		Model:     gorm.Model{ID: 2},
		Name:      "Ruta Costera",
		Waypoints: datatypes.JSON(`[[10.0,20.0],[10.1,20.1]]`),
	})

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))
	pub.waitForEvents(t, 1)
	engine.Start(context.Background(), "conn-a", startReq(2, 7, nil))
	events := pub.waitForEvents(t, 2)

	assert.Equal(t, streaming.TypeSimulationStarted, events[1].event)
	assert.Equal(t, uint(2), events[1].payload.(streaming.SimulationStartedPayload).RouteID)
	assert.Equal(t, 1, engine.ActiveRuns(), "restart must not leak the previous run")
	assert.True(t, clock.ticker(0).isStopped(), "previous run's ticker must be released")

	clock.latest().advance()
	events = pub.waitForEvents(t, 3)
	require.Equal(t, streaming.TypeVehicleUpdated, events[2].event)
	assert.Equal(t, 10.0, events[2].payload.(streaming.VehicleUpdatedPayload).Latitude)
}

// A restart whose route lookup fails must leave the connection with no
// run at all: no registry entry, a dead ticker, and a Stop afterwards
// answered with the no-active-simulation error.
func TestFailedRestart_ReleasesPreviousRun(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))
	pub.waitForEvents(t, 1)
	ticker := clock.ticker(0)

	engine.Start(context.Background(), "conn-a", startReq(42, 7, nil))

	events := pub.waitForEvents(t, 2)
	require.Equal(t, streaming.TypeSimulationError, events[1].event)
	assert.Equal(t, 0, engine.ActiveRuns(), "failed restart must not leave the old run registered")
	assert.True(t, ticker.isStopped())

	// A tick buffered at teardown time must not surface as an update.
	ticker.ch <- time.Time{}
	time.Sleep(20 * time.Millisecond)
	for _, ev := range pub.snapshot()[2:] {
		assert.NotEqual(t, streaming.TypeVehicleUpdated, ev.event)
	}

	engine.Stop("conn-a", streaming.StopSimulationPayload{})
	events = pub.waitForEvents(t, 3)
	require.Equal(t, streaming.TypeSimulationError, events[2].event)
	payload := events[2].payload.(streaming.SimulationErrorPayload)
	assert.Contains(t, payload.Message, "no active simulation")
}

func TestOnDisconnect_SilentCleanup(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, uptr(9)))
	before := len(pub.waitForEvents(t, 2))

	engine.OnDisconnect("conn-a")

	assert.Equal(t, 0, engine.ActiveRuns())
	assert.True(t, clock.ticker(0).isStopped())
	// Nobody is told about the cancelled run.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, pub.snapshot(), before)
}

func TestOnDisconnect_WithoutRunIsNoop(t *testing.T) {
	engine, pub, _, _ := newTestEngine(t)

	engine.OnDisconnect("conn-a")

	assert.Equal(t, 0, engine.ActiveRuns())
	assert.Empty(t, pub.snapshot())
}

// A tick that was already in flight when its run got released must not
// produce an update.
func TestTickAfterStopIsDropped(t *testing.T) {
	engine, pub, clock, routes := newTestEngine(t)
	seedRoute(routes, 1, testWaypoints)

	engine.Start(context.Background(), "conn-a", startReq(1, 7, nil))
	pub.waitForEvents(t, 1)

	ticker := clock.ticker(0)
	engine.Stop("conn-a", streaming.StopSimulationPayload{})
	ticker.ch <- time.Time{} // buffered; the released loop may or may not drain it

	events := pub.waitForEvents(t, 2)
	time.Sleep(20 * time.Millisecond)
	for _, ev := range pub.snapshot()[len(events):] {
		assert.NotEqual(t, streaming.TypeVehicleUpdated, ev.event)
	}
	assert.Len(t, pub.snapshot(), 2)
}
