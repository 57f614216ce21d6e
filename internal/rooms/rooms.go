// Package rooms maintains named broadcast groups keyed by asignacion
// and delivers envelopes to exactly the right audience: one room, one
// connection, or everyone when no scope is given.
package rooms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flotaops/rastreo/pkg/streaming"
)

// Transport delivers encoded frames to live connections. Implemented
// by the gateway's client registry; tests substitute a recorder.
type Transport interface {
	// Deliver enqueues a frame for one connection. Unknown connection
	// IDs are ignored.
	Deliver(connID string, data []byte)
	// ConnIDs returns the IDs of every live connection.
	ConnIDs() []string
}

// Manager tracks room membership. A connection may belong to any
// number of rooms; membership is independent of simulation ownership.
type Manager struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]struct{}
	transport Transport
	log       *slog.Logger
}

// NewManager creates a room manager publishing through transport.
func NewManager(transport Transport, log *slog.Logger) *Manager {
	return &Manager{
		rooms:     make(map[string]map[string]struct{}),
		transport: transport,
		log:       log,
	}
}

// Join adds a connection to a room, creating the room if needed.
func (m *Manager) Join(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[connID] = struct{}{}
	m.log.Debug("connection joined room", "connId", connID, "room", room)
}

// Leave removes a connection from a room. No-op if not a member.
func (m *Manager) Leave(connID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, room)
}

func (m *Manager) leaveLocked(connID, room string) {
	members, ok := m.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	m.log.Debug("connection left room", "connId", connID, "room", room)
}

// LeaveAll removes a connection from every room it joined. Called on
// disconnect.
func (m *Manager) LeaveAll(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for room := range m.rooms {
		m.leaveLocked(connID, room)
	}
}

// IsMember reports whether a connection has joined a room.
func (m *Manager) IsMember(room, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// marshalEnvelope builds a JSON-encoded Envelope from an event type and
// payload.
func marshalEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := streaming.Envelope{Type: event, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return data, nil
}

// Publish delivers an event to every member of room. An empty room
// name is the broadcast fallback: every live connection receives the
// event, subscribed or not.
func (m *Manager) Publish(room, event string, payload any) error {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		return err
	}

	if room == "" {
		for _, connID := range m.transport.ConnIDs() {
			m.transport.Deliver(connID, data)
		}
		return nil
	}

	m.mu.RLock()
	members := make([]string, 0, len(m.rooms[room]))
	for connID := range m.rooms[room] {
		members = append(members, connID)
	}
	m.mu.RUnlock()

	for _, connID := range members {
		m.transport.Deliver(connID, data)
	}
	return nil
}

// Send delivers an event to a single connection.
func (m *Manager) Send(connID, event string, payload any) error {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.transport.Deliver(connID, data)
	return nil
}
