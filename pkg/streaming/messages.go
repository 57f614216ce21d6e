package streaming

import (
	"encoding/json"
	"strconv"
)

// Message type constants matching the streaming protocol.
//
// Client to server:
const (
	TypeSubscribe       = "subscribeToAsignacion"
	TypeUnsubscribe     = "unsubscribeFromAsignacion"
	TypeStartSimulation = "startSimulation"
	TypeStopSimulation  = "stopSimulation"
)

// Server to client:
const (
	TypeSimulationStarted = "simulationStarted"
	TypeVehicleUpdated    = "vehicleUpdated"
	TypeSimulationEnded   = "simulationEnded"
	TypeSimulationStopped = "simulationStopped"
	TypeSimulationError   = "simulationError"
)

// Envelope wraps all messages exchanged over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects the asignacion room to join or leave.
type SubscribePayload struct {
	AsignacionID *uint `json:"asignacionId"`
}

// StartSimulationPayload requests a simulation run. VehicleID and
// AsignacionID are pointers because presence is what matters: a vehicle
// id of zero is valid, only a missing field is rejected.
type StartSimulationPayload struct {
	RouteID      *uint `json:"routeId"`
	VehicleID    *uint `json:"vehicleId"`
	AsignacionID *uint `json:"asignacionId"`
}

// StopSimulationPayload optionally names the vehicle for the
// confirmation message.
type StopSimulationPayload struct {
	VehicleID *uint `json:"vehicleId"`
}

// SimulationStartedPayload confirms a run has begun. The same shape is
// reused for simulationEnded.
type SimulationStartedPayload struct {
	RouteID      uint   `json:"routeId"`
	VehicleID    uint   `json:"vehicleId"`
	AsignacionID *uint  `json:"asignacionId"`
	RouteName    string `json:"routeName"`
}

// VehicleUpdatedPayload carries one synthetic position fix.
type VehicleUpdatedPayload struct {
	VehicleID    uint    `json:"idVehi"`
	Latitude     float64 `json:"latitud"`
	Longitude    float64 `json:"longitud"`
	AsignacionID *uint   `json:"asignacionId"`
}

// SimulationStoppedPayload acknowledges an explicit stop to its requester.
type SimulationStoppedPayload struct {
	Message   string `json:"message"`
	VehicleID *uint  `json:"vehicleId"`
}

// SimulationErrorPayload reports a failure to the requesting connection.
type SimulationErrorPayload struct {
	Message string `json:"message"`
}

// RoomName returns the broadcast room for an asignacion.
func RoomName(asignacionID uint) string {
	return "asignacion_" + strconv.FormatUint(uint64(asignacionID), 10)
}
