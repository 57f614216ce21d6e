package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/flotaops/rastreo/internal/dispatcher"
	"github.com/flotaops/rastreo/internal/rooms"
	"github.com/flotaops/rastreo/internal/sim"
	"github.com/flotaops/rastreo/pkg/streaming"
)

// RegisterSimulationHandlers wires the four client commands to the
// room manager and the simulation engine. Handlers run synchronously
// on the client's read pump, so commands from one connection are
// processed strictly in order.
func RegisterSimulationHandlers(disp *dispatcher.Dispatcher, engine *sim.Engine, roomMgr *rooms.Manager, log *slog.Logger) {
	disp.Register(streaming.TypeSubscribe, func(e dispatcher.Event) error {
		var p streaming.SubscribePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if p.AsignacionID == nil {
			// Nothing to join; observable but not fatal.
			log.Debug("subscribe without asignacionId ignored", "connId", e.ConnID)
			return nil
		}
		roomMgr.Join(e.ConnID, streaming.RoomName(*p.AsignacionID))
		return nil
	}, dispatcher.Logged())

	disp.Register(streaming.TypeUnsubscribe, func(e dispatcher.Event) error {
		var p streaming.SubscribePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if p.AsignacionID == nil {
			return nil
		}
		roomMgr.Leave(e.ConnID, streaming.RoomName(*p.AsignacionID))
		return nil
	}, dispatcher.Logged())

	disp.Register(streaming.TypeStartSimulation, func(e dispatcher.Event) error {
		var p streaming.StartSimulationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			// A broken payload has no routeId/vehicleId; the engine
			// answers with the missing-field error event.
			p = streaming.StartSimulationPayload{}
		}
		engine.Start(context.Background(), e.ConnID, p)
		return nil
	}, dispatcher.Logged())

	disp.Register(streaming.TypeStopSimulation, func(e dispatcher.Event) error {
		var p streaming.StopSimulationPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			p = streaming.StopSimulationPayload{}
		}
		engine.Stop(e.ConnID, p)
		return nil
	}, dispatcher.Logged())
}
