package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"station-coordinator/pkg/dispatch"
	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
	"station-coordinator/pkg/registry"
)

// handleMessage is the single place inbound frames become registry and
// store effects. Nothing here may crash the session: malformed frames and
// messages sent before authentication get an error reply and the
// connection stays open.
func (h *Hub) handleMessage(connID string, msg protocol.Message) {
	conn, ok := h.registry.Get(connID)
	if !ok {
		return
	}

	switch msg.Type {
	case protocol.TypeAuthenticate:
		h.handleAuthenticate(conn, msg)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(conn, msg)
	case protocol.TypeConnectionTest:
		h.reply(conn, protocol.TypeConnectionTest, nil)
	case protocol.TypeSyncRequest:
		h.handleSyncRequest(conn)
	case protocol.TypeDataUpdate:
		h.handleDataUpdate(conn, msg)
	case protocol.TypeInstantSyncAck, protocol.TypeVehicleSyncAck:
		h.handleSyncAck(conn, msg)
	default:
		h.logger.Warn("Unknown message type",
			"connId", conn.ID,
			"type", msg.Type)
		h.replyError(conn, protocol.TypeError, "unknown message type: "+msg.Type)
	}
}

func (h *Hub) handleAuthenticate(conn registry.Connection, msg protocol.Message) {
	var payload protocol.AuthenticatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		h.replyError(conn, protocol.TypeAuthError, "invalid authenticate payload")
		return
	}
	if payload.StationID == "" {
		h.replyError(conn, protocol.TypeAuthError, "stationId is required")
		return
	}

	ctx := context.Background()

	station, err := h.store.GetStationByID(ctx, payload.StationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.replyError(conn, protocol.TypeAuthError, "unknown station: "+payload.StationID)
		} else {
			h.logger.Error("Station lookup failed",
				"stationId", payload.StationID,
				"error", err)
			h.replyError(conn, protocol.TypeAuthError, "station lookup failed")
		}
		return
	}
	if !station.IsActive {
		h.replyError(conn, protocol.TypeAuthError, "station is inactive: "+payload.StationID)
		return
	}

	evicted, ok := h.registry.Promote(conn.ID, station.ID, station.Name)
	if !ok {
		return
	}
	if evicted != nil {
		h.logger.Warn("Evicting stale session for station",
			"stationId", station.ID,
			"oldConnId", evicted.ID,
			"newConnId", conn.ID)
		evicted.Sender.Close()
	}

	isNode := conn.Class == models.StationNodeClass

	if isNode {
		if err := h.store.SetStationOnline(ctx, station.ID, payload.PublicIP); err != nil {
			// Fail open: the session is authenticated either way.
			h.logger.Error("Failed to mark station online",
				"stationId", station.ID,
				"error", err)
		}
	}

	h.reply(conn, protocol.TypeAuthenticated, protocol.AuthenticatedPayload{
		StationID:   station.ID,
		StationName: station.Name,
	})

	h.logger.Info("Session authenticated",
		"connId", conn.ID,
		"stationId", station.ID,
		"class", conn.Class)

	if isNode {
		go func() {
			if err := h.syncer.FullSync(context.Background(), station.ID); err != nil {
				h.logger.Error("Initial full sync failed",
					"stationId", station.ID,
					"error", err)
			}
		}()

		h.broadcastStatusExcept(station.ID, station.Name, true, conn.ID)
	}
}

func (h *Hub) handleHeartbeat(conn registry.Connection, msg protocol.Message) {
	if !conn.Authenticated {
		h.logger.Warn("Heartbeat before authentication ignored", "connId", conn.ID)
		return
	}

	var payload protocol.HeartbeatPayload
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&payload); err != nil {
			h.replyError(conn, protocol.TypeHeartbeatError, "invalid heartbeat payload")
			return
		}
	}

	h.registry.Touch(conn.ID)

	if conn.Class == models.StationNodeClass {
		if err := h.store.UpdateStationHeartbeat(context.Background(), conn.StationID, payload.PublicIP); err != nil {
			h.logger.Error("Heartbeat write-through failed",
				"stationId", conn.StationID,
				"error", err)
			h.replyError(conn, protocol.TypeHeartbeatError, "failed to record heartbeat")
			return
		}
	}

	h.reply(conn, protocol.TypeHeartbeatAck, nil)
}

func (h *Hub) handleSyncRequest(conn registry.Connection) {
	if !conn.Authenticated {
		h.replyError(conn, protocol.TypeError, "sync_request requires authentication")
		return
	}

	h.logger.Info("Sync requested", "stationId", conn.StationID)

	go func() {
		if err := h.syncer.FullSync(context.Background(), conn.StationID); err != nil {
			h.logger.Error("Requested full sync failed",
				"stationId", conn.StationID,
				"error", err)
		}
	}()
}

// handleDataUpdate relays an entity mutation reported by one station to
// the rest of the fleet. The reporting station is excluded so its own
// change doesn't echo back.
func (h *Hub) handleDataUpdate(conn registry.Connection, msg protocol.Message) {
	if !conn.Authenticated {
		h.replyError(conn, protocol.TypeError, "data_update requires authentication")
		return
	}

	var payload protocol.DataUpdatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		h.replyError(conn, protocol.TypeError, "invalid data_update payload")
		return
	}
	if !models.ValidEntityType(payload.EntityType) {
		h.replyError(conn, protocol.TypeError, "unknown entity type: "+payload.EntityType)
		return
	}
	if !models.ValidOperation(payload.Operation) {
		h.replyError(conn, protocol.TypeError, "unknown operation: "+payload.Operation)
		return
	}

	target := dispatch.BroadcastExcept(conn.StationID)
	if models.EntityType(payload.EntityType) == models.VehicleEntity {
		if ids, ok := h.vehicleTargets(payload.Data, conn.StationID); ok {
			target = dispatch.ToStations(ids...)
		}
	}

	sent, err := h.syncer.SyncEntity(
		models.EntityType(payload.EntityType),
		models.Operation(payload.Operation),
		payload.Data,
		target,
	)
	if err != nil {
		h.logger.Error("Data update relay failed",
			"stationId", conn.StationID,
			"entityType", payload.EntityType,
			"error", err)
		return
	}

	h.logger.Debug("Data update relayed",
		"stationId", conn.StationID,
		"entityType", payload.EntityType,
		"operation", payload.Operation,
		"targets", sent)
}

// vehicleTargets narrows a vehicle mutation to the stations the vehicle
// is authorized at, minus the reporting station. Falls back to broadcast
// when the payload has no id or the lookup fails, so a store error never
// drops the mutation.
func (h *Hub) vehicleTargets(data json.RawMessage, originStationID string) ([]string, bool) {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil || ref.ID == "" {
		return nil, false
	}

	ids, err := h.store.GetVehicleAuthorizedStations(context.Background(), ref.ID)
	if err != nil {
		h.logger.Warn("Vehicle station lookup failed, broadcasting instead",
			"vehicleId", ref.ID,
			"error", err)
		return nil, false
	}

	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != originStationID {
			targets = append(targets, id)
		}
	}
	return targets, true
}

func (h *Hub) handleSyncAck(conn registry.Connection, msg protocol.Message) {
	if !conn.Authenticated {
		h.replyError(conn, protocol.TypeError, "sync acknowledgement requires authentication")
		return
	}

	var payload protocol.SyncAckPayload
	if err := msg.DecodePayload(&payload); err != nil {
		h.replyError(conn, protocol.TypeError, "invalid sync ack payload")
		return
	}
	if payload.SyncID == "" {
		h.replyError(conn, protocol.TypeError, "syncId is required")
		return
	}

	h.syncer.Ack(payload.SyncID, payload.Success, payload.Error)
}

func (h *Hub) reply(conn registry.Connection, msgType string, payload any) {
	frame, err := protocol.New(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to build frame", "type", msgType, "error", err)
		return
	}
	if err := conn.Sender.Send(frame); err != nil {
		h.logger.Debug("Reply failed",
			"connId", conn.ID,
			"type", msgType,
			"error", err)
	}
}

func (h *Hub) replyError(conn registry.Connection, msgType, message string) {
	h.reply(conn, msgType, protocol.ErrorPayload{Message: message})
}
