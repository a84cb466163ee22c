// Package protocol defines the JSON frames exchanged between the
// coordinator and station nodes, desktop apps and mobile apps.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types
const (
	TypeAuthenticate   = "authenticate"
	TypeHeartbeat      = "heartbeat"
	TypeConnectionTest = "connection_test"
	TypeSyncRequest    = "sync_request"
	TypeDataUpdate     = "data_update"
	TypeInstantSyncAck = "instant_sync_ack"
	TypeVehicleSyncAck = "vehicle_sync_ack"
)

// Outbound message types
const (
	TypeConnected           = "connected"
	TypeAuthenticated       = "authenticated"
	TypeAuthError           = "auth_error"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypeHeartbeatError      = "heartbeat_error"
	TypeStationStatusUpdate = "station_status_update"
	TypeInstantSync         = "instant_sync"
	TypeVehicleSyncFull     = "vehicle_sync_full"
	TypeVehicleSyncUpdate   = "vehicle_sync_update"
	TypeVehicleSyncDelete   = "vehicle_sync_delete"
	TypeError               = "error"
)

// Message is the envelope every frame uses in both directions.
// Timestamp is milliseconds since the Unix epoch.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

// New builds a frame with the current timestamp, marshaling payload.
// A nil payload produces a frame with no payload field.
func New(msgType string, payload any) (Message, error) {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the frame payload into dst.
func (m Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// AuthenticatePayload is sent by a station node to claim its identity.
// PublicIP is optional; when present it updates the stored node address.
type AuthenticatePayload struct {
	StationID   string `json:"stationId"`
	StationName string `json:"stationName,omitempty"`
	PublicIP    string `json:"publicIp,omitempty"`
}

// AuthenticatedPayload confirms a successful authenticate.
type AuthenticatedPayload struct {
	StationID   string `json:"stationId"`
	StationName string `json:"stationName"`
}

type HeartbeatPayload struct {
	PublicIP string `json:"publicIp,omitempty"`
}

// SyncAckPayload acknowledges one instant_sync / vehicle_sync_* frame.
type SyncAckPayload struct {
	SyncID  string `json:"syncId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// InstantSyncPayload carries one entity mutation to a station node.
// Data is left raw so the dispatcher never needs to know row shapes.
type InstantSyncPayload struct {
	SyncID     string          `json:"syncId"`
	EntityType string          `json:"entityType"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
}

// DataUpdatePayload is an entity mutation reported by a station node,
// relayed by the coordinator to the rest of the fleet.
type DataUpdatePayload struct {
	EntityType string          `json:"entityType"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
}

// StationStatusPayload announces a presence change.
type StationStatusPayload struct {
	StationID   string `json:"stationId"`
	StationName string `json:"stationName,omitempty"`
	IsOnline    bool   `json:"isOnline"`
}

// ErrorPayload carries protocol and auth errors back to the sender.
type ErrorPayload struct {
	Message string `json:"message"`
}
