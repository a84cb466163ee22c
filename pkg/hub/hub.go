// Package hub owns the WebSocket transport and the per-session protocol
// state machine: authenticate, heartbeat, sync handshake, and the liveness
// sweep that reaps silent connections.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"station-coordinator/pkg/dispatch"
	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
	"station-coordinator/pkg/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// PresenceStore is the slice of the relational store the session handler
// reads and writes.
type PresenceStore interface {
	GetStationByID(ctx context.Context, stationID string) (*models.Station, error)
	SetStationOnline(ctx context.Context, stationID, ip string) error
	SetStationOffline(ctx context.Context, stationID string) error
	UpdateStationHeartbeat(ctx context.Context, stationID, ip string) error
	GetVehicleAuthorizedStations(ctx context.Context, vehicleID string) ([]string, error)
}

// Syncer is the dispatcher surface the session handler drives.
type Syncer interface {
	FullSync(ctx context.Context, stationID string) error
	SyncEntity(entityType models.EntityType, operation models.Operation, data any, target dispatch.Target) (int, error)
	Ack(syncID string, success bool, errMsg string)
	PendingCount() int
}

type Hub struct {
	registry *registry.Registry
	store    PresenceStore
	syncer   Syncer
	logger   *slog.Logger

	heartbeatInterval time.Duration
	connectionTimeout time.Duration

	upgrader websocket.Upgrader
}

func NewHub(reg *registry.Registry, store PresenceStore, syncer Syncer, logger *slog.Logger, heartbeatInterval, connectionTimeout time.Duration) *Hub {
	return &Hub{
		registry:          reg,
		store:             store,
		syncer:            syncer,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		connectionTimeout: connectionTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Station nodes and apps connect from arbitrary networks.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the session until the transport
// closes. The connection class comes from the "type" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	class := parseClass(r.URL.Query().Get("type"))
	connID := uuid.NewString()
	sender := &wsSender{conn: wsc}

	h.registry.Register(connID, class, r.RemoteAddr, sender)

	h.logger.Info("Connection opened",
		"connId", connID,
		"class", class,
		"remoteAddr", r.RemoteAddr)

	if frame, err := protocol.New(protocol.TypeConnected, nil); err == nil {
		if err := sender.Send(frame); err != nil {
			h.logger.Debug("Failed to send connected frame", "connId", connID, "error", err)
		}
	}

	h.readLoop(connID, wsc)
}

func (h *Hub) readLoop(connID string, wsc *websocket.Conn) {
	defer h.teardown(connID, "transport closed")

	wsc.SetPongHandler(func(string) error {
		h.registry.Touch(connID)
		return nil
	})

	for {
		var msg protocol.Message
		if err := wsc.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Read failed", "connId", connID, "error", err)
			}
			return
		}
		h.handleMessage(connID, msg)
	}
}

// teardown runs the disconnect side effects exactly once per connection:
// offline-marking for authenticated station nodes, presence broadcast,
// then removal from the registry. Store failures never block the
// in-memory cleanup.
func (h *Hub) teardown(connID, reason string) {
	conn, ok := h.registry.Unregister(connID)
	if !ok {
		return
	}

	conn.Sender.Close()

	h.logger.Info("Connection closed",
		"connId", connID,
		"stationId", conn.StationID,
		"reason", reason)

	if !conn.Authenticated || conn.Class != models.StationNodeClass {
		return
	}

	if err := h.store.SetStationOffline(context.Background(), conn.StationID); err != nil {
		h.logger.Error("Failed to mark station offline on disconnect",
			"stationId", conn.StationID,
			"error", err)
	}

	h.BroadcastStationStatus(conn.StationID, conn.StationName, false)
}

// RunSweeper closes connections whose heartbeat age exceeds the timeout
// and pings those merely due for a check. The timeout path has the same
// presence side effects as a clean disconnect.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := time.Now()
	for _, conn := range h.registry.All() {
		age := now.Sub(conn.LastHeartbeat)
		switch {
		case age > h.connectionTimeout:
			h.logger.Warn("Connection timed out",
				"connId", conn.ID,
				"stationId", conn.StationID,
				"idle", age)
			h.teardown(conn.ID, "heartbeat timeout")
		case age > h.heartbeatInterval:
			if err := conn.Sender.Ping(); err != nil {
				h.logger.Debug("Ping failed", "connId", conn.ID, "error", err)
			}
		}
	}
}

// BroadcastStationStatus pushes a presence change to every authenticated
// session. Used by the session handler and by the health monitor's
// listener wiring.
func (h *Hub) BroadcastStationStatus(stationID, stationName string, online bool) {
	h.broadcastStatusExcept(stationID, stationName, online, "")
}

func (h *Hub) broadcastStatusExcept(stationID, stationName string, online bool, excludeConnID string) {
	frame, err := protocol.New(protocol.TypeStationStatusUpdate, protocol.StationStatusPayload{
		StationID:   stationID,
		StationName: stationName,
		IsOnline:    online,
	})
	if err != nil {
		h.logger.Error("Failed to build status frame", "error", err)
		return
	}

	for _, conn := range h.registry.AllAuthenticated() {
		if conn.ID == excludeConnID {
			continue
		}
		if err := conn.Sender.Send(frame); err != nil {
			h.logger.Debug("Status broadcast failed",
				"connId", conn.ID,
				"error", err)
		}
	}
}

// Stats returns live connection, station and pending-sync counts.
func (h *Hub) Stats() (connections, stations, pendingSyncs int) {
	connections, stations = h.registry.Counts()
	return connections, stations, h.syncer.PendingCount()
}

// CloseAll tears down every live connection. Used on shutdown.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.All() {
		h.teardown(conn.ID, "server shutdown")
	}
}

func parseClass(s string) models.ConnectionClass {
	switch models.ConnectionClass(s) {
	case models.DesktopAppClass:
		return models.DesktopAppClass
	case models.MobileAppClass:
		return models.MobileAppClass
	default:
		return models.StationNodeClass
	}
}

// wsSender serializes writes to one gorilla connection; the library
// permits a single concurrent writer.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *wsSender) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}
