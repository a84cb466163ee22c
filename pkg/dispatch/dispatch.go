// Package dispatch pushes entity mutations to station-node sessions with
// tracked, retried, bounded delivery. Delivery is best effort: a failed
// sync never rolls back the action that triggered it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
	"station-coordinator/pkg/registry"

	"github.com/google/uuid"
)

// SnapshotStore is the read side of the relational store the full-sync
// path pulls entity snapshots from.
type SnapshotStore interface {
	GetAllStations(ctx context.Context) ([]models.Station, error)
	GetStaffForStation(ctx context.Context, stationID string) ([]models.Staff, error)
	GetVehiclesForStation(ctx context.Context, stationID string) ([]models.Vehicle, error)
	GetRoutesForStation(ctx context.Context, stationID string) ([]models.Route, error)
	GetAllDestinations(ctx context.Context) ([]models.Destination, error)
	GetAllGovernorates(ctx context.Context) ([]models.Governorate, error)
	GetAllDelegations(ctx context.Context) ([]models.Delegation, error)
}

// Target selects which station-node sessions receive a push.
type Target struct {
	stationIDs []string
	broadcast  bool
	exclude    string
}

// ToStation targets a single station.
func ToStation(stationID string) Target {
	return Target{stationIDs: []string{stationID}}
}

// ToStations targets an explicit set of stations.
func ToStations(stationIDs ...string) Target {
	return Target{stationIDs: stationIDs}
}

// Broadcast targets every authenticated station node.
func Broadcast() Target {
	return Target{broadcast: true}
}

// BroadcastExcept targets every authenticated station node except one,
// used when a station's own action must not echo back to it.
func BroadcastExcept(stationID string) Target {
	return Target{broadcast: true, exclude: stationID}
}

type pendingSync struct {
	syncID     string
	entityType string
	operation  string
	stationID  string
	frame      protocol.Message
	sentAt     time.Time
	retryCount int
	timer      *time.Timer
}

type Dispatcher struct {
	registry   *registry.Registry
	store      SnapshotStore
	logger     *slog.Logger
	ackTimeout time.Duration
	maxRetries int

	mu      sync.Mutex
	pending map[string]*pendingSync
	closed  bool
}

func NewDispatcher(reg *registry.Registry, store SnapshotStore, logger *slog.Logger, ackTimeout time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		store:      store,
		logger:     logger,
		ackTimeout: ackTimeout,
		maxRetries: maxRetries,
		pending:    make(map[string]*pendingSync),
	}
}

// SyncEntity pushes one entity mutation to the stations selected by
// target. Live sessions are resolved at send time; stations without a
// session are skipped. Returns the number of frames sent.
func (d *Dispatcher) SyncEntity(entityType models.EntityType, operation models.Operation, data any, target Target) (int, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %v", entityType, err)
	}

	conns := d.resolve(target)
	if len(conns) == 0 {
		d.logger.Debug("No connected targets for sync",
			"entityType", entityType,
			"operation", operation)
		return 0, nil
	}

	sent := 0
	for _, conn := range conns {
		if err := d.sendTracked(conn, string(entityType), string(operation), raw); err != nil {
			d.logger.Warn("Sync send failed",
				"stationId", conn.StationID,
				"entityType", entityType,
				"error", err)
			continue
		}
		sent++
	}

	return sent, nil
}

// FullSync pushes complete entity snapshots to one station, in the order
// station nodes expect to apply them: reference tables first, then the
// station's own staff, routes and vehicles.
func (d *Dispatcher) FullSync(ctx context.Context, stationID string) error {
	conn, ok := d.registry.FindByStation(stationID)
	if !ok {
		return fmt.Errorf("station %s has no live connection", stationID)
	}

	governorates, err := d.store.GetAllGovernorates(ctx)
	if err != nil {
		return err
	}
	delegations, err := d.store.GetAllDelegations(ctx)
	if err != nil {
		return err
	}
	destinations, err := d.store.GetAllDestinations(ctx)
	if err != nil {
		return err
	}
	stations, err := d.store.GetAllStations(ctx)
	if err != nil {
		return err
	}
	staff, err := d.store.GetStaffForStation(ctx, stationID)
	if err != nil {
		return err
	}
	routes, err := d.store.GetRoutesForStation(ctx, stationID)
	if err != nil {
		return err
	}
	vehicles, err := d.store.GetVehiclesForStation(ctx, stationID)
	if err != nil {
		return err
	}

	snapshots := []struct {
		entityType models.EntityType
		data       any
	}{
		{models.GovernorateEntity, governorates},
		{models.DelegationEntity, delegations},
		{models.DestinationEntity, destinations},
		{models.StationEntity, stations},
		{models.StaffEntity, staff},
		{models.RouteEntity, routes},
	}

	for _, snap := range snapshots {
		raw, err := json.Marshal(snap.data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s snapshot: %v", snap.entityType, err)
		}
		if err := d.sendTracked(conn, string(snap.entityType), string(models.CreateOp), raw); err != nil {
			d.logger.Warn("Full sync send failed",
				"stationId", stationID,
				"entityType", snap.entityType,
				"error", err)
		}
	}

	// Vehicles go over their dedicated channel so nodes can replace their
	// whole vehicle table atomically.
	rawVehicles, err := json.Marshal(vehicles)
	if err != nil {
		return fmt.Errorf("failed to marshal vehicle snapshot: %v", err)
	}
	if err := d.sendVehicleFull(conn, rawVehicles); err != nil {
		d.logger.Warn("Vehicle full sync send failed",
			"stationId", stationID,
			"error", err)
	}

	d.logger.Info("Full sync dispatched",
		"stationId", stationID,
		"staff", len(staff),
		"vehicles", len(vehicles),
		"routes", len(routes))

	return nil
}

// Ack resolves one pending sync. Duplicate or unknown syncIds are logged
// and dropped, never errors.
func (d *Dispatcher) Ack(syncID string, success bool, errMsg string) {
	d.mu.Lock()
	p, ok := d.pending[syncID]
	if ok {
		p.timer.Stop()
		delete(d.pending, syncID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("Ack for unknown syncId", "syncId", syncID)
		return
	}

	if success {
		d.logger.Debug("Sync acknowledged",
			"syncId", syncID,
			"stationId", p.stationID,
			"entityType", p.entityType)
	} else {
		d.logger.Warn("Station reported sync failure",
			"syncId", syncID,
			"stationId", p.stationID,
			"entityType", p.entityType,
			"error", errMsg)
	}
}

// PendingCount returns how many pushes are awaiting acknowledgement.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops all retry timers. Pending syncs are dropped; delivery state
// does not survive restarts.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for syncID, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, syncID)
	}
}

func (d *Dispatcher) resolve(target Target) []registry.Connection {
	if target.broadcast {
		conns := d.registry.AllAuthenticated(models.StationNodeClass)
		if target.exclude == "" {
			return conns
		}
		out := conns[:0]
		for _, conn := range conns {
			if conn.StationID != target.exclude {
				out = append(out, conn)
			}
		}
		return out
	}

	var out []registry.Connection
	for _, stationID := range target.stationIDs {
		if conn, ok := d.registry.FindByStation(stationID); ok {
			out = append(out, conn)
		}
	}
	return out
}

func (d *Dispatcher) sendTracked(conn registry.Connection, entityType, operation string, data json.RawMessage) error {
	msgType := protocol.TypeInstantSync
	if entityType == string(models.VehicleEntity) {
		switch models.Operation(operation) {
		case models.DeleteOp:
			msgType = protocol.TypeVehicleSyncDelete
		default:
			msgType = protocol.TypeVehicleSyncUpdate
		}
	}
	return d.send(conn, msgType, entityType, operation, data)
}

func (d *Dispatcher) sendVehicleFull(conn registry.Connection, data json.RawMessage) error {
	return d.send(conn, protocol.TypeVehicleSyncFull, string(models.VehicleEntity), string(models.CreateOp), data)
}

func (d *Dispatcher) send(conn registry.Connection, msgType, entityType, operation string, data json.RawMessage) error {
	syncID := uuid.NewString()

	frame, err := protocol.New(msgType, protocol.InstantSyncPayload{
		SyncID:     syncID,
		EntityType: entityType,
		Operation:  operation,
		Data:       data,
	})
	if err != nil {
		return err
	}
	frame.MessageID = syncID

	d.track(syncID, entityType, operation, conn.StationID, frame)

	if err := conn.Sender.Send(frame); err != nil {
		// Leave the pending entry in place: the retry path re-resolves
		// the station and may reach a reconnected session.
		return fmt.Errorf("send to station %s: %v", conn.StationID, err)
	}

	d.logger.Debug("Sync sent",
		"syncId", syncID,
		"stationId", conn.StationID,
		"entityType", entityType,
		"operation", operation,
		"type", msgType)

	return nil
}

func (d *Dispatcher) track(syncID, entityType, operation, stationID string, frame protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	p := &pendingSync{
		syncID:     syncID,
		entityType: entityType,
		operation:  operation,
		stationID:  stationID,
		frame:      frame,
		sentAt:     time.Now(),
	}
	p.timer = time.AfterFunc(d.ackTimeout, func() {
		d.handleTimeout(syncID)
	})
	d.pending[syncID] = p
}

// handleTimeout resends an unacknowledged sync, re-resolving the target's
// live session, until maxRetries is exhausted. There is no dead-letter
// queue; abandoned syncs surface only through logs.
func (d *Dispatcher) handleTimeout(syncID string) {
	d.mu.Lock()
	p, ok := d.pending[syncID]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}

	if p.retryCount >= d.maxRetries {
		delete(d.pending, syncID)
		d.mu.Unlock()
		d.logger.Warn("Sync abandoned after max retries",
			"syncId", syncID,
			"stationId", p.stationID,
			"entityType", p.entityType,
			"retries", p.retryCount)
		return
	}

	p.retryCount++
	p.sentAt = time.Now()
	retry := p.retryCount
	frame := p.frame
	stationID := p.stationID
	p.timer = time.AfterFunc(d.ackTimeout, func() {
		d.handleTimeout(syncID)
	})
	d.mu.Unlock()

	conn, ok := d.registry.FindByStation(stationID)
	if !ok {
		d.logger.Debug("Sync retry target not connected",
			"syncId", syncID,
			"stationId", stationID,
			"retry", retry)
		return
	}

	if err := conn.Sender.Send(frame); err != nil {
		d.logger.Warn("Sync retry send failed",
			"syncId", syncID,
			"stationId", stationID,
			"retry", retry,
			"error", err)
		return
	}

	d.logger.Info("Sync resent",
		"syncId", syncID,
		"stationId", stationID,
		"retry", retry)
}
