package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
	"station-coordinator/pkg/registry"
)

type recordSender struct {
	mu     sync.Mutex
	frames []protocol.Message
}

func (s *recordSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
	return nil
}

func (s *recordSender) Ping() error  { return nil }
func (s *recordSender) Close() error { return nil }

func (s *recordSender) sent() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeStore struct{}

func (fakeStore) GetAllStations(context.Context) ([]models.Station, error) {
	return []models.Station{{ID: "st-1", Name: "Tunis Nord"}, {ID: "st-2", Name: "Sousse"}}, nil
}
func (fakeStore) GetStaffForStation(_ context.Context, stationID string) ([]models.Staff, error) {
	return []models.Staff{{ID: "sf-1", StationID: stationID}}, nil
}
func (fakeStore) GetVehiclesForStation(context.Context, string) ([]models.Vehicle, error) {
	return []models.Vehicle{{ID: "v-1"}, {ID: "v-2"}}, nil
}
func (fakeStore) GetRoutesForStation(_ context.Context, stationID string) ([]models.Route, error) {
	return []models.Route{{ID: "r-1", StationID: stationID}}, nil
}
func (fakeStore) GetAllDestinations(context.Context) ([]models.Destination, error) {
	return []models.Destination{{ID: "d-1", Name: "Sfax"}}, nil
}
func (fakeStore) GetAllGovernorates(context.Context) ([]models.Governorate, error) {
	return []models.Governorate{{ID: "g-1", Name: "Tunis"}}, nil
}
func (fakeStore) GetAllDelegations(context.Context) ([]models.Delegation, error) {
	return []models.Delegation{{ID: "dl-1", Name: "Carthage", GovernorateID: "g-1"}}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectStation(reg *registry.Registry, connID, stationID string) *recordSender {
	sender := &recordSender{}
	reg.Register(connID, models.StationNodeClass, "", sender)
	reg.Promote(connID, stationID, stationID)
	return sender
}

func syncPayload(t *testing.T, msg protocol.Message) protocol.InstantSyncPayload {
	t.Helper()
	var payload protocol.InstantSyncPayload
	if err := msg.DecodePayload(&payload); err != nil {
		t.Fatalf("failed to decode sync payload: %v", err)
	}
	return payload
}

func TestSyncEntityTargetsOnlyListedStations(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")
	s3 := connectStation(reg, "c3", "st-3")

	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	// st-2 is in the target list but not connected; st-3 is connected
	// but not targeted.
	sent, err := d.SyncEntity(models.VehicleEntity, models.UpdateOp,
		map[string]string{"id": "v-1"}, ToStations("st-1", "st-2"))
	if err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}

	frames := s1.sent()
	if len(frames) != 1 {
		t.Fatalf("st-1 received %d frames, want 1", len(frames))
	}
	if frames[0].Type != protocol.TypeVehicleSyncUpdate {
		t.Errorf("frame type = %s, want %s", frames[0].Type, protocol.TypeVehicleSyncUpdate)
	}
	if payload := syncPayload(t, frames[0]); payload.SyncID == "" {
		t.Error("frame has no syncId")
	}

	if got := s3.sent(); len(got) != 0 {
		t.Errorf("st-3 received %d frames, want 0", len(got))
	}
	if d.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", d.PendingCount())
	}
}

func TestSyncEntityBroadcastExcept(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")
	s2 := connectStation(reg, "c2", "st-2")
	s3 := connectStation(reg, "c3", "st-3")

	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	sent, err := d.SyncEntity(models.StaffEntity, models.CreateOp,
		map[string]string{"id": "sf-9"}, BroadcastExcept("st-2"))
	if err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if len(s2.sent()) != 0 {
		t.Error("excluded station received the broadcast")
	}
	for name, sender := range map[string]*recordSender{"st-1": s1, "st-3": s3} {
		frames := sender.sent()
		if len(frames) != 1 {
			t.Errorf("%s received %d frames, want 1", name, len(frames))
			continue
		}
		if frames[0].Type != protocol.TypeInstantSync {
			t.Errorf("%s frame type = %s, want %s", name, frames[0].Type, protocol.TypeInstantSync)
		}
	}
}

func TestVehicleDeleteUsesDeleteChannel(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")

	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	if _, err := d.SyncEntity(models.VehicleEntity, models.DeleteOp,
		map[string]string{"id": "v-1"}, ToStation("st-1")); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	frames := s1.sent()
	if len(frames) != 1 || frames[0].Type != protocol.TypeVehicleSyncDelete {
		t.Fatalf("frames = %v, want one %s", frames, protocol.TypeVehicleSyncDelete)
	}
}

func TestAckIdempotence(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")

	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	if _, err := d.SyncEntity(models.RouteEntity, models.UpdateOp,
		map[string]string{"id": "r-1"}, ToStation("st-1")); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	syncID := syncPayload(t, s1.sent()[0]).SyncID

	d.Ack(syncID, true, "")
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() after ack = %d, want 0", d.PendingCount())
	}

	// Duplicate and unknown acks are no-ops.
	d.Ack(syncID, true, "")
	d.Ack("no-such-sync", false, "boom")
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() after duplicate acks = %d, want 0", d.PendingCount())
	}
}

func TestUnackedSyncIsResentThenAbandoned(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")

	const ackTimeout = 20 * time.Millisecond
	d := NewDispatcher(reg, fakeStore{}, testLogger(), ackTimeout, 2)
	defer d.Close()

	if _, err := d.SyncEntity(models.StaffEntity, models.UpdateOp,
		map[string]string{"id": "sf-1"}, ToStation("st-1")); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}

	deadline := time.After(20 * ackTimeout)
	for d.PendingCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("sync never abandoned")
		case <-time.After(ackTimeout / 4):
		}
	}

	// Initial send plus maxRetries resends, all with the same syncId.
	frames := s1.sent()
	if len(frames) != 3 {
		t.Fatalf("station received %d frames, want 3", len(frames))
	}
	first := syncPayload(t, frames[0]).SyncID
	for i, frame := range frames {
		if got := syncPayload(t, frame).SyncID; got != first {
			t.Errorf("frame %d syncId = %s, want %s", i, got, first)
		}
	}
}

func TestAckStopsRetries(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")

	const ackTimeout = 25 * time.Millisecond
	d := NewDispatcher(reg, fakeStore{}, testLogger(), ackTimeout, 3)
	defer d.Close()

	if _, err := d.SyncEntity(models.StaffEntity, models.UpdateOp,
		map[string]string{"id": "sf-1"}, ToStation("st-1")); err != nil {
		t.Fatalf("SyncEntity() error = %v", err)
	}
	d.Ack(syncPayload(t, s1.sent()[0]).SyncID, true, "")

	time.Sleep(3 * ackTimeout)
	if got := len(s1.sent()); got != 1 {
		t.Errorf("station received %d frames after ack, want 1", got)
	}
}

func TestFullSync(t *testing.T) {
	reg := registry.New()
	s1 := connectStation(reg, "c1", "st-1")

	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	if err := d.FullSync(context.Background(), "st-1"); err != nil {
		t.Fatalf("FullSync() error = %v", err)
	}

	frames := s1.sent()
	// Six instant_sync snapshots plus the vehicle full-table frame.
	if len(frames) != 7 {
		t.Fatalf("station received %d frames, want 7", len(frames))
	}

	last := frames[len(frames)-1]
	if last.Type != protocol.TypeVehicleSyncFull {
		t.Errorf("last frame type = %s, want %s", last.Type, protocol.TypeVehicleSyncFull)
	}

	seen := make(map[string]bool)
	for _, frame := range frames[:6] {
		if frame.Type != protocol.TypeInstantSync {
			t.Errorf("snapshot frame type = %s, want %s", frame.Type, protocol.TypeInstantSync)
		}
		seen[syncPayload(t, frame).EntityType] = true
	}
	for _, entity := range []models.EntityType{
		models.GovernorateEntity, models.DelegationEntity, models.DestinationEntity,
		models.StationEntity, models.StaffEntity, models.RouteEntity,
	} {
		if !seen[string(entity)] {
			t.Errorf("full sync missing %s snapshot", entity)
		}
	}
}

func TestFullSyncRequiresLiveConnection(t *testing.T) {
	reg := registry.New()
	d := NewDispatcher(reg, fakeStore{}, testLogger(), time.Minute, 3)
	defer d.Close()

	if err := d.FullSync(context.Background(), "st-9"); err == nil {
		t.Error("FullSync() succeeded for a disconnected station")
	}
}
