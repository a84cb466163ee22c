package registry

import (
	"testing"

	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
)

type nopSender struct{}

func (nopSender) Send(protocol.Message) error { return nil }
func (nopSender) Ping() error                 { return nil }
func (nopSender) Close() error                { return nil }

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register("c1", models.StationNodeClass, "10.0.0.5:4001", nopSender{})

	conn, ok := r.Get("c1")
	if !ok {
		t.Fatal("Get() did not find registered connection")
	}
	if conn.Authenticated {
		t.Error("new connection must start unauthenticated")
	}
	if conn.Class != models.StationNodeClass {
		t.Errorf("Class = %v, want %v", conn.Class, models.StationNodeClass)
	}
	if conn.LastHeartbeat.IsZero() {
		t.Error("LastHeartbeat must be set on register")
	}
}

func TestPromote(t *testing.T) {
	r := New()
	r.Register("c1", models.StationNodeClass, "", nopSender{})

	evicted, ok := r.Promote("c1", "st-1", "Tunis Nord")
	if !ok {
		t.Fatal("Promote() failed for existing connection")
	}
	if evicted != nil {
		t.Errorf("Promote() evicted %v, want nil", evicted.ID)
	}

	conn, _ := r.Get("c1")
	if !conn.Authenticated || conn.StationID != "st-1" || conn.StationName != "Tunis Nord" {
		t.Errorf("promoted connection = %+v, want authenticated st-1", conn)
	}

	if _, ok := r.Promote("missing", "st-1", ""); ok {
		t.Error("Promote() succeeded for unknown connection id")
	}
}

func TestPromoteEvictsPriorSessionForStation(t *testing.T) {
	r := New()
	r.Register("old", models.StationNodeClass, "", nopSender{})
	r.Register("new", models.StationNodeClass, "", nopSender{})
	r.Promote("old", "st-1", "Tunis Nord")

	evicted, ok := r.Promote("new", "st-1", "Tunis Nord")
	if !ok {
		t.Fatal("Promote() failed")
	}
	if evicted == nil || evicted.ID != "old" {
		t.Fatalf("Promote() evicted %v, want old", evicted)
	}

	if _, ok := r.Get("old"); ok {
		t.Error("evicted connection still in registry")
	}

	conn, ok := r.FindByStation("st-1")
	if !ok || conn.ID != "new" {
		t.Errorf("FindByStation() = %v, want new", conn.ID)
	}
}

func TestPromoteDoesNotEvictAcrossClasses(t *testing.T) {
	r := New()
	r.Register("node", models.StationNodeClass, "", nopSender{})
	r.Register("desktop", models.DesktopAppClass, "", nopSender{})
	r.Promote("node", "st-1", "")

	evicted, _ := r.Promote("desktop", "st-1", "")
	if evicted != nil {
		t.Errorf("desktop promote evicted %v, want nil", evicted.ID)
	}
	if _, ok := r.Get("node"); !ok {
		t.Error("station-node session was removed by a desktop promote")
	}
	if conn, ok := r.FindByStation("st-1"); !ok || conn.ID != "node" {
		t.Errorf("FindByStation() = %v, want node", conn.ID)
	}

	// The node reconnecting must still evict only its own predecessor,
	// never the authenticated app session.
	r.Register("node2", models.StationNodeClass, "", nopSender{})
	evicted, _ = r.Promote("node2", "st-1", "")
	if evicted == nil || evicted.ID != "node" {
		t.Fatalf("node promote evicted %v, want node", evicted)
	}
	if _, ok := r.Get("desktop"); !ok {
		t.Error("desktop session was evicted by a node promote")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("c1", models.StationNodeClass, "", nopSender{})
	r.Promote("c1", "st-1", "")

	prior, ok := r.Unregister("c1")
	if !ok {
		t.Fatal("Unregister() did not find connection")
	}
	if !prior.Authenticated || prior.StationID != "st-1" {
		t.Errorf("prior state = %+v, want authenticated st-1", prior)
	}

	// Idempotent: removing an absent id is a no-op, not an error.
	if _, ok := r.Unregister("c1"); ok {
		t.Error("second Unregister() reported a connection")
	}
}

func TestFindByStation(t *testing.T) {
	r := New()
	r.Register("c1", models.StationNodeClass, "", nopSender{})

	if _, ok := r.FindByStation("st-1"); ok {
		t.Error("FindByStation() matched an unauthenticated connection")
	}

	r.Promote("c1", "st-1", "")
	if conn, ok := r.FindByStation("st-1"); !ok || conn.ID != "c1" {
		t.Errorf("FindByStation() = %v, %v, want c1, true", conn.ID, ok)
	}
	if _, ok := r.FindByStation("st-2"); ok {
		t.Error("FindByStation() matched the wrong station")
	}
}

func TestAllAuthenticated(t *testing.T) {
	r := New()
	r.Register("node1", models.StationNodeClass, "", nopSender{})
	r.Register("node2", models.StationNodeClass, "", nopSender{})
	r.Register("mobile", models.MobileAppClass, "", nopSender{})
	r.Register("anon", models.StationNodeClass, "", nopSender{})
	r.Promote("node1", "st-1", "")
	r.Promote("node2", "st-2", "")
	r.Promote("mobile", "st-1", "")

	tests := []struct {
		name    string
		classes []models.ConnectionClass
		want    int
	}{
		{name: "no filter", classes: nil, want: 3},
		{name: "station nodes", classes: []models.ConnectionClass{models.StationNodeClass}, want: 2},
		{name: "mobile apps", classes: []models.ConnectionClass{models.MobileAppClass}, want: 1},
		{name: "desktop apps", classes: []models.ConnectionClass{models.DesktopAppClass}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.AllAuthenticated(tt.classes...)
			if len(got) != tt.want {
				t.Errorf("AllAuthenticated(%v) returned %d connections, want %d",
					tt.classes, len(got), tt.want)
			}
		})
	}
}

func TestCounts(t *testing.T) {
	r := New()
	r.Register("node1", models.StationNodeClass, "", nopSender{})
	r.Register("node2", models.StationNodeClass, "", nopSender{})
	r.Register("mobile", models.MobileAppClass, "", nopSender{})
	r.Promote("node1", "st-1", "")

	connections, stations := r.Counts()
	if connections != 3 {
		t.Errorf("connections = %d, want 3", connections)
	}
	if stations != 1 {
		t.Errorf("stations = %d, want 1", stations)
	}
}

func TestTouch(t *testing.T) {
	r := New()
	r.Register("c1", models.StationNodeClass, "", nopSender{})

	before, _ := r.Get("c1")
	if !r.Touch("c1") {
		t.Fatal("Touch() failed for existing connection")
	}
	after, _ := r.Get("c1")
	if after.LastHeartbeat.Before(before.LastHeartbeat) {
		t.Error("Touch() did not advance LastHeartbeat")
	}

	if r.Touch("missing") {
		t.Error("Touch() succeeded for unknown connection")
	}
}
