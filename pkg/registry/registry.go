// Package registry tracks live transport sessions in memory. It is the
// single answer to "which sessions are authenticated station nodes for
// station X" and never touches the presence store.
package registry

import (
	"sync"
	"time"

	"station-coordinator/pkg/models"
	"station-coordinator/pkg/protocol"
)

// Sender is the write side of one transport session. The hub wraps the
// WebSocket connection; tests substitute fakes.
type Sender interface {
	Send(msg protocol.Message) error
	Ping() error
	Close() error
}

// Connection is a snapshot of one session's registry state. Values are
// copies; all mutation goes through Registry methods under its lock.
type Connection struct {
	ID            string
	Class         models.ConnectionClass
	RemoteAddr    string
	Authenticated bool
	StationID     string
	StationName   string
	LastHeartbeat time.Time
	Sender        Sender
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Register adds a new unauthenticated connection.
func (r *Registry) Register(id string, class models.ConnectionClass, remoteAddr string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = &Connection{
		ID:            id,
		Class:         class,
		RemoteAddr:    remoteAddr,
		LastHeartbeat: time.Now(),
		Sender:        sender,
	}
}

// Promote marks a connection authenticated and tags it with station
// identity. When a station node promotes and another node session is
// already authenticated for the same station, the old one is removed and
// returned so the caller can close it; at most one live station-node
// session per station. App sessions authenticate with a station id too,
// and never displace the station's node.
func (r *Registry) Promote(id, stationID, stationName string) (evicted *Connection, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		return nil, false
	}

	if conn.Class == models.StationNodeClass {
		for otherID, other := range r.conns {
			if otherID == id {
				continue
			}
			if other.Authenticated && other.StationID == stationID && other.Class == models.StationNodeClass {
				delete(r.conns, otherID)
				prior := *other
				evicted = &prior
				break
			}
		}
	}

	conn.Authenticated = true
	conn.StationID = stationID
	conn.StationName = stationName
	conn.LastHeartbeat = time.Now()

	return evicted, true
}

// Unregister removes a connection, returning its prior state for presence
// cleanup. Removing an absent id is a no-op.
func (r *Registry) Unregister(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}
	delete(r.conns, id)

	return *conn, true
}

func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}
	return *conn, true
}

// Touch refreshes a connection's heartbeat timestamp.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		return false
	}
	conn.LastHeartbeat = time.Now()
	return true
}

// FindByStation returns the authenticated station-node connection for a
// station id, if one is live.
func (r *Registry) FindByStation(stationID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range r.conns {
		if conn.Authenticated && conn.StationID == stationID && conn.Class == models.StationNodeClass {
			return *conn, true
		}
	}
	return Connection{}, false
}

// AllAuthenticated returns authenticated connections, optionally filtered
// by connection class.
func (r *Registry) AllAuthenticated(classes ...models.ConnectionClass) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Connection
	for _, conn := range r.conns {
		if !conn.Authenticated {
			continue
		}
		if len(classes) > 0 && !classMatch(conn.Class, classes) {
			continue
		}
		out = append(out, *conn)
	}
	return out
}

// All returns every connection, authenticated or not. Used by the
// liveness sweep.
func (r *Registry) All() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, *conn)
	}
	return out
}

// Counts returns total live connections and distinct authenticated stations.
func (r *Registry) Counts() (connections, stations int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, conn := range r.conns {
		if conn.Authenticated && conn.Class == models.StationNodeClass {
			seen[conn.StationID] = struct{}{}
		}
	}
	return len(r.conns), len(seen)
}

func classMatch(class models.ConnectionClass, classes []models.ConnectionClass) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
