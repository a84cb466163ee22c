// Package monitor polls every station's local HTTP endpoint and corrects
// presence state when heartbeats are missing or a node is reachable again.
// It is the safety net for stations that never opened a persistent session
// or whose session died silently.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"station-coordinator/pkg/models"
)

// PresenceStore is the write-through side of the stations table.
type PresenceStore interface {
	GetActiveStationsWithIP(ctx context.Context) ([]models.Station, error)
	SetStationOnline(ctx context.Context, stationID, ip string) error
	SetStationOffline(ctx context.Context, stationID string) error
}

// Prober checks one station node's health endpoint. A nil error means the
// node answered successfully within the probe timeout.
type Prober interface {
	Probe(ctx context.Context, host string) error
}

// Event announces a presence transition detected by the monitor.
type Event struct {
	StationID   string
	StationName string
	Online      bool
}

// StationHealth is the cached reachability state for one tracked station.
type StationHealth struct {
	StationID           string
	StationName         string
	LocalServerIP       string
	IsOnline            bool
	LastChecked         time.Time
	ConsecutiveFailures int
}

type Monitor struct {
	store        PresenceStore
	prober       Prober
	logger       *slog.Logger
	interval     time.Duration
	probeTimeout time.Duration
	maxFailures  int

	mu        sync.Mutex
	tracked   map[string]*StationHealth
	listeners []func(Event)
}

func New(store PresenceStore, prober Prober, logger *slog.Logger, interval, probeTimeout time.Duration, maxFailures int) *Monitor {
	return &Monitor{
		store:        store,
		prober:       prober,
		logger:       logger,
		interval:     interval,
		probeTimeout: probeTimeout,
		maxFailures:  maxFailures,
		tracked:      make(map[string]*StationHealth),
	}
}

// OnStatusChange registers a presence-transition listener. Register all
// listeners before calling Run; listeners are invoked from probe
// goroutines and must not block.
func (m *Monitor) OnStatusChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Run seeds the tracked set from the store and probes every station each
// tick until ctx is cancelled. The tracked set is re-read every tick so
// stations created after startup are picked up within one interval.
func (m *Monitor) Run(ctx context.Context) {
	m.reseed(ctx)
	m.tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.reseed(ctx)
			m.tick(ctx)
		}
	}
}

// Snapshot returns a copy of every tracked station's health state.
func (m *Monitor) Snapshot() []StationHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StationHealth, 0, len(m.tracked))
	for _, h := range m.tracked {
		out = append(out, *h)
	}
	return out
}

// OnlineStations returns the tracked stations currently considered online.
func (m *Monitor) OnlineStations() []StationHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StationHealth
	for _, h := range m.tracked {
		if h.IsOnline {
			out = append(out, *h)
		}
	}
	return out
}

// IsOnline reports the cached state for one station. Unknown stations are
// reported offline.
func (m *Monitor) IsOnline(stationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.tracked[stationID]
	return ok && h.IsOnline
}

// CheckNow probes one station immediately, outside the tick schedule, and
// returns the fresh online state. The normal hysteresis rules apply.
func (m *Monitor) CheckNow(ctx context.Context, stationID string) (bool, bool) {
	m.mu.Lock()
	_, ok := m.tracked[stationID]
	m.mu.Unlock()
	if !ok {
		return false, false
	}

	m.checkStation(ctx, stationID)
	return m.IsOnline(stationID), true
}

// reseed merges the store's active stations into the tracked set: new
// stations are added, changed IPs updated, rows that disappeared dropped.
func (m *Monitor) reseed(ctx context.Context) {
	stations, err := m.store.GetActiveStationsWithIP(ctx)
	if err != nil {
		m.logger.Error("Failed to load stations for monitoring", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make(map[string]struct{}, len(stations))
	for _, st := range stations {
		fresh[st.ID] = struct{}{}
		h, ok := m.tracked[st.ID]
		if !ok {
			// Defer to the store's view until the first probe lands.
			m.tracked[st.ID] = &StationHealth{
				StationID:     st.ID,
				StationName:   st.Name,
				LocalServerIP: st.LocalServerIP,
				IsOnline:      st.IsOnline,
			}
			m.logger.Debug("Tracking station", "stationId", st.ID, "ip", st.LocalServerIP)
			continue
		}
		h.StationName = st.Name
		if h.LocalServerIP != st.LocalServerIP {
			h.LocalServerIP = st.LocalServerIP
			h.ConsecutiveFailures = 0
		}
	}

	for id := range m.tracked {
		if _, ok := fresh[id]; !ok {
			delete(m.tracked, id)
			m.logger.Debug("Stopped tracking station", "stationId", id)
		}
	}
}

// tick probes all tracked stations concurrently. One station's failure
// never affects another's scheduled probe.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(stationID string) {
			defer wg.Done()
			m.checkStation(ctx, stationID)
		}(id)
	}
	wg.Wait()
}

func (m *Monitor) checkStation(ctx context.Context, stationID string) {
	m.mu.Lock()
	h, ok := m.tracked[stationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	host := h.LocalServerIP
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(probeCtx, host)
	cancel()

	if err != nil {
		m.handleFailure(ctx, stationID, err)
	} else {
		m.handleSuccess(ctx, stationID)
	}
}

func (m *Monitor) handleSuccess(ctx context.Context, stationID string) {
	m.mu.Lock()
	h, ok := m.tracked[stationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	h.LastChecked = time.Now()
	h.ConsecutiveFailures = 0
	cameOnline := !h.IsOnline
	h.IsOnline = true
	event := Event{StationID: h.StationID, StationName: h.StationName, Online: true}
	listeners := m.listeners
	m.mu.Unlock()

	if !cameOnline {
		return
	}

	m.logger.Info("Station reachable again", "stationId", stationID)

	if err := m.store.SetStationOnline(ctx, stationID, ""); err != nil {
		m.logger.Error("Failed to mark station online", "stationId", stationID, "error", err)
	}

	for _, fn := range listeners {
		fn(event)
	}
}

func (m *Monitor) handleFailure(ctx context.Context, stationID string, probeErr error) {
	m.mu.Lock()
	h, ok := m.tracked[stationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	h.LastChecked = time.Now()
	h.ConsecutiveFailures++
	failures := h.ConsecutiveFailures
	// Only flip after the threshold, and only once: a single flaky probe
	// must not flap presence state.
	wentOffline := h.IsOnline && failures >= m.maxFailures
	if wentOffline {
		h.IsOnline = false
	}
	event := Event{StationID: h.StationID, StationName: h.StationName, Online: false}
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Debug("Station probe failed",
		"stationId", stationID,
		"failures", failures,
		"error", probeErr)

	if !wentOffline {
		return
	}

	m.logger.Warn("Station unreachable, marking offline",
		"stationId", stationID,
		"failures", failures)

	if err := m.store.SetStationOffline(ctx, stationID); err != nil {
		m.logger.Error("Failed to mark station offline", "stationId", stationID, "error", err)
	}

	for _, fn := range listeners {
		fn(event)
	}
}
