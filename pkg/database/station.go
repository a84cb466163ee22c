package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"station-coordinator/pkg/models"
)

// GetStationByID returns one station row, or sql.ErrNoRows if absent.
func (db *DB) GetStationByID(ctx context.Context, stationID string) (*models.Station, error) {
	var station models.Station
	err := db.NewSelect().
		Model(&station).
		Where("id = ?", stationID).
		Scan(ctx)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("error querying station %s: %v", stationID, err)
	}

	return &station, nil
}

// GetActiveStationsWithIP returns active stations that have a known local
// node address. This seeds the health monitor's tracked set.
func (db *DB) GetActiveStationsWithIP(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	err := db.NewSelect().
		Model(&stations).
		Where("is_active = TRUE").
		Where("local_server_ip IS NOT NULL AND local_server_ip != ''").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting active stations: %v", err)
	}

	slog.Debug("Active stations with IP", "count", len(stations))

	return stations, nil
}

// GetAllStations returns every station row, for full sync and the
// operator snapshot.
func (db *DB) GetAllStations(ctx context.Context) ([]models.Station, error) {
	var stations []models.Station
	err := db.NewSelect().
		Model(&stations).
		Order("name").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting all stations: %v", err)
	}

	return stations, nil
}

// SetStationOnline marks a station online with a fresh heartbeat. When ip
// is non-empty the stored node address is updated as well.
func (db *DB) SetStationOnline(ctx context.Context, stationID, ip string) error {
	q := db.NewUpdate().
		Model((*models.Station)(nil)).
		Set("is_online = TRUE").
		Set("last_heartbeat = ?", time.Now()).
		Set("updated_at = CURRENT_TIMESTAMP").
		Where("id = ?", stationID)

	if ip != "" {
		q = q.Set("local_server_ip = ?", ip)
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error marking station %s online: %v", stationID, err)
	}

	return nil
}

// SetStationOffline marks a station offline, recording when it was last seen.
func (db *DB) SetStationOffline(ctx context.Context, stationID string) error {
	_, err := db.NewUpdate().
		Model((*models.Station)(nil)).
		Set("is_online = FALSE").
		Set("last_heartbeat = ?", time.Now()).
		Set("updated_at = CURRENT_TIMESTAMP").
		Where("id = ?", stationID).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error marking station %s offline: %v", stationID, err)
	}

	return nil
}

// UpdateStationHeartbeat refreshes the heartbeat timestamp and keeps the
// online flag set, optionally updating the node address.
func (db *DB) UpdateStationHeartbeat(ctx context.Context, stationID, ip string) error {
	q := db.NewUpdate().
		Model((*models.Station)(nil)).
		Set("is_online = TRUE").
		Set("last_heartbeat = ?", time.Now()).
		Where("id = ?", stationID)

	if ip != "" {
		q = q.Set("local_server_ip = ?", ip)
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error updating heartbeat for station %s: %v", stationID, err)
	}

	return nil
}
