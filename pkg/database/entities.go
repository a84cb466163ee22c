package database

import (
	"context"
	"fmt"

	"station-coordinator/pkg/models"
)

// Snapshot reads feeding the initial full sync. Each returns only rows the
// target station should hold: station-scoped tables are filtered, shared
// reference tables are returned whole.

func (db *DB) GetStaffForStation(ctx context.Context, stationID string) ([]models.Staff, error) {
	var staff []models.Staff
	err := db.NewSelect().
		Model(&staff).
		Where("station_id = ?", stationID).
		Where("is_active = TRUE").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting staff for station %s: %v", stationID, err)
	}

	return staff, nil
}

// GetVehiclesForStation returns vehicles authorized to queue at the station.
func (db *DB) GetVehiclesForStation(ctx context.Context, stationID string) ([]models.Vehicle, error) {
	var vehicles []models.Vehicle
	err := db.NewSelect().
		Model(&vehicles).
		Where("? = ANY(authorized_station_ids)", stationID).
		Where("is_active = TRUE").
		Where("is_banned = FALSE").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting vehicles for station %s: %v", stationID, err)
	}

	return vehicles, nil
}

func (db *DB) GetRoutesForStation(ctx context.Context, stationID string) ([]models.Route, error) {
	var routes []models.Route
	err := db.NewSelect().
		Model(&routes).
		Where("station_id = ?", stationID).
		Where("is_active = TRUE").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting routes for station %s: %v", stationID, err)
	}

	return routes, nil
}

func (db *DB) GetAllDestinations(ctx context.Context) ([]models.Destination, error) {
	var destinations []models.Destination
	err := db.NewSelect().
		Model(&destinations).
		Order("name").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting destinations: %v", err)
	}

	return destinations, nil
}

func (db *DB) GetAllGovernorates(ctx context.Context) ([]models.Governorate, error) {
	var governorates []models.Governorate
	err := db.NewSelect().
		Model(&governorates).
		Order("name").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting governorates: %v", err)
	}

	return governorates, nil
}

func (db *DB) GetAllDelegations(ctx context.Context) ([]models.Delegation, error) {
	var delegations []models.Delegation
	err := db.NewSelect().
		Model(&delegations).
		Order("name").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting delegations: %v", err)
	}

	return delegations, nil
}

// GetVehicleAuthorizedStations returns the station ids a vehicle may queue
// at, used to target vehicle sync pushes.
func (db *DB) GetVehicleAuthorizedStations(ctx context.Context, vehicleID string) ([]string, error) {
	var vehicle models.Vehicle
	err := db.NewSelect().
		Model(&vehicle).
		Column("authorized_station_ids").
		Where("id = ?", vehicleID).
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting authorized stations for vehicle %s: %v", vehicleID, err)
	}

	return vehicle.AuthorizedStationIDs, nil
}
