package models

// ConnectionClass identifies what kind of client opened a session
type ConnectionClass string

const (
	StationNodeClass ConnectionClass = "station-node"
	DesktopAppClass  ConnectionClass = "desktop-app"
	MobileAppClass   ConnectionClass = "mobile-app"
)

// EntityType identifies which table a sync message carries rows from
type EntityType string

const (
	StaffEntity       EntityType = "staff"
	VehicleEntity     EntityType = "vehicle"
	RouteEntity       EntityType = "route"
	StationEntity     EntityType = "station"
	DestinationEntity EntityType = "destination"
	GovernorateEntity EntityType = "governorate"
	DelegationEntity  EntityType = "delegation"
)

// Operation is the mutation kind carried by a sync message
type Operation string

const (
	CreateOp Operation = "CREATE"
	UpdateOp Operation = "UPDATE"
	DeleteOp Operation = "DELETE"
)

// ValidEntityType reports whether s names a known entity type
func ValidEntityType(s string) bool {
	switch EntityType(s) {
	case StaffEntity, VehicleEntity, RouteEntity, StationEntity,
		DestinationEntity, GovernorateEntity, DelegationEntity:
		return true
	}
	return false
}

// ValidOperation reports whether s names a known operation
func ValidOperation(s string) bool {
	switch Operation(s) {
	case CreateOp, UpdateOp, DeleteOp:
		return true
	}
	return false
}
