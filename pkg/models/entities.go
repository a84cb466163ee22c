package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Staff is a supervisor or worker account scoped to one station.
type Staff struct {
	bun.BaseModel `bun:"table:staff,alias:sf"`

	ID          string    `bun:",pk"`
	StationID   string    `bun:",notnull"`
	FirstName   string    `bun:",notnull"`
	LastName    string    `bun:",notnull"`
	PhoneNumber string    `bun:",unique,notnull"`
	CIN         string    `bun:",unique,notnull"`
	Role        string    `bun:",notnull"`
	IsActive    bool      `bun:",notnull,default:true"`
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Vehicle is a taxi or louage. AuthorizedStationIDs lists the stations the
// vehicle may queue at; it drives sync targeting for vehicle updates.
type Vehicle struct {
	bun.BaseModel `bun:"table:vehicles,alias:v"`

	ID                   string    `bun:",pk"`
	LicensePlate         string    `bun:",unique,notnull"`
	Capacity             int       `bun:",notnull"`
	Model                string
	DriverName           string
	DriverPhone          string
	AuthorizedStationIDs []string  `bun:",array"`
	IsActive             bool      `bun:",notnull,default:true"`
	IsBanned             bool      `bun:",notnull,default:false"`
	CreatedAt            time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Route is a directed station-to-destination leg with a fixed base price.
type Route struct {
	bun.BaseModel `bun:"table:routes,alias:r"`

	ID            string    `bun:",pk"`
	StationID     string    `bun:",notnull"`
	DestinationID string    `bun:",notnull"`
	BasePrice     float64   `bun:",notnull"`
	IsActive      bool      `bun:",notnull,default:true"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Destination is a place vehicles travel to; may or may not host a station.
type Destination struct {
	bun.BaseModel `bun:"table:destinations,alias:d"`

	ID          string    `bun:",pk"`
	Name        string    `bun:",notnull"`
	Governorate string
	Delegation  string
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Governorate and Delegation are the static geographic reference tables
// pushed to station nodes on full sync.
type Governorate struct {
	bun.BaseModel `bun:"table:governorates,alias:g"`

	ID   string `bun:",pk"`
	Name string `bun:",unique,notnull"`
}

type Delegation struct {
	bun.BaseModel `bun:"table:delegations,alias:dl"`

	ID            string `bun:",pk"`
	Name          string `bun:",notnull"`
	GovernorateID string `bun:",notnull"`
}
