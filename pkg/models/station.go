package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Station is the presence row for one depot's local node. The coordinator
// reads it on authenticate and writes the online flag, heartbeat timestamp
// and last known IP; everything else is owned by the application layer.
type Station struct {
	bun.BaseModel `bun:"table:stations,alias:st"`

	ID            string `bun:",pk"`
	Name          string `bun:",notnull"`
	Governorate   string
	Delegation    string
	IsActive      bool      `bun:",notnull,default:true"`
	IsOnline      bool      `bun:",notnull,default:false"`
	LastHeartbeat time.Time `bun:",nullzero"`
	LocalServerIP string
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
