// README: Location updates, snapshots for replay and nearby-provider queries.
package location

import (
	"time"

	"rideflow/internal/types"
)

const (
	UserTypeClient   = "client"
	UserTypeProvider = "provider"
)

type Update struct {
	UserID   types.ID
	UserType string
	Position types.Point
	Heading  *float64
}

type Snapshot struct {
	ID         int64
	UserID     types.ID
	UserType   string
	Position   types.Point
	Heading    *float64
	RecordedAt time.Time
}

// Query selects eligible providers around Origin.
type Query struct {
	Origin       types.Point
	RadiusKm     float64
	ServiceID    int64
	SubServiceID *int64
	// ExcludeID drops the requesting user from the result.
	ExcludeID types.ID
}
