// README: Invoice issued once when a ride finishes.
package invoice

import (
	"time"

	"rideflow/internal/types"
)

type Invoice struct {
	ID              int64
	RideID          types.ID
	ClientID        types.ID
	ProviderID      types.ID
	ServiceID       int64
	DistanceKm      *float64
	DurationMinutes *float64
	// Amount is nil when no pricing rule applied.
	Amount    *float64
	CreatedAt time.Time
}
