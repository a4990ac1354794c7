// README: In-app notification rows mirrored to FCM pushes.
package notify

import (
	"time"

	"rideflow/internal/types"
)

const (
	KindRideStatus = "ride_status"
	KindRideOffer  = "ride_offer"
)

type Notification struct {
	ID        int64
	UserID    types.ID
	Title     string
	Body      string
	Kind      string
	Data      map[string]string
	Read      bool
	CreatedAt time.Time
}
