// README: Matching modes, offers and the resolution messages exchanged while a ride is pending.
package matching

import (
	"rideflow/internal/types"
)

// Mode records how a pending ride was offered.
type Mode string

const (
	ModeBroadcast  Mode = "broadcast"
	ModeSequential Mode = "sequential"
)

// Realtime event types sent by the dispatcher.
const (
	EventApply      = "send_apply"
	EventAcceptance = "send_acceptance"
	EventCancel     = "send_cancel"
)

const (
	messageDirected = "A client is requesting your service"
	messageNearby   = "Ride request from nearby client"
)

// Offer is the send_apply payload a provider receives.
type Offer struct {
	RideID       types.ID `json:"ride_id,omitempty"`
	ClientID     types.ID `json:"client_id"`
	ClientName   string   `json:"client_name"`
	ServiceID    int64    `json:"service_id,omitempty"`
	SubServiceID *int64   `json:"sub_service_id,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
	DropLat      *float64 `json:"drop_lat"`
	DropLng      *float64 `json:"drop_lng"`
	RideType     string   `json:"ride_type,omitempty"`
	Message      string   `json:"message"`
}

// Response is the send_acceptance / send_cancel payload the client receives.
type Response struct {
	ProviderID types.ID `json:"provider_id"`
	Accepted   bool     `json:"accepted"`
}

// Resolution is published when a provider answers an offer.
type Resolution struct {
	RideID     types.ID `json:"ride_id"`
	ProviderID types.ID `json:"provider_id"`
	Accepted   bool     `json:"accepted"`
}

type BroadcastResult struct {
	RideID   types.ID `json:"ride_id"`
	Notified int      `json:"notified"`
}

type SequentialResult struct {
	RideID     types.ID  `json:"ride_id"`
	Accepted   bool      `json:"accepted"`
	ProviderID *types.ID `json:"provider_id,omitempty"`
	Offered    int       `json:"offered"`
}
