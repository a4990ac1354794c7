// README: Response bodies for rides and scheduled rides.
package handlers

import (
	"time"

	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type rideResponse struct {
	ID              types.ID     `json:"id"`
	ClientID        types.ID     `json:"client_id"`
	ProviderID      *types.ID    `json:"provider_id"`
	ServiceID       int64        `json:"service_id"`
	SubServiceID    *int64       `json:"sub_service_id,omitempty"`
	Status          ride.Status  `json:"status"`
	Pickup          types.Point  `json:"pickup"`
	Drop            *types.Point `json:"drop,omitempty"`
	RideType        string       `json:"ride_type"`
	ScheduledRideID *types.ID    `json:"scheduled_ride_id,omitempty"`
	DistanceKm      *float64     `json:"distance_km,omitempty"`
	DurationMinutes *float64     `json:"duration_minutes,omitempty"`
	TotalPrice      *float64     `json:"total_price,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	AcceptedAt      *time.Time   `json:"accepted_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
	CancelledBy     *string      `json:"cancelled_by,omitempty"`
}

func toRideResponse(r *ride.Ride) rideResponse {
	return rideResponse{
		ID:              r.ID,
		ClientID:        r.ClientID,
		ProviderID:      r.ProviderID,
		ServiceID:       r.ServiceID,
		SubServiceID:    r.SubServiceID,
		Status:          r.Status,
		Pickup:          r.Pickup,
		Drop:            r.Drop,
		RideType:        r.RideType,
		ScheduledRideID: r.ScheduledRideID,
		DistanceKm:      r.DistanceKm,
		DurationMinutes: r.DurationMinutes,
		TotalPrice:      r.TotalPrice,
		CreatedAt:       r.CreatedAt,
		AcceptedAt:      r.AcceptedAt,
		FinishedAt:      r.FinishedAt,
		CancelledAt:     r.CancelledAt,
		CancelledBy:     r.CancelledBy,
	}
}

type scheduledRideResponse struct {
	ID              types.ID             `json:"id"`
	ClientID        types.ID             `json:"client_id"`
	ProviderID      *types.ID            `json:"provider_id"`
	ServiceID       int64                `json:"service_id"`
	SubServiceID    *int64               `json:"sub_service_id,omitempty"`
	ScheduledTime   time.Time            `json:"scheduled_time"`
	Status          ride.ScheduledStatus `json:"status"`
	Pickup          types.Point          `json:"pickup"`
	Drop            *types.Point         `json:"drop,omitempty"`
	DistanceKm      *float64             `json:"distance_km,omitempty"`
	DurationMinutes *float64             `json:"duration_minutes,omitempty"`
	TotalPrice      *float64             `json:"total_price,omitempty"`
	RideID          *types.ID            `json:"ride_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

func toScheduledResponse(sr *ride.ScheduledRide) scheduledRideResponse {
	return scheduledRideResponse{
		ID:              sr.ID,
		ClientID:        sr.ClientID,
		ProviderID:      sr.ProviderID,
		ServiceID:       sr.ServiceID,
		SubServiceID:    sr.SubServiceID,
		ScheduledTime:   sr.ScheduledTime,
		Status:          sr.Status,
		Pickup:          sr.Pickup,
		Drop:            sr.Drop,
		DistanceKm:      sr.DistanceKm,
		DurationMinutes: sr.DurationMinutes,
		TotalPrice:      sr.TotalPrice,
		RideID:          sr.RideID,
		CreatedAt:       sr.CreatedAt,
	}
}

func toScheduledList(list []*ride.ScheduledRide) []scheduledRideResponse {
	out := make([]scheduledRideResponse, 0, len(list))
	for _, sr := range list {
		out = append(out, toScheduledResponse(sr))
	}
	return out
}
