// README: Pricing rules, zones and the quote breakdown returned to clients.
package pricing

import (
	"time"

	"rideflow/internal/types"
)

// ServiceInfo is the catalog entry pricing needs to decide how sub-services are matched.
type ServiceInfo struct {
	ID       int64
	Name     string
	Category string
	// RequiresSubService marks maintenance-like categories where the sub-service selects the rule.
	RequiresSubService bool
}

type Zone struct {
	ID      int64
	Name    string
	Polygon []types.Point
}

type Rule struct {
	ID             int64
	ServiceID      int64
	SubServiceID   *int64
	ZoneID         *int64
	BaseFare       float64
	PricePerKm     float64
	PricePerMinute float64
	MinimumFare    float64
	PlatformFee    float64
	ServiceFee     float64
	BookingFee     float64
	PeakMultiplier float64
	// PeakStart and PeakEnd are offsets from local midnight; the window is [start, end).
	PeakStart *time.Duration
	PeakEnd   *time.Duration
}

type QuoteCommand struct {
	ServiceID    int64
	SubServiceID *int64
	Pickup       types.Point
	Drop         *types.Point
	PickupTime   time.Time
	// EstimateOnly skips the route lookup and uses the average-speed duration.
	EstimateOnly bool
}

type Breakdown struct {
	RuleID          int64   `json:"rule_id"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
	BaseFare        float64 `json:"base_fare"`
	DistanceCharge  float64 `json:"distance_charge"`
	TimeCharge      float64 `json:"time_charge"`
	PeakMultiplier  float64 `json:"peak_multiplier"`
	PeakApplied     bool    `json:"peak_applied"`
	PlatformFee     float64 `json:"platform_fee"`
	ServiceFee      float64 `json:"service_fee"`
	BookingFee      float64 `json:"booking_fee"`
	MinimumFare     float64 `json:"minimum_fare"`
	Total           float64 `json:"total"`
}
