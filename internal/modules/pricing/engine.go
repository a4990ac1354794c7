// README: Pure pricing functions: zone containment, rule selection and fare calculation.
package pricing

import (
	"math"
	"time"

	"rideflow/internal/types"
)

// averageSpeedKmh is used when no route estimate is available.
const averageSpeedKmh = 30.0

// EstimateDurationMinutes converts a distance into minutes at the average speed.
func EstimateDurationMinutes(distanceKm float64) float64 {
	return distanceKm / averageSpeedKmh * 60
}

// Contains reports whether p lies inside the polygon (ray casting, edges are not special-cased).
func Contains(polygon []types.Point, p types.Point) bool {
	if len(polygon) < 3 {
		return false
	}
	inside := false
	j := len(polygon) - 1
	for i := range polygon {
		a, b := polygon[i], polygon[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			lng := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < lng {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// SelectRule picks the single rule for a location. zoneIDs lists the zones containing the
// point in priority order. A zone rule beats the null-zone default. When requireSub is set
// the rule's sub-service must equal sub; otherwise sub only breaks ties.
func SelectRule(rules []Rule, zoneIDs []int64, sub *int64, requireSub bool) *Rule {
	for _, zoneID := range zoneIDs {
		if r := bestRule(rules, &zoneID, sub, requireSub); r != nil {
			return r
		}
	}
	return bestRule(rules, nil, sub, requireSub)
}

func bestRule(rules []Rule, zoneID *int64, sub *int64, requireSub bool) *Rule {
	var best *Rule
	bestRank := math.MaxInt
	for i := range rules {
		r := &rules[i]
		if !sameID(r.ZoneID, zoneID) {
			continue
		}
		rank := 0
		switch {
		case requireSub:
			if sub == nil || !sameID(r.SubServiceID, sub) {
				continue
			}
		case sub != nil && sameID(r.SubServiceID, sub):
			rank = 0
		case r.SubServiceID == nil:
			rank = 1
		default:
			rank = 2
		}
		if rank < bestRank || (rank == bestRank && r.ID < best.ID) {
			best, bestRank = r, rank
		}
	}
	return best
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// InPeak reports whether t falls within the rule's peak window in t's location.
func (r Rule) InPeak(t time.Time) bool {
	if r.PeakStart == nil || r.PeakEnd == nil || *r.PeakStart == *r.PeakEnd {
		return false
	}
	y, m, d := t.Date()
	offset := t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location()))
	start, end := *r.PeakStart, *r.PeakEnd
	if start < end {
		return offset >= start && offset < end
	}
	return offset >= start || offset < end
}

// Calculate builds the fare breakdown for a trip.
func Calculate(r Rule, distanceKm, durationMinutes float64, pickupTime time.Time) Breakdown {
	distanceCharge := r.PricePerKm * distanceKm
	timeCharge := r.PricePerMinute * durationMinutes
	b := Breakdown{
		RuleID:          r.ID,
		DistanceKm:      types.Round2(distanceKm),
		DurationMinutes: types.Round2(durationMinutes),
		BaseFare:        r.BaseFare,
		PeakMultiplier:  1,
		PlatformFee:     r.PlatformFee,
		ServiceFee:      r.ServiceFee,
		BookingFee:      r.BookingFee,
		MinimumFare:     r.MinimumFare,
	}
	if r.PeakMultiplier > 0 && r.InPeak(pickupTime) {
		distanceCharge *= r.PeakMultiplier
		timeCharge *= r.PeakMultiplier
		b.PeakMultiplier = r.PeakMultiplier
		b.PeakApplied = true
	}
	amount := r.BaseFare + distanceCharge + timeCharge + r.PlatformFee + r.ServiceFee + r.BookingFee
	b.DistanceCharge = types.Round2(distanceCharge)
	b.TimeCharge = types.Round2(timeCharge)
	b.Total = types.Round2(math.Max(amount, r.MinimumFare))
	return b
}

// CalculatePrice returns the total fare.
func CalculatePrice(r Rule, distanceKm, durationMinutes float64, pickupTime time.Time) float64 {
	return Calculate(r, distanceKm, durationMinutes, pickupTime).Total
}
