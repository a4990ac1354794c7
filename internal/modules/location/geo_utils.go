// README: Pure geographic helpers: haversine distance and radius candidate selection.
package location

import (
	"math"

	"rideflow/internal/types"
)

const earthRadiusKm = 6371.0

// Candidate is a pool member paired with its distance from the search origin.
type Candidate[T any] struct {
	Item       T
	DistanceKm float64
}

// DisplayKm is the distance rounded for presentation; filtering and ordering use DistanceKm.
func (c Candidate[T]) DisplayKm() float64 {
	return types.Round2(c.DistanceKm)
}

// Distance returns the great-circle distance in kilometres between a and b.
func Distance(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// CandidatesWithin returns every pool member within radiusKm of origin, closest first.
// Members for which pos reports false (no known position) are skipped.
// Equal distances keep their pool order.
func CandidatesWithin[T any](origin types.Point, radiusKm float64, pool []T, pos func(T) (types.Point, bool)) []Candidate[T] {
	out := make([]Candidate[T], 0, len(pool))
	for _, item := range pool {
		p, ok := pos(item)
		if !ok {
			continue
		}
		d := Distance(origin, p)
		if d <= radiusKm {
			out = append(out, Candidate[T]{Item: item, DistanceKm: d})
		}
	}
	sortByDistance(out, func(c Candidate[T]) float64 { return c.DistanceKm })
	return out
}

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// sortByDistance performs a stable insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
