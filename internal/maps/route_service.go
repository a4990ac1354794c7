// README: Google Maps Directions client used to estimate trip duration for pricing.
package maps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"rideflow/internal/types"
)

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// GetTravelEstimate returns the driving duration and distance in kilometres from origin to destination.
func (s *RouteService) GetTravelEstimate(ctx context.Context, origin, destination types.Point) (time.Duration, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}

	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	return leg.Duration, float64(leg.Distance.Meters) / 1000, nil
}

// TravelMinutes returns the driving duration in minutes.
func (s *RouteService) TravelMinutes(ctx context.Context, origin, destination types.Point) (float64, error) {
	d, _, err := s.GetTravelEstimate(ctx, origin, destination)
	if err != nil {
		return 0, err
	}
	return d.Minutes(), nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
