// README: Pricing service resolves the applicable rule and computes fare quotes.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/modules/location"
	"rideflow/internal/types"
)

const routeLookupTimeout = 2 * time.Second

var (
	ErrNoPricingRule      = fmt.Errorf("pricing unavailable for this service and location: %w", apperr.ErrNotFound)
	ErrServiceNotFound    = fmt.Errorf("service not found: %w", apperr.ErrNotFound)
	ErrSubServiceRequired = fmt.Errorf("sub_service_id is required for this service: %w", apperr.ErrValidation)
	ErrBadRequest         = fmt.Errorf("invalid pricing request: %w", apperr.ErrValidation)
)

type RuleStore interface {
	ServiceInfo(ctx context.Context, serviceID int64) (*ServiceInfo, error)
	Zones(ctx context.Context) ([]Zone, error)
	RulesForService(ctx context.Context, serviceID int64) ([]Rule, error)
}

// RouteEstimator supplies driving time between two points.
type RouteEstimator interface {
	TravelMinutes(ctx context.Context, origin, destination types.Point) (float64, error)
}

type Service struct {
	store  RuleStore
	routes RouteEstimator
	loc    *time.Location
	logger *slog.Logger
}

// NewService builds the pricing service. routes may be nil; peak hours are evaluated in loc.
func NewService(store RuleStore, routes RouteEstimator, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, routes: routes, loc: loc, logger: logger}
}

// ResolveRule returns the one rule for (service, sub-service) at p.
func (s *Service) ResolveRule(ctx context.Context, serviceID int64, subServiceID *int64, p types.Point) (*Rule, error) {
	info, err := s.store.ServiceInfo(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if info.RequiresSubService && subServiceID == nil {
		return nil, ErrSubServiceRequired
	}
	rules, err := s.store.RulesForService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	zones, err := s.store.Zones(ctx)
	if err != nil {
		return nil, err
	}
	var containing []int64
	for _, z := range zones {
		if Contains(z.Polygon, p) {
			containing = append(containing, z.ID)
		}
	}
	r := SelectRule(rules, containing, subServiceID, info.RequiresSubService)
	if r == nil {
		return nil, ErrNoPricingRule
	}
	return r, nil
}

// Quote computes the fare breakdown. Without a drop point the trip distance is zero.
func (s *Service) Quote(ctx context.Context, cmd QuoteCommand) (*Breakdown, error) {
	if cmd.ServiceID <= 0 {
		return nil, ErrBadRequest
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if cmd.Drop != nil {
		if err := cmd.Drop.Validate(); err != nil {
			return nil, fmt.Errorf("%w: drop: %v", ErrBadRequest, err)
		}
	}

	rule, err := s.ResolveRule(ctx, cmd.ServiceID, cmd.SubServiceID, cmd.Pickup)
	if err != nil {
		return nil, err
	}

	var distanceKm float64
	if cmd.Drop != nil {
		distanceKm = location.Distance(cmd.Pickup, *cmd.Drop)
	}
	durationMinutes := s.durationMinutes(ctx, cmd, distanceKm)

	pickupTime := cmd.PickupTime
	if pickupTime.IsZero() {
		pickupTime = time.Now()
	}
	b := Calculate(*rule, distanceKm, durationMinutes, pickupTime.In(s.loc))
	return &b, nil
}

func (s *Service) durationMinutes(ctx context.Context, cmd QuoteCommand, distanceKm float64) float64 {
	estimate := EstimateDurationMinutes(distanceKm)
	if s.routes == nil || cmd.Drop == nil || cmd.EstimateOnly || distanceKm == 0 {
		return estimate
	}
	ctx, cancel := context.WithTimeout(ctx, routeLookupTimeout)
	defer cancel()
	minutes, err := s.routes.TravelMinutes(ctx, cmd.Pickup, *cmd.Drop)
	if err != nil {
		s.logger.WarnContext(ctx, "route estimate unavailable, using average speed", "error", err)
		return estimate
	}
	return minutes
}
