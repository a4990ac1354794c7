// README: Location service handles coordinate updates and nearby eligible-provider discovery.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/modules/account"
	"rideflow/internal/types"
)

// geoSlackKm widens the Redis prefilter so index rounding never drops a provider the exact filter keeps.
const geoSlackKm = 0.05

var ErrBadRequest = fmt.Errorf("invalid location: %w", apperr.ErrValidation)

type GeoStore interface {
	SetPosition(ctx context.Context, u Update) error
	AppendSnapshot(ctx context.Context, snap Snapshot) error
	NearbyIDs(ctx context.Context, origin types.Point, radiusKm float64) ([]types.ID, error)
}

type ProviderDirectory interface {
	ProvidersByIDs(ctx context.Context, ids []types.ID) ([]*account.Provider, error)
	ProvidersForService(ctx context.Context, serviceID int64) ([]*account.Provider, error)
}

type Service struct {
	store     GeoStore
	providers ProviderDirectory
	logger    *slog.Logger
}

func NewService(store GeoStore, providers ProviderDirectory, logger *slog.Logger) *Service {
	return &Service{store: store, providers: providers, logger: logger}
}

// Update stores the sender's coordinates and appends a snapshot for history.
func (s *Service) Update(ctx context.Context, u Update) error {
	if u.UserID == "" {
		return ErrBadRequest
	}
	if err := u.Position.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := s.store.SetPosition(ctx, u); err != nil {
		return err
	}
	if err := s.store.AppendSnapshot(ctx, Snapshot{
		UserID:     u.UserID,
		UserType:   u.UserType,
		Position:   u.Position,
		Heading:    u.Heading,
		RecordedAt: time.Now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "location snapshot failed", "user_id", u.UserID, "error", err)
	}
	return nil
}

// NearbyProviders returns eligible providers within q.RadiusKm of q.Origin, closest first.
// The database pool for the service is always scanned; GEO index hits missing
// from it are merged in, and the exact haversine filter decides membership.
func (s *Service) NearbyProviders(ctx context.Context, q Query) ([]Candidate[*account.Provider], error) {
	if err := q.Origin.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	pool, err := s.providers.ProvidersForService(ctx, q.ServiceID)
	if err != nil {
		return nil, err
	}

	ids, err := s.store.NearbyIDs(ctx, q.Origin, q.RadiusKm+geoSlackKm)
	if err != nil {
		s.logger.WarnContext(ctx, "geo index lookup failed, using database pool only", "error", err)
	}
	if extra := missingIDs(pool, ids); len(extra) > 0 {
		hinted, err := s.providers.ProvidersByIDs(ctx, extra)
		if err != nil {
			s.logger.WarnContext(ctx, "geo hint lookup failed", "count", len(extra), "error", err)
		}
		pool = append(pool, hinted...)
	}

	eligible := pool[:0:0]
	for _, p := range pool {
		if p.ID == q.ExcludeID || !p.Eligible(q.ServiceID, q.SubServiceID) {
			continue
		}
		eligible = append(eligible, p)
	}
	return CandidatesWithin(q.Origin, q.RadiusKm, eligible, func(p *account.Provider) (types.Point, bool) {
		if p.Position == nil {
			return types.Point{}, false
		}
		return *p.Position, true
	}), nil
}

func missingIDs(pool []*account.Provider, ids []types.ID) []types.ID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[types.ID]struct{}, len(pool))
	for _, p := range pool {
		seen[p.ID] = struct{}{}
	}
	var out []types.ID
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
