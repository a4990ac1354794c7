// README: Location store backed by Redis GEO and Postgres snapshots.
package location

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const providerGeoKey = "location:providers"

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

// SetPosition stores the account coordinates and, for providers, refreshes the GEO index.
func (s *Store) SetPosition(ctx context.Context, u Update) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET lat = $2, lng = $3, location_updated_at = NOW()
		WHERE id = $1`,
		string(u.UserID), u.Position.Lat, u.Position.Lng,
	); err != nil {
		return err
	}
	if u.UserType != UserTypeProvider {
		return nil
	}
	return s.redis.GeoAdd(ctx, providerGeoKey, &redis.GeoLocation{
		Name:      string(u.UserID),
		Longitude: u.Position.Lng,
		Latitude:  u.Position.Lat,
	}).Err()
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (user_id, user_type, lat, lng, heading, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(snap.UserID), snap.UserType, snap.Position.Lat, snap.Position.Lng, snap.Heading, snap.RecordedAt,
	)
	return err
}

// NearbyIDs returns provider ids from the GEO index within radiusKm of origin, closest first.
func (s *Store) NearbyIDs(ctx context.Context, origin types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, providerGeoKey, &redis.GeoSearchQuery{
		Longitude:  origin.Lng,
		Latitude:   origin.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
