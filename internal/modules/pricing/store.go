// README: Pricing store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ServiceInfo(ctx context.Context, serviceID int64) (*ServiceInfo, error) {
	var info ServiceInfo
	err := s.db.QueryRow(ctx, `
		SELECT id, name, category, requires_sub_service
		FROM services
		WHERE id = $1`, serviceID,
	).Scan(&info.ID, &info.Name, &info.Category, &info.RequiresSubService)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Zones returns all zones ordered by id; polygons are stored as JSON arrays of {lat,lng}.
func (s *Store) Zones(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, polygon FROM zones ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Polygon); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// RulesForService returns the active rules of a service.
func (s *Store) RulesForService(ctx context.Context, serviceID int64) ([]Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, service_id, sub_service_id, zone_id,
		       base_fare, price_per_km, price_per_minute, minimum_fare,
		       platform_fee, service_fee, booking_fee,
		       peak_hour_multiplier, peak_hours_start, peak_hours_end
		FROM pricing_rules
		WHERE service_id = $1 AND active
		ORDER BY id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var peakStart, peakEnd pgtype.Time
		if err := rows.Scan(
			&r.ID, &r.ServiceID, &r.SubServiceID, &r.ZoneID,
			&r.BaseFare, &r.PricePerKm, &r.PricePerMinute, &r.MinimumFare,
			&r.PlatformFee, &r.ServiceFee, &r.BookingFee,
			&r.PeakMultiplier, &peakStart, &peakEnd,
		); err != nil {
			return nil, err
		}
		r.PeakStart = timeOfDay(peakStart)
		r.PeakEnd = timeOfDay(peakEnd)
		out = append(out, r)
	}
	return out, rows.Err()
}

func timeOfDay(t pgtype.Time) *time.Duration {
	if !t.Valid {
		return nil
	}
	d := time.Duration(t.Microseconds) * time.Microsecond
	return &d
}
