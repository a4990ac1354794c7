// README: Account store backed by PostgreSQL; owned by account management, only availability flags are written here.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

var ErrNotFound = fmt.Errorf("account not found: %w", apperr.ErrNotFound)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const providerColumns = `a.id, a.name, a.lat, a.lng, a.verified, a.in_ride, COALESCE(a.driver_status, '')`

// GetProvider returns the provider view for id.
func (s *Store) GetProvider(ctx context.Context, id types.ID) (*Provider, error) {
	list, err := s.queryProviders(ctx, `
		SELECT `+providerColumns+`
		FROM accounts a
		WHERE a.id = $1 AND a.role = 'provider'`, string(id))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ProvidersByIDs returns providers in the order of ids; unknown ids are skipped.
func (s *Store) ProvidersByIDs(ctx context.Context, ids []types.ID) ([]*Provider, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	list, err := s.queryProviders(ctx, `
		SELECT `+providerColumns+`
		FROM accounts a
		WHERE a.role = 'provider' AND a.id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[types.ID]*Provider, len(list))
	for _, p := range list {
		byID[p.ID] = p
	}
	out := make([]*Provider, 0, len(list))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ProvidersForService lists verified providers with known coordinates offering serviceID.
func (s *Store) ProvidersForService(ctx context.Context, serviceID int64) ([]*Provider, error) {
	return s.queryProviders(ctx, `
		SELECT `+providerColumns+`
		FROM accounts a
		WHERE a.role = 'provider'
		  AND a.verified
		  AND a.lat IS NOT NULL AND a.lng IS NOT NULL
		  AND EXISTS (SELECT 1 FROM provider_services ps WHERE ps.provider_id = a.id AND ps.service_id = $1)
		ORDER BY a.id`, serviceID)
}

// FirstProviderForService picks the directed-request target for serviceID.
func (s *Store) FirstProviderForService(ctx context.Context, serviceID int64) (*Provider, error) {
	list, err := s.queryProviders(ctx, `
		SELECT `+providerColumns+`
		FROM accounts a
		WHERE a.role = 'provider'
		  AND a.verified
		  AND EXISTS (SELECT 1 FROM provider_services ps WHERE ps.provider_id = a.id AND ps.service_id = $1)
		ORDER BY a.id
		LIMIT 1`, serviceID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// DisplayName returns the account's name.
func (s *Store) DisplayName(ctx context.Context, id types.ID) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `SELECT name FROM accounts WHERE id = $1`, string(id)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

// SetAvailability flips a provider's in_ride flag and, when a driver profile exists, its driver status.
func (s *Store) SetAvailability(ctx context.Context, providerID types.ID, available bool) error {
	status := DriverStatusAvailable
	if !available {
		status = DriverStatusInRide
	}
	_, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET in_ride = $2,
		    driver_status = CASE WHEN driver_status IS NULL THEN NULL ELSE $3 END
		WHERE id = $1 AND role = 'provider'`,
		string(providerID), !available, status,
	)
	return err
}

func (s *Store) SetCustomerInRide(ctx context.Context, clientID types.ID, inRide bool) error {
	_, err := s.db.Exec(ctx, `UPDATE accounts SET in_ride = $2 WHERE id = $1 AND role = 'client'`, string(clientID), inRide)
	return err
}

func (s *Store) queryProviders(ctx context.Context, sql string, args ...any) ([]*Provider, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Provider
	byID := map[types.ID]*Provider{}
	for rows.Next() {
		var p Provider
		var lat, lng *float64
		if err := rows.Scan(&p.ID, &p.Name, &lat, &lng, &p.Verified, &p.InRide, &p.DriverStatus); err != nil {
			return nil, err
		}
		if lat != nil && lng != nil {
			p.Position = &types.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, p := range out {
		ids = append(ids, string(p.ID))
	}
	capRows, err := s.db.Query(ctx, `
		SELECT provider_id, service_id, sub_service_id
		FROM provider_services
		WHERE provider_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer capRows.Close()
	for capRows.Next() {
		var pid types.ID
		var c Capability
		if err := capRows.Scan(&pid, &c.ServiceID, &c.SubServiceID); err != nil {
			return nil, err
		}
		if p, ok := byID[pid]; ok {
			p.Services = append(p.Services, c)
		}
	}
	return out, capRows.Err()
}
