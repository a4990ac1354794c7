// README: Invoice store backed by PostgreSQL; ride_id is unique so creation is idempotent.
package invoice

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// CreateOnce inserts the invoice unless one already exists for the ride. It reports whether a row was written.
func (s *Store) CreateOnce(ctx context.Context, inv Invoice) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO invoices (
			ride_id, client_id, provider_id, service_id,
			distance_km, duration_minutes, amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ride_id) DO NOTHING`,
		string(inv.RideID), string(inv.ClientID), string(inv.ProviderID), inv.ServiceID,
		inv.DistanceKm, inv.DurationMinutes, inv.Amount, inv.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
