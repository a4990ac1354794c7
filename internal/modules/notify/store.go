// README: Notification store backed by PostgreSQL.
package notify

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, n *Notification) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO notifications (user_id, title, body, kind, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(n.UserID), n.Title, n.Body, n.Kind, n.Data, n.CreatedAt,
	).Scan(&n.ID)
}

// DeviceToken returns the FCM registration token of a user, or "" when none is registered.
func (s *Store) DeviceToken(ctx context.Context, userID types.ID) (string, error) {
	var token *string
	err := s.db.QueryRow(ctx, `SELECT device_token FROM accounts WHERE id = $1`, string(userID)).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) || token == nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return *token, nil
}
