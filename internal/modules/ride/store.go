// README: Ride store backed by PostgreSQL; accept runs as a row-locked transaction.
package ride

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

// Partial unique indexes backing the one-active-ride rule.
const (
	activeClientIndex   = "rides_active_client_idx"
	activeProviderIndex = "rides_active_provider_idx"
)

// RideStore persists rides and their audit events.
type RideStore interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	ActiveByClient(ctx context.Context, clientID types.ID) (*Ride, error)
	ActiveByParticipant(ctx context.Context, userID types.ID) (*Ride, error)
	LatestByClient(ctx context.Context, clientID types.ID) (*Ride, error)
	// Accept assigns providerID if the ride is pending and the provider holds no active ride.
	Accept(ctx context.Context, id, providerID types.ID, at time.Time) (*Ride, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListPendingBefore(ctx context.Context, before time.Time) ([]*Ride, error)
}

type Totals struct {
	DistanceKm      float64
	DurationMinutes float64
	TotalPrice      *float64
}

// StatusUpdate is an optimistic transition guarded by status and status_version.
type StatusUpdate struct {
	ID          types.ID
	From        Status
	To          Status
	Version     int
	At          time.Time
	CancelledBy string
	Totals      *Totals
}

func (u StatusUpdate) apply(r *Ride) {
	at := u.At
	r.Status = u.To
	r.StatusVersion++
	switch u.To {
	case StatusFinished:
		r.FinishedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
		by := u.CancelledBy
		r.CancelledBy = &by
	}
	if u.Totals != nil {
		d, m := u.Totals.DistanceKm, u.Totals.DurationMinutes
		r.DistanceKm = &d
		r.DurationMinutes = &m
		r.TotalPrice = u.Totals.TotalPrice
	}
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

const rideColumns = `id, client_id, provider_id, service_id, sub_service_id, status, status_version,
	pickup_lat, pickup_lng, drop_lat, drop_lng, ride_type, scheduled_ride_id,
	distance_km, duration_minutes, total_price,
	created_at, accepted_at, finished_at, cancelled_at, cancelled_by`

const activeRideFilter = `status IN ('pending','accepted','starting','arriving')`

func (s *PgStore) Create(ctx context.Context, r *Ride) error {
	return insertRide(ctx, s.db, r)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRide(ctx context.Context, db execer, r *Ride) error {
	var dropLat, dropLng *float64
	if r.Drop != nil {
		dropLat, dropLng = &r.Drop.Lat, &r.Drop.Lng
	}
	_, err := db.Exec(ctx, `
		INSERT INTO rides (
			id, client_id, provider_id, service_id, sub_service_id, status, status_version,
			pickup_lat, pickup_lng, drop_lat, drop_lng, ride_type, scheduled_ride_id,
			created_at, accepted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15
		)`,
		string(r.ID),
		string(r.ClientID),
		toStringPtr(r.ProviderID),
		r.ServiceID,
		r.SubServiceID,
		string(r.Status),
		r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng,
		dropLat, dropLng,
		r.RideType,
		toStringPtr(r.ScheduledRideID),
		r.CreatedAt,
		r.AcceptedAt,
	)
	return mapUniqueViolation(err)
}

func (s *PgStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PgStore) ActiveByClient(ctx context.Context, clientID types.ID) (*Ride, error) {
	return s.activeWhere(ctx, `client_id = $1`, clientID)
}

func (s *PgStore) ActiveByParticipant(ctx context.Context, userID types.ID) (*Ride, error) {
	return s.activeWhere(ctx, `(client_id = $1 OR provider_id = $1)`, userID)
}

func (s *PgStore) activeWhere(ctx context.Context, cond string, id types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE `+cond+` AND `+activeRideFilter+`
		ORDER BY created_at DESC
		LIMIT 1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveRide
	}
	return r, err
}

func (s *PgStore) LatestByClient(ctx context.Context, clientID types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, string(clientID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PgStore) Accept(ctx context.Context, id, providerID types.ID, at time.Time) (*Ride, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM rides WHERE id = $1 FOR UPDATE`, string(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != StatusPending {
		return nil, ErrNotPending
	}

	var busy bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE provider_id = $1 AND `+activeRideFilter+`
		)`, string(providerID)).Scan(&busy); err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrProviderBusy
	}

	r, err := scanRide(tx.QueryRow(ctx, `
		UPDATE rides
		SET status = 'accepted',
			status_version = status_version + 1,
			provider_id = $2,
			accepted_at = $3
		WHERE id = $1
		RETURNING `+rideColumns, string(id), string(providerID), at))
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapUniqueViolation(err)
	}
	return r, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	var distance, duration, price *float64
	if u.Totals != nil {
		distance, duration, price = &u.Totals.DistanceKm, &u.Totals.DurationMinutes, u.Totals.TotalPrice
	}
	var cancelledBy *string
	if u.CancelledBy != "" {
		cancelledBy = &u.CancelledBy
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1,
			status_version = status_version + 1,
			finished_at = CASE WHEN $1 = 'finished' THEN $5 ELSE finished_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $5 ELSE cancelled_at END,
			cancelled_by = COALESCE($6, cancelled_by),
			distance_km = COALESCE($7, distance_km),
			duration_minutes = COALESCE($8, duration_minutes),
			total_price = COALESCE($9, total_price)
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(u.To),
		string(u.ID),
		string(u.From),
		u.Version,
		u.At,
		cancelledBy,
		distance, duration, price,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) AppendEvent(ctx context.Context, e *Event) error {
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, db execer, e *Event) error {
	_, err := db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *PgStore) ListPendingBefore(ctx context.Context, before time.Time) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var providerID, scheduledID, cancelledBy *string
	var dropLat, dropLng *float64

	err := row.Scan(
		&r.ID, &r.ClientID, &providerID, &r.ServiceID, &r.SubServiceID, &r.Status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &dropLat, &dropLng, &r.RideType, &scheduledID,
		&r.DistanceKm, &r.DurationMinutes, &r.TotalPrice,
		&r.CreatedAt, &r.AcceptedAt, &r.FinishedAt, &r.CancelledAt, &cancelledBy,
	)
	if err != nil {
		return nil, err
	}
	r.ProviderID = toIDPtr(providerID)
	r.ScheduledRideID = toIDPtr(scheduledID)
	r.CancelledBy = cancelledBy
	if dropLat != nil && dropLng != nil {
		r.Drop = &types.Point{Lat: *dropLat, Lng: *dropLng}
	}
	return &r, nil
}

// mapUniqueViolation turns a hit on the one-active-ride indexes into its sentinel.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case activeClientIndex:
		return ErrActiveRide
	case activeProviderIndex:
		return ErrProviderBusy
	}
	return ErrConflict
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
