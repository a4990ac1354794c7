// README: Scheduled ride store; claim and promotion run in transactions.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rideflow/internal/types"
)

// ScheduledStore persists scheduled rides.
type ScheduledStore interface {
	CreateScheduled(ctx context.Context, sr *ScheduledRide) error
	GetScheduled(ctx context.Context, id types.ID) (*ScheduledRide, error)
	ListScheduledByClient(ctx context.Context, clientID types.ID) ([]*ScheduledRide, error)
	ListAvailableScheduled(ctx context.Context, providerID types.ID, after time.Time) ([]*ScheduledRide, error)
	CountActiveScheduled(ctx context.Context, clientID types.ID) (int, error)
	// ClaimScheduled assigns providerID under the client limit and the provider overlap buffer.
	ClaimScheduled(ctx context.Context, id, providerID types.ID) (*ScheduledRide, error)
	CancelScheduled(ctx context.Context, id types.ID, from ScheduledStatus) (bool, error)
	DueScheduled(ctx context.Context, now time.Time, window time.Duration) ([]*ScheduledRide, error)
	// Promote creates the active ride for a due accepted scheduled ride and marks it started.
	Promote(ctx context.Context, id types.ID, r *Ride, now time.Time) error
	ReminderCandidates(ctx context.Context, from, to time.Time) ([]*ScheduledRide, error)
	MarkReminded(ctx context.Context, id types.ID, day time.Time) (bool, error)
	CloseScheduled(ctx context.Context, id types.ID, to ScheduledStatus) error
}

const scheduledColumns = `id, client_id, provider_id, service_id, sub_service_id, scheduled_time, status,
	pickup_lat, pickup_lng, drop_lat, drop_lng, distance_km, duration_minutes, total_price,
	ride_id, reminded_on, created_at`

func (s *PgStore) CreateScheduled(ctx context.Context, sr *ScheduledRide) error {
	var dropLat, dropLng *float64
	if sr.Drop != nil {
		dropLat, dropLng = &sr.Drop.Lat, &sr.Drop.Lng
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduled_rides (
			id, client_id, service_id, sub_service_id, scheduled_time, status,
			pickup_lat, pickup_lng, drop_lat, drop_lng,
			distance_km, duration_minutes, total_price, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		string(sr.ID),
		string(sr.ClientID),
		sr.ServiceID,
		sr.SubServiceID,
		sr.ScheduledTime,
		string(sr.Status),
		sr.Pickup.Lat, sr.Pickup.Lng,
		dropLat, dropLng,
		sr.DistanceKm, sr.DurationMinutes, sr.TotalPrice,
		sr.CreatedAt,
	)
	return err
}

func (s *PgStore) GetScheduled(ctx context.Context, id types.ID) (*ScheduledRide, error) {
	sr, err := scanScheduled(s.db.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_rides WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduledNotFound
	}
	return sr, err
}

func (s *PgStore) ListScheduledByClient(ctx context.Context, clientID types.ID) ([]*ScheduledRide, error) {
	return s.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_rides
		WHERE client_id = $1
		ORDER BY scheduled_time`, string(clientID))
}

// ListAvailableScheduled lists unclaimed future rides for services the provider offers.
func (s *PgStore) ListAvailableScheduled(ctx context.Context, providerID types.ID, after time.Time) ([]*ScheduledRide, error) {
	return s.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_rides sr
		WHERE sr.status = 'scheduled'
		  AND sr.scheduled_time > $2
		  AND EXISTS (
			SELECT 1 FROM provider_services ps
			WHERE ps.provider_id = $1
			  AND ps.service_id = sr.service_id
			  AND (ps.sub_service_id IS NULL OR sr.sub_service_id IS NULL OR ps.sub_service_id = sr.sub_service_id)
		  )
		ORDER BY sr.scheduled_time`, string(providerID), after)
}

func (s *PgStore) CountActiveScheduled(ctx context.Context, clientID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_rides
		WHERE client_id = $1 AND status IN ('accepted','started')`, string(clientID)).Scan(&n)
	return n, err
}

func (s *PgStore) ClaimScheduled(ctx context.Context, id, providerID types.ID) (*ScheduledRide, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sr, err := scanScheduled(tx.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_rides WHERE id = $1 FOR UPDATE`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduledNotFound
	}
	if err != nil {
		return nil, err
	}
	if sr.Status != ScheduledStatusScheduled {
		return nil, ErrScheduledTaken
	}

	// Serialize claims per provider and per client so the checks below see committed state.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)), pg_advisory_xact_lock(hashtext($2))`,
		"scheduled:provider:"+string(providerID), "scheduled:client:"+string(sr.ClientID)); err != nil {
		return nil, err
	}

	var overlap bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_rides
			WHERE provider_id = $1
			  AND status IN ('accepted','started')
			  AND scheduled_time > $2::timestamptz - $3::interval
			  AND scheduled_time < $2::timestamptz + $3::interval
		)`, string(providerID), sr.ScheduledTime, fmt.Sprintf("%d minutes", int(ScheduleBuffer/time.Minute))).Scan(&overlap); err != nil {
		return nil, err
	}
	if overlap {
		return nil, ErrScheduleOverlap
	}

	var active int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_rides
		WHERE client_id = $1 AND status IN ('accepted','started')`, string(sr.ClientID)).Scan(&active); err != nil {
		return nil, err
	}
	if active >= MaxActiveScheduled {
		return nil, ErrScheduledLimit
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_rides SET status = 'accepted', provider_id = $2
		WHERE id = $1`, string(id), string(providerID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sr.Status = ScheduledStatusAccepted
	sr.ProviderID = &providerID
	return sr, nil
}

func (s *PgStore) CancelScheduled(ctx context.Context, id types.ID, from ScheduledStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_rides SET status = 'cancelled'
		WHERE id = $1 AND status = $2`, string(id), string(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DueScheduled lists accepted rides whose time falls before now+window.
func (s *PgStore) DueScheduled(ctx context.Context, now time.Time, window time.Duration) ([]*ScheduledRide, error) {
	return s.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_rides
		WHERE status = 'accepted' AND scheduled_time <= $1
		ORDER BY scheduled_time`, now.Add(window))
}

func (s *PgStore) Promote(ctx context.Context, id types.ID, r *Ride, now time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status ScheduledStatus
	var at time.Time
	err = tx.QueryRow(ctx, `SELECT status, scheduled_time FROM scheduled_rides WHERE id = $1 FOR UPDATE`, string(id)).Scan(&status, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrScheduledNotFound
	}
	if err != nil {
		return err
	}
	if status != ScheduledStatusAccepted {
		return ErrScheduledProgressed
	}
	if at.After(now) {
		return ErrNotDue
	}

	if err := insertRide(ctx, tx, r); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_rides SET status = 'started', ride_id = $2
		WHERE id = $1`, string(id), string(r.ID)); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, &Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusAccepted,
		ActorType:  ActorSystem,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReminderCandidates lists accepted rides in [from, to) not yet reminded on from's date.
func (s *PgStore) ReminderCandidates(ctx context.Context, from, to time.Time) ([]*ScheduledRide, error) {
	return s.queryScheduled(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_rides
		WHERE status = 'accepted'
		  AND scheduled_time >= $1 AND scheduled_time < $2
		  AND (reminded_on IS NULL OR reminded_on < $3::date)
		ORDER BY scheduled_time`, from, to, from.Format("2006-01-02"))
}

func (s *PgStore) MarkReminded(ctx context.Context, id types.ID, day time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduled_rides SET reminded_on = $2::date
		WHERE id = $1 AND (reminded_on IS NULL OR reminded_on < $2::date)`,
		string(id), day.Format("2006-01-02"))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) CloseScheduled(ctx context.Context, id types.ID, to ScheduledStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_rides SET status = $2
		WHERE id = $1 AND status = 'started'`, string(id), string(to))
	return err
}

func (s *PgStore) queryScheduled(ctx context.Context, sql string, args ...any) ([]*ScheduledRide, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledRide
	for rows.Next() {
		sr, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func scanScheduled(row pgx.Row) (*ScheduledRide, error) {
	var sr ScheduledRide
	var providerID, rideID *string
	var dropLat, dropLng *float64

	err := row.Scan(
		&sr.ID, &sr.ClientID, &providerID, &sr.ServiceID, &sr.SubServiceID, &sr.ScheduledTime, &sr.Status,
		&sr.Pickup.Lat, &sr.Pickup.Lng, &dropLat, &dropLng, &sr.DistanceKm, &sr.DurationMinutes, &sr.TotalPrice,
		&rideID, &sr.RemindedOn, &sr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sr.ProviderID = toIDPtr(providerID)
	sr.RideID = toIDPtr(rideID)
	if dropLat != nil && dropLng != nil {
		sr.Drop = &types.Point{Lat: *dropLat, Lng: *dropLng}
	}
	return &sr, nil
}
