// README: Scheduled ride commands: create, list, claim and cancel.
package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

var (
	ErrScheduledNotFound   = fmt.Errorf("scheduled ride not found: %w", apperr.ErrNotFound)
	ErrScheduledTaken      = fmt.Errorf("scheduled ride is no longer open: %w", apperr.ErrConflict)
	ErrScheduledLimit      = fmt.Errorf("client already holds %d active scheduled rides: %w", MaxActiveScheduled, apperr.ErrConflict)
	ErrScheduleOverlap     = fmt.Errorf("provider has another scheduled ride within %s: %w", ScheduleBuffer, apperr.ErrConflict)
	ErrScheduledProgressed = fmt.Errorf("scheduled ride can no longer change: %w", apperr.ErrConflict)
	ErrNotDue              = fmt.Errorf("scheduled ride is not due yet: %w", apperr.ErrConflict)
)

type CreateScheduledCommand struct {
	ClientID      types.ID
	ServiceID     int64
	SubServiceID  *int64
	Pickup        types.Point
	Drop          *types.Point
	ScheduledTime time.Time
}

type ClaimScheduledCommand struct {
	ScheduledRideID types.ID
	ProviderID      types.ID
}

type CancelScheduledCommand struct {
	ScheduledRideID types.ID
	ActorID         types.ID
}

// CreateScheduled books a future ride and caches its price. A missing pricing rule leaves the price empty.
func (s *Service) CreateScheduled(ctx context.Context, cmd CreateScheduledCommand) (*ScheduledRide, error) {
	if cmd.ClientID == "" || cmd.ServiceID <= 0 {
		return nil, fmt.Errorf("%w: client and service_id are required", ErrBadRequest)
	}
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if cmd.Drop != nil {
		if err := cmd.Drop.Validate(); err != nil {
			return nil, fmt.Errorf("%w: drop: %v", ErrBadRequest, err)
		}
	}
	now := s.now()
	if !cmd.ScheduledTime.After(now) {
		return nil, fmt.Errorf("%w: scheduled_time must be in the future", ErrBadRequest)
	}
	active, err := s.scheduled.CountActiveScheduled(ctx, cmd.ClientID)
	if err != nil {
		return nil, err
	}
	if active >= MaxActiveScheduled {
		return nil, ErrScheduledLimit
	}

	sr := &ScheduledRide{
		ID:            newID(),
		ClientID:      cmd.ClientID,
		ServiceID:     cmd.ServiceID,
		SubServiceID:  cmd.SubServiceID,
		ScheduledTime: cmd.ScheduledTime,
		Status:        ScheduledStatusScheduled,
		Pickup:        cmd.Pickup,
		Drop:          cmd.Drop,
		CreatedAt:     now,
	}
	if s.pricer != nil {
		b, err := s.pricer.Quote(ctx, pricing.QuoteCommand{
			ServiceID:    cmd.ServiceID,
			SubServiceID: cmd.SubServiceID,
			Pickup:       cmd.Pickup,
			Drop:         cmd.Drop,
			PickupTime:   cmd.ScheduledTime,
		})
		switch {
		case err == nil:
			d, m, total := b.DistanceKm, b.DurationMinutes, b.Total
			sr.DistanceKm, sr.DurationMinutes, sr.TotalPrice = &d, &m, &total
		case errors.Is(err, apperr.ErrValidation):
			return nil, err
		default:
			s.logger.WarnContext(ctx, "scheduled ride created without price", "client_id", cmd.ClientID, "error", err)
		}
	}
	if err := s.scheduled.CreateScheduled(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

func (s *Service) ListScheduled(ctx context.Context, clientID types.ID) ([]*ScheduledRide, error) {
	return s.scheduled.ListScheduledByClient(ctx, clientID)
}

// ListAvailableScheduled lists open future rides the provider could claim.
func (s *Service) ListAvailableScheduled(ctx context.Context, providerID types.ID) ([]*ScheduledRide, error) {
	return s.scheduled.ListAvailableScheduled(ctx, providerID, s.now())
}

func (s *Service) ClaimScheduled(ctx context.Context, cmd ClaimScheduledCommand) (*ScheduledRide, error) {
	if cmd.ScheduledRideID == "" || cmd.ProviderID == "" {
		return nil, ErrBadRequest
	}
	sr, err := s.scheduled.ClaimScheduled(ctx, cmd.ScheduledRideID, cmd.ProviderID)
	if err != nil {
		return nil, err
	}
	s.push(ctx, sr.ClientID, "Scheduled Ride Accepted", "A provider accepted your scheduled ride.",
		map[string]string{"scheduled_ride_id": string(sr.ID)})
	return sr, nil
}

// CancelScheduled cancels a scheduled ride that has not started. Either participant may cancel.
func (s *Service) CancelScheduled(ctx context.Context, cmd CancelScheduledCommand) (*ScheduledRide, error) {
	sr, err := s.scheduled.GetScheduled(ctx, cmd.ScheduledRideID)
	if err != nil {
		return nil, err
	}
	isProvider := sr.ProviderID != nil && *sr.ProviderID == cmd.ActorID
	if sr.ClientID != cmd.ActorID && !isProvider {
		return nil, ErrNotParticipant
	}
	if sr.Status == ScheduledStatusCancelled {
		return sr, nil
	}
	if !CanTransitionScheduled(sr.Status, ScheduledStatusCancelled) || sr.Status == ScheduledStatusStarted {
		return nil, ErrScheduledProgressed
	}
	ok, err := s.scheduled.CancelScheduled(ctx, sr.ID, sr.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	sr.Status = ScheduledStatusCancelled

	other := sr.ClientID
	if !isProvider {
		if sr.ProviderID == nil {
			return sr, nil
		}
		other = *sr.ProviderID
	}
	s.push(ctx, other, "Scheduled Ride Cancelled", "A scheduled ride was cancelled.",
		map[string]string{"scheduled_ride_id": string(sr.ID)})
	return sr, nil
}

// closeScheduled settles the scheduled ride a promoted ride came from.
func (s *Service) closeScheduled(ctx context.Context, r *Ride) {
	if r.ScheduledRideID == nil || s.scheduled == nil {
		return
	}
	to := ScheduledStatusCompleted
	if r.Status == StatusCancelled {
		to = ScheduledStatusCancelled
	}
	if err := s.scheduled.CloseScheduled(ctx, *r.ScheduledRideID, to); err != nil {
		s.logger.ErrorContext(ctx, "close scheduled ride failed", "ride_id", r.ID, "scheduled_ride_id", *r.ScheduledRideID, "error", err)
	}
}
