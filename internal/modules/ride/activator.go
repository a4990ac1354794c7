// README: Background tickers that promote due scheduled rides and send same-day reminders.
package ride

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"rideflow/internal/apperr"
)

const defaultPromotionGrace = 15 * time.Minute

// RunActivationTicker promotes accepted scheduled rides once their time has passed.
func (s *Service) RunActivationTicker(ctx context.Context) {
	ticker := time.NewTicker(s.schedule.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ActivateDue(ctx)
		}
	}
}

// ActivateDue runs one promotion pass and returns how many rides were started.
func (s *Service) ActivateDue(ctx context.Context) int {
	now := s.now()
	due, err := s.scheduled.DueScheduled(ctx, now, s.schedule.PromotionWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "list due scheduled rides failed", "error", err)
		return 0
	}

	workers := s.schedule.Workers
	if workers <= 0 {
		workers = 1
	}
	started := make([]bool, len(due))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, sr := range due {
		g.Go(func() error {
			started[i] = s.promote(ctx, sr, now)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range started {
		if ok {
			n++
		}
	}
	return n
}

func (s *Service) promote(ctx context.Context, sr *ScheduledRide, now time.Time) bool {
	if sr.ProviderID == nil {
		return false
	}
	r := &Ride{
		ID:              newID(),
		ClientID:        sr.ClientID,
		ProviderID:      sr.ProviderID,
		ServiceID:       sr.ServiceID,
		SubServiceID:    sr.SubServiceID,
		Status:          StatusAccepted,
		Pickup:          sr.Pickup,
		Drop:            sr.Drop,
		RideType:        RideTypeOneWay,
		ScheduledRideID: &sr.ID,
		CreatedAt:       now,
		AcceptedAt:      &now,
	}
	if err := s.scheduled.Promote(ctx, sr.ID, r, now); err != nil {
		switch {
		case errors.Is(err, ErrNotDue):
			s.logger.DebugContext(ctx, "scheduled ride not due yet", "scheduled_ride_id", sr.ID)
		case errors.Is(err, ErrScheduledProgressed), errors.Is(err, ErrScheduledNotFound):
			s.logger.DebugContext(ctx, "scheduled ride no longer promotable", "scheduled_ride_id", sr.ID, "error", err)
		case now.Sub(sr.ScheduledTime) >= s.promotionGrace():
			s.skipScheduled(ctx, sr, err)
		case errors.Is(err, apperr.ErrConflict):
			s.logger.DebugContext(ctx, "scheduled ride promotion deferred", "scheduled_ride_id", sr.ID, "error", err)
		default:
			s.logger.ErrorContext(ctx, "scheduled ride promotion failed", "scheduled_ride_id", sr.ID, "error", err)
		}
		return false
	}
	s.logger.InfoContext(ctx, "scheduled ride started", "scheduled_ride_id", sr.ID, "ride_id", r.ID)

	if err := s.accounts.SetAvailability(ctx, *r.ProviderID, false); err != nil {
		s.logger.ErrorContext(ctx, "mark provider busy failed", "ride_id", r.ID, "error", err)
	}
	if err := s.accounts.SetCustomerInRide(ctx, r.ClientID, true); err != nil {
		s.logger.ErrorContext(ctx, "mark customer in ride failed", "ride_id", r.ID, "error", err)
	}
	data := map[string]string{"scheduled_ride_id": string(sr.ID), "ride_id": string(r.ID)}
	s.push(ctx, r.ClientID, "Scheduled Ride Started", "Your scheduled ride has started.", data)
	s.push(ctx, *r.ProviderID, "Scheduled Ride Started", "The scheduled ride has started.", data)

	s.publish(ctx, r, StatusNone, ActorSystem)
	payload := map[string]any{"status": r.Status, "ride_id": r.ID, "provider_id": r.ProviderID, "scheduled_ride_id": sr.ID}
	s.sink.RideEvent(ctx, r.ClientID, EventStatusUpdate, r, payload)
	s.sink.RideEvent(ctx, *r.ProviderID, EventStatusUpdate, r, payload)
	return true
}

// skipScheduled gives up on a ride that could not be promoted within the grace period.
func (s *Service) skipScheduled(ctx context.Context, sr *ScheduledRide, cause error) {
	ok, err := s.scheduled.CancelScheduled(ctx, sr.ID, ScheduledStatusAccepted)
	if err != nil {
		s.logger.ErrorContext(ctx, "skip scheduled ride failed", "scheduled_ride_id", sr.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.logger.WarnContext(ctx, "scheduled ride skipped", "scheduled_ride_id", sr.ID, "scheduled_time", sr.ScheduledTime, "error", cause)
	data := map[string]string{"scheduled_ride_id": string(sr.ID)}
	s.push(ctx, sr.ClientID, "Scheduled Ride Skipped", "Your scheduled ride could not be started.", data)
	s.push(ctx, *sr.ProviderID, "Scheduled Ride Skipped", "The scheduled ride could not be started.", data)
}

func (s *Service) promotionGrace() time.Duration {
	if s.schedule.PromotionGrace > 0 {
		return s.schedule.PromotionGrace
	}
	return defaultPromotionGrace
}

// RunReminderTicker reminds both parties of accepted rides scheduled later the same day.
func (s *Service) RunReminderTicker(ctx context.Context) {
	ticker := time.NewTicker(s.schedule.ReminderTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SendReminders(ctx)
		}
	}
}

// SendReminders sends at most one reminder per scheduled ride per local day.
func (s *Service) SendReminders(ctx context.Context) int {
	now := s.now().In(s.loc)
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)

	list, err := s.scheduled.ReminderCandidates(ctx, now, endOfDay)
	if err != nil {
		s.logger.ErrorContext(ctx, "list reminder candidates failed", "error", err)
		return 0
	}
	sent := 0
	for _, sr := range list {
		if sr.ProviderID == nil {
			continue
		}
		ok, err := s.scheduled.MarkReminded(ctx, sr.ID, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "mark reminded failed", "scheduled_ride_id", sr.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		data := map[string]string{"scheduled_ride_id": string(sr.ID)}
		s.push(ctx, sr.ClientID, "Scheduled Ride Reminder", "Your scheduled ride is today.", data)
		s.push(ctx, *sr.ProviderID, "Scheduled Ride Reminder", "You have a scheduled ride today.", data)

		payload := map[string]any{"scheduled_ride_id": sr.ID, "scheduled_time": sr.ScheduledTime}
		s.sink.RideEvent(ctx, sr.ClientID, EventReminder, nil, payload)
		s.sink.RideEvent(ctx, *sr.ProviderID, EventReminder, nil, payload)
		sent++
	}
	return sent
}
