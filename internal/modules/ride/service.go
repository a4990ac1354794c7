// README: Ride service implements the ride state machine and its transition side effects.
package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/modules/events"
	"rideflow/internal/modules/invoice"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

// Realtime event types emitted by the state machine.
const (
	EventStatusUpdate = "ride_status_update"
	EventReminder     = "scheduled_ride_reminder"
)

// sideEffectTimeout bounds the post-commit work that must not die with the caller's request.
const sideEffectTimeout = 10 * time.Second

var (
	ErrNotFound       = fmt.Errorf("ride not found: %w", apperr.ErrNotFound)
	ErrNoActiveRide   = fmt.Errorf("no active ride: %w", apperr.ErrNotFound)
	ErrActiveRide     = fmt.Errorf("client already has an active ride: %w", apperr.ErrConflict)
	ErrNotPending     = fmt.Errorf("ride is no longer pending: %w", apperr.ErrConflict)
	ErrProviderBusy   = fmt.Errorf("provider already has an active ride: %w", apperr.ErrConflict)
	ErrInvalidState   = fmt.Errorf("invalid state transition: %w", apperr.ErrConflict)
	ErrConflict       = fmt.Errorf("ride state conflict: %w", apperr.ErrConflict)
	ErrNotParticipant = fmt.Errorf("not a participant of this ride: %w", apperr.ErrForbidden)
	ErrBadRequest     = fmt.Errorf("bad request: %w", apperr.ErrValidation)
)

// Accounts is the availability side of the account collaborator.
type Accounts interface {
	SetAvailability(ctx context.Context, providerID types.ID, available bool) error
	SetCustomerInRide(ctx context.Context, clientID types.ID, inRide bool) error
}

type Invoices interface {
	CreateOnce(ctx context.Context, inv invoice.Invoice) (bool, error)
}

type Pricer interface {
	Quote(ctx context.Context, cmd pricing.QuoteCommand) (*pricing.Breakdown, error)
}

type Publisher interface {
	RideStatusChanged(ctx context.Context, e events.RideStatusChanged) error
}

// Notifier writes in-app notifications and pushes them to devices.
type Notifier interface {
	Push(ctx context.Context, userID types.ID, title, body, kind string, data map[string]string)
}

// EventSink delivers ride events to a user's realtime group.
type EventSink interface {
	RideEvent(ctx context.Context, to types.ID, event string, r *Ride, data map[string]any)
}

type Deps struct {
	Store     RideStore
	Scheduled ScheduledStore
	Accounts  Accounts
	Invoices  Invoices
	Pricer    Pricer
	Publisher Publisher
	Notifier  Notifier
	Logger    *slog.Logger
	Matching  config.MatchingConfig
	Schedule  config.ScheduleConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	store     RideStore
	scheduled ScheduledStore
	accounts  Accounts
	invoices  Invoices
	pricer    Pricer
	publisher Publisher
	notifier  Notifier
	sink      EventSink
	logger    *slog.Logger
	matching  config.MatchingConfig
	schedule  config.ScheduleConfig
	loc       *time.Location
	now       func() time.Time
}

func NewService(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	loc := time.UTC
	if d.Schedule.Timezone != "" {
		if l, err := time.LoadLocation(d.Schedule.Timezone); err == nil {
			loc = l
		}
	}
	return &Service{
		store:     d.Store,
		scheduled: d.Scheduled,
		accounts:  d.Accounts,
		invoices:  d.Invoices,
		pricer:    d.Pricer,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		sink:      nopSink{},
		logger:    d.Logger,
		matching:  d.Matching,
		schedule:  d.Schedule,
		loc:       loc,
		now:       now,
	}
}

// UseEventSink wires the realtime channel once it exists.
func (s *Service) UseEventSink(sink EventSink) {
	if sink != nil {
		s.sink = sink
	}
}

type CreateCommand struct {
	ClientID     types.ID
	ServiceID    int64
	SubServiceID *int64
	Pickup       types.Point
	Drop         *types.Point
	RideType     string
}

type AcceptCommand struct {
	RideID     types.ID
	ProviderID types.ID
}

type AdvanceCommand struct {
	RideID  types.ID
	ActorID types.ID
	To      Status
}

type UpdateStatusCommand struct {
	UserID types.ID
	Status Status
}

type CancelCommand struct {
	RideID    types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
}

// Validate checks the request fields and fills the default ride type.
func (c *CreateCommand) Validate() error {
	if c.ClientID == "" || c.ServiceID <= 0 {
		return fmt.Errorf("%w: client and service_id are required", ErrBadRequest)
	}
	if err := c.Pickup.Validate(); err != nil {
		return fmt.Errorf("%w: pickup: %v", ErrBadRequest, err)
	}
	if c.Drop != nil {
		if err := c.Drop.Validate(); err != nil {
			return fmt.Errorf("%w: drop: %v", ErrBadRequest, err)
		}
	}
	switch c.RideType {
	case "":
		c.RideType = RideTypeOneWay
	case RideTypeOneWay:
	case RideTypeTwoWay:
		if c.Drop == nil {
			return fmt.Errorf("%w: drop coordinates are required for two_way rides", ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown ride_type %q", ErrBadRequest, c.RideType)
	}
	return nil
}

// Create opens a pending ride for the client.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	active, err := s.HasActive(ctx, cmd.ClientID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}

	now := s.now()
	r := &Ride{
		ID:           newID(),
		ClientID:     cmd.ClientID,
		ServiceID:    cmd.ServiceID,
		SubServiceID: cmd.SubServiceID,
		Status:       StatusPending,
		Pickup:       cmd.Pickup,
		Drop:         cmd.Drop,
		RideType:     cmd.RideType,
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	s.appendEvent(ctx, r.ID, StatusNone, StatusPending, ActorClient, &cmd.ClientID, now)
	if err := s.accounts.SetCustomerInRide(ctx, r.ClientID, true); err != nil {
		s.logger.ErrorContext(ctx, "set customer in_ride failed", "ride_id", r.ID, "error", err)
	}
	s.publish(ctx, r, StatusNone, ActorClient)
	return r, nil
}

// Accept assigns the provider if the ride is still pending and the provider is free.
// The check and the write happen in one atomic store operation.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	if cmd.RideID == "" || cmd.ProviderID == "" {
		return nil, ErrBadRequest
	}
	now := s.now()
	r, err := s.store.Accept(ctx, cmd.RideID, cmd.ProviderID, now)
	if err != nil {
		return nil, err
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	s.appendEvent(ctx, r.ID, StatusPending, StatusAccepted, ActorProvider, &cmd.ProviderID, now)
	s.afterTransition(ctx, r, StatusPending, ActorProvider)
	return r, nil
}

// Advance moves the ride one step forward on behalf of one of its participants.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (*Ride, error) {
	if !knownStatus(cmd.To) || cmd.ActorID == "" {
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, cmd.To)
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if !r.IsParticipant(cmd.ActorID) {
		return nil, ErrNotParticipant
	}
	actorType := actorTypeFor(r, cmd.ActorID)
	if cmd.To == StatusCancelled {
		return s.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: actorType, ActorID: &cmd.ActorID, Reason: "user_cancel"})
	}
	// Acceptance assigns a provider and only goes through Accept.
	if cmd.To == StatusAccepted || !CanTransition(r.Status, cmd.To) {
		return nil, ErrInvalidState
	}

	now := s.now()
	update := StatusUpdate{ID: r.ID, From: r.Status, To: cmd.To, Version: r.StatusVersion, At: now}
	if cmd.To == StatusFinished {
		update.Totals = s.computeTotals(ctx, r)
	}
	ok, err := s.store.UpdateStatus(ctx, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	from := r.Status
	update.apply(r)
	ctx, cancel := detach(ctx)
	defer cancel()
	s.appendEvent(ctx, r.ID, from, r.Status, actorType, &cmd.ActorID, now)
	s.afterTransition(ctx, r, from, actorType)
	return r, nil
}

// UpdateStatus advances the caller's current active ride.
func (s *Service) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (*Ride, error) {
	if cmd.UserID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.store.ActiveByParticipant(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return s.Advance(ctx, AdvanceCommand{RideID: r.ID, ActorID: cmd.UserID, To: cmd.Status})
}

// Cancel moves a non-terminal ride to cancelled. Cancelling a terminal ride returns it unchanged.
// When a concurrent transition wins, a terminal outcome is reported as success and a
// non-terminal one as ErrConflict.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.ActorType != ActorSystem && (cmd.ActorID == nil || !r.IsParticipant(*cmd.ActorID)) {
		return nil, ErrNotParticipant
	}
	if IsTerminal(r.Status) {
		return r, nil
	}

	now := s.now()
	update := StatusUpdate{ID: r.ID, From: r.Status, To: StatusCancelled, Version: r.StatusVersion, At: now, CancelledBy: cmd.ActorType}
	ok, err := s.store.UpdateStatus(ctx, update)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.store.Get(ctx, cmd.RideID)
		if err != nil {
			return nil, err
		}
		if IsTerminal(cur.Status) {
			return cur, nil
		}
		return nil, ErrConflict
	}
	from := r.Status
	update.apply(r)
	ctx, cancel := detach(ctx)
	defer cancel()
	s.appendEvent(ctx, r.ID, from, StatusCancelled, cmd.ActorType, cmd.ActorID, now)
	s.logger.InfoContext(ctx, "ride cancelled", "ride_id", r.ID, "from", from, "actor", cmd.ActorType, "reason", cmd.Reason)
	s.afterTransition(ctx, r, from, cmd.ActorType)
	return r, nil
}

// CancelActive cancels the caller's current active ride.
func (s *Service) CancelActive(ctx context.Context, userID types.ID) (*Ride, error) {
	if userID == "" {
		return nil, ErrBadRequest
	}
	r, err := s.store.ActiveByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: actorTypeFor(r, userID), ActorID: &userID, Reason: "user_cancel"})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// Active returns the non-terminal ride where user is client or provider.
func (s *Service) Active(ctx context.Context, userID types.ID) (*Ride, error) {
	return s.store.ActiveByParticipant(ctx, userID)
}

// LatestForClient returns the client's most recent ride.
func (s *Service) LatestForClient(ctx context.Context, clientID types.ID) (*Ride, error) {
	return s.store.LatestByClient(ctx, clientID)
}

func (s *Service) HasActive(ctx context.Context, clientID types.ID) (bool, error) {
	_, err := s.store.ActiveByClient(ctx, clientID)
	if err == nil {
		return true, nil
	}
	if err == ErrNoActiveRide {
		return false, nil
	}
	return false, err
}

// RunTimeoutMonitor cancels pending rides nobody accepted within the pending TTL.
func (s *Service) RunTimeoutMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.matching.MonitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cancelStalePending(ctx)
		}
	}
}

func (s *Service) cancelStalePending(ctx context.Context) {
	stale, err := s.store.ListPendingBefore(ctx, s.now().Add(-s.matching.PendingTTL))
	if err != nil {
		s.logger.ErrorContext(ctx, "list stale pending rides failed", "error", err)
		return
	}
	for _, r := range stale {
		if _, err := s.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: ActorSystem, Reason: "pending_timeout"}); err != nil {
			s.logger.WarnContext(ctx, "stale ride cancel failed", "ride_id", r.ID, "error", err)
		}
	}
}

// detach keeps the caller's values but not its cancellation. Once a transition
// has committed, its side effects run to completion or to sideEffectTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

// afterTransition runs the side effects of entering r.Status. Availability flags are only written here.
func (s *Service) afterTransition(ctx context.Context, r *Ride, from Status, actorType string) {
	switch r.Status {
	case StatusAccepted:
		if r.ProviderID != nil {
			if err := s.accounts.SetAvailability(ctx, *r.ProviderID, false); err != nil {
				s.logger.ErrorContext(ctx, "mark provider busy failed", "ride_id", r.ID, "error", err)
			}
		}
	case StatusFinished, StatusCancelled:
		s.releaseParticipants(ctx, r)
		if r.Status == StatusFinished {
			s.createInvoice(ctx, r)
		}
		s.closeScheduled(ctx, r)
	}

	s.publish(ctx, r, from, actorType)

	data := map[string]any{"status": r.Status, "ride_id": r.ID, "provider_id": r.ProviderID}
	s.sink.RideEvent(ctx, r.ClientID, EventStatusUpdate, r, data)
	if r.ProviderID != nil {
		s.sink.RideEvent(ctx, *r.ProviderID, EventStatusUpdate, r, data)
	}
}

func (s *Service) releaseParticipants(ctx context.Context, r *Ride) {
	if r.ProviderID != nil {
		if err := s.accounts.SetAvailability(ctx, *r.ProviderID, true); err != nil {
			s.logger.ErrorContext(ctx, "release provider failed", "ride_id", r.ID, "error", err)
		}
	}
	if err := s.accounts.SetCustomerInRide(ctx, r.ClientID, false); err != nil {
		s.logger.ErrorContext(ctx, "release customer failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) createInvoice(ctx context.Context, r *Ride) {
	if s.invoices == nil || r.ProviderID == nil {
		return
	}
	created, err := s.invoices.CreateOnce(ctx, invoice.Invoice{
		RideID:          r.ID,
		ClientID:        r.ClientID,
		ProviderID:      *r.ProviderID,
		ServiceID:       r.ServiceID,
		DistanceKm:      r.DistanceKm,
		DurationMinutes: r.DurationMinutes,
		Amount:          r.TotalPrice,
		CreatedAt:       s.now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "invoice creation failed", "ride_id", r.ID, "error", err)
		return
	}
	if created {
		s.logger.InfoContext(ctx, "invoice created", "ride_id", r.ID)
	}
}

// computeTotals prices the finished trip; the price stays nil when no rule applies.
func (s *Service) computeTotals(ctx context.Context, r *Ride) *Totals {
	var distanceKm float64
	if r.Drop != nil {
		distanceKm = location.Distance(r.Pickup, *r.Drop)
	}
	t := &Totals{DistanceKm: types.Round2(distanceKm), DurationMinutes: types.Round2(pricing.EstimateDurationMinutes(distanceKm))}
	if s.pricer == nil {
		return t
	}
	pickupTime := r.CreatedAt
	if r.AcceptedAt != nil {
		pickupTime = *r.AcceptedAt
	}
	b, err := s.pricer.Quote(ctx, pricing.QuoteCommand{
		ServiceID:    r.ServiceID,
		SubServiceID: r.SubServiceID,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		PickupTime:   pickupTime,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "final price unavailable", "ride_id", r.ID, "error", err)
		return t
	}
	total := b.Total
	t.DistanceKm, t.DurationMinutes, t.TotalPrice = b.DistanceKm, b.DurationMinutes, &total
	return t
}

func (s *Service) publish(ctx context.Context, r *Ride, from Status, actorType string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.RideStatusChanged(ctx, events.RideStatusChanged{
		RideID:     r.ID,
		ClientID:   r.ClientID,
		ProviderID: r.ProviderID,
		From:       string(from),
		To:         string(r.Status),
		ActorType:  actorType,
		OccurredAt: s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "ride event publish failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, rideID types.ID, from, to Status, actorType string, actorID *types.ID, at time.Time) {
	if err := s.store.AppendEvent(ctx, &Event{
		RideID:     rideID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  at,
	}); err != nil {
		s.logger.WarnContext(ctx, "append ride event failed", "ride_id", rideID, "error", err)
	}
}

func (s *Service) push(ctx context.Context, userID types.ID, title, body string, data map[string]string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Push(ctx, userID, title, body, notify.KindRideStatus, data)
}

func actorTypeFor(r *Ride, user types.ID) string {
	if r.ClientID == user {
		return ActorClient
	}
	return ActorProvider
}

// ParseStatus maps user input to a status.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, knownStatus(s)
}

func knownStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusStarting, StatusArriving, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

type nopSink struct{}

func (nopSink) RideEvent(context.Context, types.ID, string, *Ride, map[string]any) {}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
