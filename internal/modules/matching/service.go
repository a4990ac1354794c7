// README: Matching dispatcher: directed, sequential and broadcast offers resolved by one atomic accept.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/modules/account"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

var (
	ErrNoProvidersAvailable = fmt.Errorf("no providers available: %w", apperr.ErrNoProviders)
	ErrNoPendingRide        = fmt.Errorf("no pending ride found: %w", apperr.ErrNotFound)
	ErrNotOffered           = fmt.Errorf("ride was not offered to this provider: %w", apperr.ErrConflict)
	ErrBadRequest           = fmt.Errorf("bad request: %w", apperr.ErrValidation)
)

// Rides is the slice of the ride state machine the dispatcher drives.
type Rides interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*ride.Ride, error)
	Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error)
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Active(ctx context.Context, userID types.ID) (*ride.Ride, error)
	HasActive(ctx context.Context, clientID types.ID) (bool, error)
}

type Locator interface {
	NearbyProviders(ctx context.Context, q location.Query) ([]location.Candidate[*account.Provider], error)
}

type Directory interface {
	FirstProviderForService(ctx context.Context, serviceID int64) (*account.Provider, error)
	DisplayName(ctx context.Context, id types.ID) (string, error)
}

// OfferSink delivers dispatcher events over the realtime channel.
type OfferSink interface {
	Offer(ctx context.Context, providerID types.ID, o Offer)
	// Respond tells r's client how a provider answered.
	Respond(ctx context.Context, r *ride.Ride, event string, resp Response)
}

// OfferBook tracks who was offered a ride and carries resolutions between instances.
type OfferBook interface {
	RecordDispatch(ctx context.Context, rideID types.ID, mode Mode, providerIDs []types.ID) error
	Mode(ctx context.Context, rideID types.ID) (Mode, error)
	WasNotified(ctx context.Context, rideID, providerID types.ID) (bool, error)
	RecordDecline(ctx context.Context, rideID, providerID types.ID) (int64, int64, error)
	PublishResolution(ctx context.Context, res Resolution) error
	SubscribeResolutions(ctx context.Context, rideID types.ID) (Subscription, error)
}

type Service struct {
	rides     Rides
	locator   Locator
	directory Directory
	book      OfferBook
	sink      OfferSink
	cfg       config.MatchingConfig
	logger    *slog.Logger
}

func NewService(rides Rides, locator Locator, directory Directory, book OfferBook, sink OfferSink, cfg config.MatchingConfig, logger *slog.Logger) *Service {
	return &Service{
		rides:     rides,
		locator:   locator,
		directory: directory,
		book:      book,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
	}
}

type RequestProviderCommand struct {
	ClientID  types.ID
	ServiceID int64
}

// RideRequestCommand is shared by the sequential and broadcast entry points.
type RideRequestCommand struct {
	ClientID     types.ID
	ServiceID    int64
	SubServiceID *int64
	Pickup       types.Point
	Drop         *types.Point
	RideType     string
}

type RespondCommand struct {
	ProviderID types.ID
	ClientID   types.ID
	// RideID is optional; the client's pending ride is used when empty.
	RideID   types.ID
	Accepted bool
}

// RequestProvider notifies the first provider offering the service. No ride is created.
func (s *Service) RequestProvider(ctx context.Context, cmd RequestProviderCommand) (types.ID, error) {
	if cmd.ClientID == "" || cmd.ServiceID <= 0 {
		return "", fmt.Errorf("%w: service_id is required", ErrBadRequest)
	}
	p, err := s.directory.FirstProviderForService(ctx, cmd.ServiceID)
	if errors.Is(err, account.ErrNotFound) {
		return "", ErrNoProvidersAvailable
	}
	if err != nil {
		return "", err
	}
	s.sink.Offer(ctx, p.ID, Offer{
		ClientID:   cmd.ClientID,
		ClientName: s.displayName(ctx, cmd.ClientID),
		ServiceID:  cmd.ServiceID,
		Message:    messageDirected,
	})
	return p.ID, nil
}

// BroadcastRideRequest offers a new pending ride to every eligible provider nearby at once.
// No ride is created when nobody is in range.
func (s *Service) BroadcastRideRequest(ctx context.Context, cmd RideRequestCommand) (*BroadcastResult, error) {
	r, candidates, err := s.open(ctx, cmd)
	if err != nil {
		return nil, err
	}

	ids := make([]types.ID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Item.ID
	}
	if err := s.book.RecordDispatch(ctx, r.ID, ModeBroadcast, ids); err != nil {
		s.logger.ErrorContext(ctx, "record dispatch failed", "ride_id", r.ID, "error", err)
	}

	offer := s.offerFor(ctx, r)
	workers := s.cfg.FanoutWorkers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			s.sink.Offer(ctx, id, offer)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "ride broadcast", "ride_id", r.ID, "notified", len(ids))
	return &BroadcastResult{RideID: r.ID, Notified: len(ids)}, nil
}

// StartRideRequest offers the ride to one provider at a time, nearest first, and waits for an answer.
// The ride is cancelled by the system when nobody accepts within the overall limit.
func (s *Service) StartRideRequest(ctx context.Context, cmd RideRequestCommand) (*SequentialResult, error) {
	r, candidates, err := s.open(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := s.book.RecordDispatch(ctx, r.ID, ModeSequential, nil); err != nil {
		s.logger.ErrorContext(ctx, "record dispatch failed", "ride_id", r.ID, "error", err)
	}
	sub, err := s.book.SubscribeResolutions(ctx, r.ID)
	if err != nil {
		s.cancelUnmatched(ctx, r.ID, "dispatch_unavailable")
		return nil, err
	}
	defer sub.Close()

	limit := s.cfg.SequentialLimit
	if limit <= 0 {
		limit = time.Duration(len(candidates)) * s.cfg.OfferTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	offer := s.offerFor(ctx, r)
	result := &SequentialResult{RideID: r.ID}
	for _, c := range candidates {
		if wctx.Err() != nil {
			break
		}
		providerID := c.Item.ID
		if err := s.book.RecordDispatch(wctx, r.ID, ModeSequential, []types.ID{providerID}); err != nil {
			s.logger.ErrorContext(ctx, "record dispatch failed", "ride_id", r.ID, "error", err)
		}
		s.sink.Offer(wctx, providerID, offer)
		result.Offered++

		accepted, done := s.awaitAnswer(wctx, sub, r.ID, providerID)
		if accepted != nil {
			result.Accepted = true
			result.ProviderID = accepted
			return result, nil
		}
		if done {
			return result, nil
		}
	}

	// The ride may have been accepted right at the deadline.
	if cur, err := s.rides.Get(ctx, r.ID); err == nil && cur.Status != ride.StatusPending {
		if cur.Status != ride.StatusCancelled && cur.ProviderID != nil {
			result.Accepted = true
			result.ProviderID = cur.ProviderID
		}
		return result, nil
	}
	s.cancelUnmatched(ctx, r.ID, "no_provider_accepted")
	return result, nil
}

// awaitAnswer waits for providerID to answer. It returns the accepting provider, or done=true
// when the ride left pending without an accept and waiting further is pointless.
func (s *Service) awaitAnswer(ctx context.Context, sub Subscription, rideID, providerID types.ID) (*types.ID, bool) {
	timer := time.NewTimer(s.cfg.OfferTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return s.recheck(ctx, rideID)
		case res, ok := <-sub.C():
			if !ok {
				return s.recheck(ctx, rideID)
			}
			if res.Accepted {
				id := res.ProviderID
				return &id, false
			}
			if res.ProviderID == providerID {
				return nil, false
			}
		}
	}
}

func (s *Service) recheck(ctx context.Context, rideID types.ID) (*types.ID, bool) {
	cur, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, false
	}
	switch {
	case cur.Status == ride.StatusPending:
		return nil, false
	case cur.Status == ride.StatusCancelled || cur.ProviderID == nil:
		return nil, true
	default:
		return cur.ProviderID, false
	}
}

// RespondToRide resolves a provider's answer. Accepting runs the atomic accept; only one provider wins.
func (s *Service) RespondToRide(ctx context.Context, cmd RespondCommand) (*ride.Ride, error) {
	if cmd.ProviderID == "" || (cmd.ClientID == "" && cmd.RideID == "") {
		return nil, fmt.Errorf("%w: client_id and accepted are required", ErrBadRequest)
	}
	r, err := s.pendingRide(ctx, cmd)
	if err != nil {
		return nil, err
	}
	mode, err := s.book.Mode(ctx, r.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "offer book unavailable", "ride_id", r.ID, "error", err)
	}
	if mode != "" {
		offered, err := s.book.WasNotified(ctx, r.ID, cmd.ProviderID)
		if err == nil && !offered {
			return nil, ErrNotOffered
		}
	}

	if !cmd.Accepted {
		return r, s.decline(ctx, r, mode, cmd.ProviderID)
	}

	accepted, err := s.rides.Accept(ctx, ride.AcceptCommand{RideID: r.ID, ProviderID: cmd.ProviderID})
	if err != nil {
		return nil, err
	}
	s.resolve(ctx, Resolution{RideID: r.ID, ProviderID: cmd.ProviderID, Accepted: true})
	s.sink.Respond(ctx, accepted, EventAcceptance, Response{ProviderID: cmd.ProviderID, Accepted: true})
	return accepted, nil
}

func (s *Service) decline(ctx context.Context, r *ride.Ride, mode Mode, providerID types.ID) error {
	s.sink.Respond(ctx, r, EventCancel, Response{ProviderID: providerID, Accepted: false})
	s.resolve(ctx, Resolution{RideID: r.ID, ProviderID: providerID, Accepted: false})
	if mode != ModeBroadcast {
		return nil
	}
	declined, notified, err := s.book.RecordDecline(ctx, r.ID, providerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "record decline failed", "ride_id", r.ID, "error", err)
		return nil
	}
	if notified > 0 && declined >= notified {
		s.cancelUnmatched(ctx, r.ID, "all_providers_declined")
	}
	return nil
}

func (s *Service) pendingRide(ctx context.Context, cmd RespondCommand) (*ride.Ride, error) {
	var r *ride.Ride
	var err error
	if cmd.RideID != "" {
		r, err = s.rides.Get(ctx, cmd.RideID)
	} else {
		r, err = s.rides.Active(ctx, cmd.ClientID)
	}
	if errors.Is(err, ride.ErrNotFound) || errors.Is(err, ride.ErrNoActiveRide) {
		return nil, ErrNoPendingRide
	}
	if err != nil {
		return nil, err
	}
	if cmd.ClientID != "" && r.ClientID != cmd.ClientID {
		return nil, ErrNoPendingRide
	}
	if r.Status != ride.StatusPending {
		return nil, ride.ErrNotPending
	}
	return r, nil
}

// open validates the request, finds candidates and creates the pending ride.
func (s *Service) open(ctx context.Context, cmd RideRequestCommand) (*ride.Ride, []location.Candidate[*account.Provider], error) {
	create := ride.CreateCommand{
		ClientID:     cmd.ClientID,
		ServiceID:    cmd.ServiceID,
		SubServiceID: cmd.SubServiceID,
		Pickup:       cmd.Pickup,
		Drop:         cmd.Drop,
		RideType:     cmd.RideType,
	}
	if err := create.Validate(); err != nil {
		return nil, nil, err
	}
	active, err := s.rides.HasActive(ctx, cmd.ClientID)
	if err != nil {
		return nil, nil, err
	}
	if active {
		return nil, nil, ride.ErrActiveRide
	}

	candidates, err := s.locator.NearbyProviders(ctx, location.Query{
		Origin:       cmd.Pickup,
		RadiusKm:     s.cfg.RadiusKm,
		ServiceID:    cmd.ServiceID,
		SubServiceID: cmd.SubServiceID,
		ExcludeID:    cmd.ClientID,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoProvidersAvailable
	}

	r, err := s.rides.Create(ctx, create)
	if err != nil {
		return nil, nil, err
	}
	return r, candidates, nil
}

func (s *Service) offerFor(ctx context.Context, r *ride.Ride) Offer {
	lat, lng := r.Pickup.Lat, r.Pickup.Lng
	o := Offer{
		RideID:       r.ID,
		ClientID:     r.ClientID,
		ClientName:   s.displayName(ctx, r.ClientID),
		ServiceID:    r.ServiceID,
		SubServiceID: r.SubServiceID,
		Lat:          &lat,
		Lng:          &lng,
		RideType:     r.RideType,
		Message:      messageNearby,
	}
	if r.Drop != nil {
		dl, dg := r.Drop.Lat, r.Drop.Lng
		o.DropLat, o.DropLng = &dl, &dg
	}
	return o
}

func (s *Service) displayName(ctx context.Context, id types.ID) string {
	name, err := s.directory.DisplayName(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "display name lookup failed", "user_id", id, "error", err)
		return ""
	}
	return name
}

func (s *Service) resolve(ctx context.Context, res Resolution) {
	if err := s.book.PublishResolution(ctx, res); err != nil {
		s.logger.WarnContext(ctx, "publish resolution failed", "ride_id", res.RideID, "error", err)
	}
}

func (s *Service) cancelUnmatched(ctx context.Context, rideID types.ID, reason string) {
	if _, err := s.rides.Cancel(context.WithoutCancel(ctx), ride.CancelCommand{RideID: rideID, ActorType: ride.ActorSystem, Reason: reason}); err != nil {
		s.logger.WarnContext(ctx, "cancel unmatched ride failed", "ride_id", rideID, "reason", reason, "error", err)
	}
}
