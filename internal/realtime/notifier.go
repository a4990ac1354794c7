// README: Enriches ride events with price and counterpart name before handing them to the hub.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

// Sender delivers a frame to a user's group; *Hub implements it.
type Sender interface {
	Send(ctx context.Context, userID types.ID, event string, payload any)
}

type Quoter interface {
	Quote(ctx context.Context, cmd pricing.QuoteCommand) (*pricing.Breakdown, error)
}

type Names interface {
	DisplayName(ctx context.Context, id types.ID) (string, error)
}

// Notifier is the realtime side of the ride state machine and the dispatcher.
// Enrichment runs under a short timeout; fields that miss it are left out.
type Notifier struct {
	hub     Sender
	quoter  Quoter
	names   Names
	timeout time.Duration
	logger  *slog.Logger
}

func NewNotifier(hub Sender, quoter Quoter, names Names, timeout time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, quoter: quoter, names: names, timeout: timeout, logger: logger}
}

type offerPayload struct {
	matching.Offer
	Price *pricing.Breakdown `json:"price,omitempty"`
}

// Offer sends send_apply to a provider, with the estimated price when it is ready in time.
func (n *Notifier) Offer(ctx context.Context, providerID types.ID, o matching.Offer) {
	payload := offerPayload{Offer: o}
	if o.Lat != nil && o.Lng != nil && o.ServiceID > 0 {
		var drop *types.Point
		if o.DropLat != nil && o.DropLng != nil {
			drop = &types.Point{Lat: *o.DropLat, Lng: *o.DropLng}
		}
		payload.Price, _ = n.enrich(ctx, types.Point{Lat: *o.Lat, Lng: *o.Lng}, drop, o.ServiceID, o.SubServiceID, "")
	}
	n.hub.Send(ctx, providerID, matching.EventApply, payload)
}

type responsePayload struct {
	matching.Response
	RideID       types.ID           `json:"ride_id"`
	Price        *pricing.Breakdown `json:"price,omitempty"`
	ProviderName string             `json:"provider_name,omitempty"`
}

// Respond sends send_acceptance or send_cancel to the ride's client with the
// price breakdown and the provider's name when they are ready in time.
func (n *Notifier) Respond(ctx context.Context, r *ride.Ride, event string, resp matching.Response) {
	payload := responsePayload{Response: resp, RideID: r.ID}
	payload.Price, payload.ProviderName = n.enrich(ctx, r.Pickup, r.Drop, r.ServiceID, r.SubServiceID, resp.ProviderID)
	n.hub.Send(ctx, r.ClientID, event, payload)
}

// RideEvent implements ride.EventSink.
func (n *Notifier) RideEvent(ctx context.Context, to types.ID, event string, r *ride.Ride, data map[string]any) {
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	if r != nil && event == ride.EventStatusUpdate {
		price, name := n.enrich(ctx, r.Pickup, r.Drop, r.ServiceID, r.SubServiceID, r.Counterpart(to))
		if r.TotalPrice != nil {
			payload["total_price"] = *r.TotalPrice
		}
		if price != nil {
			payload["price"] = price
		}
		if name != "" {
			payload["counterpart_name"] = name
		}
	}
	n.hub.Send(ctx, to, event, payload)
}

// enrich looks up the price breakdown and, when counterpart is set, its display name in parallel.
func (n *Notifier) enrich(ctx context.Context, pickup types.Point, drop *types.Point, serviceID int64, sub *int64, counterpart types.ID) (*pricing.Breakdown, string) {
	ectx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		price *pricing.Breakdown
		name  string
	)
	done := make(chan struct{}, 2)
	pending := 0

	if n.quoter != nil {
		pending++
		go func() {
			defer func() { done <- struct{}{} }()
			b, err := n.quoter.Quote(ectx, pricing.QuoteCommand{
				ServiceID:    serviceID,
				SubServiceID: sub,
				Pickup:       pickup,
				Drop:         drop,
				PickupTime:   time.Now(),
				EstimateOnly: true,
			})
			if err != nil {
				n.logger.DebugContext(ctx, "price enrichment skipped", "error", err)
				return
			}
			mu.Lock()
			price = b
			mu.Unlock()
		}()
	}
	if counterpart != "" && n.names != nil {
		pending++
		go func() {
			defer func() { done <- struct{}{} }()
			v, err := n.names.DisplayName(ectx, counterpart)
			if err != nil {
				n.logger.DebugContext(ctx, "name enrichment skipped", "error", err)
				return
			}
			mu.Lock()
			name = v
			mu.Unlock()
		}()
	}

wait:
	for i := 0; i < pending; i++ {
		select {
		case <-done:
		case <-ectx.Done():
			n.logger.DebugContext(ctx, "enrichment timed out", "timeout", n.timeout)
			break wait
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return price, name
}
