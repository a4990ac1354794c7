package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

type sent struct {
	to      types.ID
	event   string
	payload any
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingSender) Send(_ context.Context, userID types.ID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: userID, event: event, payload: payload})
}

func (r *recordingSender) last(t *testing.T) sent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return r.sent[len(r.sent)-1]
}

type stubQuoter struct {
	delay time.Duration
	total float64
	err   error
}

func (s stubQuoter) Quote(ctx context.Context, _ pricing.QuoteCommand) (*pricing.Breakdown, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &pricing.Breakdown{Total: s.total}, nil
}

type stubNames map[types.ID]string

func (s stubNames) DisplayName(_ context.Context, id types.ID) (string, error) {
	if n, ok := s[id]; ok {
		return n, nil
	}
	return "", errors.New("unknown user")
}

func acceptedRide() *ride.Ride {
	provider := types.ID("p1")
	total := 37.5
	return &ride.Ride{
		ID:         "r1",
		ClientID:   "c1",
		ProviderID: &provider,
		ServiceID:  1,
		Status:     ride.StatusAccepted,
		Pickup:     types.Point{Lat: 30.05, Lng: 31.23},
		TotalPrice: &total,
	}
}

func TestNotifier_RideEventEnriched(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{total: 40}, stubNames{"p1": "Omar"}, time.Second, testLogger())

	n.RideEvent(context.Background(), "c1", ride.EventStatusUpdate, acceptedRide(), map[string]any{"status": "accepted"})

	got := hub.last(t)
	payload := got.payload.(map[string]any)
	if got.to != "c1" || got.event != ride.EventStatusUpdate {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if payload["status"] != "accepted" || payload["total_price"] != 37.5 {
		t.Errorf("base fields missing: %+v", payload)
	}
	if b, ok := payload["price"].(*pricing.Breakdown); !ok || b.Total != 40 {
		t.Errorf("price not attached: %+v", payload["price"])
	}
	if payload["counterpart_name"] != "Omar" {
		t.Errorf("counterpart_name = %v", payload["counterpart_name"])
	}
}

func TestNotifier_SlowEnrichmentIsOmitted(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{delay: time.Second, total: 40}, stubNames{"p1": "Omar"}, 20*time.Millisecond, testLogger())

	start := time.Now()
	n.RideEvent(context.Background(), "c1", ride.EventStatusUpdate, acceptedRide(), map[string]any{"status": "accepted"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("delivery waited %v for enrichment", elapsed)
	}

	payload := hub.last(t).payload.(map[string]any)
	if _, ok := payload["price"]; ok {
		t.Errorf("late price must be omitted")
	}
	if payload["counterpart_name"] != "Omar" {
		t.Errorf("fast enrichment should still land, got %v", payload["counterpart_name"])
	}
}

func TestNotifier_FailedEnrichmentStillDelivers(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{err: pricing.ErrNoPricingRule}, stubNames{}, time.Second, testLogger())

	n.RideEvent(context.Background(), "p1", ride.EventStatusUpdate, acceptedRide(), map[string]any{"status": "accepted"})

	payload := hub.last(t).payload.(map[string]any)
	if _, ok := payload["price"]; ok {
		t.Error("price should be absent")
	}
	if _, ok := payload["counterpart_name"]; ok {
		t.Error("counterpart_name should be absent")
	}
}

func TestNotifier_OfferCarriesEstimate(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{total: 12}, nil, time.Second, testLogger())
	lat, lng := 30.05, 31.23

	n.Offer(context.Background(), "p1", matching.Offer{RideID: "r1", ClientID: "c1", ServiceID: 1, Lat: &lat, Lng: &lng})

	got := hub.last(t)
	if got.event != matching.EventApply || got.to != "p1" {
		t.Fatalf("unexpected delivery %+v", got)
	}
	p := got.payload.(offerPayload)
	if p.Price == nil || p.Price.Total != 12 || p.RideID != "r1" {
		t.Fatalf("offer payload = %+v", p)
	}
}

func TestNotifier_DirectedOfferSkipsPricing(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{total: 12}, nil, time.Second, testLogger())

	n.Offer(context.Background(), "p1", matching.Offer{ClientID: "c1", ServiceID: 1, Message: "A client is requesting your service"})

	if p := hub.last(t).payload.(offerPayload); p.Price != nil {
		t.Fatalf("offer without coordinates must not be priced: %+v", p.Price)
	}
}

func TestNotifier_ResponsesCarryPriceAndProvider(t *testing.T) {
	cases := []struct {
		event    string
		accepted bool
	}{
		{matching.EventAcceptance, true},
		{matching.EventCancel, false},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			hub := &recordingSender{}
			n := NewNotifier(hub, stubQuoter{total: 40}, stubNames{"p1": "Omar"}, time.Second, testLogger())

			n.Respond(context.Background(), acceptedRide(), tc.event, matching.Response{ProviderID: "p1", Accepted: tc.accepted})

			got := hub.last(t)
			if got.to != "c1" || got.event != tc.event {
				t.Fatalf("unexpected delivery %+v", got)
			}
			p := got.payload.(responsePayload)
			if p.RideID != "r1" || p.ProviderID != "p1" || p.Accepted != tc.accepted {
				t.Errorf("base fields = %+v", p)
			}
			if p.Price == nil || p.Price.Total != 40 {
				t.Errorf("price not attached: %+v", p.Price)
			}
			if p.ProviderName != "Omar" {
				t.Errorf("provider_name = %q", p.ProviderName)
			}
		})
	}
}

func TestNotifier_SlowResponseEnrichmentIsOmitted(t *testing.T) {
	hub := &recordingSender{}
	n := NewNotifier(hub, stubQuoter{delay: time.Second, total: 40}, nil, 50*time.Millisecond, testLogger())

	start := time.Now()
	n.Respond(context.Background(), acceptedRide(), matching.EventAcceptance, matching.Response{ProviderID: "p1", Accepted: true})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("acceptance waited %v for enrichment", elapsed)
	}
	if p := hub.last(t).payload.(responsePayload); p.Price != nil || !p.Accepted {
		t.Fatalf("late price must be omitted and the answer kept: %+v", p)
	}
}
