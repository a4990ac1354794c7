package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

func TestCreate_DefaultsAndValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	r, err := h.svc.Create(ctx, CreateCommand{ClientID: "c1", ServiceID: 1, Pickup: cairo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != StatusPending || r.RideType != RideTypeOneWay {
		t.Fatalf("unexpected ride: status=%s type=%s", r.Status, r.RideType)
	}
	if !h.accounts.customerInRide("c1") {
		t.Error("customer should be marked in ride")
	}

	bad := []CreateCommand{
		{ClientID: "c2", ServiceID: 1, Pickup: cairo, RideType: RideTypeTwoWay},
		{ClientID: "c2", ServiceID: 1, Pickup: cairo, RideType: "helicopter"},
		{ClientID: "c2", ServiceID: 0, Pickup: cairo},
		{ClientID: "c2", ServiceID: 1, Pickup: types.Point{Lat: 91}},
	}
	for i, cmd := range bad {
		if _, err := h.svc.Create(ctx, cmd); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreate_RejectsSecondActiveRide(t *testing.T) {
	h := newHarness()
	h.pending(t, "c1")

	_, err := h.svc.Create(context.Background(), CreateCommand{ClientID: "c1", ServiceID: 1, Pickup: cairo})
	if !errors.Is(err, ErrActiveRide) {
		t.Fatalf("expected ErrActiveRide, got %v", err)
	}
	if apperr.Code(err) != "conflict" {
		t.Errorf("code = %s, want conflict", apperr.Code(err))
	}
}

func TestAccept_ConcurrentExactlyOneWins(t *testing.T) {
	h := newHarness()
	r := h.pending(t, "c1")

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		providerID := types.ID("p" + string(rune('a'+i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Accept(context.Background(), AcceptCommand{RideID: r.ID, ProviderID: providerID})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("loser should get a conflict, got %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got, _ := h.svc.Get(context.Background(), r.ID)
	if got.Status != StatusAccepted || got.ProviderID == nil {
		t.Fatalf("unexpected final ride: %+v", got)
	}
	if avail, ok := h.accounts.providerAvailable(*got.ProviderID); !ok || avail {
		t.Error("winning provider should be marked busy")
	}
}

func TestAccept_SequentialLoserGetsConflict(t *testing.T) {
	h := newHarness()
	r := h.pending(t, "c1")
	ctx := context.Background()

	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "pA"}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	_, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "pB"})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestAccept_ProviderWithActiveRideIsBusy(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	first := h.pending(t, "c1")
	second := h.pending(t, "c2")

	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: first.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: second.ID, ProviderID: "p1"}); !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("expected ErrProviderBusy, got %v", err)
	}
}

func TestLifecycle_FinishReleasesAndInvoicesOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := h.pending(t, "c1")

	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, to := range []Status{StatusStarting, StatusArriving} {
		if _, err := h.svc.UpdateStatus(ctx, UpdateStatusCommand{UserID: "p1", Status: to}); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}
	done, err := h.svc.Advance(ctx, AdvanceCommand{RideID: r.ID, ActorID: "p1", To: StatusFinished})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.TotalPrice == nil || *done.TotalPrice != 20 {
		t.Fatalf("expected stored total 20, got %v", done.TotalPrice)
	}
	if avail, _ := h.accounts.providerAvailable("p1"); !avail {
		t.Error("provider should be available after finish")
	}
	if h.accounts.customerInRide("c1") {
		t.Error("customer should be released after finish")
	}
	if len(h.invoices.byRide) != 1 {
		t.Fatalf("expected one invoice, got %d", len(h.invoices.byRide))
	}

	// Finished is terminal; nothing moves it.
	if _, err := h.svc.Advance(ctx, AdvanceCommand{RideID: r.ID, ActorID: "p1", To: StatusArriving}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: ActorClient, ActorID: types.IDPtr("c1")}); err != nil {
		t.Fatalf("cancel after finish should be a no-op, got %v", err)
	}
	if got, _ := h.svc.Get(ctx, r.ID); got.Status != StatusFinished {
		t.Fatalf("finished ride changed to %s", got.Status)
	}
	if len(h.invoices.byRide) != 1 {
		t.Fatal("invoice must be created exactly once")
	}

	want := []Status{StatusAccepted, StatusStarting, StatusArriving, StatusFinished}
	got := h.sink.statusesFor("c1")
	if len(got) != len(want) {
		t.Fatalf("client status events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("client status events = %v, want %v", got, want)
		}
	}
	if n := len(h.store.eventsFor(r.ID)); n != 5 {
		t.Errorf("expected 5 audit events, got %d", n)
	}
}

// cancelAfterCommit drops the caller's context as soon as the finished
// transition is stored, like a client disconnecting mid-request.
type cancelAfterCommit struct {
	*memStore
	cancel context.CancelFunc
}

func (c *cancelAfterCommit) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	ok, err := c.memStore.UpdateStatus(ctx, u)
	if ok && u.To == StatusFinished {
		c.cancel()
	}
	return ok, err
}

func TestFinish_SideEffectsOutliveCallerContext(t *testing.T) {
	h := newHarness()
	r := h.pending(t, "c1")
	bg := context.Background()
	if _, err := h.svc.Accept(bg, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, to := range []Status{StatusStarting, StatusArriving} {
		if _, err := h.svc.Advance(bg, AdvanceCommand{RideID: r.ID, ActorID: "p1", To: to}); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	h.svc.store = &cancelAfterCommit{memStore: h.store, cancel: cancel}

	if _, err := h.svc.Advance(ctx, AdvanceCommand{RideID: r.ID, ActorID: "p1", To: StatusFinished}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context should have been cancelled after commit")
	}
	if avail, ok := h.accounts.providerAvailable("p1"); !ok || !avail {
		t.Error("provider should be available after finish")
	}
	if h.accounts.customerInRide("c1") {
		t.Error("customer should be released after finish")
	}
	if len(h.invoices.byRide) != 1 {
		t.Fatalf("expected one invoice, got %d", len(h.invoices.byRide))
	}
	if got := h.sink.statusesFor("p1"); len(got) == 0 || got[len(got)-1] != StatusFinished {
		t.Errorf("provider should see finished, got %v", got)
	}
}

func TestAdvance_Guards(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := h.pending(t, "c1")
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	cases := []struct {
		name string
		cmd  AdvanceCommand
		want error
	}{
		{"stranger", AdvanceCommand{RideID: r.ID, ActorID: "x", To: StatusStarting}, ErrNotParticipant},
		{"skip", AdvanceCommand{RideID: r.ID, ActorID: "p1", To: StatusFinished}, ErrInvalidState},
		{"back to accepted", AdvanceCommand{RideID: r.ID, ActorID: "p1", To: StatusAccepted}, ErrInvalidState},
		{"unknown", AdvanceCommand{RideID: r.ID, ActorID: "p1", To: "flying"}, ErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.Advance(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFinish_WithoutPricingRuleKeepsPriceEmpty(t *testing.T) {
	h := newHarness()
	h.svc.pricer = fakePricer{err: errors.New("no pricing rule")}
	ctx := context.Background()
	r := h.pending(t, "c1")
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, to := range []Status{StatusStarting, StatusArriving, StatusFinished} {
		if _, err := h.svc.Advance(ctx, AdvanceCommand{RideID: r.ID, ActorID: "c1", To: to}); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}
	got, _ := h.svc.Get(ctx, r.ID)
	if got.TotalPrice != nil {
		t.Fatalf("price should be nil, got %v", *got.TotalPrice)
	}
	if got.DistanceKm == nil || *got.DistanceKm == 0 {
		t.Error("distance should still be recorded")
	}
}

func TestCancel_IdempotentAndReleases(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := h.pending(t, "c1")
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, err := h.svc.CancelActive(ctx, "p1")
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("cancel: %v %+v", err, got)
	}
	if _, err := h.svc.CancelActive(ctx, "p1"); !errors.Is(err, ErrNoActiveRide) {
		t.Fatalf("second cancel: expected ErrNoActiveRide, got %v", err)
	}
	again, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: ActorClient, ActorID: types.IDPtr("c1")})
	if err != nil || again.Status != StatusCancelled {
		t.Fatalf("repeat cancel should succeed unchanged: %v", err)
	}
	if again.CancelledBy == nil || *again.CancelledBy != ActorProvider {
		t.Errorf("cancelled_by = %v, want provider", again.CancelledBy)
	}
	if avail, _ := h.accounts.providerAvailable("p1"); !avail {
		t.Error("provider should be released")
	}
	if n := len(h.store.eventsFor(r.ID)); n != 3 {
		t.Errorf("repeat cancel must not add audit events, got %d", n)
	}
}

// racingStore finishes the ride right before the cancel's conditional write.
type racingStore struct {
	*memStore
	once sync.Once
}

func (r *racingStore) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	r.once.Do(func() {
		r.mu.Lock()
		ride := r.rides[u.ID]
		ride.Status = StatusFinished
		ride.StatusVersion++
		r.mu.Unlock()
	})
	return r.memStore.UpdateStatus(ctx, u)
}

func TestCancel_LosingToTerminalTransitionSucceeds(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := h.pending(t, "c1")
	h.svc.store = &racingStore{memStore: h.store}

	got, err := h.svc.Cancel(ctx, CancelCommand{RideID: r.ID, ActorType: ActorClient, ActorID: types.IDPtr("c1")})
	if err != nil {
		t.Fatalf("expected nil after losing to a terminal transition, got %v", err)
	}
	if got.Status != StatusFinished {
		t.Fatalf("expected current status finished, got %s", got.Status)
	}
}

func TestCancel_RequiresParticipant(t *testing.T) {
	h := newHarness()
	r := h.pending(t, "c1")
	_, err := h.svc.Cancel(context.Background(), CancelCommand{RideID: r.ID, ActorType: ActorProvider, ActorID: types.IDPtr("p9")})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestCancelStalePending(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	old := h.pending(t, "c1")
	h.now = h.now.Add(3 * time.Minute)
	fresh := h.pending(t, "c2")

	h.svc.cancelStalePending(ctx)

	if got, _ := h.svc.Get(ctx, old.ID); got.Status != StatusCancelled || *got.CancelledBy != ActorSystem {
		t.Fatalf("stale ride should be cancelled by system, got %s", got.Status)
	}
	if got, _ := h.svc.Get(ctx, fresh.ID); got.Status != StatusPending {
		t.Fatalf("fresh ride should stay pending, got %s", got.Status)
	}
}

func TestPublishesLifecycleEvents(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := h.pending(t, "c1")
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, ProviderID: "p1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.got) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(h.publisher.got))
	}
	last := h.publisher.got[1]
	if last.From != string(StatusPending) || last.To != string(StatusAccepted) || last.ActorType != ActorProvider {
		t.Fatalf("unexpected event: %+v", last)
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus(" Arriving "); !ok || s != StatusArriving {
		t.Fatalf("ParseStatus = %s %v", s, ok)
	}
	if _, ok := ParseStatus("teleporting"); ok {
		t.Fatal("unknown status should not parse")
	}
}
