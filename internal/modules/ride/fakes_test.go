package ride

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"rideflow/internal/config"
	"rideflow/internal/modules/events"
	"rideflow/internal/modules/invoice"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

// memStore is an in-memory RideStore and ScheduledStore with the same atomicity as the pg store.
type memStore struct {
	mu        sync.Mutex
	rides     map[types.ID]*Ride
	events    []Event
	scheduled map[types.ID]*ScheduledRide
}

func newMemStore() *memStore {
	return &memStore{rides: map[types.ID]*Ride{}, scheduled: map[types.ID]*ScheduledRide{}}
}

func (m *memStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(r)
}

func (m *memStore) insertLocked(r *Ride) error {
	for _, cur := range m.rides {
		if IsTerminal(cur.Status) {
			continue
		}
		if cur.ClientID == r.ClientID {
			return ErrActiveRide
		}
		if r.ProviderID != nil && cur.ProviderID != nil && *cur.ProviderID == *r.ProviderID {
			return ErrProviderBusy
		}
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ActiveByClient(_ context.Context, clientID types.ID) (*Ride, error) {
	return m.active(func(r *Ride) bool { return r.ClientID == clientID })
}

func (m *memStore) ActiveByParticipant(_ context.Context, userID types.ID) (*Ride, error) {
	return m.active(func(r *Ride) bool { return r.IsParticipant(userID) })
}

func (m *memStore) active(match func(*Ride) bool) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if !IsTerminal(r.Status) && match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNoActiveRide
}

func (m *memStore) LatestByClient(_ context.Context, clientID types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Ride
	for _, r := range m.rides {
		if r.ClientID == clientID && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) Accept(_ context.Context, id, providerID types.ID, at time.Time) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending {
		return nil, ErrNotPending
	}
	for _, cur := range m.rides {
		if !IsTerminal(cur.Status) && cur.ProviderID != nil && *cur.ProviderID == providerID {
			return nil, ErrProviderBusy
		}
	}
	r.Status = StatusAccepted
	r.StatusVersion++
	r.ProviderID = &providerID
	r.AcceptedAt = &at
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateStatus(_ context.Context, u StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[u.ID]
	if !ok || r.Status != u.From || r.StatusVersion != u.Version {
		return false, nil
	}
	u.apply(r)
	return true, nil
}

func (m *memStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memStore) ListPendingBefore(_ context.Context, before time.Time) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status == StatusPending && r.CreatedAt.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) eventsFor(id types.ID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) CreateScheduled(_ context.Context, sr *ScheduledRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sr
	m.scheduled[sr.ID] = &cp
	return nil
}

func (m *memStore) GetScheduled(_ context.Context, id types.ID) (*ScheduledRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduled[id]
	if !ok {
		return nil, ErrScheduledNotFound
	}
	cp := *sr
	return &cp, nil
}

func (m *memStore) listScheduled(match func(*ScheduledRide) bool) []*ScheduledRide {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledRide
	for _, sr := range m.scheduled {
		if match(sr) {
			cp := *sr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

func (m *memStore) ListScheduledByClient(_ context.Context, clientID types.ID) ([]*ScheduledRide, error) {
	return m.listScheduled(func(sr *ScheduledRide) bool { return sr.ClientID == clientID }), nil
}

func (m *memStore) ListAvailableScheduled(_ context.Context, _ types.ID, after time.Time) ([]*ScheduledRide, error) {
	return m.listScheduled(func(sr *ScheduledRide) bool {
		return sr.Status == ScheduledStatusScheduled && sr.ScheduledTime.After(after)
	}), nil
}

func (m *memStore) CountActiveScheduled(_ context.Context, clientID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActiveLocked(clientID), nil
}

func (m *memStore) countActiveLocked(clientID types.ID) int {
	n := 0
	for _, sr := range m.scheduled {
		if sr.ClientID == clientID && (sr.Status == ScheduledStatusAccepted || sr.Status == ScheduledStatusStarted) {
			n++
		}
	}
	return n
}

func (m *memStore) ClaimScheduled(_ context.Context, id, providerID types.ID) (*ScheduledRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduled[id]
	if !ok {
		return nil, ErrScheduledNotFound
	}
	if sr.Status != ScheduledStatusScheduled {
		return nil, ErrScheduledTaken
	}
	for _, other := range m.scheduled {
		if other.ProviderID == nil || *other.ProviderID != providerID {
			continue
		}
		if (other.Status == ScheduledStatusAccepted || other.Status == ScheduledStatusStarted) && Overlaps(other.ScheduledTime, sr.ScheduledTime) {
			return nil, ErrScheduleOverlap
		}
	}
	if m.countActiveLocked(sr.ClientID) >= MaxActiveScheduled {
		return nil, ErrScheduledLimit
	}
	sr.Status = ScheduledStatusAccepted
	sr.ProviderID = &providerID
	cp := *sr
	return &cp, nil
}

func (m *memStore) CancelScheduled(_ context.Context, id types.ID, from ScheduledStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduled[id]
	if !ok || sr.Status != from {
		return false, nil
	}
	sr.Status = ScheduledStatusCancelled
	return true, nil
}

func (m *memStore) DueScheduled(_ context.Context, now time.Time, window time.Duration) ([]*ScheduledRide, error) {
	return m.listScheduled(func(sr *ScheduledRide) bool {
		return sr.Status == ScheduledStatusAccepted && !sr.ScheduledTime.After(now.Add(window))
	}), nil
}

func (m *memStore) Promote(_ context.Context, id types.ID, r *Ride, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduled[id]
	if !ok {
		return ErrScheduledNotFound
	}
	if sr.Status != ScheduledStatusAccepted {
		return ErrScheduledProgressed
	}
	if sr.ScheduledTime.After(now) {
		return ErrNotDue
	}
	if err := m.insertLocked(r); err != nil {
		return err
	}
	sr.Status = ScheduledStatusStarted
	sr.RideID = &r.ID
	m.events = append(m.events, Event{RideID: r.ID, FromStatus: StatusNone, ToStatus: StatusAccepted, ActorType: ActorSystem, CreatedAt: now})
	return nil
}

func (m *memStore) ReminderCandidates(_ context.Context, from, to time.Time) ([]*ScheduledRide, error) {
	day := from.Format("2006-01-02")
	return m.listScheduled(func(sr *ScheduledRide) bool {
		reminded := sr.RemindedOn != nil && sr.RemindedOn.Format("2006-01-02") >= day
		return sr.Status == ScheduledStatusAccepted && !sr.ScheduledTime.Before(from) && sr.ScheduledTime.Before(to) && !reminded
	}), nil
}

func (m *memStore) MarkReminded(_ context.Context, id types.ID, day time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduled[id]
	if !ok {
		return false, nil
	}
	if sr.RemindedOn != nil && sr.RemindedOn.Format("2006-01-02") >= day.Format("2006-01-02") {
		return false, nil
	}
	d := day
	sr.RemindedOn = &d
	return true, nil
}

func (m *memStore) CloseScheduled(_ context.Context, id types.ID, to ScheduledStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sr, ok := m.scheduled[id]; ok && sr.Status == ScheduledStatusStarted {
		sr.Status = to
	}
	return nil
}

type fakeAccounts struct {
	mu        sync.Mutex
	available map[types.ID]bool
	inRide    map[types.ID]bool
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{available: map[types.ID]bool{}, inRide: map[types.ID]bool{}}
}

func (f *fakeAccounts) SetAvailability(ctx context.Context, providerID types.ID, available bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[providerID] = available
	return nil
}

func (f *fakeAccounts) SetCustomerInRide(ctx context.Context, clientID types.ID, inRide bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inRide[clientID] = inRide
	return nil
}

func (f *fakeAccounts) providerAvailable(id types.ID) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.available[id]
	return v, ok
}

func (f *fakeAccounts) customerInRide(id types.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inRide[id]
}

type fakeInvoices struct {
	mu     sync.Mutex
	byRide map[types.ID]invoice.Invoice
}

func (f *fakeInvoices) CreateOnce(ctx context.Context, inv invoice.Invoice) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byRide == nil {
		f.byRide = map[types.ID]invoice.Invoice{}
	}
	if _, ok := f.byRide[inv.RideID]; ok {
		return false, nil
	}
	f.byRide[inv.RideID] = inv
	return true, nil
}

type fakePricer struct {
	total float64
	err   error
}

func (f fakePricer) Quote(context.Context, pricing.QuoteCommand) (*pricing.Breakdown, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.Breakdown{RuleID: 1, DistanceKm: 3, DurationMinutes: 6, Total: f.total}, nil
}

type recordedPush struct {
	userID types.ID
	title  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (r *recordingNotifier) Push(_ context.Context, userID types.ID, title, _, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, recordedPush{userID: userID, title: title})
}

func (r *recordingNotifier) titlesFor(userID types.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.pushes {
		if p.userID == userID {
			out = append(out, p.title)
		}
	}
	return out
}

type sinkEvent struct {
	to    types.ID
	event string
	data  map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordingSink) RideEvent(_ context.Context, to types.ID, event string, _ *Ride, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sinkEvent{to: to, event: event, data: data})
}

func (r *recordingSink) statusesFor(to types.ID) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.to == to && e.event == EventStatusUpdate {
			out = append(out, e.data["status"].(Status))
		}
	}
	return out
}

func (r *recordingSink) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.RideStatusChanged
}

func (r *recordingPublisher) RideStatusChanged(_ context.Context, e events.RideStatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

type harness struct {
	svc       *Service
	store     *memStore
	accounts  *fakeAccounts
	invoices  *fakeInvoices
	notifier  *recordingNotifier
	sink      *recordingSink
	publisher *recordingPublisher
	now       time.Time
}

func newHarness() *harness {
	h := &harness{
		store:     newMemStore(),
		accounts:  newFakeAccounts(),
		invoices:  &fakeInvoices{},
		notifier:  &recordingNotifier{},
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		Scheduled: h.store,
		Accounts:  h.accounts,
		Invoices:  h.invoices,
		Pricer:    fakePricer{total: 20},
		Publisher: h.publisher,
		Notifier:  h.notifier,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Matching:  config.MatchingConfig{PendingTTL: 2 * time.Minute, MonitorTick: time.Second},
		Schedule:  config.ScheduleConfig{Workers: 2, PromotionWindow: time.Hour, PromotionGrace: 15 * time.Minute, Timezone: "UTC"},
		Now:       func() time.Time { return h.now },
	})
	h.svc.UseEventSink(h.sink)
	return h
}

var cairo = types.Point{Lat: 30.05, Lng: 31.23}

func (h *harness) pending(t *testing.T, clientID types.ID) *Ride {
	t.Helper()
	drop := types.Point{Lat: 30.077, Lng: 31.23}
	r, err := h.svc.Create(context.Background(), CreateCommand{ClientID: clientID, ServiceID: 1, Pickup: cairo, Drop: &drop})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}
