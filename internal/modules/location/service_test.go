package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/modules/account"
	"rideflow/internal/types"
)

type fakeGeoStore struct {
	ids       []types.ID
	err       error
	positions map[types.ID]types.Point
	snapshots []Snapshot
}

func (f *fakeGeoStore) SetPosition(_ context.Context, u Update) error {
	if f.positions == nil {
		f.positions = map[types.ID]types.Point{}
	}
	f.positions[u.UserID] = u.Position
	return nil
}

func (f *fakeGeoStore) AppendSnapshot(_ context.Context, snap Snapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeGeoStore) NearbyIDs(_ context.Context, _ types.Point, _ float64) ([]types.ID, error) {
	return f.ids, f.err
}

type fakeDirectory struct {
	providers []*account.Provider
	byIDCalls int
	fullScans int
}

func (f *fakeDirectory) ProvidersByIDs(_ context.Context, ids []types.ID) ([]*account.Provider, error) {
	f.byIDCalls++
	var out []*account.Provider
	for _, id := range ids {
		for _, p := range f.providers {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) ProvidersForService(_ context.Context, _ int64) ([]*account.Provider, error) {
	f.fullScans++
	return f.providers, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func provider(id string, lat, lng float64, verified bool) *account.Provider {
	return &account.Provider{
		ID:       types.ID(id),
		Position: &types.Point{Lat: lat, Lng: lng},
		Verified: verified,
		Services: []account.Capability{{ServiceID: 1}},
	}
}

// Client at (30.05, 31.23); verified providers ~1 km and ~4 km away, an unverified one ~0.5 km away.
func scenarioProviders() []*account.Provider {
	return []*account.Provider{
		provider("far_verified", 30.086, 31.23, true),
		provider("near_unverified", 30.0545, 31.23, false),
		provider("near_verified", 30.059, 31.23, true),
		provider("out_of_range", 30.2, 31.23, true),
	}
}

func TestNearbyProviders_ExcludesUnverifiedAndSorts(t *testing.T) {
	dir := &fakeDirectory{providers: scenarioProviders()}
	svc := NewService(&fakeGeoStore{}, dir, testLogger())

	got, err := svc.NearbyProviders(context.Background(), Query{
		Origin:    types.Point{Lat: 30.05, Lng: 31.23},
		RadiusKm:  5,
		ServiceID: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Item.ID != "near_verified" || got[1].Item.ID != "far_verified" {
		t.Errorf("unexpected candidates: %s, %s", got[0].Item.ID, got[1].Item.ID)
	}
	if got[0].DisplayKm() != 1.0 || got[1].DisplayKm() != 4.0 {
		t.Errorf("unexpected display distances: %v, %v", got[0].DisplayKm(), got[1].DisplayKm())
	}
}

func TestNearbyProviders_GeoHitsAlreadyInPoolSkipLookup(t *testing.T) {
	dir := &fakeDirectory{providers: scenarioProviders()}
	store := &fakeGeoStore{ids: []types.ID{"near_verified"}}
	svc := NewService(store, dir, testLogger())

	got, err := svc.NearbyProviders(context.Background(), Query{
		Origin:    types.Point{Lat: 30.05, Lng: 31.23},
		RadiusKm:  5,
		ServiceID: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir.fullScans != 1 || dir.byIDCalls != 0 {
		t.Errorf("expected one pool scan and no id lookup, got scans=%d byID=%d", dir.fullScans, dir.byIDCalls)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(got))
	}
}

// The index only knows a provider of another service; an eligible provider
// ~1 km away exists only in the database and must still be offered.
func TestNearbyProviders_DatabaseOnlyProviderSurvivesGeoHits(t *testing.T) {
	other := provider("other_service", 30.051, 31.23, true)
	other.Services = []account.Capability{{ServiceID: 2}}
	dbOnly := provider("db_only", 30.059, 31.23, true)

	dir := &serviceDirectory{all: []*account.Provider{other, dbOnly}}
	store := &fakeGeoStore{ids: []types.ID{"other_service"}}
	svc := NewService(store, dir, testLogger())

	got, err := svc.NearbyProviders(context.Background(), Query{
		Origin:    types.Point{Lat: 30.05, Lng: 31.23},
		RadiusKm:  5,
		ServiceID: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Item.ID != "db_only" {
		t.Fatalf("expected db_only as the sole candidate, got %v", got)
	}
	if got[0].DisplayKm() != 1.0 {
		t.Errorf("display distance = %v, want 1.0", got[0].DisplayKm())
	}
}

// serviceDirectory filters ProvidersForService by capability like the SQL query does.
type serviceDirectory struct {
	all []*account.Provider
}

func (d *serviceDirectory) ProvidersByIDs(_ context.Context, ids []types.ID) ([]*account.Provider, error) {
	var out []*account.Provider
	for _, id := range ids {
		for _, p := range d.all {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (d *serviceDirectory) ProvidersForService(_ context.Context, serviceID int64) ([]*account.Provider, error) {
	var out []*account.Provider
	for _, p := range d.all {
		for _, c := range p.Services {
			if c.ServiceID == serviceID {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

func TestNearbyProviders_FallsBackWhenIndexFails(t *testing.T) {
	dir := &fakeDirectory{providers: scenarioProviders()}
	store := &fakeGeoStore{err: errors.New("redis down")}
	svc := NewService(store, dir, testLogger())

	got, err := svc.NearbyProviders(context.Background(), Query{
		Origin:    types.Point{Lat: 30.05, Lng: 31.23},
		RadiusKm:  5,
		ServiceID: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir.fullScans != 1 {
		t.Errorf("expected database fallback, got %d scans", dir.fullScans)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(got))
	}
}

func TestNearbyProviders_ExcludesRequester(t *testing.T) {
	dir := &fakeDirectory{providers: scenarioProviders()}
	svc := NewService(&fakeGeoStore{}, dir, testLogger())

	got, err := svc.NearbyProviders(context.Background(), Query{
		Origin:    types.Point{Lat: 30.05, Lng: 31.23},
		RadiusKm:  5,
		ServiceID: 1,
		ExcludeID: "near_verified",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Item.ID != "far_verified" {
		t.Errorf("requester must not be a candidate: %v", got)
	}
}

func TestUpdate_RejectsInvalidCoordinates(t *testing.T) {
	store := &fakeGeoStore{}
	svc := NewService(store, &fakeDirectory{}, testLogger())

	err := svc.Update(context.Background(), Update{UserID: "u1", Position: types.Point{Lat: 91, Lng: 0}})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if len(store.positions) != 0 {
		t.Error("invalid update must not be stored")
	}
}

func TestUpdate_StoresPositionAndSnapshot(t *testing.T) {
	store := &fakeGeoStore{}
	svc := NewService(store, &fakeDirectory{}, testLogger())
	heading := 90.0

	err := svc.Update(context.Background(), Update{
		UserID:   "p1",
		UserType: UserTypeProvider,
		Position: types.Point{Lat: 30.05, Lng: 31.23},
		Heading:  &heading,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.positions["p1"] != (types.Point{Lat: 30.05, Lng: 31.23}) {
		t.Errorf("position not stored: %v", store.positions)
	}
	if len(store.snapshots) != 1 || *store.snapshots[0].Heading != 90 {
		t.Errorf("expected one snapshot with heading, got %v", store.snapshots)
	}
}

func TestStore_NearbyIDsAgainstRedis(t *testing.T) {
	redisAddr := os.Getenv("RIDEFLOW_TEST_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("RIDEFLOW_TEST_REDIS_ADDR not set; skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	ctx := context.Background()

	near := fmt.Sprintf("provider_near_%d", time.Now().UnixNano())
	far := fmt.Sprintf("provider_far_%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.ZRem(ctx, providerGeoKey, near, far) })

	if err := rdb.GeoAdd(ctx, providerGeoKey,
		&redis.GeoLocation{Name: near, Latitude: 30.059, Longitude: 31.23},
		&redis.GeoLocation{Name: far, Latitude: 30.3, Longitude: 31.23},
	).Err(); err != nil {
		t.Fatalf("geoadd: %v", err)
	}

	store := NewStore(nil, rdb)
	ids, err := store.NearbyIDs(ctx, types.Point{Lat: 30.05, Lng: 31.23}, 5)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == types.ID(far) {
			t.Errorf("far provider returned by index")
		}
		if id == types.ID(near) {
			found = true
		}
	}
	if !found {
		t.Errorf("near provider missing from %v", ids)
	}
}
