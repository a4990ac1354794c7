package invoice

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateOnceConcurrent(t *testing.T) {
	dsn := os.Getenv("RIDEFLOW_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDEFLOW_TEST_DSN not set; skipping DB-backed invoice test")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id               BIGSERIAL PRIMARY KEY,
			ride_id          TEXT NOT NULL UNIQUE,
			client_id        TEXT NOT NULL,
			provider_id      TEXT NOT NULL,
			service_id       BIGINT NOT NULL,
			distance_km      DOUBLE PRECISION,
			duration_minutes DOUBLE PRECISION,
			amount           DOUBLE PRECISION,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM invoices WHERE ride_id = 'r_invoice_once'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	store := NewStore(db)
	amount := 42.5
	inv := Invoice{RideID: "r_invoice_once", ClientID: "c1", ProviderID: "p1", ServiceID: 1, Amount: &amount, CreatedAt: time.Now()}

	const attempts = 6
	var wg sync.WaitGroup
	written := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CreateOnce(ctx, inv)
			if err != nil {
				t.Errorf("create: %v", err)
			}
			written <- ok
		}()
	}
	wg.Wait()
	close(written)

	n := 0
	for ok := range written {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one write, got %d", n)
	}
}
