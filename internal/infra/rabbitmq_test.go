package infra

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// An abandoned publish must not hand its confirm to the next caller.
func TestAMQPPublisherAbandonedConfirmStaysWithItsMessage(t *testing.T) {
	url := os.Getenv("RIDEFLOW_TEST_AMQP_URL")
	if url == "" {
		t.Skip("RIDEFLOW_TEST_AMQP_URL not set; skipping broker-backed test")
	}
	p, err := NewAMQPPublisher(url, "rideflow.test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(gone, "ride.test", []byte(`{"n":0}`)); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned publish: %v", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	for i := 0; i < 20; i++ {
		if err := p.Publish(ctx, "ride.test", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}
