// README: Ride lifecycle events published to the RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"rideflow/internal/types"
)

// RideStatusChanged is published on every ride state transition.
type RideStatusChanged struct {
	RideID     types.ID  `json:"ride_id"`
	ClientID   types.ID  `json:"client_id"`
	ProviderID *types.ID `json:"provider_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ActorType  string    `json:"actor_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sender is the broker connection; infra.AMQPPublisher implements it.
type Sender interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type Publisher struct {
	sender Sender
	logger *slog.Logger
}

// NewPublisher returns a publisher; a nil sender turns publishing into a no-op.
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	return &Publisher{sender: sender, logger: logger}
}

// RoutingKey is ride.status.<status>.
func RoutingKey(status string) string {
	return fmt.Sprintf("ride.status.%s", status)
}

func (p *Publisher) RideStatusChanged(ctx context.Context, e RideStatusChanged) error {
	if p == nil || p.sender == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.sender.Publish(ctx, RoutingKey(e.To), body); err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKey(e.To), err)
	}
	p.logger.DebugContext(ctx, "ride event published", "ride_id", e.RideID, "to", e.To)
	return nil
}
