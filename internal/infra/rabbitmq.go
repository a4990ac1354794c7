// README: RabbitMQ connection with a confirm-mode publish channel and topic exchange declaration.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher owns one connection and one confirm-mode channel.
// Each publish waits on its own deferred confirmation.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	mu sync.Mutex
}

// NewAMQPPublisher dials url, opens a channel in confirm mode and declares exchange as a durable topic.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends a persistent JSON message and waits for the broker ack of that message.
// A confirm that arrives after ctx ends is dropped with its confirmation.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	if p.conn.IsClosed() || p.ch.IsClosed() {
		p.mu.Unlock()
		return errors.New("rabbitmq: channel is not open")
	}
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("rabbitmq: channel is not in confirm mode")
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("rabbitmq: publish %d not acknowledged", dc.DeliveryTag)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	_ = p.ch.Close()
	_ = p.conn.Close()
}
