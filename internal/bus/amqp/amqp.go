// Package amqp adapts the RabbitMQ client to the bus contract for
// multi-node deployments. Visibility-timeout redelivery and maximum
// delivery counts are enforced by the broker configuration declared in
// shared/rabbitmq; this adapter maps deliveries, acks, and dead-letter
// rejection onto it.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/fetchflow/fetchflow/internal/bus"
	"github.com/fetchflow/fetchflow/shared/rabbitmq"
)

var _ bus.Bus = (*Bus)(nil)

// Bus implements bus.Bus over a RabbitMQ topic exchange.
type Bus struct {
	client        *rabbitmq.Client
	logger        *slog.Logger
	maxDeliveries int

	mu         sync.Mutex
	deliveries map[string]*pending
}

type pending struct {
	delivery amqp091.Delivery
	attempt  int
}

// New creates a Bus on top of an established RabbitMQ client.
func New(client *rabbitmq.Client, maxDeliveries int, logger *slog.Logger) *Bus {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &Bus{
		client:        client,
		logger:        logger,
		maxDeliveries: maxDeliveries,
		deliveries:    make(map[string]*pending),
	}
}

// Publish sends the message to the topic's routing key.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.client.Publish(ctx, topic, body)
}

// Subscribe consumes from the durable queue for (topic, consumer). The
// broker retains the queue across disconnects, so a new subscription
// resumes from the last acknowledged position.
func (b *Bus) Subscribe(ctx context.Context, topic, consumer string) (<-chan bus.Delivery, error) {
	queue, err := b.client.DeclareTopicQueue(topic, consumer)
	if err != nil {
		return nil, err
	}

	deliveries, err := b.client.Consume(queue, consumer)
	if err != nil {
		return nil, err
	}

	out := make(chan bus.Delivery)
	go b.pump(ctx, topic, deliveries, out)
	return out, nil
}

func (b *Bus) pump(ctx context.Context, topic string, in <-chan amqp091.Delivery, out chan<- bus.Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-in:
			if !ok {
				b.logger.Warn("RabbitMQ delivery channel closed",
					slog.String("topic", topic),
				)
				return
			}

			var msg bus.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				b.logger.Error("Failed to parse message JSON, dead-lettering",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
				// Reject without requeue: routed to the dead exchange.
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			attempt := deliveryAttempt(d)
			deliveryID := fmt.Sprintf("%s:%d", topic, d.DeliveryTag)

			b.mu.Lock()
			b.deliveries[deliveryID] = &pending{delivery: d, attempt: attempt}
			b.mu.Unlock()

			select {
			case out <- bus.Delivery{Message: msg, DeliveryID: deliveryID, Attempt: attempt}:
			case <-ctx.Done():
				b.mu.Lock()
				delete(b.deliveries, deliveryID)
				b.mu.Unlock()
				if nackErr := d.Nack(false, true); nackErr != nil {
					b.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// deliveryAttempt derives the attempt number from the broker's x-death
// history; the first delivery is attempt 1.
func deliveryAttempt(d amqp091.Delivery) int {
	attempt := 1
	if d.Redelivered {
		attempt++
	}
	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok {
		return attempt
	}
	for _, raw := range deaths {
		death, ok := raw.(amqp091.Table)
		if !ok {
			continue
		}
		if count, ok := death["count"].(int64); ok {
			attempt += int(count)
		}
	}
	return attempt
}

// Ack acknowledges a delivery.
func (b *Bus) Ack(deliveryID string) error {
	p, err := b.take(deliveryID)
	if err != nil {
		return err
	}
	return p.delivery.Ack(false)
}

// Nack rejects a delivery. Within the delivery budget it is requeued
// for redelivery; past the budget it is routed to the dead-letter
// exchange where it stays inspectable.
func (b *Bus) Nack(deliveryID string) error {
	p, err := b.take(deliveryID)
	if err != nil {
		return err
	}

	requeue := p.attempt < b.maxDeliveries
	if !requeue {
		b.logger.Warn("Delivery budget exhausted, dead-lettering message",
			slog.String("delivery_id", deliveryID),
			slog.Int("attempt", p.attempt),
		)
	}
	return p.delivery.Nack(false, requeue)
}

func (b *Bus) take(deliveryID string) (*pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.deliveries[deliveryID]
	if !ok {
		return nil, fmt.Errorf("unknown delivery id %q", deliveryID)
	}
	delete(b.deliveries, deliveryID)
	return p, nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.client.Close()
}
