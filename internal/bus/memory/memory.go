// Package memory provides an in-process Bus with the full delivery
// contract: per-consumer resume positions, visibility-timeout
// redelivery, and dead-letter topics. Used by tests and single-node
// deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fetchflow/fetchflow/internal/bus"
)

var _ bus.Bus = (*Bus)(nil)

// Config holds delivery tuning for the in-memory bus.
type Config struct {
	// VisibilityTimeout is how long a delivery may stay unacked before
	// it is redelivered.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the total number of delivery attempts before a
	// message is moved to the dead-letter topic. Zero means 5.
	MaxDeliveries int
	// PollInterval controls how often consumers check for new work.
	// Zero means 10ms.
	PollInterval time.Duration
}

type topicLog struct {
	msgs []bus.Message
}

type consumer struct {
	topic string
	name  string

	next       int            // first never-delivered offset
	done       map[int]bool   // acked offsets
	attempts   map[int]int    // delivery attempts per offset
	redeliver  []int          // offsets due for immediate redelivery
	inflight   map[int]string // offset -> deliveryID
	subscribed bool
}

type inflightDelivery struct {
	consumerKey string
	offset      int
	deadline    time.Time
}

// Bus is an in-memory implementation of bus.Bus. Safe for concurrent use.
type Bus struct {
	mu         sync.Mutex
	config     Config
	topics     map[string]*topicLog
	consumers  map[string]*consumer
	deliveries map[string]*inflightDelivery
	logger     *slog.Logger
	closed     bool
}

// New creates an in-memory Bus.
func New(config Config, logger *slog.Logger) *Bus {
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	return &Bus{
		config:     config,
		topics:     make(map[string]*topicLog),
		consumers:  make(map[string]*consumer),
		deliveries: make(map[string]*inflightDelivery),
		logger:     logger,
	}
}

func (b *Bus) log(topic string) *topicLog {
	t, ok := b.topics[topic]
	if !ok {
		t = &topicLog{}
		b.topics[topic] = t
	}
	return t
}

// Publish appends a message to the topic log.
func (b *Bus) Publish(_ context.Context, topic string, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("bus closed")
	}
	b.log(topic).msgs = append(b.log(topic).msgs, msg)
	return nil
}

// Subscribe starts or resumes a named consumer on a topic.
func (b *Bus) Subscribe(ctx context.Context, topic, name string) (<-chan bus.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus closed")
	}

	key := topic + "/" + name
	c, ok := b.consumers[key]
	if !ok {
		c = &consumer{
			topic:    topic,
			name:     name,
			done:     make(map[int]bool),
			attempts: make(map[int]int),
			inflight: make(map[int]string),
		}
		b.consumers[key] = c
	}
	if c.subscribed {
		b.mu.Unlock()
		return nil, fmt.Errorf("consumer %q already subscribed to %q", name, topic)
	}
	c.subscribed = true

	// A resumed subscription re-offers everything delivered but never
	// acked by the previous incarnation.
	for offset, deliveryID := range c.inflight {
		delete(b.deliveries, deliveryID)
		c.redeliver = append(c.redeliver, offset)
	}
	c.inflight = make(map[int]string)
	b.mu.Unlock()

	ch := make(chan bus.Delivery)
	go b.pump(ctx, key, ch)
	return ch, nil
}

// pump delivers messages for one subscription until ctx is done.
func (b *Bus) pump(ctx context.Context, key string, ch chan<- bus.Delivery) {
	defer close(ch)

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if c, ok := b.consumers[key]; ok {
				c.subscribed = false
			}
			b.mu.Unlock()
			return
		case <-ticker.C:
		}

		for {
			d, ok := b.nextDelivery(key)
			if !ok {
				break
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				// Undeliverable: put it straight back.
				b.mu.Lock()
				if fl, ok := b.deliveries[d.DeliveryID]; ok {
					delete(b.deliveries, d.DeliveryID)
					if c, ok := b.consumers[fl.consumerKey]; ok {
						delete(c.inflight, fl.offset)
						c.redeliver = append(c.redeliver, fl.offset)
					}
				}
				if c, ok := b.consumers[key]; ok {
					c.subscribed = false
				}
				b.mu.Unlock()
				return
			}
		}
	}
}

// nextDelivery picks the next offset owed to the consumer, expiring
// stale in-flight deliveries and dead-lettering exhausted messages on
// the way.
func (b *Bus) nextDelivery(key string) (bus.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[key]
	if !ok || b.closed {
		return bus.Delivery{}, false
	}

	b.expireInflightLocked(time.Now())

	t := b.log(c.topic)

	for {
		offset, ok := c.takeOffsetLocked(len(t.msgs))
		if !ok {
			return bus.Delivery{}, false
		}

		if c.attempts[offset] >= b.config.MaxDeliveries {
			b.deadLetterLocked(c, t.msgs[offset], offset)
			continue
		}

		c.attempts[offset]++
		deliveryID := uuid.New().String()
		c.inflight[offset] = deliveryID
		b.deliveries[deliveryID] = &inflightDelivery{
			consumerKey: key,
			offset:      offset,
			deadline:    time.Now().Add(b.config.VisibilityTimeout),
		}

		return bus.Delivery{
			Message:    t.msgs[offset],
			DeliveryID: deliveryID,
			Attempt:    c.attempts[offset],
		}, true
	}
}

// takeOffsetLocked returns the next deliverable offset: redeliveries
// first, then the head of the never-delivered tail.
func (c *consumer) takeOffsetLocked(logLen int) (int, bool) {
	for len(c.redeliver) > 0 {
		offset := c.redeliver[0]
		c.redeliver = c.redeliver[1:]
		if c.done[offset] {
			continue
		}
		if _, busy := c.inflight[offset]; busy {
			continue
		}
		return offset, true
	}
	for c.next < logLen {
		offset := c.next
		c.next++
		if c.done[offset] {
			continue
		}
		return offset, true
	}
	return 0, false
}

// expireInflightLocked moves deliveries past their visibility deadline
// back onto the redelivery queue.
func (b *Bus) expireInflightLocked(now time.Time) {
	for deliveryID, fl := range b.deliveries {
		if fl.deadline.After(now) {
			continue
		}
		delete(b.deliveries, deliveryID)
		if c, ok := b.consumers[fl.consumerKey]; ok {
			delete(c.inflight, fl.offset)
			c.redeliver = append(c.redeliver, fl.offset)
		}
	}
}

// deadLetterLocked moves an exhausted message to the topic's dead-letter
// topic exactly once and marks it done for the consumer.
func (b *Bus) deadLetterLocked(c *consumer, msg bus.Message, offset int) {
	c.done[offset] = true
	b.log(bus.DeadTopic(c.topic)).msgs = append(b.log(bus.DeadTopic(c.topic)).msgs, msg)
	b.logger.Warn("Message moved to dead-letter topic",
		slog.String("topic", c.topic),
		slog.String("message_id", msg.ID),
		slog.String("type", msg.Type),
		slog.Int("attempts", c.attempts[offset]),
	)
}

// Ack marks a delivery as processed.
func (b *Bus) Ack(deliveryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fl, ok := b.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("unknown delivery id %q", deliveryID)
	}
	delete(b.deliveries, deliveryID)

	if c, ok := b.consumers[fl.consumerKey]; ok {
		delete(c.inflight, fl.offset)
		c.done[fl.offset] = true
	}
	return nil
}

// Nack makes the delivery immediately eligible for redelivery.
func (b *Bus) Nack(deliveryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fl, ok := b.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("unknown delivery id %q", deliveryID)
	}
	delete(b.deliveries, deliveryID)

	if c, ok := b.consumers[fl.consumerKey]; ok {
		delete(c.inflight, fl.offset)
		c.redeliver = append(c.redeliver, fl.offset)
	}
	return nil
}

// DeadLetters returns the retained dead-letter messages for a topic.
// They are never discarded silently; this is the inspection hook.
func (b *Bus) DeadLetters(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.log(bus.DeadTopic(topic)).msgs
	out := make([]bus.Message, len(src))
	copy(out, src)
	return out
}

// Close stops accepting publishes and deliveries.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
