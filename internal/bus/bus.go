// Package bus defines the inter-service message contract: asynchronous
// publish/subscribe with acknowledgment, redelivery after a visibility
// timeout, and dead-letter routing. Delivery is at-least-once; consumers
// must be idempotent with respect to job id + event type.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics
const (
	TopicLifecycle = "jobs.lifecycle"
	TopicProgress  = "jobs.progress"
	TopicControl   = "jobs.control"

	// TopicDeadJobs retains jobs that exhausted their attempt budget,
	// for manual inspection.
	TopicDeadJobs = "jobs.dead"
)

// Message types
const (
	TypeJobSubmitted = "job_submitted"
	TypeJobStarted   = "job_started"
	TypeJobProgress  = "job_progress"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeJobCancelled = "job_cancelled"
	TypeJobPaused    = "job_paused"
	TypeJobResumed   = "job_resumed"
	TypeJobDead      = "job_dead_lettered"
	TypeJobReclaimed = "job_reclaimed"

	TypeControlCancel = "control_cancel"
	TypeControlPause  = "control_pause"
)

// DeadTopic returns the dead-letter topic paired with a topic.
func DeadTopic(topic string) string {
	return topic + ".dead"
}

// Message is the unit of inter-service communication. Payload is opaque
// JSON interpreted by the consumer.
type Message struct {
	ID         string          `json:"message_id"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewMessage builds a Message with a fresh id, marshalling payload to
// JSON. A nil payload is allowed.
func NewMessage(msgType, jobID string, payload interface{}) (Message, error) {
	m := Message{
		ID:         uuid.New().String(),
		Type:       msgType,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal message payload: %w", err)
		}
		m.Payload = data
	}
	return m, nil
}

// Delivery is one attempt to hand a Message to a consumer. The bus owns
// the message until Ack; an unacked delivery is redelivered after the
// visibility timeout with an incremented Attempt.
type Delivery struct {
	Message
	DeliveryID string
	Attempt    int
}

// Bus is the transport between producer, lifecycle manager, workers,
// and the metrics sink.
type Bus interface {
	// Publish appends a message to the topic.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe starts (or resumes) a named consumer on a topic. A new
	// subscription with the same consumer name resumes from the last
	// acknowledged position, not from the beginning. The channel closes
	// when ctx is done.
	Subscribe(ctx context.Context, topic, consumer string) (<-chan Delivery, error)

	// Ack marks a delivery processed; the message is never redelivered
	// to this consumer.
	Ack(deliveryID string) error

	// Nack makes the message immediately eligible for redelivery.
	Nack(deliveryID string) error

	// Close releases transport resources.
	Close() error
}

// ProgressPayload accompanies TypeJobProgress messages.
type ProgressPayload struct {
	Cursor    string `json:"cursor"`
	BytesDone int64  `json:"bytes_done"`
}

// FailurePayload accompanies TypeJobFailed and TypeJobDead messages.
type FailurePayload struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	AttemptCount int    `json:"attempt_count"`
	Terminal     bool   `json:"terminal"`
}
