// Package metrics aggregates lifecycle and progress events from the
// bus into in-process counters, served by the gateway's stats endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/fetchflow/fetchflow/internal/bus"
)

// consumerName is stable so a restarted aggregator resumes from its
// last acknowledged position instead of recounting history.
const consumerName = "metrics-aggregator"

// Snapshot is a point-in-time view of the aggregated counters.
type Snapshot struct {
	Submitted     int64            `json:"submitted"`
	Started       int64            `json:"started"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	DeadLettered  int64            `json:"dead_lettered"`
	Cancelled     int64            `json:"cancelled"`
	Paused        int64            `json:"paused"`
	Resumed       int64            `json:"resumed"`
	Reclaimed     int64            `json:"reclaimed"`
	BytesReported int64            `json:"bytes_reported"`
	ByType        map[string]int64 `json:"by_type"`
}

// Aggregator consumes job events and keeps running totals. Delivery is
// at-least-once, so each (job, type, message) is counted once by
// message id.
type Aggregator struct {
	bus    bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	counts   map[string]int64
	curBytes map[string]int64 // latest bytes_done per job
}

// NewAggregator creates an Aggregator.
func NewAggregator(b bus.Bus, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		bus:      b,
		logger:   logger,
		seen:     make(map[string]struct{}),
		counts:   make(map[string]int64),
		curBytes: make(map[string]int64),
	}
}

// Run consumes the lifecycle and progress topics until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	lifecycle, err := a.bus.Subscribe(ctx, bus.TopicLifecycle, consumerName)
	if err != nil {
		return err
	}
	progress, err := a.bus.Subscribe(ctx, bus.TopicProgress, consumerName)
	if err != nil {
		return err
	}

	a.logger.Info("Metrics aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Metrics aggregator stopped")
			return nil
		case d, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			a.handle(d)
		case d, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			a.handle(d)
		}
		if lifecycle == nil && progress == nil {
			return nil
		}
	}
}

func (a *Aggregator) handle(d bus.Delivery) {
	a.apply(d.Message)
	if err := a.bus.Ack(d.DeliveryID); err != nil {
		a.logger.Warn("Failed to ack metrics delivery",
			slog.String("message_id", d.ID),
			slog.Any("error", err),
		)
	}
}

func (a *Aggregator) apply(msg bus.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[msg.ID]; dup {
		return
	}
	a.seen[msg.ID] = struct{}{}
	a.counts[msg.Type]++

	if msg.Type == bus.TypeJobProgress && len(msg.Payload) > 0 {
		var p bus.ProgressPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			a.logger.Warn("Malformed progress payload",
				slog.String("message_id", msg.ID),
				slog.Any("error", err),
			)
			return
		}
		a.curBytes[msg.JobID] = p.BytesDone
	}
}

// Current returns a copy of the aggregated counters.
func (a *Aggregator) Current() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	byType := make(map[string]int64, len(a.counts))
	for k, v := range a.counts {
		byType[k] = v
	}

	var bytes int64
	for _, b := range a.curBytes {
		bytes += b
	}

	return Snapshot{
		Submitted:     a.counts[bus.TypeJobSubmitted],
		Started:       a.counts[bus.TypeJobStarted],
		Completed:     a.counts[bus.TypeJobCompleted],
		Failed:        a.counts[bus.TypeJobFailed],
		DeadLettered:  a.counts[bus.TypeJobDead],
		Cancelled:     a.counts[bus.TypeJobCancelled],
		Paused:        a.counts[bus.TypeJobPaused],
		Resumed:       a.counts[bus.TypeJobResumed],
		Reclaimed:     a.counts[bus.TypeJobReclaimed],
		BytesReported: bytes,
		ByType:        byType,
	}
}
