package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fetchflow/fetchflow/internal/bus"
	"github.com/fetchflow/fetchflow/internal/job"
)

// Dispatcher hands claimed jobs to workers. It sits between the store's
// atomic dequeue and the transfer loop, applying the per-process
// dispatch rate limit and the per-dependency circuit gate.
type Dispatcher struct {
	manager  *Manager
	limiter  *rate.Limiter
	leaseTTL time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. ratePerSec <= 0 disables rate
// limiting.
func NewDispatcher(manager *Manager, ratePerSec float64, burst int, leaseTTL time.Duration, logger *slog.Logger) *Dispatcher {
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Dispatcher{
		manager:  manager,
		limiter:  limiter,
		leaseTTL: leaseTTL,
		logger:   logger,
	}
}

// Acquire claims the next eligible job for workerID. A job whose
// dependency circuit is open is pushed back to PENDING with a deferral
// and no attempt penalty, and the scan continues with the next job.
// Returns (nil, nil) when nothing is ready.
func (d *Dispatcher) Acquire(ctx context.Context, workerID string) (*job.Job, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	for {
		j, err := d.manager.store.Dequeue(ctx, workerID, d.leaseTTL)
		if err != nil {
			return nil, err
		}
		if j == nil {
			return nil, nil
		}

		key := DependencyKey(j.ResourceID)
		if !d.manager.breakers.Allow(key) {
			if err := d.deferDispatch(ctx, j, workerID, key); err != nil {
				return nil, err
			}
			continue
		}

		d.logger.Info("Job dispatched",
			slog.String("job_id", j.ID),
			slog.String("worker_id", workerID),
			slog.Int("attempt", j.AttemptCount+1),
		)
		d.manager.publish(ctx, bus.TopicLifecycle, bus.TypeJobStarted, j.ID, nil)
		return j, nil
	}
}

// deferDispatch releases a just-claimed job back to PENDING because its
// dependency circuit is open. The deferral costs no attempt.
func (d *Dispatcher) deferDispatch(ctx context.Context, j *job.Job, workerID, key string) error {
	j.State = job.StatePending
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.NotBefore = d.manager.now().UTC().Add(d.manager.config.CircuitDeferral)
	if err := d.manager.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	d.logger.Info("Job deferred, dependency circuit open",
		slog.String("job_id", j.ID),
		slog.String("dependency", key),
		slog.Duration("deferral", d.manager.config.CircuitDeferral),
	)
	return nil
}
