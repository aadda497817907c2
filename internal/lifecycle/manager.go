// Package lifecycle owns the per-job state machine: submission,
// pause/resume/cancel, retry with exponential backoff, dead-lettering,
// and crash recovery via claim expiry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fetchflow/fetchflow/internal/backoff"
	"github.com/fetchflow/fetchflow/internal/breaker"
	"github.com/fetchflow/fetchflow/internal/bus"
	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/store"
)

// Config holds lifecycle manager tuning
type Config struct {
	// MinPriority and MaxPriority bound accepted submission priorities.
	MinPriority int
	MaxPriority int
	// DefaultMaxAttempts is assigned to new jobs.
	DefaultMaxAttempts int
	// Backoff computes the re-enqueue delay after a failed attempt.
	Backoff backoff.Policy
	// CircuitDeferral is how long a job is pushed back when its
	// dependency's circuit is open.
	CircuitDeferral time.Duration
	// ReclaimInterval is how often expired claims are swept.
	ReclaimInterval time.Duration
}

// Manager coordinates job state across the queue store, the message
// bus, and the health registry. All job record mutations go through
// the store's atomic update paths.
type Manager struct {
	store    store.Store
	bus      bus.Bus
	breakers *breaker.Registry
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a lifecycle Manager.
func NewManager(st store.Store, b bus.Bus, breakers *breaker.Registry, config Config, logger *slog.Logger) *Manager {
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	if config.CircuitDeferral <= 0 {
		config.CircuitDeferral = 15 * time.Second
	}
	return &Manager{
		store:    st,
		bus:      b,
		breakers: breakers,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Breakers exposes the health registry for status endpoints.
func (m *Manager) Breakers() *breaker.Registry {
	return m.breakers
}

// Submit validates the submission and creates the job in PENDING.
func (m *Manager) Submit(ctx context.Context, resourceID string, priority int, options []byte) (*job.Job, error) {
	u, err := url.Parse(resourceID)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, job.NewValidationError("resource_identifier", fmt.Sprintf("malformed resource url %q", resourceID))
	}
	if priority < m.config.MinPriority || priority > m.config.MaxPriority {
		return nil, job.NewValidationError("priority",
			fmt.Sprintf("%d outside configured bounds [%d, %d]", priority, m.config.MinPriority, m.config.MaxPriority))
	}

	now := m.now().UTC()
	j := &job.Job{
		ID:          uuid.New().String(),
		ResourceID:  resourceID,
		Priority:    priority,
		State:       job.StatePending,
		MaxAttempts: m.config.DefaultMaxAttempts,
		Options:     options,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Info("Job submitted",
		slog.String("job_id", j.ID),
		slog.String("resource", resourceID),
		slog.Int("priority", priority),
	)
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobSubmitted, j.ID, nil)

	return j, nil
}

// Pause takes a PENDING or RUNNING job out of dispatch. Idempotent.
// A running holder is signalled over the control topic and releases
// its claim with the checkpoint preserved.
func (m *Manager) Pause(ctx context.Context, id string) error {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Paused {
		return nil
	}
	if j.State != job.StatePending && j.State != job.StateRunning {
		return fmt.Errorf("%w: cannot pause job in state %s", job.ErrInvalidTransition, j.State)
	}

	j.Paused = true
	if err := m.store.Update(ctx, j); err != nil {
		return err
	}

	if j.State == job.StateRunning {
		m.publish(ctx, bus.TopicControl, bus.TypeControlPause, j.ID, nil)
	}

	m.logger.Info("Job paused", slog.String("job_id", j.ID))
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobPaused, j.ID, nil)
	return nil
}

// Resume re-admits a paused job at its original priority. Idempotent.
func (m *Manager) Resume(ctx context.Context, id string) error {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Paused {
		if j.State == job.StatePending || j.State == job.StateRunning {
			return nil
		}
		return fmt.Errorf("%w: cannot resume job in state %s", job.ErrInvalidTransition, j.State)
	}
	if j.State != job.StatePending && j.State != job.StateRunning {
		return fmt.Errorf("%w: cannot resume job in state %s", job.ErrInvalidTransition, j.State)
	}

	j.Paused = false
	if err := m.store.Update(ctx, j); err != nil {
		return err
	}

	m.logger.Info("Job resumed", slog.String("job_id", j.ID))
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobResumed, j.ID, nil)
	return nil
}

// Cancel moves a non-terminal job towards CANCELLED. A PENDING job is
// cancelled immediately; a RUNNING job's holder is signalled and aborts
// within its heartbeat-bounded cancellation latency. Idempotent.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State == job.StateCancelled {
		return nil
	}
	if j.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel job in state %s", job.ErrInvalidTransition, j.State)
	}

	if j.State == job.StateRunning {
		// The holding worker aborts and finalizes the cancellation; the
		// reaper covers the case where the holder has already crashed.
		j.CancelRequested = true
		if err := m.store.Update(ctx, j); err != nil {
			return err
		}
		m.publish(ctx, bus.TopicControl, bus.TypeControlCancel, j.ID, nil)
		m.logger.Info("Job cancellation requested", slog.String("job_id", j.ID))
		return nil
	}

	j.State = job.StateCancelled
	j.CancelRequested = false
	j.Checkpoint = job.Checkpoint{}
	if err := m.store.Update(ctx, j); err != nil {
		return err
	}

	m.logger.Info("Job cancelled", slog.String("job_id", j.ID))
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobCancelled, j.ID, nil)
	return nil
}

// Get returns a job snapshot.
func (m *Manager) Get(ctx context.Context, id string) (*job.Job, error) {
	return m.store.Get(ctx, id)
}

// RenewClaim extends the worker's lease and returns the current record
// so the holder observes cancel and pause flags.
func (m *Manager) RenewClaim(ctx context.Context, id, workerID string, ttl time.Duration) (*job.Job, error) {
	return m.store.RenewClaim(ctx, id, workerID, ttl)
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, f store.Filter) ([]*job.Job, error) {
	return m.store.List(ctx, f)
}

// ReportProgress persists the checkpoint under the worker's claim and
// then publishes the progress event. The persist strictly precedes the
// publish so a crash never leaves the store stale relative to an
// externally observed progress value.
func (m *Manager) ReportProgress(ctx context.Context, j *job.Job, workerID string, cp job.Checkpoint) error {
	j.Checkpoint = cp
	if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	m.publish(ctx, bus.TopicProgress, bus.TypeJobProgress, j.ID, bus.ProgressPayload{
		Cursor:    cp.Cursor,
		BytesDone: cp.BytesDone,
	})
	return nil
}

// Complete finalizes a successful transfer under the worker's claim.
func (m *Manager) Complete(ctx context.Context, j *job.Job, workerID, artifactRef string) error {
	j.State = job.StateCompleted
	j.ArtifactRef = artifactRef
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	j.LastError = job.LastError{}
	if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	m.breakers.ReportSuccess(DependencyKey(j.ResourceID))
	m.logger.Info("Job completed",
		slog.String("job_id", j.ID),
		slog.String("artifact_ref", artifactRef),
		slog.Int64("bytes", j.Checkpoint.BytesDone),
	)
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobCompleted, j.ID, nil)
	return nil
}

// Failure describes one failed execution attempt.
type Failure struct {
	Kind     string
	Message  string
	Terminal bool
}

// ReportFailure applies the retry policy to a failed attempt: below the
// attempt budget the job is re-enqueued after an exponential backoff
// delay; at the budget, or for a permanent failure, it transitions to
// FAILED_TERMINAL and is routed to the dead-letter path.
func (m *Manager) ReportFailure(ctx context.Context, j *job.Job, workerID string, failure Failure) error {
	j.AttemptCount++
	j.LastError = job.LastError{Kind: failure.Kind, Message: failure.Message}
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}

	m.breakers.ReportFailure(DependencyKey(j.ResourceID))

	terminal := failure.Terminal || j.AttemptCount >= j.MaxAttempts
	if terminal {
		j.State = job.StateFailedTerminal
		if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
			return err
		}

		m.logger.Warn("Job failed terminally",
			slog.String("job_id", j.ID),
			slog.String("error_kind", failure.Kind),
			slog.String("error", failure.Message),
			slog.Int("attempt_count", j.AttemptCount),
			slog.Bool("forced", failure.Terminal),
		)
		payload := bus.FailurePayload{
			Kind:         failure.Kind,
			Message:      failure.Message,
			AttemptCount: j.AttemptCount,
			Terminal:     true,
		}
		m.publish(ctx, bus.TopicLifecycle, bus.TypeJobFailed, j.ID, payload)
		m.publish(ctx, bus.TopicDeadJobs, bus.TypeJobDead, j.ID, payload)
		return nil
	}

	delay := m.config.Backoff.Delay(j.AttemptCount)
	j.State = job.StatePending
	j.NotBefore = m.now().UTC().Add(delay)
	// Checkpoint is kept: the next attempt resumes from it.
	if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	m.logger.Info("Job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.String("error_kind", failure.Kind),
		slog.Int("attempt_count", j.AttemptCount),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("backoff", delay),
	)
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobFailed, j.ID, bus.FailurePayload{
		Kind:         failure.Kind,
		Message:      failure.Message,
		AttemptCount: j.AttemptCount,
	})
	return nil
}

// FinishCancel finalizes cancellation on behalf of the aborting holder.
// The checkpoint is discarded.
func (m *Manager) FinishCancel(ctx context.Context, j *job.Job, workerID string) error {
	j.State = job.StateCancelled
	j.CancelRequested = false
	j.Checkpoint = job.Checkpoint{}
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	m.logger.Info("Job cancelled by holder", slog.String("job_id", j.ID))
	m.publish(ctx, bus.TopicLifecycle, bus.TypeJobCancelled, j.ID, nil)
	return nil
}

// ReleaseForPause puts a running job back to PENDING on behalf of its
// holder, keeping the checkpoint and the paused flag. Pause is
// attempt-neutral: a voluntary pause never consumes retry budget.
func (m *Manager) ReleaseForPause(ctx context.Context, j *job.Job, workerID string) error {
	j.State = job.StatePending
	j.ClaimedBy = ""
	j.ClaimExpiresAt = time.Time{}
	if err := m.store.UpdateClaimed(ctx, j, workerID); err != nil {
		return err
	}

	m.logger.Info("Job released for pause",
		slog.String("job_id", j.ID),
		slog.Int64("checkpoint_bytes", j.Checkpoint.BytesDone),
	)
	return nil
}

// RunReaper sweeps expired claims until ctx is done, recovering work
// from crashed workers. Reclaimed jobs carry no attempt penalty.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.config.ReclaimInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Claim reaper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Claim reaper stopped")
			return
		case <-ticker.C:
			recovered, err := m.store.ReclaimExpired(ctx, m.now())
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					m.logger.Error("Failed to reclaim expired claims",
						slog.Any("error", err),
					)
				}
				continue
			}
			for _, j := range recovered {
				m.logger.Warn("Reclaimed job from expired lease",
					slog.String("job_id", j.ID),
					slog.String("state", j.State),
					slog.Int64("checkpoint_bytes", j.Checkpoint.BytesDone),
				)
				if j.State == job.StateCancelled {
					m.publish(ctx, bus.TopicLifecycle, bus.TypeJobCancelled, j.ID, nil)
				} else {
					m.publish(ctx, bus.TopicLifecycle, bus.TypeJobReclaimed, j.ID, nil)
				}
			}
		}
	}
}

// publish emits a best-effort event: bus trouble is logged, never
// propagated into job processing.
func (m *Manager) publish(ctx context.Context, topic, msgType, jobID string, payload interface{}) {
	msg, err := bus.NewMessage(msgType, jobID, payload)
	if err != nil {
		m.logger.Error("Failed to build event message",
			slog.String("type", msgType),
			slog.Any("error", err),
		)
		return
	}
	if err := m.bus.Publish(ctx, topic, msg); err != nil {
		m.logger.Warn("Failed to publish event",
			slog.String("topic", topic),
			slog.String("type", msgType),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// DependencyKey maps a resource identifier to the dependency tracked by
// the health registry (the origin host).
func DependencyKey(resourceID string) string {
	u, err := url.Parse(resourceID)
	if err != nil || u.Host == "" {
		return resourceID
	}
	return u.Host
}
