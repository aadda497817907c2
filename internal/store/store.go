// Package store defines the durable queue store contract: persistence
// of job records plus the atomic dequeue-and-claim path that serializes
// workers competing for the same job.
package store

import (
	"context"
	"time"

	"github.com/fetchflow/fetchflow/internal/job"
)

// Cursor marks a position in the created_at DESC, job_id DESC listing
// order for keyset pagination.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows List results.
type Filter struct {
	State    string
	Resource string
	PageSize int
	Cursor   *Cursor
}

// Store persists job records and priority ordering across restarts.
//
// Dequeue is the single serialization point for claim assignment: two
// concurrent calls must never return the same unclaimed job. Writes are
// all-or-nothing per job record. Implementations wrap infrastructure
// failures in job.ErrStorageUnavailable.
type Store interface {
	// Enqueue persists a new job record.
	Enqueue(ctx context.Context, j *job.Job) error

	// Dequeue atomically claims the highest-priority eligible PENDING
	// job (priority DESC, created_at ASC within a priority) for the
	// given worker, sets it RUNNING with a lease of leaseTTL, and
	// returns it. Paused jobs and jobs whose NotBefore lies in the
	// future are not eligible. Returns (nil, nil) when no job is ready.
	Dequeue(ctx context.Context, workerID string, leaseTTL time.Duration) (*job.Job, error)

	// Get fetches a job by id, or job.ErrJobNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Update overwrites a job record. Fails with job.ErrJobNotFound for
	// an unknown id.
	Update(ctx context.Context, j *job.Job) error

	// UpdateClaimed overwrites a job record only while workerID still
	// holds a live lease on it; otherwise job.ErrClaimLost. This is the
	// write path for checkpoints and completion so a worker whose lease
	// silently expired cannot clobber a reclaimed job.
	UpdateClaimed(ctx context.Context, j *job.Job, workerID string) error

	// RenewClaim extends the lease held by workerID by ttl and returns
	// the current record (so the holder observes cancel and pause
	// requests). Fails with job.ErrClaimLost when the lease is not held.
	RenewClaim(ctx context.Context, id, workerID string, ttl time.Duration) (*job.Job, error)

	// ReclaimExpired voids leases whose expiry has passed: jobs with a
	// pending cancel request transition to CANCELLED, all others return
	// to PENDING with their checkpoint intact and no attempt penalty.
	// Returns the recovered jobs.
	ReclaimExpired(ctx context.Context, now time.Time) ([]*job.Job, error)

	// List returns jobs matching the filter, newest first, one page at
	// a time via the cursor.
	List(ctx context.Context, f Filter) ([]*job.Job, error)
}
