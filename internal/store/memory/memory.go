// Package memory provides an in-process Store used by tests and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory implementation of store.Store.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Enqueue persists a new job record.
func (s *Store) Enqueue(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

// Dequeue atomically claims the highest-priority eligible job.
func (s *Store) Dequeue(_ context.Context, workerID string, leaseTTL time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var candidates []*job.Job
	for _, j := range s.jobs {
		if j.State != job.StatePending || j.Paused {
			continue
		}
		if !j.NotBefore.IsZero() && j.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	j := candidates[0]
	j.State = job.StateRunning
	j.ClaimedBy = workerID
	j.ClaimExpiresAt = now.Add(leaseTTL)
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// Get fetches a job by id.
func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// Update overwrites an existing job record.
func (s *Store) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return job.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = s.now()
	s.jobs[j.ID] = &cp
	return nil
}

// UpdateClaimed overwrites a record only while workerID holds the lease.
func (s *Store) UpdateClaimed(_ context.Context, j *job.Job, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[j.ID]
	if !ok {
		return job.ErrJobNotFound
	}
	if cur.ClaimedBy != workerID || cur.ClaimExpiresAt.Before(s.now()) {
		return job.ErrClaimLost
	}
	cp := *j
	cp.UpdatedAt = s.now()
	s.jobs[j.ID] = &cp
	return nil
}

// RenewClaim extends the lease and returns the current record.
func (s *Store) RenewClaim(_ context.Context, id, workerID string, ttl time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	now := s.now()
	if j.ClaimedBy != workerID || j.ClaimExpiresAt.Before(now) || j.State != job.StateRunning {
		return nil, job.ErrClaimLost
	}

	j.ClaimExpiresAt = now.Add(ttl)
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

// ReclaimExpired recovers jobs whose worker stopped heartbeating.
func (s *Store) ReclaimExpired(_ context.Context, now time.Time) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []*job.Job
	for _, j := range s.jobs {
		if j.State != job.StateRunning || !j.ClaimExpired(now) {
			continue
		}

		j.ClaimedBy = ""
		j.ClaimExpiresAt = time.Time{}
		if j.CancelRequested {
			j.State = job.StateCancelled
			j.Checkpoint = job.Checkpoint{}
		} else {
			// Checkpoint survives so the next attempt resumes from it.
			j.State = job.StatePending
		}
		j.UpdatedAt = now

		cp := *j
		recovered = append(recovered, &cp)
	}
	return recovered, nil
}

// List returns jobs newest first with keyset pagination.
func (s *Store) List(_ context.Context, f store.Filter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if f.State != "" && j.State != f.State {
			continue
		}
		if f.Resource != "" && j.ResourceID != f.Resource {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}

	// created_at DESC, job_id DESC, matching the Postgres listing order.
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})

	if f.Cursor != nil {
		pos := 0
		for pos < len(out) {
			j := out[pos]
			if j.CreatedAt.Before(f.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(f.Cursor.CreatedAt) && j.ID < f.Cursor.JobID) {
				break
			}
			pos++
		}
		out = out[pos:]
	}

	if f.PageSize > 0 && len(out) > f.PageSize {
		out = out[:f.PageSize]
	}
	return out, nil
}
