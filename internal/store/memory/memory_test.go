package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/store"
)

func newJob(id string, priority int, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:          id,
		ResourceID:  "https://media.example.com/v/" + id,
		Priority:    priority,
		State:       job.StatePending,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now().Add(-time.Hour)

	// A(priority 5), B(priority 10), C(priority 10, created before B).
	require.NoError(t, s.Enqueue(ctx, newJob("a", 5, base.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, newJob("b", 10, base.Add(2*time.Second))))
	require.NoError(t, s.Enqueue(ctx, newJob("c", 10, base)))

	var order []string
	for {
		j, err := s.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}

	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestDequeue_SkipsPausedAndDeferred(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	paused := newJob("paused", 10, now)
	paused.Paused = true
	require.NoError(t, s.Enqueue(ctx, paused))

	deferred := newJob("deferred", 10, now)
	deferred.NotBefore = now.Add(time.Hour)
	require.NoError(t, s.Enqueue(ctx, deferred))

	ready := newJob("ready", 1, now)
	require.NoError(t, s.Enqueue(ctx, ready))

	j, err := s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "ready", j.ID)

	j, err = s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestDequeue_SetsClaim(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))

	j, err := s.Dequeue(ctx, "worker-7", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, job.StateRunning, j.State)
	assert.Equal(t, "worker-7", j.ClaimedBy)
	assert.False(t, j.ClaimExpired(time.Now()))
}

func TestDequeue_ConcurrentClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	s := New()

	const jobCount = 50
	const workers = 16
	now := time.Now()
	for i := 0; i < jobCount; i++ {
		id := fmt.Sprintf("job-%03d", i)
		require.NoError(t, s.Enqueue(ctx, newJob(id, i%5, now.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := s.Dequeue(ctx, workerID, time.Minute)
				assert.NoError(t, err)
				if j == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[j.ID]
				claimed[j.ID] = workerID
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by both %s and %s", j.ID, prev, workerID)
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
}

func TestUpdate_NotFound(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), &job.Job{ID: "ghost"})
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestUpdateClaimed_RejectsLostClaim(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))
	j, err := s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Holder can write.
	j.Checkpoint = job.Checkpoint{Cursor: "bytes=4096", BytesDone: 4096}
	require.NoError(t, s.UpdateClaimed(ctx, j, "w1"))

	// A different worker cannot.
	assert.ErrorIs(t, s.UpdateClaimed(ctx, j, "w2"), job.ErrClaimLost)
}

func TestRenewClaim(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))
	j, err := s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	firstExpiry := j.ClaimExpiresAt

	renewed, err := s.RenewClaim(ctx, "j1", "w1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ClaimExpiresAt.After(firstExpiry))

	_, err = s.RenewClaim(ctx, "j1", "w2", time.Minute)
	assert.ErrorIs(t, err, job.ErrClaimLost)

	_, err = s.RenewClaim(ctx, "ghost", "w1", time.Minute)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestRenewClaim_ExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))
	_, err := s.Dequeue(ctx, "w1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = s.RenewClaim(ctx, "j1", "w1", time.Minute)
	assert.ErrorIs(t, err, job.ErrClaimLost)
}

func TestReclaimExpired_RecoversWithCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))
	j, err := s.Dequeue(ctx, "w1", time.Millisecond)
	require.NoError(t, err)

	j.Checkpoint = job.Checkpoint{Cursor: "bytes=8192", BytesDone: 8192}
	require.NoError(t, s.UpdateClaimed(ctx, j, "w1"))

	time.Sleep(5 * time.Millisecond)

	recovered, err := s.ReclaimExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, job.StatePending, recovered[0].State)
	assert.Empty(t, recovered[0].ClaimedBy)
	assert.Equal(t, int64(8192), recovered[0].Checkpoint.BytesDone,
		"checkpoint must survive reclaim so the next attempt resumes")
	assert.Equal(t, 0, recovered[0].AttemptCount,
		"claim expiry carries no attempt penalty")
}

func TestReclaimExpired_HonoursCancelRequest(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Enqueue(ctx, newJob("j1", 1, time.Now())))
	j, err := s.Dequeue(ctx, "w1", time.Millisecond)
	require.NoError(t, err)

	j.CancelRequested = true
	require.NoError(t, s.UpdateClaimed(ctx, j, "w1"))

	time.Sleep(5 * time.Millisecond)

	recovered, err := s.ReclaimExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, job.StateCancelled, recovered[0].State)
	assert.True(t, recovered[0].Checkpoint.IsZero(), "cancel discards the checkpoint")
}

func TestList_FilterAndPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"j1", "j2", "j3", "j4"} {
		require.NoError(t, s.Enqueue(ctx, newJob(id, 1, base.Add(time.Duration(i)*time.Minute))))
	}
	done := newJob("j5", 1, base.Add(10*time.Minute))
	done.State = job.StateCompleted
	require.NoError(t, s.Enqueue(ctx, done))

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "j5", all[0].ID, "newest first")

	pending, err := s.List(ctx, store.Filter{State: job.StatePending})
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	page, err := s.List(ctx, store.Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := s.List(ctx, store.Filter{
		Cursor: &store.Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "j3", rest[0].ID)
}
