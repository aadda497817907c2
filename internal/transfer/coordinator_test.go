package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchflow/fetchflow/internal/backoff"
	"github.com/fetchflow/fetchflow/internal/blob/fsblob"
	"github.com/fetchflow/fetchflow/internal/breaker"
	busmem "github.com/fetchflow/fetchflow/internal/bus/memory"
	"github.com/fetchflow/fetchflow/internal/fetch"
	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/lifecycle"
	"github.com/fetchflow/fetchflow/internal/store/memory"
)

// fakeFetcher serves a fixed payload in small chunks and can inject a
// transient failure partway through an attempt.
type fakeFetcher struct {
	mu        sync.Mutex
	payload   []byte
	chunkSize int
	failAt    int // byte offset that errors once, -1 disables
	cursors   []string
	blockOnce chan struct{} // first stream blocks on Next until closed
}

func (f *fakeFetcher) Fetch(_ context.Context, _, cursor string) (fetch.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fetch.Permanent(fmt.Errorf("bad cursor %q", cursor))
		}
		offset = n
	}

	var block chan struct{}
	if f.blockOnce != nil {
		block = f.blockOnce
		f.blockOnce = nil
	}

	return &fakeStream{fetcher: f, offset: offset, block: block}, nil
}

type fakeStream struct {
	fetcher *fakeFetcher
	offset  int
	block   chan struct{}
}

func (s *fakeStream) Next(ctx context.Context) (fetch.Chunk, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return fetch.Chunk{}, ctx.Err()
		case <-s.block:
			s.block = nil
		}
	}
	if err := ctx.Err(); err != nil {
		return fetch.Chunk{}, err
	}

	s.fetcher.mu.Lock()
	payload := s.fetcher.payload
	chunkSize := s.fetcher.chunkSize
	failAt := s.fetcher.failAt
	s.fetcher.mu.Unlock()

	if failAt >= 0 && s.offset >= failAt {
		s.fetcher.mu.Lock()
		s.fetcher.failAt = -1
		s.fetcher.mu.Unlock()
		return fetch.Chunk{}, fetch.Transient(fmt.Errorf("stream reset at offset %d", s.offset))
	}

	if s.offset >= len(payload) {
		return fetch.Chunk{}, io.EOF
	}

	end := s.offset + chunkSize
	if end > len(payload) {
		end = len(payload)
	}
	chunk := fetch.Chunk{
		Data:   payload[s.offset:end],
		Cursor: strconv.Itoa(end),
	}
	s.offset = end
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

type harness struct {
	coordinator *Coordinator
	manager     *lifecycle.Manager
	dispatcher  *lifecycle.Dispatcher
	store       *memory.Store
	fetcher     *fakeFetcher
	artifactDir string
}

func newHarness(t *testing.T, fetcher *fakeFetcher) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	st := memory.New()
	b := busmem.New(busmem.Config{VisibilityTimeout: time.Second}, logger)
	t.Cleanup(func() { b.Close() })

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 100,
		Window:           time.Minute,
		Cooldown:         time.Second,
	}, logger)

	manager := lifecycle.NewManager(st, b, breakers, lifecycle.Config{
		MinPriority:        0,
		MaxPriority:        9,
		DefaultMaxAttempts: 3,
		Backoff:            backoff.Policy{Base: time.Millisecond, Ceiling: 10 * time.Millisecond},
		CircuitDeferral:    time.Second,
	}, logger)

	dispatcher := lifecycle.NewDispatcher(manager, 0, 0, time.Minute, logger)

	artifactDir := t.TempDir()
	blobs, err := fsblob.New(artifactDir, logger)
	require.NoError(t, err)

	c, err := NewCoordinator(Config{
		WorkerID:           "worker-1",
		LeaseTTL:           time.Minute,
		HeartbeatInterval:  10 * time.Millisecond,
		CheckpointInterval: time.Nanosecond, // checkpoint every chunk
		SpoolDir:           t.TempDir(),
		PollInterval:       5 * time.Millisecond,
	}, manager, dispatcher, fetcher, blobs, b, logger)
	require.NoError(t, err)

	return &harness{
		coordinator: c,
		manager:     manager,
		dispatcher:  dispatcher,
		store:       st,
		fetcher:     fetcher,
		artifactDir: artifactDir,
	}
}

func (h *harness) submit(t *testing.T) *job.Job {
	t.Helper()
	j, err := h.manager.Submit(context.Background(), "https://origin.example.com/payload", 5, nil)
	require.NoError(t, err)
	return j
}

func (h *harness) acquire(t *testing.T) *job.Job {
	t.Helper()
	j, err := h.dispatcher.Acquire(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		WorkerID:          "w",
		LeaseTTL:          time.Minute,
		HeartbeatInterval: time.Second,
		SpoolDir:          "/tmp/spool",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing worker id", func(c *Config) { c.WorkerID = "" }},
		{"zero lease", func(c *Config) { c.LeaseTTL = 0 }},
		{"heartbeat not shorter than lease", func(c *Config) { c.HeartbeatInterval = c.LeaseTTL }},
		{"missing spool dir", func(c *Config) { c.SpoolDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestTransferCompletesAndPersistsArtifact(t *testing.T) {
	payload := bytes.Repeat([]byte("fetchflow"), 100)
	f := &fakeFetcher{payload: payload, chunkSize: 64, failAt: -1}
	h := newHarness(t, f)

	j := h.submit(t)
	claimed := h.acquire(t)
	h.coordinator.execute(context.Background(), claimed)

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, stored.State)
	assert.Equal(t, int64(len(payload)), stored.Checkpoint.BytesDone)
	require.NotEmpty(t, stored.ArtifactRef)

	got, err := os.ReadFile(stored.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Spool is cleaned up after finalization.
	_, err = os.Stat(h.coordinator.spoolPath(j.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestTransferResumesFromCheckpointAfterTransientFailure(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 50)
	f := &fakeFetcher{payload: payload, chunkSize: 100, failAt: 200}
	h := newHarness(t, f)

	j := h.submit(t)

	// First attempt fails mid-stream after checkpointing 200 bytes.
	claimed := h.acquire(t)
	h.coordinator.execute(context.Background(), claimed)

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, int64(200), stored.Checkpoint.BytesDone)
	assert.Equal(t, "200", stored.Checkpoint.Cursor)

	// Second attempt resumes from the checkpoint and completes.
	time.Sleep(5 * time.Millisecond) // let the backoff deferral lapse
	claimed = h.acquire(t)
	h.coordinator.execute(context.Background(), claimed)

	stored, err = h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, stored.State)

	require.Len(t, f.cursors, 2)
	assert.Equal(t, "", f.cursors[0])
	assert.Equal(t, "200", f.cursors[1])

	got, err := os.ReadFile(stored.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPermanentFailureIsTerminalAndDropsSpool(t *testing.T) {
	f := &fakeFetcher{payload: nil, chunkSize: 10, failAt: -1}
	h := newHarness(t, f)

	j := h.submit(t)
	h.coordinator.fetcher = &permanentFetcher{}

	claimed := h.acquire(t)
	h.coordinator.execute(context.Background(), claimed)

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailedTerminal, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, fetch.KindPermanent, stored.LastError.Kind)

	_, err = os.Stat(h.coordinator.spoolPath(j.ID))
	assert.True(t, os.IsNotExist(err))
}

type permanentFetcher struct{}

func (p *permanentFetcher) Fetch(context.Context, string, string) (fetch.Stream, error) {
	return nil, fetch.Permanent(fmt.Errorf("resource rejected"))
}

func TestCancelMidTransferNeverCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	block := make(chan struct{})
	f := &fakeFetcher{payload: payload, chunkSize: 100, failAt: -1, blockOnce: block}
	h := newHarness(t, f)

	j := h.submit(t)
	claimed := h.acquire(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coordinator.execute(context.Background(), claimed)
	}()

	// Wait until the stream is parked, then request cancellation the way
	// the gateway does.
	require.Eventually(t, func() bool {
		h.coordinator.mu.Lock()
		defer h.coordinator.mu.Unlock()
		return h.coordinator.current == j.ID
	}, time.Second, time.Millisecond)

	require.NoError(t, h.manager.Cancel(context.Background(), j.ID))
	h.coordinator.signalAbort(j.ID, abortCancel)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not abort after cancellation")
	}

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, stored.State)
	assert.True(t, stored.Checkpoint.IsZero())

	_, err = os.Stat(h.coordinator.spoolPath(j.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestPauseMidTransferKeepsCheckpoint(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 300)
	block := make(chan struct{})
	f := &fakeFetcher{payload: payload, chunkSize: 100, failAt: -1, blockOnce: block}
	h := newHarness(t, f)

	j := h.submit(t)
	claimed := h.acquire(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coordinator.execute(context.Background(), claimed)
	}()

	require.Eventually(t, func() bool {
		h.coordinator.mu.Lock()
		defer h.coordinator.mu.Unlock()
		return h.coordinator.current == j.ID
	}, time.Second, time.Millisecond)

	require.NoError(t, h.manager.Pause(context.Background(), j.ID))
	h.coordinator.signalAbort(j.ID, abortPause)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not release after pause")
	}

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, stored.State)
	assert.True(t, stored.Paused)
	assert.Equal(t, 0, stored.AttemptCount)
}

func TestSpoolMismatchRestartsTransfer(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 200)
	f := &fakeFetcher{payload: payload, chunkSize: 50, failAt: -1}
	h := newHarness(t, f)

	j := h.submit(t)
	claimed := h.acquire(t)

	// Fabricate a checkpoint the spool cannot back.
	claimed.Checkpoint = job.Checkpoint{Cursor: "100", Digest: "stale", BytesDone: 100}
	h.coordinator.execute(context.Background(), claimed)

	stored, err := h.store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, stored.State)
	assert.Equal(t, int64(len(payload)), stored.Checkpoint.BytesDone)

	// The fetch restarted from the beginning, not the stale cursor.
	require.NotEmpty(t, f.cursors)
	assert.Equal(t, "", f.cursors[len(f.cursors)-1])

	got, err := os.ReadFile(stored.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
