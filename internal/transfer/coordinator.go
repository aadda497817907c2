// Package transfer runs claimed jobs on a worker: it streams content
// through the fetch capability into a local spool file, checkpoints
// progress under the claim, and finalizes the artifact on success.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fetchflow/fetchflow/internal/blob"
	"github.com/fetchflow/fetchflow/internal/bus"
	"github.com/fetchflow/fetchflow/internal/fetch"
	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/lifecycle"
)

// Abort reasons observed by the transfer loop.
const (
	abortNone = iota
	abortCancel
	abortPause
	abortClaimLost
)

// Config holds transfer coordinator tuning.
type Config struct {
	// WorkerID identifies this worker in claims and logs.
	WorkerID string
	// LeaseTTL is the claim duration requested on dequeue and renewal.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often the claim is renewed. Must be
	// strictly shorter than LeaseTTL.
	HeartbeatInterval time.Duration
	// CheckpointInterval is the minimum time between persisted
	// checkpoints during a transfer.
	CheckpointInterval time.Duration
	// SpoolDir holds in-progress transfer files.
	SpoolDir string
	// PollInterval is the idle wait when no job is ready.
	PollInterval time.Duration
}

// Validate rejects configurations that would let a claim lapse mid-run.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than lease ttl %s",
			c.HeartbeatInterval, c.LeaseTTL)
	}
	if c.SpoolDir == "" {
		return fmt.Errorf("spool directory is required")
	}
	return nil
}

// Coordinator drives one worker's claim-execute-finalize loop.
type Coordinator struct {
	config     Config
	manager    *lifecycle.Manager
	dispatcher *lifecycle.Dispatcher
	fetcher    fetch.Fetcher
	blobs      blob.Store
	bus        bus.Bus
	logger     *slog.Logger

	mu      sync.Mutex
	current string             // job id being executed, empty when idle
	abort   context.CancelFunc // cancels the current execution
	reason  int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(config Config, manager *lifecycle.Manager, dispatcher *lifecycle.Dispatcher, fetcher fetch.Fetcher, blobs blob.Store, b bus.Bus, logger *slog.Logger) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if err := os.MkdirAll(config.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &Coordinator{
		config:     config,
		manager:    manager,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		blobs:      blobs,
		bus:        b,
		logger:     logger.With(slog.String("worker_id", config.WorkerID)),
	}, nil
}

// Run acquires and executes jobs until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.listenControl(ctx)

	c.logger.Info("Transfer coordinator started")

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("Transfer coordinator stopped")
			return nil
		}

		j, err := c.dispatcher.Acquire(ctx, c.config.WorkerID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("Failed to acquire job", slog.Any("error", err))
			c.sleep(ctx, c.config.PollInterval)
			continue
		}
		if j == nil {
			c.sleep(ctx, c.config.PollInterval)
			continue
		}

		c.execute(ctx, j)
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// listenControl reacts to cancel and pause signals for the job this
// worker is currently executing. The heartbeat path observes the same
// flags from the store, so a missed control message only costs one
// heartbeat interval of latency.
func (c *Coordinator) listenControl(ctx context.Context) {
	deliveries, err := c.bus.Subscribe(ctx, bus.TopicControl, "worker-"+c.config.WorkerID)
	if err != nil {
		c.logger.Warn("Control subscription unavailable, relying on heartbeat",
			slog.Any("error", err),
		)
		return
	}

	for d := range deliveries {
		switch d.Type {
		case bus.TypeControlCancel:
			c.signalAbort(d.JobID, abortCancel)
		case bus.TypeControlPause:
			c.signalAbort(d.JobID, abortPause)
		}
		if err := c.bus.Ack(d.DeliveryID); err != nil {
			c.logger.Warn("Failed to ack control message", slog.Any("error", err))
		}
	}
}

// signalAbort interrupts the current execution when it matches jobID.
func (c *Coordinator) signalAbort(jobID string, reason int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != jobID || c.abort == nil {
		return
	}
	if c.reason == abortNone {
		c.reason = reason
	}
	c.abort()
}

func (c *Coordinator) takeReason() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// execute runs one claimed job to a terminal outcome or a release.
func (c *Coordinator) execute(ctx context.Context, j *job.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.current = j.ID
	c.abort = cancel
	c.reason = abortNone
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = ""
		c.abort = nil
		c.mu.Unlock()
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(runCtx, j)
	}()
	defer func() { cancel(); <-hbDone }()

	log := c.logger.With(slog.String("job_id", j.ID))
	log.Info("Transfer started",
		slog.String("resource", j.ResourceID),
		slog.Int("attempt", j.AttemptCount+1),
		slog.Int64("resume_bytes", j.Checkpoint.BytesDone),
	)

	err := c.runTransfer(runCtx, j, log)
	if err == nil {
		return
	}

	// Context cancellation is an abort signal, not a fetch failure.
	if runCtx.Err() != nil {
		c.finishAbort(ctx, j, log)
		return
	}

	failure := lifecycle.Failure{
		Kind:     fetch.Kind(err),
		Message:  err.Error(),
		Terminal: fetch.IsPermanent(err),
	}
	if rerr := c.manager.ReportFailure(ctx, j, c.config.WorkerID, failure); rerr != nil {
		log.Error("Failed to report attempt failure",
			slog.Any("error", rerr),
			slog.String("cause", err.Error()),
		)
	}
	if failure.Terminal {
		c.removeSpool(j.ID)
	}
}

// finishAbort resolves an interrupted execution according to why it was
// interrupted.
func (c *Coordinator) finishAbort(ctx context.Context, j *job.Job, log *slog.Logger) {
	switch c.takeReason() {
	case abortCancel:
		j.CancelRequested = true
		if err := c.manager.FinishCancel(ctx, j, c.config.WorkerID); err != nil {
			log.Error("Failed to finalize cancellation", slog.Any("error", err))
		}
		c.removeSpool(j.ID)
		log.Info("Transfer cancelled")

	case abortPause:
		j.Paused = true
		if err := c.manager.ReleaseForPause(ctx, j, c.config.WorkerID); err != nil {
			log.Error("Failed to release paused job", slog.Any("error", err))
		}
		log.Info("Transfer paused", slog.Int64("checkpoint_bytes", j.Checkpoint.BytesDone))

	case abortClaimLost:
		// Another owner may already hold the job; touch nothing.
		log.Warn("Claim lost, abandoning transfer")

	default:
		// Process shutdown. The claim lapses and the reaper requeues the
		// job with its last persisted checkpoint.
		log.Info("Transfer interrupted by shutdown")
	}
}

// heartbeat renews the claim and watches for cancel and pause flags.
// Renewal failure means the lease is gone: the transfer self-aborts so
// two workers never write the same job.
func (c *Coordinator) heartbeat(ctx context.Context, j *job.Job) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := c.manager.RenewClaim(ctx, j.ID, c.config.WorkerID, c.config.LeaseTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Claim renewal failed, aborting transfer",
					slog.String("job_id", j.ID),
					slog.Any("error", err),
				)
				c.signalAbort(j.ID, abortClaimLost)
				return
			}
			if cur.CancelRequested {
				c.signalAbort(j.ID, abortCancel)
				return
			}
			if cur.Paused {
				c.signalAbort(j.ID, abortPause)
				return
			}
		}
	}
}

// runTransfer streams the resource into the spool file, checkpointing
// along the way, and finalizes the artifact on EOF.
func (c *Coordinator) runTransfer(ctx context.Context, j *job.Job, log *slog.Logger) error {
	spool, err := c.openSpool(j, log)
	if err != nil {
		return fetch.Transient(err)
	}
	defer spool.Close()

	stream, err := c.fetcher.Fetch(ctx, j.ResourceID, j.Checkpoint.Cursor)
	if err != nil {
		return err
	}
	defer stream.Close()

	lastCheckpoint := time.Now()
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The checkpoint persisted so far survives for the retry.
			return err
		}

		if _, err := spool.Write(chunk.Data); err != nil {
			return fetch.Transient(fmt.Errorf("failed to write spool: %w", err))
		}

		sum := sha256.Sum256(chunk.Data)
		j.Checkpoint = job.Checkpoint{
			Cursor:    chunk.Cursor,
			Digest:    hex.EncodeToString(sum[:]),
			BytesDone: j.Checkpoint.BytesDone + int64(len(chunk.Data)),
		}

		if time.Since(lastCheckpoint) >= c.config.CheckpointInterval {
			if err := c.manager.ReportProgress(ctx, j, c.config.WorkerID, j.Checkpoint); err != nil {
				if errors.Is(err, job.ErrClaimLost) {
					c.signalAbort(j.ID, abortClaimLost)
					return fetch.Transient(err)
				}
				return fetch.Transient(err)
			}
			lastCheckpoint = time.Now()
		}
	}

	if err := spool.Sync(); err != nil {
		return fetch.Transient(fmt.Errorf("failed to sync spool: %w", err))
	}

	ref, err := c.finalize(ctx, j, spool.Name())
	if err != nil {
		return fetch.Transient(err)
	}

	if err := c.manager.Complete(ctx, j, c.config.WorkerID, ref); err != nil {
		return fetch.Transient(err)
	}
	c.removeSpool(j.ID)

	log.Info("Transfer completed",
		slog.Int64("bytes", j.Checkpoint.BytesDone),
		slog.String("artifact_ref", ref),
	)
	return nil
}

// openSpool opens the job's spool file, resuming when its length agrees
// with the persisted checkpoint and restarting from zero otherwise.
func (c *Coordinator) openSpool(j *job.Job, log *slog.Logger) (*os.File, error) {
	path := c.spoolPath(j.ID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat spool: %w", err)
	}

	if info.Size() != j.Checkpoint.BytesDone {
		if !j.Checkpoint.IsZero() {
			log.Warn("Spool does not match checkpoint, restarting transfer",
				slog.Int64("spool_bytes", info.Size()),
				slog.Int64("checkpoint_bytes", j.Checkpoint.BytesDone),
			)
		}
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate spool: %w", err)
		}
		j.Checkpoint = job.Checkpoint{}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek spool: %w", err)
	}
	return f, nil
}

// finalize persists the spooled bytes as the job's artifact.
func (c *Coordinator) finalize(ctx context.Context, j *job.Job, spoolPath string) (string, error) {
	src, err := os.Open(spoolPath)
	if err != nil {
		return "", fmt.Errorf("failed to reopen spool: %w", err)
	}
	defer src.Close()

	ref, err := c.blobs.Persist(ctx, j.ID, src)
	if err != nil {
		return "", fmt.Errorf("failed to persist artifact: %w", err)
	}
	return ref, nil
}

func (c *Coordinator) spoolPath(jobID string) string {
	return filepath.Join(c.config.SpoolDir, jobID+".part")
}

func (c *Coordinator) removeSpool(jobID string) {
	if err := os.Remove(c.spoolPath(jobID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to remove spool file",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
