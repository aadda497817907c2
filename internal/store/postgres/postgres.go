// Package postgres implements the durable queue store on PostgreSQL.
// The dequeue+claim path relies on a conditional UPDATE over a
// FOR UPDATE SKIP LOCKED subselect so two workers can never claim the
// same job.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/store"
)

var _ store.Store = (*Store)(nil)

const jobColumns = `
	job_id, resource_id, priority, state, paused, cancel_requested,
	attempt_count, max_attempts, claimed_by, claim_expires_at, not_before,
	checkpoint_cursor, checkpoint_digest, checkpoint_bytes,
	last_error_kind, last_error_message, options, artifact_ref,
	created_at, updated_at`

// Store persists jobs in the fetch_jobs table.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store on top of an established sqlx connection pool.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the fetch_jobs table when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS fetch_jobs (
			job_id             TEXT PRIMARY KEY,
			resource_id        TEXT NOT NULL,
			priority           INTEGER NOT NULL DEFAULT 0,
			state              TEXT NOT NULL,
			paused             BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE,
			attempt_count      INTEGER NOT NULL DEFAULT 0,
			max_attempts       INTEGER NOT NULL DEFAULT 3,
			claimed_by         TEXT,
			claim_expires_at   TIMESTAMPTZ,
			not_before         TIMESTAMPTZ,
			checkpoint_cursor  TEXT NOT NULL DEFAULT '',
			checkpoint_digest  TEXT NOT NULL DEFAULT '',
			checkpoint_bytes   BIGINT NOT NULL DEFAULT 0,
			last_error_kind    TEXT NOT NULL DEFAULT '',
			last_error_message TEXT NOT NULL DEFAULT '',
			options            JSONB,
			artifact_ref       TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fetch_jobs_dequeue
			ON fetch_jobs (priority DESC, created_at ASC)
			WHERE state = 'PENDING';
		CREATE INDEX IF NOT EXISTS idx_fetch_jobs_claims
			ON fetch_jobs (claim_expires_at)
			WHERE state = 'RUNNING';
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return s.storageErr("migrate", err)
	}
	return nil
}

// Enqueue persists a new job record.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO fetch_jobs (
			job_id, resource_id, priority, state, paused, cancel_requested,
			attempt_count, max_attempts, claimed_by, claim_expires_at, not_before,
			checkpoint_cursor, checkpoint_digest, checkpoint_bytes,
			last_error_kind, last_error_message, options, artifact_ref,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, NULLIF($9, ''), $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18,
			$19, $20
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.ResourceID, j.Priority, j.State, j.Paused, j.CancelRequested,
		j.AttemptCount, j.MaxAttempts, j.ClaimedBy, nullTime(j.ClaimExpiresAt), nullTime(j.NotBefore),
		j.Checkpoint.Cursor, j.Checkpoint.Digest, j.Checkpoint.BytesDone,
		j.LastError.Kind, j.LastError.Message, []byte(j.Options), j.ArtifactRef,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return s.storageErr("enqueue job", err)
	}
	return nil
}

// Dequeue atomically claims the highest-priority eligible job.
func (s *Store) Dequeue(ctx context.Context, workerID string, leaseTTL time.Duration) (*job.Job, error) {
	query := fmt.Sprintf(`
		UPDATE fetch_jobs
		SET state = $1,
		    claimed_by = $2,
		    claim_expires_at = NOW() + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM fetch_jobs
			WHERE state = $4
			  AND NOT paused
			  AND (not_before IS NULL OR not_before <= NOW())
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, jobColumns)

	row := s.db.QueryRowContext(ctx, query,
		job.StateRunning, workerID, leaseTTL.Seconds(), job.StatePending)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.storageErr("dequeue job", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", j.ID),
		slog.String("worker_id", workerID),
	)
	return j, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM fetch_jobs WHERE job_id = $1`, jobColumns)

	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, s.storageErr("get job", err)
	}
	return j, nil
}

// Update overwrites a job record.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	res, err := s.db.ExecContext(ctx, updateQuery+` WHERE job_id = $18`, updateArgs(j)...)
	if err != nil {
		return s.storageErr("update job", err)
	}
	return s.requireRow(res)
}

// UpdateClaimed overwrites a record only while workerID holds the lease.
func (s *Store) UpdateClaimed(ctx context.Context, j *job.Job, workerID string) error {
	query := updateQuery + `
		WHERE job_id = $18 AND claimed_by = $19 AND claim_expires_at > NOW()`

	args := append(updateArgs(j), workerID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.storageErr("update claimed job", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return s.storageErr("update claimed job", err)
	}
	if rows == 0 {
		return job.ErrClaimLost
	}
	return nil
}

// RenewClaim extends the lease and returns the current record.
func (s *Store) RenewClaim(ctx context.Context, id, workerID string, ttl time.Duration) (*job.Job, error) {
	query := fmt.Sprintf(`
		UPDATE fetch_jobs
		SET claim_expires_at = NOW() + make_interval(secs => $1),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND claimed_by = $3
		  AND claim_expires_at > NOW()
		  AND state = $4
		RETURNING %s
	`, jobColumns)

	j, err := scanJob(s.db.QueryRowContext(ctx, query, ttl.Seconds(), id, workerID, job.StateRunning))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrClaimLost
		}
		return nil, s.storageErr("renew claim", err)
	}
	return j, nil
}

// ReclaimExpired recovers jobs whose lease has lapsed.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]*job.Job, error) {
	query := fmt.Sprintf(`
		UPDATE fetch_jobs
		SET state = CASE WHEN cancel_requested THEN $1 ELSE $2 END,
		    checkpoint_cursor = CASE WHEN cancel_requested THEN '' ELSE checkpoint_cursor END,
		    checkpoint_digest = CASE WHEN cancel_requested THEN '' ELSE checkpoint_digest END,
		    checkpoint_bytes = CASE WHEN cancel_requested THEN 0 ELSE checkpoint_bytes END,
		    claimed_by = NULL,
		    claim_expires_at = NULL,
		    updated_at = NOW()
		WHERE state = $3
		  AND claimed_by IS NOT NULL
		  AND claim_expires_at < $4
		RETURNING %s
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query,
		job.StateCancelled, job.StatePending, job.StateRunning, now)
	if err != nil {
		return nil, s.storageErr("reclaim expired", err)
	}
	defer rows.Close()

	var recovered []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, s.storageErr("reclaim expired", err)
		}
		recovered = append(recovered, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("reclaim expired", err)
	}
	return recovered, nil
}

// List returns jobs newest first with keyset pagination.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM fetch_jobs WHERE 1=1`, jobColumns)
	args := []interface{}{}
	argIdx := 1

	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, f.State)
		argIdx++
	}
	if f.Resource != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, f.Resource)
		argIdx++
	}
	if f.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, f.Cursor.CreatedAt, f.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	if f.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.PageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.storageErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, s.storageErr("list jobs", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("list jobs", err)
	}
	return jobs, nil
}

const updateQuery = `
	UPDATE fetch_jobs
	SET resource_id = $1,
	    priority = $2,
	    state = $3,
	    paused = $4,
	    cancel_requested = $5,
	    attempt_count = $6,
	    max_attempts = $7,
	    claimed_by = NULLIF($8, ''),
	    claim_expires_at = $9,
	    not_before = $10,
	    checkpoint_cursor = $11,
	    checkpoint_digest = $12,
	    checkpoint_bytes = $13,
	    last_error_kind = $14,
	    last_error_message = $15,
	    options = $16,
	    artifact_ref = $17,
	    updated_at = NOW()`

func updateArgs(j *job.Job) []interface{} {
	return []interface{}{
		j.ResourceID, j.Priority, j.State, j.Paused, j.CancelRequested,
		j.AttemptCount, j.MaxAttempts, j.ClaimedBy, nullTime(j.ClaimExpiresAt), nullTime(j.NotBefore),
		j.Checkpoint.Cursor, j.Checkpoint.Digest, j.Checkpoint.BytesDone,
		j.LastError.Kind, j.LastError.Message, []byte(j.Options), j.ArtifactRef,
		j.ID,
	}
}

func (s *Store) requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return s.storageErr("rows affected", err)
	}
	if rows == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) storageErr(op string, err error) error {
	s.logger.Error("Queue store operation failed",
		slog.String("op", op),
		slog.Any("error", err),
	)
	return fmt.Errorf("%w: %s: %v", job.ErrStorageUnavailable, op, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		claimedBy sql.NullString
		claimExp  sql.NullTime
		notBefore sql.NullTime
		options   []byte
	)

	err := row.Scan(
		&j.ID, &j.ResourceID, &j.Priority, &j.State, &j.Paused, &j.CancelRequested,
		&j.AttemptCount, &j.MaxAttempts, &claimedBy, &claimExp, &notBefore,
		&j.Checkpoint.Cursor, &j.Checkpoint.Digest, &j.Checkpoint.BytesDone,
		&j.LastError.Kind, &j.LastError.Message, &options, &j.ArtifactRef,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if claimedBy.Valid {
		j.ClaimedBy = claimedBy.String
	}
	if claimExp.Valid {
		j.ClaimExpiresAt = claimExp.Time
	}
	if notBefore.Valid {
		j.NotBefore = notBefore.Time
	}
	j.Options = options

	return &j, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
