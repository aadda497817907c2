package job

import (
	"encoding/json"
	"time"
)

// Job state constants
const (
	StatePending        = "PENDING"
	StateRunning        = "RUNNING"
	StateCompleted      = "COMPLETED"
	StateFailedRetry    = "FAILED_RETRYABLE"
	StateFailedTerminal = "FAILED_TERMINAL"
	StateCancelled      = "CANCELLED"
)

// Checkpoint is the resume cursor for a partially transferred job.
// Cursor is opaque to everything except the fetch capability; Digest
// lets the next attempt verify the bytes it is resuming on top of.
type Checkpoint struct {
	Cursor    string `json:"cursor" db:"checkpoint_cursor"`
	Digest    string `json:"digest" db:"checkpoint_digest"`
	BytesDone int64  `json:"bytes_done" db:"checkpoint_bytes"`
}

// IsZero reports whether no checkpoint has been recorded yet.
func (c Checkpoint) IsZero() bool {
	return c.Cursor == "" && c.Digest == "" && c.BytesDone == 0
}

// LastError records the most recent failure for status queries.
type LastError struct {
	Kind    string `json:"kind" db:"last_error_kind"`
	Message string `json:"message" db:"last_error_message"`
}

// Job is the persisted record for one content-fetch job.
type Job struct {
	ID              string          `db:"job_id"`
	ResourceID      string          `db:"resource_id"`
	Priority        int             `db:"priority"`
	State           string          `db:"state"`
	Paused          bool            `db:"paused"`
	CancelRequested bool            `db:"cancel_requested"`
	AttemptCount    int             `db:"attempt_count"`
	MaxAttempts     int             `db:"max_attempts"`
	ClaimedBy       string          `db:"claimed_by"`
	ClaimExpiresAt  time.Time       `db:"claim_expires_at"`
	NotBefore       time.Time       `db:"not_before"`
	Checkpoint      Checkpoint      `db:""`
	LastError       LastError       `db:""`
	Options         json.RawMessage `db:"options"`
	ArtifactRef     string          `db:"artifact_ref"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	return IsTerminalState(j.State)
}

// Claimed reports whether a worker currently holds a lease on the job.
func (j *Job) Claimed() bool {
	return j.ClaimedBy != ""
}

// ClaimExpired reports whether the held lease is void as of now.
func (j *Job) ClaimExpired(now time.Time) bool {
	return j.Claimed() && j.ClaimExpiresAt.Before(now)
}

// IsTerminalState reports whether the given state is terminal.
func IsTerminalState(state string) bool {
	switch state {
	case StateCompleted, StateFailedTerminal, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from
// one state to another. FAILED_RETRYABLE is a bookkeeping state the
// lifecycle manager passes through on the way back to PENDING or down
// to FAILED_TERMINAL.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		// RUNNING -> PENDING covers pause and claim-expiry recovery.
		return to == StateCompleted ||
			to == StateFailedRetry ||
			to == StateFailedTerminal ||
			to == StateCancelled ||
			to == StatePending
	case StateFailedRetry:
		return to == StatePending || to == StateFailedTerminal
	}
	return false
}

// Claim is the ephemeral lease a worker holds while executing a job.
type Claim struct {
	JobID     string
	WorkerID  string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still live as of now.
func (c Claim) Valid(now time.Time) bool {
	return c.WorkerID != "" && c.ExpiresAt.After(now)
}
