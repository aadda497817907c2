package dto

import "encoding/json"

type CreateJobRequest struct {
	ResourceIdentifier string          `json:"resource_identifier" binding:"required"`
	Priority           int             `json:"priority"`
	Options            json.RawMessage `json:"options"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	Resource string `form:"resource"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type CheckpointDTO struct {
	Cursor    string `json:"cursor"`
	BytesDone int64  `json:"bytes_done"`
}

type LastErrorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type JobDTO struct {
	JobID              string          `json:"job_id"`
	ResourceIdentifier string          `json:"resource_identifier"`
	Priority           int             `json:"priority"`
	State              string          `json:"state"`
	Paused             bool            `json:"paused"`
	AttemptCount       int             `json:"attempt_count"`
	MaxAttempts        int             `json:"max_attempts"`
	Checkpoint         *CheckpointDTO  `json:"checkpoint,omitempty"`
	LastError          *LastErrorDTO   `json:"last_error,omitempty"`
	Options            json.RawMessage `json:"options,omitempty"`
	ArtifactRef        string          `json:"artifact_ref,omitempty"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
}
