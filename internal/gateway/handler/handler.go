package handler

import (
	"log/slog"
	"time"

	"github.com/fetchflow/fetchflow/internal/gateway/dto"
	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/lifecycle"
	"github.com/fetchflow/fetchflow/internal/metrics"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Manager
	Metrics   *metrics.Aggregator
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	lifecycle *lifecycle.Manager
	metrics   *metrics.Aggregator
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		lifecycle: deps.Lifecycle,
		metrics:   deps.Metrics,
	}
}

func toJobDTO(j *job.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:              j.ID,
		ResourceIdentifier: j.ResourceID,
		Priority:           j.Priority,
		State:              j.State,
		Paused:             j.Paused,
		AttemptCount:       j.AttemptCount,
		MaxAttempts:        j.MaxAttempts,
		Options:            j.Options,
		ArtifactRef:        j.ArtifactRef,
		CreatedAt:          j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          j.UpdatedAt.Format(time.RFC3339),
	}
	if !j.Checkpoint.IsZero() {
		out.Checkpoint = &dto.CheckpointDTO{
			Cursor:    j.Checkpoint.Cursor,
			BytesDone: j.Checkpoint.BytesDone,
		}
	}
	if j.LastError.Kind != "" {
		out.LastError = &dto.LastErrorDTO{
			Kind:    j.LastError.Kind,
			Message: j.LastError.Message,
		}
	}
	return out
}
