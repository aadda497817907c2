package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fetchflow/fetchflow/internal/gateway/dto"
	"github.com/fetchflow/fetchflow/internal/job"
	"github.com/fetchflow/fetchflow/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Submits a new content-fetch job for processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	j, err := h.lifecycle.Submit(c.Request.Context(), req.ResourceIdentifier, req.Priority, req.Options)
	if err != nil {
		var verr *job.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": verr.Error(),
				"field": verr.Field,
			})
			return
		}
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.lifecycle.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	filter := store.Filter{
		State:    req.State,
		Resource: req.Resource,
		PageSize: req.PageSize + 1,
		Cursor:   cursor,
	}

	jobs, err := h.lifecycle.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, j := range jobs {
		jobResponse[i] = toJobDTO(j)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// PauseJob handles POST /api/v1/jobs/:job_id/pause
func (h *JobHandler) PauseJob(c *gin.Context) {
	h.control(c, "pause", h.lifecycle.Pause)
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
func (h *JobHandler) ResumeJob(c *gin.Context) {
	h.control(c, "resume", h.lifecycle.Resume)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	h.control(c, "cancel", h.lifecycle.Cancel)
}

// control runs one lifecycle action and maps its errors onto HTTP.
func (h *JobHandler) control(c *gin.Context, action string, fn func(ctx context.Context, id string) error) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := fn(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, job.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
		default:
			h.logger.Error("Failed to apply job action",
				slog.String("action", action),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to " + action + " job",
			})
		}
		return
	}

	j, err := h.lifecycle.Get(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"job_id": jobID})
		return
	}
	c.JSON(http.StatusOK, toJobDTO(j))
}

// Stats handles GET /api/v1/stats
// Reports aggregated job counters and per-dependency circuit health
func (h *JobHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"jobs":     h.metrics.Current(),
		"circuits": h.lifecycle.Breakers().Snapshot(),
	})
}
