package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fetchflow/fetchflow/internal/gateway/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fetchflow-gateway",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new fetch job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/pause - Take a job out of dispatch
			jobs.POST("/:job_id/pause", jobHandler.PauseJob)

			// POST /api/v1/jobs/:job_id/resume - Re-admit a paused job
			jobs.POST("/:job_id/resume", jobHandler.ResumeJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/stats - Aggregated counters and circuit health
		v1.GET("/stats", jobHandler.Stats)
	}

	return r
}
