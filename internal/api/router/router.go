package router

import (
	"net/http"

	"github.com/cuongbtq/variant-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(CorrelationMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		components := gin.H{}
		for name, check := range deps.HealthChecks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":     health,
			"service":    "pipeline-api-service",
			"components": components,
		})
	})

	h := handler.NewPipelineHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/definitions - List pipeline definitions in the catalog
		v1.GET("/definitions", h.ListDefinitions)

		pipelines := v1.Group("/pipelines")
		{
			// POST /api/v1/pipelines - Build a pipeline from a definition and start it
			pipelines.POST("", h.CreatePipeline)

			// GET /api/v1/pipelines - List pipelines with filtering and pagination
			pipelines.GET("", h.ListPipelines)

			// GET /api/v1/pipelines/:pipeline_id - Get pipeline with its jobs
			pipelines.GET("/:pipeline_id", h.GetPipeline)

			// POST /api/v1/pipelines/:pipeline_id/start - Start a created pipeline
			pipelines.POST("/:pipeline_id/start", h.StartPipeline)

			// POST /api/v1/pipelines/:pipeline_id/pause - Stop enqueueing new jobs
			pipelines.POST("/:pipeline_id/pause", h.PausePipeline)

			// POST /api/v1/pipelines/:pipeline_id/resume - Resume a paused pipeline
			pipelines.POST("/:pipeline_id/resume", h.ResumePipeline)

			// POST /api/v1/pipelines/:pipeline_id/cancel - Cancel a pipeline
			pipelines.POST("/:pipeline_id/cancel", h.CancelPipeline)
		}

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a standalone job
			jobs.POST("", h.CreateJob)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", h.GetJob)
		}
	}

	return r
}
