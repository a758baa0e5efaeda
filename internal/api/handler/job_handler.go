package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/variant-pipeline/internal/api/dto"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a standalone job run of a registered kind
func (h *PipelineHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.registry.Has(req.Kind) {
		h.respondError(c, &domain.UnknownJobKindError{Kind: req.Kind}, "Unknown job kind")
		return
	}

	run, err := h.dispatcher.EnqueueStandalone(c.Request.Context(), jobs.Kind(req.Kind), req.Params)
	if err != nil {
		h.respondError(c, err, "Failed to enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, dto.NewJobRunDTO(run))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job run
func (h *PipelineHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	// 1. Validate job_id format (UUID)
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// 2. Query job run from database
	run, err := h.store.GetJobRun(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobRunDTO(run))
}
