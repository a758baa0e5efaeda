package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/variant-pipeline/internal/api/dto"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ListDefinitions handles GET /api/v1/definitions
func (h *PipelineHandler) ListDefinitions(c *gin.Context) {
	names := h.catalog.Names()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		def := h.catalog[name]
		out = append(out, gin.H{
			"name":        def.Name,
			"description": def.Description,
			"job_count":   len(def.Jobs),
		})
	}
	c.JSON(http.StatusOK, gin.H{"definitions": out})
}

// CreatePipeline handles POST /api/v1/pipelines
// Builds a pipeline from a catalog definition and, unless start is false, starts it
func (h *PipelineHandler) CreatePipeline(c *gin.Context) {
	// 1. Validate request body
	var req dto.CreatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	h.logger.Info("CreatePipeline called",
		slog.String("definition", req.Definition),
		slog.String("created_by", req.CreatedBy),
	)

	// 2. Resolve the definition
	def, err := h.catalog.Get(req.Definition)
	if err != nil {
		h.respondError(c, err, "Unknown pipeline definition")
		return
	}

	if req.CorrelationID == "" {
		req.CorrelationID = c.GetString("correlation_id")
	}

	// 3. Build and persist the graph
	plan, err := h.factory.Build(c.Request.Context(), def, req.Params, factory.Options{
		CreatedBy:     req.CreatedBy,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.respondError(c, err, "Failed to build pipeline")
		return
	}

	resp := dto.CreatePipelineResponse{
		Pipeline: dto.NewPipelineDTO(plan.Pipeline),
		Jobs:     dto.NewJobRunDTOs(plan.Jobs),
	}

	// 4. Enqueue the start_pipeline job
	if req.Start == nil || *req.Start {
		run, err := h.dispatcher.StartPipeline(c.Request.Context(), plan.Pipeline.ID)
		if err != nil {
			h.respondError(c, err, "Failed to start pipeline")
			return
		}
		resp.StartJobID = run.ID
	}

	c.JSON(http.StatusCreated, resp)
}

// StartPipeline handles POST /api/v1/pipelines/:pipeline_id/start
func (h *PipelineHandler) StartPipeline(c *gin.Context) {
	pipelineID, ok := h.pipelineID(c)
	if !ok {
		return
	}

	run, err := h.dispatcher.StartPipeline(c.Request.Context(), pipelineID)
	if err != nil {
		h.respondError(c, err, "Failed to start pipeline")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"pipeline_id":  pipelineID,
		"start_job_id": run.ID,
	})
}

// GetPipeline handles GET /api/v1/pipelines/:pipeline_id
// Returns the pipeline with all of its job runs
func (h *PipelineHandler) GetPipeline(c *gin.Context) {
	pipelineID, ok := h.pipelineID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	p, err := h.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		h.respondError(c, err, "Failed to get pipeline")
		return
	}

	jobRuns, err := h.store.ListPipelineJobs(ctx, pipelineID)
	if err != nil {
		h.respondError(c, err, "Failed to list pipeline jobs")
		return
	}

	c.JSON(http.StatusOK, dto.PipelineDetailResponse{
		Pipeline: dto.NewPipelineDTO(p),
		Jobs:     dto.NewJobRunDTOs(jobRuns),
	})
}

// ListPipelines handles GET /api/v1/pipelines
// Lists pipelines with optional filtering and cursor pagination
func (h *PipelineHandler) ListPipelines(c *gin.Context) {
	// 1. Parse query parameters
	var req dto.ListPipelinesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	if req.Status != "" && !domain.PipelineStatus(req.Status).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodePipelineCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// 4. Query pipelines
	pipelines, err := h.store.ListPipelines(c.Request.Context(), storage.PipelineFilter{
		Name:     req.Name,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list pipelines")
		return
	}

	// 5. Prepare response with next cursor if more results exist
	hasMore := len(pipelines) > req.PageSize
	if hasMore {
		pipelines = pipelines[:req.PageSize]
	}

	resp := dto.ListPipelinesResponse{Pipelines: make([]dto.PipelineDTO, len(pipelines))}
	for i, p := range pipelines {
		resp.Pipelines[i] = dto.NewPipelineDTO(p)
	}

	if hasMore {
		last := pipelines[len(pipelines)-1]
		resp.NextCursor = EncodePipelineCursor(&storage.PipelineCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelPipeline handles POST /api/v1/pipelines/:pipeline_id/cancel
// Cancels pending and queued jobs; running jobs stop cooperatively
func (h *PipelineHandler) CancelPipeline(c *gin.Context) {
	pipelineID, ok := h.pipelineID(c)
	if !ok {
		return
	}

	var req dto.CancelPipelineRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	ctx := c.Request.Context()
	pm := manager.NewPipelineManager(h.store, h.queue, h.logger)
	if err := pm.Load(ctx, pipelineID); err != nil {
		h.respondError(c, err, "Failed to get pipeline")
		return
	}

	cancelled, err := pm.Cancel(ctx, req.Reason)
	if err != nil {
		h.respondError(c, err, "Failed to cancel pipeline")
		return
	}

	c.JSON(http.StatusOK, dto.CancelPipelineResponse{
		PipelineID:    pipelineID,
		Status:        string(domain.PipelineStatusCancelled),
		CancelledJobs: cancelled,
	})
}

// PausePipeline handles POST /api/v1/pipelines/:pipeline_id/pause
// Stops coordination from enqueueing new jobs; queued and running jobs finish
func (h *PipelineHandler) PausePipeline(c *gin.Context) {
	pipelineID, ok := h.pipelineID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	pm := manager.NewPipelineManager(h.store, h.queue, h.logger)
	if err := pm.Load(ctx, pipelineID); err != nil {
		h.respondError(c, err, "Failed to get pipeline")
		return
	}
	if err := pm.Pause(ctx); err != nil {
		h.respondError(c, err, "Failed to pause pipeline")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline_id": pipelineID,
		"status":      pm.Pipeline().Status,
	})
}

// ResumePipeline handles POST /api/v1/pipelines/:pipeline_id/resume
// Moves a paused pipeline back to running and coordinates it
func (h *PipelineHandler) ResumePipeline(c *gin.Context) {
	pipelineID, ok := h.pipelineID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	pm := manager.NewPipelineManager(h.store, h.queue, h.logger)
	if err := pm.Load(ctx, pipelineID); err != nil {
		h.respondError(c, err, "Failed to get pipeline")
		return
	}
	report, err := pm.Resume(ctx)
	if err != nil {
		h.respondError(c, err, "Failed to resume pipeline")
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *PipelineHandler) pipelineID(c *gin.Context) (string, bool) {
	id := c.Param("pipeline_id")
	if _, err := uuid.Parse(id); err != nil {
		h.logger.Error("Invalid pipeline_id format", slog.String("pipeline_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "pipeline_id must be a valid UUID",
		})
		return "", false
	}
	return id, true
}
