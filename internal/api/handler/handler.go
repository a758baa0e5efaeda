package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/gin-gonic/gin"
)

// Store is the persistence surface the handlers need
type Store interface {
	manager.Store
	factory.GraphWriter
	CreateJobRun(ctx context.Context, j *domain.JobRun) error
	ListPipelines(ctx context.Context, filter storage.PipelineFilter) ([]*domain.Pipeline, error)
}

var _ Store = (*storage.Store)(nil)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Store         Store
	Queue         queue.Publisher
	Catalog       factory.Catalog
	Registry      *jobs.Registry
	EngineVersion string
	// HealthChecks are run by GET /health, keyed by component name
	HealthChecks map[string]func(ctx context.Context) error
}

// PipelineHandler handles pipeline and job HTTP requests
type PipelineHandler struct {
	logger     *slog.Logger
	store      Store
	queue      queue.Publisher
	catalog    factory.Catalog
	registry   *jobs.Registry
	factory    *factory.Factory
	dispatcher *jobs.Dispatcher
}

// NewPipelineHandler creates a new PipelineHandler instance
func NewPipelineHandler(deps *Dependencies) *PipelineHandler {
	return &PipelineHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		queue:      deps.Queue,
		catalog:    deps.Catalog,
		registry:   deps.Registry,
		factory:    factory.New(deps.Store, deps.Registry, deps.EngineVersion, deps.Logger),
		dispatcher: jobs.NewDispatcher(deps.Store, deps.Queue, deps.Logger),
	}
}

// respondError maps domain errors onto HTTP status codes
func (h *PipelineHandler) respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError

	var (
		kindErr    *domain.UnknownJobKindError
		cycleErr   *domain.CyclicDependencyError
		missingErr *domain.MissingParameterError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPipelineTerminal),
		errors.Is(err, domain.ErrPipelineState),
		errors.Is(err, domain.ErrPipelineNotStarted):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEnqueueFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidPayload),
		errors.As(err, &kindErr),
		errors.As(err, &cycleErr),
		errors.As(err, &missingErr):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	} else {
		h.logger.Warn(msg, slog.String("error", err.Error()))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}
