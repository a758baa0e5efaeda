// Package manager owns the lifecycle of job runs and pipelines. Every decision re-reads
// the store; the managers keep no authoritative state in memory.
package manager

import (
	"context"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// Store is the persistence surface the managers need. *storage.Store implements it.
type Store interface {
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	ListPipelineJobs(ctx context.Context, pipelineID string) ([]*domain.JobRun, error)
	ListPipelineDependencies(ctx context.Context, pipelineID string) ([]domain.DependencyEdge, error)
	CompareAndSetPipelineStatus(ctx context.Context, id string, from []domain.PipelineStatus, to domain.PipelineStatus) (bool, error)
	CancelPipeline(ctx context.Context, id, reason string) (int64, error)

	GetJobRun(ctx context.Context, id string) (*domain.JobRun, error)
	TransitionJobRun(ctx context.Context, id string, to domain.JobStatus, upd storage.JobUpdate) (bool, error)
	UpdateProgress(ctx context.Context, id string, percent int, message string) error
	ListDependenciesFor(ctx context.Context, jobRunID string) ([]domain.DependencyEdge, error)

	RecordAnnotationOutcome(ctx context.Context, row *domain.VariantAnnotationStatus) error
}

var _ Store = (*storage.Store)(nil)
