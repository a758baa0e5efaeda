package storage

import (
	"context"
	"fmt"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

const dependencyEdgeQuery = `
	SELECT d.job_run_id, d.depends_on_job_run_id, d.dependency_type, j.status AS depends_on_status
	FROM job_dependencies d
	LEFT JOIN job_runs j ON j.id = d.depends_on_job_run_id
`

// ListDependenciesFor returns the dependency edges of one job run, each joined with the
// current status of the job it depends on. Read fresh on every call.
func (s *Store) ListDependenciesFor(ctx context.Context, jobRunID string) ([]domain.DependencyEdge, error) {
	query := s.db.Rebind(dependencyEdgeQuery + ` WHERE d.job_run_id = ? ORDER BY d.id`)

	var out []domain.DependencyEdge
	if err := s.db.SelectContext(ctx, &out, query, jobRunID); err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return out, nil
}

// ListPipelineDependencies returns every dependency edge of a pipeline
func (s *Store) ListPipelineDependencies(ctx context.Context, pipelineID string) ([]domain.DependencyEdge, error) {
	query := s.db.Rebind(dependencyEdgeQuery + ` WHERE d.pipeline_id = ? ORDER BY d.id`)

	var out []domain.DependencyEdge
	if err := s.db.SelectContext(ctx, &out, query, pipelineID); err != nil {
		return nil, fmt.Errorf("failed to list pipeline dependencies: %w", err)
	}
	return out, nil
}
