package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
)

func pipelineParam(jc *JobContext) (string, error) {
	id := jc.Params.String("pipeline_id")
	if id == "" {
		return "", fmt.Errorf("%w: pipeline_id is required", domain.ErrInvalidPayload)
	}
	return id, nil
}

// startPipeline moves a created pipeline to running and enqueues its first jobs
func startPipeline(ctx context.Context, jc *JobContext) (map[string]any, error) {
	id, err := pipelineParam(jc)
	if err != nil {
		return nil, err
	}

	pm := manager.NewPipelineManager(jc.Exec.Store, jc.Exec.Queue, jc.Logger())
	if err := pm.Load(ctx, id); err != nil {
		return nil, notFoundAsValidation(err)
	}
	report, err := pm.Start(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineTerminal) {
			return report.Data(), domain.NewJobError(domain.FailureValidationError, err)
		}
		return nil, err
	}
	return report.Data(), nil
}

// coordinatePipeline runs one coordination pass; scheduled when a post-job pass failed
func coordinatePipeline(ctx context.Context, jc *JobContext) (map[string]any, error) {
	id, err := pipelineParam(jc)
	if err != nil {
		return nil, err
	}

	pm := manager.NewPipelineManager(jc.Exec.Store, jc.Exec.Queue, jc.Logger())
	if err := pm.Load(ctx, id); err != nil {
		return nil, notFoundAsValidation(err)
	}
	report, err := pm.Coordinate(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotStarted) {
			return nil, domain.NewJobError(domain.FailureSchedulingError, err)
		}
		return nil, err
	}
	return report.Data(), nil
}

// refreshViews refreshes materialized views, by default the configured ones
func refreshViews(defaults []string) Handler {
	return func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		views := stringList(jc.Params["views"])
		if len(views) == 0 {
			views = defaults
		}
		concurrently, _ := jc.Params["concurrently"].(bool)

		for i, view := range views {
			if err := jc.CheckCancelled(ctx); err != nil {
				return nil, err
			}
			if err := jc.Exec.Store.RefreshMaterializedView(ctx, view, concurrently); err != nil {
				return nil, err
			}
			if err := jc.Progress(ctx, i+1, len(views), "refreshed "+view); err != nil {
				return nil, err
			}
		}
		return map[string]any{"refreshed": views}, nil
	}
}

// noop does nothing; used to exercise pipelines end to end
func noop(ctx context.Context, jc *JobContext) (map[string]any, error) {
	if err := jc.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"job_kind": string(KindNoop)}, nil
}

func notFoundAsValidation(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewJobError(domain.FailureValidationError, err)
	}
	return err
}

// stringList reads a []string param decoded from JSON
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
