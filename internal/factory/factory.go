package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/google/uuid"
)

// DefaultMaxRetries is used for jobs that do not declare max_retries.
const DefaultMaxRetries = 5

// GraphWriter persists a pipeline graph in one transaction.
type GraphWriter interface {
	CreatePipelineGraph(ctx context.Context, p *domain.Pipeline, jobs []*domain.JobRun, deps []*domain.JobDependency) error
}

// KindChecker reports whether a job kind can be executed.
type KindChecker interface {
	Has(kind string) bool
}

// Options are the per-build attributes of a pipeline.
type Options struct {
	CreatedBy     string
	CorrelationID string
	Metadata      map[string]any
}

// Plan is a validated pipeline graph ready to persist.
type Plan struct {
	Pipeline *domain.Pipeline
	// Jobs are in topological order.
	Jobs         []*domain.JobRun
	Dependencies []*domain.JobDependency
}

// Job returns the job run declared under key, or nil.
func (p *Plan) Job(key string) *domain.JobRun {
	for _, j := range p.Jobs {
		if j.JobKey == key {
			return j
		}
	}
	return nil
}

// Factory builds pipelines from definitions.
type Factory struct {
	store         GraphWriter
	kinds         KindChecker
	engineVersion string
	logger        *slog.Logger
}

// New creates a Factory. kinds may be nil to accept any job kind.
func New(store GraphWriter, kinds KindChecker, engineVersion string, logger *slog.Logger) *Factory {
	return &Factory{
		store:         store,
		kinds:         kinds,
		engineVersion: engineVersion,
		logger:        logger,
	}
}

// Build validates def, resolves its parameters and persists the pipeline with all job runs
// and dependency edges in one transaction. Nothing is written when validation fails.
func (f *Factory) Build(ctx context.Context, def *Definition, params map[string]any, opts Options) (*Plan, error) {
	plan, err := f.Plan(def, params, opts)
	if err != nil {
		return nil, err
	}

	if err := f.store.CreatePipelineGraph(ctx, plan.Pipeline, plan.Jobs, plan.Dependencies); err != nil {
		return nil, err
	}

	f.logger.Info("Pipeline built",
		slog.String("pipeline_id", plan.Pipeline.ID),
		slog.String("definition", def.Name),
		slog.String("correlation_id", plan.Pipeline.CorrelationID),
		slog.Int("job_count", len(plan.Jobs)),
	)
	return plan, nil
}

// Plan validates def and produces the rows Build would persist.
func (f *Factory) Plan(def *Definition, params map[string]any, opts Options) (*Plan, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil pipeline definition", domain.ErrInvalidPayload)
	}

	if err := f.validate(def); err != nil {
		f.logger.Warn("Invalid pipeline definition",
			slog.String("definition", def.Name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	order, err := topoSort(def)
	if err != nil {
		f.logger.Warn("Invalid pipeline definition",
			slog.String("definition", def.Name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	pipelineParams := mergeParams(def.Defaults, params)

	pipelineID := uuid.NewString()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	p := &domain.Pipeline{
		ID:            pipelineID,
		URN:           fmt.Sprintf("urn:pipeline:%s:%s", def.Name, pipelineID),
		Name:          def.Name,
		Description:   def.Description,
		Status:        domain.PipelineStatusCreated,
		CorrelationID: correlationID,
		Metadata:      domain.JSONMap(opts.Metadata),
		EngineVersion: f.engineVersion,
	}
	if opts.CreatedBy != "" {
		createdBy := opts.CreatedBy
		p.CreatedBy = &createdBy
	}

	byKey := make(map[string]*domain.JobRun, len(def.Jobs))
	jobs := make([]*domain.JobRun, 0, len(def.Jobs))
	for _, jd := range order {
		resolved, err := resolveParams(jd.Key, jd.Params, pipelineParams)
		if err != nil {
			return nil, err
		}

		run := newJobRun(jd.Kind, resolved, jd.MaxRetries, correlationID)
		run.PipelineID = &pipelineID
		run.JobKey = jd.Key

		byKey[jd.Key] = run
		jobs = append(jobs, run)
	}

	var deps []*domain.JobDependency
	for _, jd := range order {
		run := byKey[jd.Key]
		if len(jd.DependsOn) == 0 {
			deps = append(deps, &domain.JobDependency{
				JobRunID:       run.ID,
				PipelineID:     pipelineID,
				DependencyType: domain.DependencySuccessRequired,
			})
			continue
		}
		for _, d := range jd.DependsOn {
			target := byKey[d.Key].ID
			deps = append(deps, &domain.JobDependency{
				JobRunID:          run.ID,
				PipelineID:        pipelineID,
				DependsOnJobRunID: &target,
				DependencyType:    d.Type,
			})
		}
	}

	return &Plan{Pipeline: p, Jobs: jobs, Dependencies: deps}, nil
}

// validate checks keys, kinds and dependency references
func (f *Factory) validate(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: pipeline definition has no name", domain.ErrInvalidPayload)
	}

	keys := make(map[string]bool, len(def.Jobs))
	for _, jd := range def.Jobs {
		if jd.Key == "" {
			return fmt.Errorf("%w: pipeline %q has a job without key", domain.ErrInvalidPayload, def.Name)
		}
		if keys[jd.Key] {
			return fmt.Errorf("%w: pipeline %q declares job %q twice", domain.ErrInvalidPayload, def.Name, jd.Key)
		}
		keys[jd.Key] = true

		if f.kinds != nil && !f.kinds.Has(jd.Kind) {
			return &domain.UnknownJobKindError{Kind: jd.Kind}
		}
	}

	for _, jd := range def.Jobs {
		for _, d := range jd.DependsOn {
			if !keys[d.Key] {
				return fmt.Errorf("%w: job %q depends on unknown job %q", domain.ErrInvalidPayload, jd.Key, d.Key)
			}
			if !d.Type.IsValid() {
				return fmt.Errorf("%w: job %q has unknown dependency type %q", domain.ErrInvalidPayload, jd.Key, d.Type)
			}
		}
	}
	return nil
}

// topoSort orders jobs so every job follows its dependencies (Kahn's algorithm).
// Ties keep definition order. Jobs left over sit on a cycle.
func topoSort(def *Definition) ([]JobDefinition, error) {
	indegree := make(map[string]int, len(def.Jobs))
	dependents := make(map[string][]string, len(def.Jobs))
	byKey := make(map[string]JobDefinition, len(def.Jobs))
	for _, jd := range def.Jobs {
		byKey[jd.Key] = jd
		for _, d := range jd.DependsOn {
			indegree[jd.Key]++
			dependents[d.Key] = append(dependents[d.Key], jd.Key)
		}
	}

	var ready []string
	for _, jd := range def.Jobs {
		if indegree[jd.Key] == 0 {
			ready = append(ready, jd.Key)
		}
	}

	order := make([]JobDefinition, 0, len(def.Jobs))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, byKey[key])

		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(def.Jobs) {
		var cyclic []string
		for key, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, key)
			}
		}
		sort.Strings(cyclic)
		return nil, &domain.CyclicDependencyError{Pipeline: def.Name, Keys: cyclic}
	}
	return order, nil
}

// NewJobRun builds a standalone job run of kind, outside any pipeline.
// The caller persists it with CreateJobRun.
func NewJobRun(kind string, params map[string]any, correlationID string) *domain.JobRun {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	run := newJobRun(kind, params, 0, correlationID)
	run.JobKey = kind
	return run
}

func newJobRun(kind string, params map[string]any, maxRetries int, correlationID string) *domain.JobRun {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &domain.JobRun{
		ID:             uuid.NewString(),
		JobKind:        kind,
		Status:         domain.JobStatusPending,
		MaxRetries:     maxRetries,
		ClaimedAttempt: -1,
		Params:         domain.JSONMap(params),
		CorrelationID:  correlationID,
	}
}
