package jobs

import (
	"sort"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

// Kind is the persisted name of a job kind.
type Kind string

const (
	KindStartPipeline      Kind = "start_pipeline"
	KindCoordinatePipeline Kind = "coordinate_pipeline"
	KindAnnotateVariants   Kind = "annotate_variants"
	KindRefreshViews       Kind = "refresh_materialized_views"
	KindNoop               Kind = "noop"
)

// Deps are the collaborators of the built-in job kinds.
type Deps struct {
	Annotator Annotator
	// Views are refreshed by refresh_materialized_views when its params name none.
	Views []string
}

// Registry maps job kinds to their runners. The table is fixed when the registry is built.
type Registry struct {
	runners map[Kind]Runner
}

// NewRegistry builds the job kind table.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		runners: map[Kind]Runner{
			KindStartPipeline:      WithJobManagement(startPipeline),
			KindCoordinatePipeline: WithJobManagement(coordinatePipeline),
			KindAnnotateVariants:   WithPipelineManagement(WithJobManagement(annotateVariants(deps.Annotator))),
			KindRefreshViews:       WithPipelineManagement(WithJobManagement(refreshViews(deps.Views))),
			KindNoop:               WithPipelineManagement(WithJobManagement(noop)),
		},
	}
}

// Lookup returns the runner of a persisted job kind name.
func (r *Registry) Lookup(name string) (Runner, error) {
	runner, ok := r.runners[Kind(name)]
	if !ok {
		return nil, &domain.UnknownJobKindError{Kind: name}
	}
	return runner, nil
}

// Has reports whether name is a registered job kind.
func (r *Registry) Has(name string) bool {
	_, ok := r.runners[Kind(name)]
	return ok
}

// Kinds lists the registered job kinds, sorted.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
