package factory_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindSet map[string]bool

func (k kindSet) Has(kind string) bool { return k[kind] }

var knownKinds = kindSet{
	"noop":                       true,
	"annotate_variants":          true,
	"refresh_materialized_views": true,
}

func loadCatalog(t *testing.T) factory.Catalog {
	t.Helper()
	catalog, err := factory.LoadDefinitions(filepath.Join("testdata", "pipelines.yaml"))
	require.NoError(t, err)
	return catalog
}

func TestLoadDefinitions(t *testing.T) {
	catalog := loadCatalog(t)

	assert.Equal(t, []string{"annotate_score_set", "cyclic"}, catalog.Names())

	def, err := catalog.Get("annotate_score_set")
	require.NoError(t, err)
	assert.Equal(t, "annotate_score_set", def.Name)
	require.Len(t, def.Jobs, 3)
	assert.Equal(t, domain.DependencySuccessRequired, def.Jobs[1].DependsOn[0].Type)
	assert.Equal(t, domain.DependencyCompletionRequired, def.Jobs[2].DependsOn[0].Type)

	_, err = catalog.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadDefinitions_Errors(t *testing.T) {
	_, err := factory.LoadDefinitions(filepath.Join("testdata", "nope.yaml"))
	assert.Error(t, err)

	_, err = factory.ParseDefinitions([]byte("pipelines: [unclosed"))
	assert.Error(t, err)
}

func TestBuild_PersistsGraph(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	f := factory.New(store, knownKinds, "1.2.0", testutil.Logger())
	def, err := loadCatalog(t).Get("annotate_score_set")
	require.NoError(t, err)

	plan, err := f.Build(ctx, def, map[string]any{
		"variants":  []any{"v1", "v2"},
		"score_set": "urn:mavedb:00000001-a-1",
	}, factory.Options{CreatedBy: "0000-0001-2345-6789", Metadata: map[string]any{"source": "test"}})
	require.NoError(t, err)

	p, err := store.GetPipeline(ctx, plan.Pipeline.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusCreated, p.Status)
	assert.Equal(t, "1.2.0", p.EngineVersion)
	require.NotNil(t, p.CreatedBy)
	assert.Equal(t, "test", p.Metadata.String("source"))

	jobs, err := store.ListPipelineJobs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, domain.JobStatusPending, j.Status)
		assert.Equal(t, p.CorrelationID, j.CorrelationID)
	}

	mapJob := plan.Job("map_variants")
	require.NotNil(t, mapJob)
	assert.Equal(t, "2.0", mapJob.Params["version"])
	assert.Equal(t, []any{"v1", "v2"}, mapJob.Params["variants"])
	assert.Equal(t, factory.DefaultMaxRetries, mapJob.MaxRetries)

	clingen := plan.Job("clingen")
	require.NotNil(t, clingen)
	assert.Equal(t, "clingen for urn:mavedb:00000001-a-1", clingen.Params["label"])
	assert.Equal(t, 3, clingen.MaxRetries)

	edges, err := store.ListPipelineDependencies(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestBuild_ParametersOverrideDefaults(t *testing.T) {
	f := factory.New(testutil.NewStore(t), knownKinds, "dev", testutil.Logger())
	def, err := loadCatalog(t).Get("annotate_score_set")
	require.NoError(t, err)

	plan, err := f.Plan(def, map[string]any{
		"variants":        []any{"v1"},
		"score_set":       "s",
		"mapping_version": "3.1",
	}, factory.Options{})
	require.NoError(t, err)
	assert.Equal(t, "3.1", plan.Job("map_variants").Params["version"])
}

func TestBuild_TopologicalOrder(t *testing.T) {
	def := &factory.Definition{
		Name: "reversed",
		Jobs: []factory.JobDefinition{
			{Key: "c", Kind: "noop", DependsOn: []factory.DependencySpec{{Key: "b", Type: domain.DependencySuccessRequired}}},
			{Key: "b", Kind: "noop", DependsOn: []factory.DependencySpec{{Key: "a", Type: domain.DependencySuccessRequired}}},
			{Key: "a", Kind: "noop"},
		},
	}
	f := factory.New(testutil.NewStore(t), knownKinds, "dev", testutil.Logger())

	plan, err := f.Plan(def, nil, factory.Options{})
	require.NoError(t, err)

	var keys []string
	for _, j := range plan.Jobs {
		keys = append(keys, j.JobKey)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestBuild_CyclicDefinitionPersistsNothing(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	f := factory.New(store, knownKinds, "dev", testutil.Logger())
	def, err := loadCatalog(t).Get("cyclic")
	require.NoError(t, err)

	_, err = f.Build(ctx, def, nil, factory.Options{})
	require.Error(t, err)

	var cycleErr *domain.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b"}, cycleErr.Keys)
	assert.Equal(t, domain.FailureConfigurationError, domain.Classify(err))

	var count int
	require.NoError(t, store.DB().Get(&count, `SELECT COUNT(*) FROM pipelines`))
	assert.Zero(t, count)
	require.NoError(t, store.DB().Get(&count, `SELECT COUNT(*) FROM job_runs`))
	assert.Zero(t, count)
}

func TestBuild_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		def   *factory.Definition
		check func(t *testing.T, err error)
	}{
		{
			name: "duplicate key",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop"}, {Key: "a", Kind: "noop"},
			}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrInvalidPayload) },
		},
		{
			name: "unknown dependency",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop", DependsOn: []factory.DependencySpec{{Key: "ghost", Type: domain.DependencySuccessRequired}}},
			}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrInvalidPayload) },
		},
		{
			name: "unknown dependency type",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop"},
				{Key: "b", Kind: "noop", DependsOn: []factory.DependencySpec{{Key: "a", Type: "WHENEVER"}}},
			}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrInvalidPayload) },
		},
		{
			name: "unknown kind",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "launch_rockets"},
			}},
			check: func(t *testing.T, err error) {
				var kindErr *domain.UnknownJobKindError
				require.ErrorAs(t, err, &kindErr)
				assert.Equal(t, "launch_rockets", kindErr.Kind)
			},
		},
		{
			name: "self dependency",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop", DependsOn: []factory.DependencySpec{{Key: "a", Type: domain.DependencySuccessRequired}}},
			}},
			check: func(t *testing.T, err error) {
				var cycleErr *domain.CyclicDependencyError
				assert.ErrorAs(t, err, &cycleErr)
			},
		},
		{
			name: "missing parameter",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop", Params: map[string]any{"nested": map[string]any{"v": "${absent}"}}},
			}},
			check: func(t *testing.T, err error) {
				var missingErr *domain.MissingParameterError
				require.ErrorAs(t, err, &missingErr)
				assert.Equal(t, "a", missingErr.JobKey)
				assert.Equal(t, "absent", missingErr.Parameter)
			},
		},
		{
			name: "missing embedded parameter",
			def: &factory.Definition{Name: "p", Jobs: []factory.JobDefinition{
				{Key: "a", Kind: "noop", Params: map[string]any{"label": "run ${absent} now"}},
			}},
			check: func(t *testing.T, err error) {
				var missingErr *domain.MissingParameterError
				assert.ErrorAs(t, err, &missingErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := factory.New(testutil.NewStore(t), knownKinds, "dev", testutil.Logger())
			_, err := f.Build(context.Background(), tt.def, nil, factory.Options{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestBuild_DependencyFreeJobsGetNullEdge(t *testing.T) {
	def := &factory.Definition{
		Name: "fanout",
		Jobs: []factory.JobDefinition{{Key: "a", Kind: "noop"}, {Key: "b", Kind: "noop"}},
	}
	f := factory.New(testutil.NewStore(t), knownKinds, "dev", testutil.Logger())

	plan, err := f.Plan(def, nil, factory.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Len(t, plan.Dependencies, 2)
	for _, d := range plan.Dependencies {
		assert.Nil(t, d.DependsOnJobRunID)
	}
	assert.Equal(t, "corr-1", plan.Pipeline.CorrelationID)
}

func TestNewJobRun(t *testing.T) {
	run := factory.NewJobRun("refresh_materialized_views", map[string]any{"views": []any{"mv"}}, "")

	assert.Nil(t, run.PipelineID)
	assert.Equal(t, "refresh_materialized_views", run.JobKey)
	assert.Equal(t, domain.JobStatusPending, run.Status)
	assert.Equal(t, -1, run.ClaimedAttempt)
	assert.NotEmpty(t, run.CorrelationID)
	assert.NotEmpty(t, run.ID)

	store := testutil.NewStore(t)
	require.NoError(t, store.CreateJobRun(context.Background(), run))
	got, err := store.GetJobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, got.InPipeline())
}
