package manager_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotationRecorder_SupersedesCurrent(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	rec := manager.NewAnnotationRecorder(store, testutil.Logger())

	first, err := rec.RecordOutcome(ctx, "urn:mavedb:00000001-a-1#1", "vrs_mapping", "2.0",
		domain.AnnotationStatusFailed, manager.AnnotationDetail{Err: errors.New("upstream 503"), Category: domain.FailureServiceUnavailable})
	require.NoError(t, err)
	require.NotNil(t, first.FailureCategory)
	assert.Equal(t, domain.FailureServiceUnavailable, *first.FailureCategory)

	second, err := rec.RecordOutcome(ctx, "urn:mavedb:00000001-a-1#1", "vrs_mapping", "2.0",
		domain.AnnotationStatusSuccess, manager.AnnotationDetail{Data: map[string]any{"allele_id": "ga4gh:VA.x"}})
	require.NoError(t, err)

	rows, err := store.ListAnnotations(ctx, second.Key())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsCurrent)
	assert.True(t, rows[1].IsCurrent)
	assert.Equal(t, domain.AnnotationStatusSuccess, rows[1].Status)
	assert.Equal(t, "ga4gh:VA.x", rows[1].SuccessData.String("allele_id"))
}

func TestAnnotationRecorder_DerivesCategory(t *testing.T) {
	store := testutil.NewStore(t)
	rec := manager.NewAnnotationRecorder(store, testutil.Logger())

	row, err := rec.RecordOutcome(context.Background(), "v1", "clingen", "1",
		domain.AnnotationStatusFailed, manager.AnnotationDetail{Err: domain.NewJobError(domain.FailureInvalidHGVS, errors.New("NM_000.1:c.?"))})
	require.NoError(t, err)
	require.NotNil(t, row.FailureCategory)
	assert.Equal(t, domain.FailureInvalidHGVS, *row.FailureCategory)

	row, err = rec.RecordOutcome(context.Background(), "v2", "clingen", "1",
		domain.AnnotationStatusSkipped, manager.AnnotationDetail{Reason: "no hgvs"})
	require.NoError(t, err)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "no hgvs", *row.ErrorMessage)
	assert.Nil(t, row.FailureCategory)
}

func TestAnnotationRecorder_InvalidInput(t *testing.T) {
	store := testutil.NewStore(t)
	rec := manager.NewAnnotationRecorder(store, testutil.Logger())

	_, err := rec.RecordOutcome(context.Background(), "", "clingen", "1", domain.AnnotationStatusSuccess, manager.AnnotationDetail{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = rec.RecordOutcome(context.Background(), "v1", "clingen", "1", domain.AnnotationStatus("maybe"), manager.AnnotationDetail{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestAnnotationRecorder_ConcurrentCallers(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	rec := manager.NewAnnotationRecorder(store, testutil.Logger())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rec.RecordOutcome(ctx, "v-shared", "gnomad", "4.1", domain.AnnotationStatusSuccess,
				manager.AnnotationDetail{Data: map[string]any{"writer": fmt.Sprint(i)}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rows, err := store.ListAnnotations(ctx, domain.AnnotationKey{VariantID: "v-shared", AnnotationType: "gnomad", Version: "4.1"})
	require.NoError(t, err)
	require.Len(t, rows, 6)

	current := 0
	for _, r := range rows {
		if r.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
	assert.True(t, rows[len(rows)-1].IsCurrent)
}
