package jobs_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAnnotator(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		switch {
		case r.URL.Path == "/annotations/clingen/1/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"allele_id":"CA123"}`))
		case r.URL.Path == "/annotations/clingen/1/garbled":
			_, _ = w.Write([]byte(`not json`))
		case r.URL.Path == "/annotations/clingen/1/missing":
			http.Error(w, "unknown variant", http.StatusNotFound)
		case r.URL.Path == "/annotations/clingen/1/busy":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case r.URL.Path == "/annotations/clingen/1/down":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		case r.URL.Path == "/annotations/clingen/1/secret":
			http.Error(w, "no", http.StatusForbidden)
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{BaseURL: server.URL + "/"})
	require.NoError(t, err)
	annotate := func(variant string) (map[string]any, error) {
		return annotator.Annotate(context.Background(), jobs.AnnotationRequest{
			VariantID: variant, AnnotationType: "clingen", Version: "1",
		})
	}

	data, err := annotate("ok")
	require.NoError(t, err)
	assert.Equal(t, "CA123", data["allele_id"])

	_, err = annotate("urn:mavedb:00000001-a-1#7")
	require.Error(t, err)
	assert.Equal(t, "/annotations/clingen/1/urn:mavedb:00000001-a-1%237", gotPath)
	assert.Equal(t, domain.FailureValidationError, domain.Classify(err))

	tests := []struct {
		variant string
		want    domain.FailureCategory
	}{
		{variant: "garbled", want: domain.FailureDataError},
		{variant: "busy", want: domain.FailureAPIRateLimited},
		{variant: "down", want: domain.FailureServiceUnavailable},
		{variant: "secret", want: domain.FailurePermissionError},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			_, err := annotate(tt.variant)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.Classify(err))
		})
	}

	_, err = annotate("missing")
	assert.True(t, errors.Is(err, jobs.ErrNotApplicable))
}

func TestHTTPAnnotator_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = annotator.Annotate(context.Background(), jobs.AnnotationRequest{
		VariantID: "v", AnnotationType: "t", Version: "1",
	})
	require.Error(t, err)
	assert.Equal(t, domain.FailureNetworkError, domain.Classify(err))
}

func TestHTTPAnnotator_CircuitOpensOnOutages(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{
		BaseURL:     server.URL,
		MaxFailures: 2,
		OpenTimeout: time.Hour,
	})
	require.NoError(t, err)

	req := jobs.AnnotationRequest{VariantID: "v", AnnotationType: "clingen", Version: "1"}
	for i := 0; i < 3; i++ {
		_, err := annotator.Annotate(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, domain.FailureServiceUnavailable, domain.Classify(err))
	}
	assert.EqualValues(t, 2, hits.Load(), "open circuit must not reach the service")
}

func TestHTTPAnnotator_NotApplicableKeepsCircuitClosed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unknown variant", http.StatusNotFound)
	}))
	defer server.Close()

	annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{BaseURL: server.URL, MaxFailures: 2})
	require.NoError(t, err)

	req := jobs.AnnotationRequest{VariantID: "v", AnnotationType: "clingen", Version: "1"}
	for i := 0; i < 5; i++ {
		_, err := annotator.Annotate(context.Background(), req)
		assert.ErrorIs(t, err, jobs.ErrNotApplicable)
	}
	assert.EqualValues(t, 5, hits.Load())
}

func TestHTTPAnnotator_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{BaseURL: server.URL, MaxFailures: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrJobCancelled)

	_, err = annotator.Annotate(ctx, jobs.AnnotationRequest{VariantID: "v", AnnotationType: "t", Version: "1"})
	assert.ErrorIs(t, err, domain.ErrJobCancelled)
}
