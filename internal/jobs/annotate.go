package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
)

// ErrNotApplicable is returned by an Annotator when the annotation does not apply to
// the variant. The outcome is recorded as skipped.
var ErrNotApplicable = errors.New("annotation not applicable to variant")

// AnnotationRequest identifies one annotation to compute.
type AnnotationRequest struct {
	VariantID      string
	AnnotationType string
	Version        string
}

// Annotator computes one annotation of one variant by calling an external service.
type Annotator interface {
	Annotate(ctx context.Context, req AnnotationRequest) (map[string]any, error)
}

// annotateVariants annotates every variant named in params and records one
// VariantAnnotationStatus per variant. Variant-level failures are recorded and the job
// carries on, except retryable ones, which fail the job so the whole batch is retried.
func annotateVariants(annotator Annotator) Handler {
	return func(ctx context.Context, jc *JobContext) (map[string]any, error) {
		if annotator == nil {
			return nil, domain.NewJobError(domain.FailureConfigurationError, errors.New("no annotator configured"))
		}

		annotationType := jc.Params.String("annotation_type")
		version := jc.Params.String("version")
		variants := stringList(jc.Params["variants"])
		if annotationType == "" || version == "" {
			return nil, fmt.Errorf("%w: annotation_type and version are required", domain.ErrInvalidPayload)
		}

		jc.SaveToContext(map[string]any{
			"annotation_type": annotationType,
			"version":         version,
			"variant_count":   len(variants),
		})
		log := jc.Logger()

		var recorder *manager.AnnotationRecorder
		if jc.Job != nil {
			recorder = manager.NewAnnotationRecorder(jc.Exec.Store, log)
		}

		counts := map[domain.AnnotationStatus]int{}
		for i, variantID := range variants {
			if err := jc.CheckCancelled(ctx); err != nil {
				return annotationSummary(counts), err
			}

			req := AnnotationRequest{VariantID: variantID, AnnotationType: annotationType, Version: version}
			data, err := annotator.Annotate(ctx, req)

			status := domain.AnnotationStatusSuccess
			detail := manager.AnnotationDetail{Data: data, JobRunID: jc.Run.ID}
			switch {
			case errors.Is(err, ErrNotApplicable):
				status = domain.AnnotationStatusSkipped
				detail.Reason = err.Error()
			case err != nil:
				category := domain.Classify(err)
				if category.Retryable() {
					log.Warn("Annotation service unavailable, failing batch for retry",
						slog.String("variant_id", variantID),
						slog.String("failure_category", string(category)),
						slog.String("error", err.Error()),
					)
					return annotationSummary(counts), err
				}
				status = domain.AnnotationStatusFailed
				detail.Err = err
				detail.Category = category
			}

			if recorder != nil {
				if _, rerr := recorder.RecordOutcome(ctx, variantID, annotationType, version, status, detail); rerr != nil {
					return annotationSummary(counts), rerr
				}
			}
			counts[status]++

			if err := jc.Progress(ctx, i+1, len(variants), fmt.Sprintf("annotated %d/%d variants", i+1, len(variants))); err != nil {
				return annotationSummary(counts), err
			}
		}

		summary := annotationSummary(counts)
		if len(variants) > 0 && counts[domain.AnnotationStatusFailed] == len(variants) {
			return summary, domain.NewJobError(domain.FailureDataError,
				fmt.Errorf("all %d variants failed %s annotation", len(variants), annotationType))
		}
		return summary, nil
	}
}

func annotationSummary(counts map[domain.AnnotationStatus]int) map[string]any {
	return map[string]any{
		"succeeded": counts[domain.AnnotationStatusSuccess],
		"failed":    counts[domain.AnnotationStatusFailed],
		"skipped":   counts[domain.AnnotationStatusSkipped],
	}
}
