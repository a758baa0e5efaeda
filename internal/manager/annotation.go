package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

// AnnotationDetail carries the outcome-specific fields of one annotation attempt.
type AnnotationDetail struct {
	// Data is stored on success.
	Data map[string]any
	// Err and Category are stored on failure; an empty Category is derived from Err.
	Err      error
	Category domain.FailureCategory
	// Reason is stored as the message of skipped outcomes.
	Reason   string
	JobRunID string
}

// AnnotationRecorder records per-variant annotation outcomes, keeping one current row per key.
type AnnotationRecorder struct {
	store  Store
	logger *slog.Logger
}

// NewAnnotationRecorder creates an AnnotationRecorder.
func NewAnnotationRecorder(store Store, logger *slog.Logger) *AnnotationRecorder {
	return &AnnotationRecorder{store: store, logger: logger}
}

// RecordOutcome supersedes the current row for (variantID, annotationType, version) and inserts
// the new outcome as current, atomically with respect to concurrent writers on the same key.
func (r *AnnotationRecorder) RecordOutcome(ctx context.Context, variantID, annotationType, version string, status domain.AnnotationStatus, detail AnnotationDetail) (*domain.VariantAnnotationStatus, error) {
	if variantID == "" || annotationType == "" || version == "" {
		return nil, fmt.Errorf("%w: variant id, annotation type and version are required", domain.ErrInvalidPayload)
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown annotation status %q", domain.ErrInvalidPayload, status)
	}

	row := &domain.VariantAnnotationStatus{
		VariantID:      variantID,
		AnnotationType: annotationType,
		Version:        version,
		Status:         status,
	}
	if detail.JobRunID != "" {
		id := detail.JobRunID
		row.JobRunID = &id
	}

	switch status {
	case domain.AnnotationStatusSuccess:
		row.SuccessData = domain.JSONMap(detail.Data)
	case domain.AnnotationStatusFailed:
		category := detail.Category
		if category == "" {
			category = domain.Classify(detail.Err)
		}
		if category == "" {
			category = domain.FailureUnknown
		}
		row.FailureCategory = category.Ptr()
		msg := string(category)
		if detail.Err != nil {
			msg = detail.Err.Error()
		}
		row.ErrorMessage = &msg
	case domain.AnnotationStatusSkipped:
		if detail.Reason != "" {
			reason := detail.Reason
			row.ErrorMessage = &reason
		}
	}

	if err := r.store.RecordAnnotationOutcome(ctx, row); err != nil {
		return nil, err
	}

	r.logger.Debug("Annotation outcome recorded",
		slog.String("variant_id", variantID),
		slog.String("annotation_type", annotationType),
		slog.String("version", version),
		slog.String("status", string(status)),
	)
	return row, nil
}
