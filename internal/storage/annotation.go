package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

const annotationColumns = `id, variant_id, annotation_type, version, status, error_message, failure_category,
	success_data, is_current, job_run_id, created_at, updated_at`

// maxAnnotationAttempts bounds retries of the flip+insert on a lost race
const maxAnnotationAttempts = 5

var errAnnotationConflict = errors.New("concurrent current annotation insert")

// RecordAnnotationOutcome supersedes the current row for the key and inserts row as the new
// current one, in one transaction. A concurrent writer that wins the unique current index
// causes a retry, so exactly one current row survives.
func (s *Store) RecordAnnotationOutcome(ctx context.Context, row *domain.VariantAnnotationStatus) error {
	var err error
	for attempt := 1; attempt <= maxAnnotationAttempts; attempt++ {
		err = s.recordAnnotationOnce(ctx, row)
		if !errors.Is(err, errAnnotationConflict) {
			return err
		}

		s.logger.Debug("Annotation current-flag race lost, retrying",
			slog.String("variant_id", row.VariantID),
			slog.String("annotation_type", row.AnnotationType),
			slog.Int("attempt", attempt),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to record annotation after %d attempts: %w", maxAnnotationAttempts, err)
}

func (s *Store) recordAnnotationOnce(ctx context.Context, row *domain.VariantAnnotationStatus) error {
	now := s.now()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		flip := tx.Rebind(`
			UPDATE variant_annotation_statuses
			SET is_current = ?, updated_at = ?
			WHERE variant_id = ? AND annotation_type = ? AND version = ? AND is_current = ?
		`)
		if _, err := tx.ExecContext(ctx, flip, false, now, row.VariantID, row.AnnotationType, row.Version, true); err != nil {
			if isUniqueViolation(err) {
				return errAnnotationConflict
			}
			return fmt.Errorf("failed to supersede current annotation: %w", err)
		}

		insert := tx.Rebind(`
			INSERT INTO variant_annotation_statuses (
				variant_id, annotation_type, version, status, error_message, failure_category,
				success_data, is_current, job_run_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`)
		var id int64
		err := tx.QueryRowxContext(ctx, insert,
			row.VariantID, row.AnnotationType, row.Version, row.Status, row.ErrorMessage, row.FailureCategory,
			row.SuccessData, true, row.JobRunID, now, now,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return errAnnotationConflict
			}
			return fmt.Errorf("failed to insert annotation: %w", err)
		}

		row.ID = id
		row.IsCurrent = true
		row.CreatedAt = now
		row.UpdatedAt = now
		return nil
	})
}

// CurrentAnnotation returns the current row for key
func (s *Store) CurrentAnnotation(ctx context.Context, key domain.AnnotationKey) (*domain.VariantAnnotationStatus, error) {
	query := s.db.Rebind(`SELECT ` + annotationColumns + ` FROM variant_annotation_statuses
		WHERE variant_id = ? AND annotation_type = ? AND version = ? AND is_current = ?`)

	var row domain.VariantAnnotationStatus
	if err := s.db.GetContext(ctx, &row, query, key.VariantID, key.AnnotationType, key.Version, true); err != nil {
		return nil, notFound(err, "annotation", key.VariantID)
	}
	return &row, nil
}

// ListAnnotations returns every row for key, oldest first
func (s *Store) ListAnnotations(ctx context.Context, key domain.AnnotationKey) ([]*domain.VariantAnnotationStatus, error) {
	query := s.db.Rebind(`SELECT ` + annotationColumns + ` FROM variant_annotation_statuses
		WHERE variant_id = ? AND annotation_type = ? AND version = ? ORDER BY id`)

	var out []*domain.VariantAnnotationStatus
	if err := s.db.SelectContext(ctx, &out, query, key.VariantID, key.AnnotationType, key.Version); err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	return out, nil
}

// ListJobAnnotations returns the current rows written by one job run
func (s *Store) ListJobAnnotations(ctx context.Context, jobRunID string) ([]*domain.VariantAnnotationStatus, error) {
	query := s.db.Rebind(`SELECT ` + annotationColumns + ` FROM variant_annotation_statuses
		WHERE job_run_id = ? AND is_current = ? ORDER BY id`)

	var out []*domain.VariantAnnotationStatus
	if err := s.db.SelectContext(ctx, &out, query, jobRunID, true); err != nil {
		return nil, fmt.Errorf("failed to list job annotations: %w", err)
	}
	return out, nil
}
