package domain

import "time"

// AnnotationKey identifies the outcome slot of one variant for one annotation type and version.
type AnnotationKey struct {
	VariantID      string
	AnnotationType string
	Version        string
}

// VariantAnnotationStatus records one annotation attempt. At most one row per key is current.
type VariantAnnotationStatus struct {
	ID              int64            `db:"id" json:"id"`
	VariantID       string           `db:"variant_id" json:"variant_id"`
	AnnotationType  string           `db:"annotation_type" json:"annotation_type"`
	Version         string           `db:"version" json:"version"`
	Status          AnnotationStatus `db:"status" json:"status"`
	ErrorMessage    *string          `db:"error_message" json:"error_message,omitempty"`
	FailureCategory *FailureCategory `db:"failure_category" json:"failure_category,omitempty"`
	SuccessData     JSONMap          `db:"success_data" json:"success_data,omitempty"`
	IsCurrent       bool             `db:"is_current" json:"current"`
	JobRunID        *string          `db:"job_run_id" json:"job_run_id,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Key returns the annotation key of the row.
func (v *VariantAnnotationStatus) Key() AnnotationKey {
	return AnnotationKey{VariantID: v.VariantID, AnnotationType: v.AnnotationType, Version: v.Version}
}
