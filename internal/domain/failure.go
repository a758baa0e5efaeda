package domain

import (
	"context"
	"errors"
	"net"
)

// FailureCategory classifies why a job or an annotation failed.
type FailureCategory string

const (
	FailureSystemError          FailureCategory = "system_error"
	FailureTimeout              FailureCategory = "timeout"
	FailureResourceExhaustion   FailureCategory = "resource_exhaustion"
	FailureConfigurationError   FailureCategory = "configuration_error"
	FailureDependencyFailure    FailureCategory = "dependency_failure"
	FailureEnqueueError         FailureCategory = "enqueue_error"
	FailureSchedulingError      FailureCategory = "scheduling_error"
	FailureCancelled            FailureCategory = "cancelled"
	FailureValidationError      FailureCategory = "validation_error"
	FailureDataError            FailureCategory = "data_error"
	FailureNetworkError         FailureCategory = "network_error"
	FailureAPIRateLimited       FailureCategory = "api_rate_limited"
	FailureServiceUnavailable   FailureCategory = "service_unavailable"
	FailureAuthenticationFailed FailureCategory = "authentication_failed"
	FailurePermissionError      FailureCategory = "permission_error"
	FailureQuotaExceeded        FailureCategory = "quota_exceeded"
	FailureInvalidHGVS          FailureCategory = "invalid_hgvs"
	FailureReferenceMismatch    FailureCategory = "reference_mismatch"
	FailureVRSMappingFailed     FailureCategory = "vrs_mapping_failed"
	FailureTranscriptNotFound   FailureCategory = "transcript_not_found"
	FailureUnknown              FailureCategory = "unknown"
)

var retryableCategories = map[FailureCategory]bool{
	FailureTimeout:            true,
	FailureNetworkError:       true,
	FailureAPIRateLimited:     true,
	FailureServiceUnavailable: true,
}

// Retryable reports whether a failure of this category is worth another attempt.
func (c FailureCategory) Retryable() bool {
	return retryableCategories[c]
}

// Ptr returns a pointer to c, for nullable columns.
func (c FailureCategory) Ptr() *FailureCategory {
	return &c
}

// Classify maps an error to a failure category.
func Classify(err error) FailureCategory {
	if err == nil {
		return ""
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) && jobErr.Category != "" {
		return jobErr.Category
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrJobCancelled):
		return FailureCancelled
	case errors.Is(err, ErrInvalidPayload):
		return FailureValidationError
	case errors.Is(err, ErrEnqueueFailed):
		return FailureEnqueueError
	}

	var (
		cycleErr   *CyclicDependencyError
		missingErr *MissingParameterError
		kindErr    *UnknownJobKindError
		transErr   *InvalidTransitionError
	)
	switch {
	case errors.As(err, &cycleErr), errors.As(err, &missingErr), errors.As(err, &kindErr):
		return FailureConfigurationError
	case errors.As(err, &transErr):
		return FailureSystemError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetworkError
	}

	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return FailureServiceUnavailable
	}

	return FailureUnknown
}
