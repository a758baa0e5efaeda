package domain

// ResultStatus is the outcome reported back to the job queue.
type ResultStatus string

const (
	ResultOK        ResultStatus = "ok"
	ResultException ResultStatus = "exception"
	ResultCancelled ResultStatus = "cancelled"
)

// ErrorDescriptor describes the error a job ended with.
type ErrorDescriptor struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Category  FailureCategory `json:"category"`
	Retryable bool            `json:"retryable"`
}

// Result is the structured return value of every managed job.
type Result struct {
	Status    ResultStatus     `json:"status"`
	Data      map[string]any   `json:"data,omitempty"`
	Exception *ErrorDescriptor `json:"exception,omitempty"`
}

// OKResult builds a successful result.
func OKResult(data map[string]any) Result {
	return Result{Status: ResultOK, Data: data}
}

// ExceptionResult builds a failed result from err and its category.
func ExceptionResult(err error, category FailureCategory, data map[string]any) Result {
	return Result{
		Status:    ResultException,
		Data:      data,
		Exception: describe(err, category),
	}
}

// CancelledResult builds a cancelled result.
func CancelledResult(reason string) Result {
	return Result{
		Status: ResultCancelled,
		Exception: &ErrorDescriptor{
			Type:     "cancelled",
			Message:  reason,
			Category: FailureCancelled,
		},
	}
}

func describe(err error, category FailureCategory) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	if category == "" {
		category = Classify(err)
	}
	typ := "error"
	switch err.(type) {
	case *JobError:
		typ = "job_error"
	case *InvalidTransitionError:
		typ = "invalid_transition"
	case *RetryableError:
		typ = "retryable_error"
	}
	return &ErrorDescriptor{
		Type:      typ,
		Message:   err.Error(),
		Category:  category,
		Retryable: category.Retryable(),
	}
}
