package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/kbukum/gokit/httpclient"
	"github.com/kbukum/gokit/resilience"
)

// HTTPAnnotatorConfig configures the annotation service client.
type HTTPAnnotatorConfig struct {
	BaseURL string
	Timeout time.Duration
	// MaxFailures opens the circuit after that many consecutive failed calls. Zero disables
	// the breaker.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before a trial call is let through.
	OpenTimeout time.Duration
}

// HTTPAnnotator calls an annotation service at
// GET {base}/annotations/{type}/{version}/{variant} and returns its JSON body.
// Retries are left to the job's backoff, so the client itself never retries.
type HTTPAnnotator struct {
	client *httpclient.Adapter
	// breaker counts service outages only; answers about a variant never open it.
	breaker *resilience.CircuitBreaker
}

// NewHTTPAnnotator creates an annotator for the configured service.
func NewHTTPAnnotator(cfg HTTPAnnotatorConfig) (*HTTPAnnotator, error) {
	client, err := httpclient.New(httpclient.Config{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create annotator client: %w", err)
	}

	a := &HTTPAnnotator{client: client}
	if cfg.MaxFailures > 0 {
		breaker := resilience.DefaultCircuitBreakerConfig("annotator")
		breaker.MaxFailures = cfg.MaxFailures
		if cfg.OpenTimeout > 0 {
			breaker.Timeout = cfg.OpenTimeout
		}
		a.breaker = resilience.NewCircuitBreaker(breaker)
	}
	return a, nil
}

// Annotate fetches one annotation. HTTP failures are mapped onto failure categories.
func (a *HTTPAnnotator) Annotate(ctx context.Context, req AnnotationRequest) (map[string]any, error) {
	path := "/annotations/" + url.PathEscape(req.AnnotationType) + "/" +
		url.PathEscape(req.Version) + "/" + url.PathEscape(req.VariantID)
	httpReq := httpclient.Request{Method: http.MethodGet, Path: path}

	var (
		resp *httpclient.Response
		err  error
	)
	if a.breaker == nil {
		resp, err = a.client.Do(ctx, httpReq)
	} else {
		var callErr error
		err = a.breaker.Execute(func() error {
			resp, callErr = a.client.Do(ctx, httpReq)
			if ctx.Err() == nil && isOutage(callErr) {
				return callErr
			}
			return nil
		})
		if err == nil {
			err = callErr
		}
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, annotateError(req.VariantID, err)
	}

	var out map[string]any
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, domain.NewJobError(domain.FailureDataError, fmt.Errorf("annotate %s: decode response: %w", req.VariantID, err))
	}
	return out, nil
}

// isOutage reports whether err means the service itself is unhealthy.
func isOutage(err error) bool {
	return httpclient.IsServerError(err) || httpclient.IsConnection(err) || httpclient.IsTimeout(err)
}

// annotateError maps a client error onto the failure taxonomy
func annotateError(variantID string, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.NewJobError(domain.FailureServiceUnavailable, fmt.Errorf("annotate %s: %w", variantID, err))
	}

	var httpErr *httpclient.Error
	if !errors.As(err, &httpErr) {
		return fmt.Errorf("annotate %s: %w", variantID, err)
	}
	if httpErr.StatusCode == 0 {
		switch httpErr.Code {
		case httpclient.ErrCodeTimeout:
			return domain.NewJobError(domain.FailureTimeout, fmt.Errorf("annotate %s: %w", variantID, err))
		case httpclient.ErrCodeConnection:
			return domain.NewJobError(domain.FailureNetworkError, fmt.Errorf("annotate %s: %w", variantID, err))
		default:
			return domain.NewJobError(domain.FailureConfigurationError, fmt.Errorf("annotate %s: %w", variantID, err))
		}
	}
	return statusError(variantID, httpErr.StatusCode, httpErr.Body)
}

// statusError maps a non-2xx response onto the failure taxonomy
func statusError(variantID string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err := fmt.Errorf("annotate %s: status %d: %s", variantID, code, msg)

	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotApplicable, err)
	case code == http.StatusTooManyRequests:
		return domain.NewJobError(domain.FailureAPIRateLimited, err)
	case code == http.StatusUnauthorized:
		return domain.NewJobError(domain.FailureAuthenticationFailed, err)
	case code == http.StatusForbidden:
		return domain.NewJobError(domain.FailurePermissionError, err)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return domain.NewJobError(domain.FailureValidationError, err)
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return domain.NewJobError(domain.FailureTimeout, err)
	case code >= 500:
		return domain.NewJobError(domain.FailureServiceUnavailable, err)
	}
	return err
}
