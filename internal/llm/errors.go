package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the small taxonomy every provider failure is mapped
// into. Callers branch on the kind, never on provider exception text.
type ErrorKind string

const (
	// KindThrottling is a transient rate-limit failure; retryable with backoff.
	KindThrottling ErrorKind = "THROTTLING"

	// KindValidation is a caller input defect; non-retryable.
	KindValidation ErrorKind = "VALIDATION_ERROR"

	// KindAccessDenied is a configuration defect (bad credentials); non-retryable.
	KindAccessDenied ErrorKind = "ACCESS_DENIED"

	// KindModelNotFound means the requested model id does not exist; non-retryable.
	KindModelNotFound ErrorKind = "MODEL_NOT_FOUND"

	// KindStructuredExtraction means the model's text could not be coerced
	// into the requested JSON shape by any extraction layer.
	KindStructuredExtraction ErrorKind = "STRUCTURED_EXTRACTION_ERROR"

	// KindUnknown is everything else; treated as non-retryable unless the
	// caller has an independent retry policy.
	KindUnknown ErrorKind = "UNKNOWN_ERROR"
)

// InvocationError wraps a provider failure with its mapped kind. The
// underlying error is kept for logs only and must never be surfaced to
// end users.
type InvocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry with backoff.
func (e *InvocationError) Retryable() bool {
	return e.Kind == KindThrottling
}

// NewInvocationError wraps err with the given kind.
func NewInvocationError(kind ErrorKind, err error) *InvocationError {
	return &InvocationError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error chain, defaulting to
// KindUnknown.
func KindOf(err error) ErrorKind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnknown
}

// kindFromStatus maps an upstream HTTP status to an ErrorKind.
func kindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindThrottling
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAccessDenied
	case http.StatusNotFound:
		return KindModelNotFound
	default:
		return KindUnknown
	}
}
