package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/commitcast/internal/domain"
)

// Kind classifies a handler failure.
type Kind int

const (
	// KindRetryable failures are retried with backoff until attempts run out.
	KindRetryable Kind = iota
	// KindValidation failures are terminal: retrying the same input cannot succeed.
	KindValidation
	// KindResourceExhausted failures are terminal until an operator requeues
	// them, for example after topping up credits.
	KindResourceExhausted
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "retryable"
	}
}

// InsufficientCreditsPrefix starts the error message of jobs that failed with
// KindResourceExhausted, so they can be requeued by prefix.
const InsufficientCreditsPrefix = "insufficient credits: "

// Error is a classified handler failure.
type Error struct {
	Kind Kind
	Err  error
	// RetryAfter overrides the engine's backoff for retryable failures.
	RetryAfter time.Duration
	// Details is stored as the job's error_details.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation marks err as a terminal input error.
func Validation(err error) error {
	return &Error{Kind: KindValidation, Err: err}
}

// Validationf formats a terminal input error.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return &Error{Kind: KindRetryable, Err: err}
}

// RetryableAfter marks err as transient and asks for a retry no sooner than d.
func RetryableAfter(err error, d time.Duration) error {
	return &Error{Kind: KindRetryable, Err: err, RetryAfter: d}
}

// ResourceExhausted marks err as a quota or credit failure.
func ResourceExhausted(err error) error {
	return &Error{Kind: KindResourceExhausted, Err: err}
}

// terminalDomainErrors are domain errors that retrying cannot fix.
var terminalDomainErrors = []error{
	domain.ErrValidation,
	domain.ErrInvalidID,
	domain.ErrInvalidJobType,
	domain.ErrInvalidJobData,
	domain.ErrEmptyContent,
}

// Classify returns the kind of err. Unclassified domain validation errors
// are validation failures; anything else unclassified is retryable.
func Classify(err error) Kind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	for _, target := range terminalDomainErrors {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	return KindRetryable
}

// retryDelay returns the delay requested by a classified error, if any.
func retryDelay(err error) time.Duration {
	var je *Error
	if errors.As(err, &je) {
		return je.RetryAfter
	}
	return 0
}

// details returns the structured details attached to a classified error.
func details(err error) map[string]any {
	var je *Error
	if errors.As(err, &je) {
		return je.Details
	}
	return nil
}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
