package generation

import "errors"

// Common errors returned by summarizer implementations.
var (
	// ErrGenerationFailed is returned when a summary could not be produced for
	// any general reason.
	ErrGenerationFailed = errors.New("failed to generate summary")

	// ErrInvalidResponse is returned when the LLM response cannot be parsed or is malformed.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the LLM blocks the content due to safety filters.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry.
	ErrTransientFailure = errors.New("transient error during summary generation")

	// ErrQuotaExceeded is returned when the account has run out of quota or credits.
	ErrQuotaExceeded = errors.New("language model quota exceeded")

	// ErrInvalidConfig is returned when the summarizer configuration is invalid.
	ErrInvalidConfig = errors.New("invalid summarizer configuration")
)
