package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidJobType is returned for job types with no registered payload schema.
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrInvalidJobStatus is returned when a job status is not one of the known values.
	ErrInvalidJobStatus = errors.New("invalid job status")

	// ErrInvalidJobData is returned when a job payload does not match its type's schema.
	ErrInvalidJobData = errors.New("invalid job data")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the job state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrSelfDependency is returned when a job is declared as its own dependency.
	ErrSelfDependency = errors.New("job cannot depend on itself")

	// ErrInvalidMaxAttempts is returned when max_attempts is below one.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")

	// ErrEmptyContent is returned when required content is empty.
	ErrEmptyContent = errors.New("content cannot be empty")
)
