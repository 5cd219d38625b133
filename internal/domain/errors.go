package domain

import "errors"

// Common domain errors.
var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when there is a conflict (e.g., state transition error).
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a job status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPlanAlreadyActive is returned when starting a plan that is already running in memory.
	ErrPlanAlreadyActive = errors.New("plan is already active")

	// ErrPlanNotActive is returned when pausing/resuming/stopping a plan that is not active.
	ErrPlanNotActive = errors.New("plan is not active")

	// ErrNoSymbols is returned when a plan resolves to zero symbols.
	ErrNoSymbols = errors.New("plan resolved to zero symbols")

	// ErrTooManyJobs is returned when a plan expands past the configured job limit.
	ErrTooManyJobs = errors.New("plan exceeds maximum job count")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// ConfigError is a configuration error detected while building a plan or sampler.
// It always wraps ErrInvalidInput.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func (e ConfigError) Unwrap() error {
	return ErrInvalidInput
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) ConfigError {
	return ConfigError{Field: field, Message: message}
}

// TransitionError describes a rejected job status change.
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e TransitionError) Error() string {
	return "job " + e.JobID + ": cannot move from " + e.From.String() + " to " + e.To.String()
}

func (e TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
