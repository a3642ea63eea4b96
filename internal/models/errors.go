package models

import "errors"

// Standard error types shared by the stores and the marketplace service.
// Callers should check these with errors.Is rather than string matching.
var (
	// ErrJobNotFound is returned when a job ID does not exist in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrNodeNotFound is returned when a node ID does not exist in the registry.
	ErrNodeNotFound = errors.New("node not found")

	// ErrAlreadyExists is returned when creating a resource whose ID is taken.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidTransition is returned when a status change is requested that
	// the job state machine does not allow (e.g. cancelling an EXECUTING job,
	// completing a job twice).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotAuthorized is returned when the caller is not the party allowed
	// to perform the operation (e.g. cancel by a non-submitting buyer).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidInput is returned when request data fails validation.
	ErrInvalidInput = errors.New("invalid input data")
)

// IsNotFound reports whether err wraps a job or node lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrNodeNotFound)
}

// IsInvalidTransition reports whether err wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
