package airquality

import "errors"

var (
	// ErrValidation marks malformed input, e.g. an observation without a timestamp.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when no model, version or metrics record matches.
	ErrNotFound = errors.New("not found")
	// ErrInconsistentState marks a partial registry write.
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrInference marks a failed forecast run.
	ErrInference = errors.New("inference error")
)
