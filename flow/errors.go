package flow

import "errors"

var (
	// ErrCancelled is returned when the cancellation gate reports the task
	// was cancelled. The engine exits without further state mutation.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrSuperseded is returned when a checkpoint write fails the optimistic
	// version check, meaning another worker has taken over the task. The
	// engine aborts silently; the current worker must not mutate anything
	// else for this task.
	ErrSuperseded = errors.New("workflow superseded by another worker")

	// ErrInvalidRetryPolicy indicates a RetryPolicy with invalid settings.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// EngineError is a configuration or execution error from the Engine.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
