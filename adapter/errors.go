// Package adapter wraps the external services the pipeline calls: chat
// models, web search, and image generation. Each adapter converts provider
// responses and failures into the small contract the workflow nodes consume.
package adapter

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, rate limits,
// provider 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error { return &TransientError{Err: err} }

// FatalError marks a failure that retrying cannot fix: bad credentials,
// malformed requests, content policy rejections.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error { return &FatalError{Err: err} }

// IsTransient reports whether err is retryable. Unclassified errors are
// treated as transient so that flaky providers get a second chance.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	return !errors.As(err, &fatal)
}
