package flow

import (
	"math/rand"
	"time"
)

// NodePolicy configures execution behavior for a single node.
//
// Policies control the node-internal, transparent layer of resilience:
// timeouts and automatic retries on transient errors. Transparent retries
// never consume the workflow-level rewrite budget; that budget is tracked
// in the workflow state and only moves on quality-gate failures.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, Options.DefaultNodeTimeout is used.
	Timeout time.Duration

	// Retry specifies automatic retry behavior for transient failures.
	// If nil, the node is not retried.
	Retry *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for transient node
// failures, using exponential backoff with jitter.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including
	// the initial attempt. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying.
	// If nil, no errors are retried.
	Retryable func(error) bool
}

// Validate checks the RetryPolicy configuration.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before the next retry attempt:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). Jitter randomizes retry timing
// across concurrent workers to avoid synchronized retry storms.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter timing, not security
	return delay + jitter
}
