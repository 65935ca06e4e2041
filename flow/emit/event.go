// Package emit provides pluggable observability for workflow execution.
package emit

// Event is an observability event emitted during workflow execution:
// node start/end, retries, checkpoint writes, progress updates.
type Event struct {
	// RunID identifies the task run that emitted this event.
	RunID string

	// Step is the sequential step number in the workflow (1-indexed).
	// Zero for run-level events.
	Step int

	// NodeID identifies which node emitted this event.
	// Empty for run-level events.
	NodeID string

	// Msg is a short machine-friendly event name ("node_start", "node_end",
	// "node_retry", "progress", "checkpoint_saved").
	Msg string

	// Meta carries additional structured data. Common keys:
	//   "duration_ms", "status", "error", "attempt", "percentage",
	//   "tokens", "cost_usd".
	Meta map[string]interface{}
}
