package flow

import "context"

// Node is a single step in a workflow. It receives the current state,
// performs its work (LLM calls, search, image generation, pure transforms),
// and returns a NodeResult describing the state patch and routing decision.
//
// Nodes must not mutate the state they receive; all changes flow through
// the returned Delta and are merged by the engine's reducer. External calls
// inside a node must honor ctx, which carries the node's timeout.
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult is the output of a node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	// It is merged with the current state using the configured reducer.
	Delta S

	// Route specifies the next step. Leave zero to defer to the
	// engine's conditional edges.
	Route Next

	// Err is a node-level failure. A non-nil Err stops the workflow after
	// the engine merges Delta and persists the failure checkpoint.
	Err error
}

// Next specifies where execution goes after a node completes.
//
// Three modes:
//   - zero value: defer to edge predicates registered on the engine
//   - Goto(id): explicit transition to a named node
//   - Stop(): terminate the workflow successfully
type Next struct {
	// To is the next node to execute. Mutually exclusive with Terminal.
	To string

	// Terminal indicates workflow execution should stop.
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	search := NodeFunc[State](func(ctx context.Context, s State) NodeResult[State] {
//	    results, err := client.Search(ctx, s.Topic)
//	    if err != nil {
//	        return NodeResult[State]{Err: err}
//	    }
//	    return NodeResult[State]{Delta: State{SearchResults: results}}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// NodeError is a node execution failure annotated with the node name.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
