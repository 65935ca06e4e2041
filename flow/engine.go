package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/contentflow/flow/emit"
)

// Reducer merges a partial state update (delta) into the previous state and
// returns the new state. Reducers must be deterministic and must treat the
// delta additively: a zero field means "no change".
type Reducer[S any] func(prev, delta S) S

// Saver persists the workflow state after every node boundary.
//
// Implementations write the state snapshot to the task row under the task's
// optimistic-lock version. A version conflict means another worker has taken
// over the run; the Saver reports this with ErrSuperseded and the engine
// aborts without further mutation. Transient persistence errors should be
// logged and swallowed by the implementation; losing a checkpoint only
// forces replay from the previous one.
type Saver[S any] interface {
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error
}

// Gate is consulted before each node execution. It is the engine's
// cooperative cancellation point: a Gate backed by the task store returns
// ErrCancelled when the task status flipped to cancelled, and ErrSuperseded
// when the task no longer belongs to this worker.
type Gate interface {
	Check(ctx context.Context, runID string) error
}

// Options configures Engine execution behavior. Zero values are valid.
type Options struct {
	// MaxSteps limits workflow execution to prevent infinite loops.
	// If 0, no limit is enforced.
	MaxSteps int

	// DefaultNodeTimeout applies to nodes without a per-node policy timeout.
	// If 0, nodes without a policy run without a deadline.
	DefaultNodeTimeout time.Duration
}

// Engine executes a directed state machine over named nodes.
//
// The engine:
//   - runs nodes sequentially, merging each node's delta via the reducer
//   - enforces per-node timeouts and transparent retry policies
//   - consults the Gate before each node (cooperative cancellation)
//   - persists the state through the Saver after every node, success or
//     failure, and aborts silently if the save reports ErrSuperseded
//   - routes on node decisions first, then on conditional edges
//   - emits observability events and records Prometheus metrics
//
// Type parameter S is the state type shared across the workflow.
type Engine[S any] struct {
	mu sync.RWMutex

	reducer   Reducer[S]
	nodes     map[string]Node[S]
	policies  map[string]NodePolicy
	edges     []Edge[S]
	startNode string

	saver   Saver[S]
	gate    Gate
	emitter emit.Emitter
	metrics *Metrics
	opts    Options
}

// New creates an Engine. The reducer and saver are required for Run; the
// gate, emitter, and metrics are optional and may be nil.
func New[S any](reducer Reducer[S], saver Saver[S], opts Options) *Engine[S] {
	return &Engine[S]{
		reducer:  reducer,
		nodes:    make(map[string]Node[S]),
		policies: make(map[string]NodePolicy),
		saver:    saver,
		opts:     opts,
	}
}

// WithGate sets the cancellation gate.
func (e *Engine[S]) WithGate(g Gate) *Engine[S] {
	e.gate = g
	return e
}

// WithEmitter sets the observability emitter.
func (e *Engine[S]) WithEmitter(em emit.Emitter) *Engine[S] {
	e.emitter = em
	return e
}

// WithMetrics sets the Prometheus metrics collector.
func (e *Engine[S]) WithMetrics(m *Metrics) *Engine[S] {
	e.metrics = m
	return e
}

// Add registers a node in the workflow graph. Node IDs must be unique.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{
			Message: "duplicate node ID: " + nodeID,
			Code:    "DUPLICATE_NODE",
		}
	}

	e.nodes[nodeID] = node
	return nil
}

// SetPolicy attaches an execution policy (timeout, transparent retry) to a
// registered node.
func (e *Engine[S]) SetPolicy(nodeID string, policy NodePolicy) error {
	if policy.Retry != nil {
		if err := policy.Retry.Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.policies[nodeID] = policy
	return nil
}

// StartAt sets the entry point for workflow execution. The node must have
// been registered via Add.
func (e *Engine[S]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.startNode = nodeID
	return nil
}

// Connect creates an edge between two nodes. A nil predicate makes the edge
// unconditional. Node explicit routing via NodeResult.Route takes precedence
// over edges.
func (e *Engine[S]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// Run executes the workflow from the configured start node to completion.
// Returns the final state; on failure the returned state carries everything
// merged up to and including the failing node's delta.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	e.mu.RLock()
	start := e.startNode
	e.mu.RUnlock()

	if start == "" {
		var zero S
		return zero, &EngineError{
			Message: "start node not set (call StartAt before Run)",
			Code:    "NO_START_NODE",
		}
	}
	return e.RunFrom(ctx, runID, start, initial, 0)
}

// RunFrom executes the workflow beginning at startNode with a pre-populated
// state, typically one restored from a checkpoint. stepOffset is the step
// number of the restored checkpoint so that persisted step numbers keep
// increasing across a resume.
func (e *Engine[S]) RunFrom(ctx context.Context, runID, startNode string, initial S, stepOffset int) (S, error) {
	var zero S

	if e.reducer == nil {
		return zero, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.saver == nil {
		return zero, &EngineError{Message: "saver is required", Code: "MISSING_SAVER"}
	}
	if startNode == "" {
		return zero, &EngineError{Message: "start node not specified", Code: "NO_START_NODE"}
	}

	e.mu.RLock()
	_, exists := e.nodes[startNode]
	e.mu.RUnlock()
	if !exists {
		return zero, &EngineError{
			Message: "start node does not exist: " + startNode,
			Code:    "NODE_NOT_FOUND",
		}
	}

	currentState := initial
	currentNode := startNode
	step := stepOffset

	for {
		step++

		if e.opts.MaxSteps > 0 && step-stepOffset > e.opts.MaxSteps {
			return currentState, &EngineError{
				Message: "workflow exceeded MaxSteps limit",
				Code:    "MAX_STEPS_EXCEEDED",
			}
		}

		select {
		case <-ctx.Done():
			return currentState, ctx.Err()
		default:
		}

		// Cooperative cancellation and ownership check.
		if e.gate != nil {
			if err := e.gate.Check(ctx, runID); err != nil {
				return currentState, err
			}
		}

		e.mu.RLock()
		nodeImpl, ok := e.nodes[currentNode]
		policy, hasPolicy := e.policies[currentNode]
		e.mu.RUnlock()

		if !ok {
			return currentState, &EngineError{
				Message: "node not found during execution: " + currentNode,
				Code:    "NODE_NOT_FOUND",
			}
		}

		var policyPtr *NodePolicy
		if hasPolicy {
			policyPtr = &policy
		}

		e.emitEvent(emit.Event{RunID: runID, Step: step, NodeID: currentNode, Msg: "node_start"})

		started := time.Now()
		result := e.executeWithRetry(ctx, runID, nodeImpl, currentNode, currentState, policyPtr)
		elapsed := time.Since(started)

		// Merge the delta regardless of outcome: failed nodes may carry
		// partial content and error markers that must be checkpointed.
		currentState = e.reducer(currentState, result.Delta)

		status := "success"
		if result.Err != nil {
			status = "error"
		}
		if e.metrics != nil {
			e.metrics.ObserveNode(currentNode, elapsed, status)
		}

		if saveErr := e.saver.SaveStep(ctx, runID, step, currentNode, currentState); saveErr != nil {
			if errors.Is(saveErr, ErrSuperseded) || errors.Is(saveErr, ErrCancelled) {
				// Another worker owns the task (or it was cancelled between
				// the gate check and the save). Stop touching it.
				return currentState, saveErr
			}
			return currentState, &EngineError{
				Message: "failed to save checkpoint: " + saveErr.Error(),
				Code:    "CHECKPOINT_ERROR",
			}
		}

		e.emitEvent(emit.Event{
			RunID: runID, Step: step, NodeID: currentNode, Msg: "node_end",
			Meta: map[string]interface{}{"duration_ms": elapsed.Milliseconds(), "status": status},
		})

		if result.Err != nil {
			return currentState, annotateNodeError(result.Err, currentNode)
		}

		if result.Route.Terminal {
			return currentState, nil
		}
		if result.Route.To != "" {
			currentNode = result.Route.To
			continue
		}

		nextNode := e.evaluateEdges(currentNode, currentState)
		if nextNode == "" {
			return currentState, &EngineError{
				Message: "no valid route from node: " + currentNode,
				Code:    "NO_ROUTE",
			}
		}
		currentNode = nextNode
	}
}

// executeWithRetry runs a node under its timeout, retrying transient errors
// per the node's RetryPolicy. These transparent retries are invisible to the
// workflow state and never touch the rewrite budget.
func (e *Engine[S]) executeWithRetry(
	ctx context.Context,
	runID string,
	node Node[S],
	nodeID string,
	state S,
	policy *NodePolicy,
) NodeResult[S] {
	result := runNodeWithTimeout(ctx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
	if result.Err == nil || policy == nil || policy.Retry == nil {
		return result
	}

	rp := policy.Retry
	for attempt := 0; attempt < rp.MaxAttempts-1; attempt++ {
		if rp.Retryable == nil || !rp.Retryable(result.Err) {
			return result
		}

		if e.metrics != nil {
			e.metrics.IncRetries(nodeID, "transient")
		}
		e.emitEvent(emit.Event{
			RunID: runID, NodeID: nodeID, Msg: "node_retry",
			Meta: map[string]interface{}{"attempt": attempt + 1, "error": result.Err.Error()},
		})

		select {
		case <-time.After(computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay)):
		case <-ctx.Done():
			return NodeResult[S]{Err: ctx.Err()}
		}

		result = runNodeWithTimeout(ctx, node, nodeID, state, policy, e.opts.DefaultNodeTimeout)
		if result.Err == nil {
			return result
		}
	}
	return result
}

// evaluateEdges finds the first matching edge from the given node.
// Unconditional edges (nil predicate) always match. Returns "" if nothing
// matches.
func (e *Engine[S]) evaluateEdges(fromNode string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != fromNode {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

func (e *Engine[S]) emitEvent(ev emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// annotateNodeError wraps an error with the failing node's name unless it
// already is a NodeError or a control-flow sentinel.
func annotateNodeError(err error, nodeID string) error {
	var ne *NodeError
	if errors.As(err, &ne) {
		return err
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &NodeError{Message: err.Error(), NodeID: nodeID, Cause: err}
}
