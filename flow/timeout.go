package flow

import (
	"context"
	"fmt"
	"time"
)

// nodeTimeout resolves the timeout for a node: per-node policy first, then
// the engine-wide default, then 0 (unlimited).
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runNodeWithTimeout races node execution against its timeout.
//
// The node runs in its own goroutine with a deadline context; if the
// deadline fires first, the node's partial result is discarded and a
// timeout error is returned. The abandoned goroutine drains into a
// buffered channel, so a node that ignores ctx cannot wedge the engine.
func runNodeWithTimeout[S any](
	ctx context.Context,
	node Node[S],
	nodeID string,
	state S,
	policy *NodePolicy,
	defaultTimeout time.Duration,
) NodeResult[S] {
	timeout := nodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return node.Run(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan NodeResult[S], 1)
	go func() {
		done <- node.Run(timeoutCtx, state)
	}()

	select {
	case result := <-done:
		return result
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled, not a node timeout.
			return NodeResult[S]{Err: ctx.Err()}
		}
		return NodeResult[S]{Err: &NodeError{
			Message: fmt.Sprintf("exceeded timeout of %v", timeout),
			Code:    "NODE_TIMEOUT",
			NodeID:  nodeID,
		}}
	}
}
