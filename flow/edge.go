package flow

// Predicate decides whether an edge should be taken given the current state.
// Predicates must be pure: no I/O, no mutation, deterministic for a given
// state value. Quality-gate routing (rewrite loops, terminal transitions)
// is expressed entirely through predicates.
type Predicate[S any] func(state S) bool

// Edge is a conditional transition between two nodes.
//
// Edges from the same node are evaluated in registration order; the first
// edge whose predicate returns true (or whose predicate is nil) wins.
// Multiple incoming edges are allowed, which is how rewrite loops return
// to the writer node.
type Edge[S any] struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// When guards the transition. nil means unconditional.
	When Predicate[S]
}
