package graph

import (
	"context"
	"time"
)

// Node is a processing unit in the workflow graph.
//
// A node receives a read-only view of the accumulated state and returns a
// partial State containing only the fields it changed. Nodes must not mutate
// their input; side effects (network calls, file I/O) are the node's own
// responsibility and the engine treats the body as opaque.
type Node interface {
	// Run executes the node and returns its delta. A nil delta is a valid
	// no-op. A non-nil error aborts the run as *NodeExecutionError.
	Run(ctx context.Context, state State) (State, error)
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	e.AddNode("greet", graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.State, error) {
//	    return graph.State{"answer": "hello"}, nil
//	}))
type NodeFunc func(ctx context.Context, state State) (State, error)

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, state State) (State, error) {
	return f(ctx, state)
}

// StreamingNode is an optional extension for nodes that produce incremental
// text while executing. During Engine.RunStream fragments are forwarded to
// the caller in the order they are pushed; during a blocking Engine.Run the
// node's plain Run is invoked and no fragments are produced.
type StreamingNode interface {
	Node

	// RunStream executes the node, pushing output fragments through sink as
	// they are produced, and returns the node's delta like Run.
	RunStream(ctx context.Context, state State, sink func(fragment string)) (State, error)
}

// Middleware wraps a node at registration time. Middlewares run in the order
// they were configured on the engine: the first configured middleware is the
// outermost wrapper.
//
// Cross-cutting concerns (timing, tracing, decision capture) attach here
// rather than at call sites; see Instrumenter.
type Middleware func(name string, n Node) Node

// nodeEntry is the registered form of a node: the (wrapped) implementation
// plus per-node execution policy.
type nodeEntry struct {
	node Node

	// haltTerminal nodes always run, even when the halt marker is set.
	// Used for reviewer/formatter nodes that render the final message.
	haltTerminal bool

	// timeout bounds one attempt of the node body. Zero means no limit.
	timeout time.Duration

	// retries is the number of re-attempts after a failed run.
	retries int
}

// NodeOption configures per-node execution policy at registration.
type NodeOption func(*nodeEntry)

// WithHaltTerminal marks the node as a halt-aware terminal: it runs even when
// the halt marker is set, so it can render the halt reason into a
// user-visible message.
func WithHaltTerminal() NodeOption {
	return func(ne *nodeEntry) { ne.haltTerminal = true }
}

// WithNodeTimeout bounds a single execution attempt of the node. When
// exceeded the attempt fails with context.DeadlineExceeded. Timeouts are a
// per-node concern; the engine imposes no global deadline.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(ne *nodeEntry) { ne.timeout = d }
}

// WithNodeRetries re-attempts the node body up to n additional times after a
// failure. State is only merged from a successful attempt; a failed attempt
// contributes nothing.
func WithNodeRetries(n int) NodeOption {
	return func(ne *nodeEntry) {
		if n > 0 {
			ne.retries = n
		}
	}
}
