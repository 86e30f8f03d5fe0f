package graph

import (
	"context"
	"time"
)

// State fields written by the Instrumenter. Declare them on the schema with
// InstrumentationFields when installing the middleware.
const (
	FieldTimings = "timings"
	FieldTrace   = "trace"
)

// DefaultMaxTraceLen caps the trace list so long runs cannot grow state
// without bound.
const DefaultMaxTraceLen = 50

// Instrumenter produces a Middleware that records per-node wall-clock timings
// and a bounded execution trace directly into workflow state, so the
// telemetry travels through checkpoints and survives rollback and
// time-travel like any other field.
//
// Each wrapped node's delta is augmented with:
//
//   - timings: {node: seconds} merged shallowly across nodes
//   - trace: one appended entry {node, t, dt, halt}, capped at MaxTraceLen
//
// The wrapper never alters fields the node itself returned.
type Instrumenter struct {
	// MaxTraceLen caps the trace list. 0 means DefaultMaxTraceLen. The cap
	// is checked against each node's input snapshot, so fan-out branches
	// that all start at the boundary can overshoot it by at most the number
	// of branches minus one.
	MaxTraceLen int

	// Disabled makes Middleware return a pass-through, for production runs
	// where state-borne telemetry is unwanted.
	Disabled bool

	// HaltField is recorded in trace entries. Defaults to "halt".
	HaltField string

	now func() time.Time
}

// NewInstrumenter creates an Instrumenter with the given trace cap.
func NewInstrumenter(maxTraceLen int) *Instrumenter {
	return &Instrumenter{MaxTraceLen: maxTraceLen}
}

// InstrumentationFields returns the schema fields the Instrumenter writes.
// Append them to the workflow schema:
//
//	schema := graph.MustSchema(append(fields, graph.InstrumentationFields()...)...)
func InstrumentationFields() []Field {
	return []Field{
		{Name: FieldTimings, Kind: KindMap, Policy: ShallowMerge},
		{Name: FieldTrace, Kind: KindList, Policy: Append},
	}
}

// Middleware returns the node wrapper. Pass it to the engine via
// WithMiddleware before registering nodes.
func (in *Instrumenter) Middleware() Middleware {
	if in.Disabled {
		return func(name string, n Node) Node { return n }
	}
	return func(name string, n Node) Node {
		return &instrumentedNode{name: name, inner: n, in: in}
	}
}

func (in *Instrumenter) clock() time.Time {
	if in.now != nil {
		return in.now()
	}
	return time.Now()
}

func (in *Instrumenter) traceCap() int {
	if in.MaxTraceLen > 0 {
		return in.MaxTraceLen
	}
	return DefaultMaxTraceLen
}

func (in *Instrumenter) haltField() string {
	if in.HaltField != "" {
		return in.HaltField
	}
	return "halt"
}

type instrumentedNode struct {
	name  string
	inner Node
	in    *Instrumenter
}

// Run implements Node.
func (w *instrumentedNode) Run(ctx context.Context, state State) (State, error) {
	start := w.in.clock()
	delta, err := w.inner.Run(ctx, state)
	if err != nil {
		return nil, err
	}
	return w.augment(state, delta, start), nil
}

// RunStream implements StreamingNode. Non-streaming inner nodes fall back to
// Run and ignore the sink.
func (w *instrumentedNode) RunStream(ctx context.Context, state State, sink func(string)) (State, error) {
	sn, ok := w.inner.(StreamingNode)
	if !ok {
		return w.Run(ctx, state)
	}
	start := w.in.clock()
	delta, err := sn.RunStream(ctx, state, sink)
	if err != nil {
		return nil, err
	}
	return w.augment(state, delta, start), nil
}

// augment copies the node's delta and adds the timing and trace fields. The
// incoming state is consulted only to enforce the trace cap.
func (w *instrumentedNode) augment(state, delta State, start time.Time) State {
	elapsed := w.in.clock().Sub(start)

	out := make(State, len(delta)+2)
	for k, v := range delta {
		out[k] = v
	}
	out[FieldTimings] = map[string]any{w.name: elapsed.Seconds()}

	existing := 0
	if trace, ok := state[FieldTrace].([]any); ok {
		existing = len(trace)
	}
	if existing < w.in.traceCap() {
		halt, _ := out[w.in.haltField()].(string)
		if halt == "" {
			halt, _ = state[w.in.haltField()].(string)
		}
		out[FieldTrace] = []any{map[string]any{
			"node": w.name,
			"t":    float64(start.UnixNano()) / 1e9,
			"dt":   elapsed.Seconds(),
			"halt": halt,
		}}
	}
	return out
}
