package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calder-ai/stategraph/graph/emit"
	"github.com/calder-ai/stategraph/graph/store"
)

// Sentinel node names. Entry is the implicit source of the edge into the
// configured entry node; routing to Done terminates the run. Final is the
// node name recorded on the terminal checkpoint appended when a run
// completes.
const (
	Entry = "ENTRY"
	Done  = "DONE"
	Final = "FINAL"
)

// Engine orchestrates stateful workflow execution with checkpointing.
//
// The Engine holds the node registry and edge tables, executes a run from the
// entry node to termination, resolves conditional routing through closed
// target tables, executes fan-out branches concurrently and joins them before
// the next node, merges node deltas via the Schema's per-field policies, and
// appends one checkpoint per node completion.
//
// Example:
//
//	schema := graph.MustSchema(
//	    graph.Field{Name: "user_input", Kind: graph.KindString, Policy: graph.Overwrite},
//	    graph.Field{Name: "answer", Kind: graph.KindString, Policy: graph.Overwrite},
//	)
//	e := graph.New(schema, store.NewMemStore(), emit.NewNullEmitter())
//	e.AddNode("answer", answerNode)
//	e.SetEntry("answer")
//	final, err := e.Run(ctx, "run-001", graph.State{"user_input": "hello"})
type Engine struct {
	mu sync.RWMutex

	// schema drives every merge for the lifetime of the workflow.
	schema *Schema

	nodes map[string]*nodeEntry
	edges map[string]string          // static: from -> to
	conds map[string]conditionalEdge // conditional: from -> router + table
	fans  map[string]*fanOut         // fan-out: from -> branch set

	entry string

	store   store.Store
	emitter emit.Emitter

	opts        Options
	middlewares []Middleware
	metrics     *PrometheusMetrics
}

// Options configures engine execution behavior. Zero values are valid.
type Options struct {
	// MaxSteps limits a run to prevent infinite loops. 0 means no limit.
	MaxSteps int

	// HaltField is the state field holding the sticky halt reason code.
	// Defaults to "halt".
	HaltField string

	// AnswerField is the state field RunStream falls back to when a run
	// produced no incremental fragments. Defaults to "answer".
	AnswerField string
}

// Option is a functional option for New.
type Option func(*Engine)

// WithMaxSteps limits workflow execution to prevent infinite loops.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.opts.MaxSteps = n }
}

// WithHaltField overrides the state field consulted for the sticky halt
// marker.
func WithHaltField(name string) Option {
	return func(e *Engine) { e.opts.HaltField = name }
}

// WithAnswerField overrides the state field RunStream yields when no node
// produced fragments.
func WithAnswerField(name string) Option {
	return func(e *Engine) { e.opts.AnswerField = name }
}

// WithMiddleware installs node middlewares applied at registration time, in
// order (first middleware is outermost). See Instrumenter.
func WithMiddleware(mw ...Middleware) Option {
	return func(e *Engine) { e.middlewares = append(e.middlewares, mw...) }
}

// WithMetrics enables Prometheus metrics collection for this engine.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
//
// schema and st are required for Run; emitter may be nil (events are
// dropped). Validation of the graph topology happens at registration and at
// the start of Run.
func New(schema *Schema, st store.Store, emitter emit.Emitter, opts ...Option) *Engine {
	e := &Engine{
		schema:  schema,
		nodes:   make(map[string]*nodeEntry),
		edges:   make(map[string]string),
		conds:   make(map[string]conditionalEdge),
		fans:    make(map[string]*fanOut),
		store:   st,
		emitter: emitter,
		opts: Options{
			HaltField:   "halt",
			AnswerField: "answer",
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddNode registers a node under a unique name. Middlewares configured on the
// engine wrap the node here, at registration.
func (e *Engine) AddNode(name string, node Node, opts ...NodeOption) error {
	if name == "" {
		return &EngineError{Message: "node name cannot be empty", Code: "EMPTY_NODE_NAME"}
	}
	if name == Entry || name == Done || name == Final {
		return &EngineError{Message: "node name is reserved: " + name, Code: "RESERVED_NODE_NAME"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "NIL_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[name]; exists {
		return &EngineError{Message: "duplicate node name: " + name, Code: "DUPLICATE_NODE"}
	}

	wrapped := node
	for i := len(e.middlewares) - 1; i >= 0; i-- {
		wrapped = e.middlewares[i](name, wrapped)
	}
	entry := &nodeEntry{node: wrapped}
	for _, opt := range opts {
		opt(entry)
	}
	e.nodes[name] = entry
	return nil
}

// SetEntry sets the node executed first. The node must already be registered.
func (e *Engine) SetEntry(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[name]; !exists {
		return &EngineError{Message: "entry node does not exist: " + name, Code: "NODE_NOT_FOUND"}
	}
	e.entry = name
	return nil
}

// AddEdge registers a static edge: after from completes, to always runs.
// Routing to Done terminates the run.
func (e *Engine) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "EMPTY_EDGE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.routeFreeLocked(from); err != nil {
		return err
	}
	e.edges[from] = to
	return nil
}

// AddConditionalEdges registers a routing function for from. After from's
// delta is merged, router maps the accumulated state to a logical name looked
// up in targets; a name missing from the table fails the run with
// *RoutingError.
func (e *Engine) AddConditionalEdges(from string, router Router, targets map[string]string) error {
	if from == "" {
		return &EngineError{Message: "edge source cannot be empty", Code: "EMPTY_EDGE"}
	}
	if router == nil {
		return &EngineError{Message: "router cannot be nil", Code: "NIL_ROUTER"}
	}
	if len(targets) == 0 {
		return &EngineError{Message: "conditional edges require a target table", Code: "EMPTY_TARGETS"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.routeFreeLocked(from); err != nil {
		return err
	}
	table := make(map[string]string, len(targets))
	for name, id := range targets {
		table[name] = id
	}
	e.conds[from] = conditionalEdge{router: router, targets: table}
	return nil
}

// AddFanOut registers concurrent branches from a source node. All branch
// nodes run concurrently against read-only snapshots of the state; their
// deltas merge in the declaration order given here. A join must be declared
// via AddJoin before Run.
func (e *Engine) AddFanOut(from string, targets []string) error {
	if from == "" {
		return &EngineError{Message: "fan-out source cannot be empty", Code: "EMPTY_EDGE"}
	}
	if len(targets) < 2 {
		return &EngineError{Message: "fan-out requires at least two branches", Code: "FANOUT_TOO_SMALL"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.routeFreeLocked(from); err != nil {
		return err
	}
	branches := make([]string, len(targets))
	copy(branches, targets)
	e.fans[from] = &fanOut{targets: branches}
	return nil
}

// AddJoin declares the convergence node for a previously registered fan-out.
// The join node is not invoked until every branch has completed and merged.
func (e *Engine) AddJoin(targets []string, into string) error {
	if into == "" {
		return &EngineError{Message: "join target cannot be empty", Code: "EMPTY_EDGE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.fans {
		if sameBranchSet(f.targets, targets) {
			if f.join != "" {
				return &EngineError{Message: "fan-out already has a join: " + f.join, Code: "DUPLICATE_JOIN"}
			}
			f.join = into
			return nil
		}
	}
	return &EngineError{Message: "no fan-out matches the given branch set", Code: "JOIN_WITHOUT_FANOUT"}
}

// routeFreeLocked ensures a node has at most one outgoing routing kind.
func (e *Engine) routeFreeLocked(from string) error {
	if _, ok := e.edges[from]; ok {
		return &EngineError{Message: "node already has a static edge: " + from, Code: "CONFLICTING_ROUTE"}
	}
	if _, ok := e.conds[from]; ok {
		return &EngineError{Message: "node already has conditional edges: " + from, Code: "CONFLICTING_ROUTE"}
	}
	if _, ok := e.fans[from]; ok {
		return &EngineError{Message: "node already has a fan-out: " + from, Code: "CONFLICTING_ROUTE"}
	}
	return nil
}

// Run executes the workflow to termination and returns the final state.
//
// Per step: the current node executes (skipped with a pass-through no-op when
// the halt marker is set, unless the node is halt-terminal), its delta merges
// into the running state via the schema, one checkpoint is appended, and the
// next node is resolved from the edge tables. A terminal checkpoint named
// FINAL is appended when the run completes.
//
// Failures abort the run without a checkpoint for the failed step; state up
// to the last successful checkpoint remains durable in the store.
func (e *Engine) Run(ctx context.Context, runID string, initial State) (State, error) {
	final, err := e.run(ctx, runID, initial, nil)
	if e.metrics != nil {
		e.metrics.IncRun(runStatus(final, err, e.opts.HaltField))
	}
	return final, err
}

// RunResult is the terminal outcome of RunStream.
type RunResult struct {
	State State
	Err   error
}

// RunStream executes the workflow like Run while forwarding incremental text
// fragments from StreamingNode implementations, in node completion order.
//
// The fragment channel closes when the run finishes; the result channel then
// yields exactly one RunResult. If no node produced fragments during the
// whole run, the final answer field is yielded once before the channel
// closes.
func (e *Engine) RunStream(ctx context.Context, runID string, initial State) (<-chan string, <-chan RunResult) {
	frags := make(chan string, 16)
	result := make(chan RunResult, 1)

	go func() {
		var mu sync.Mutex
		yielded := false
		sink := func(fragment string) {
			mu.Lock()
			yielded = true
			mu.Unlock()
			select {
			case frags <- fragment:
			case <-ctx.Done():
			}
		}

		final, err := e.run(ctx, runID, initial, sink)
		if e.metrics != nil {
			e.metrics.IncRun(runStatus(final, err, e.opts.HaltField))
		}
		mu.Lock()
		sawFragments := yielded
		mu.Unlock()
		if err == nil && !sawFragments {
			if answer, ok := final[e.opts.AnswerField].(string); ok && answer != "" {
				select {
				case frags <- answer:
				case <-ctx.Done():
				}
			}
		}
		close(frags)
		result <- RunResult{State: final, Err: err}
	}()

	return frags, result
}

// run is the shared execution loop for Run and RunStream.
func (e *Engine) run(ctx context.Context, runID string, initial State, sink func(string)) (State, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	// Merging the caller's initial partial state into an empty state both
	// validates its fields against the schema and decouples the run from the
	// caller's map.
	state, err := e.schema.Merge(State{}, initial)
	if err != nil {
		return nil, err
	}

	e.emit(emit.Event{RunID: runID, Msg: emit.EventRunStarted})

	current := e.entry
	step := 0
	for {
		if e.opts.MaxSteps > 0 && step >= e.opts.MaxSteps {
			return nil, &EngineError{Message: "workflow exceeded MaxSteps limit", Code: "MAX_STEPS_EXCEEDED"}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if fan := e.fanOutFor(current); fan != nil {
			state, err = e.runStep(ctx, runID, &step, current, state, sink)
			if err != nil {
				return nil, e.failed(runID, err)
			}
			state, err = e.runFanOut(ctx, runID, &step, fan, state, sink)
			if err != nil {
				return nil, e.failed(runID, err)
			}
			current = fan.join
			continue
		}

		state, err = e.runStep(ctx, runID, &step, current, state, sink)
		if err != nil {
			return nil, e.failed(runID, err)
		}

		next, terminal, err := e.nextNode(current, state)
		if err != nil {
			return nil, e.failed(runID, err)
		}
		if terminal {
			break
		}
		current = next
	}

	// Terminal snapshot, mirroring the per-node records.
	if _, err := e.checkpoint(ctx, runID, step, Final, state); err != nil {
		return nil, e.failed(runID, err)
	}

	if reason := e.haltReason(state); reason != "" {
		e.emit(emit.Event{RunID: runID, Step: step, Msg: emit.EventRunHalted, Meta: map[string]any{"halt": reason}})
		if e.metrics != nil {
			e.metrics.IncHalt(reason)
		}
	} else {
		e.emit(emit.Event{RunID: runID, Step: step, Msg: emit.EventRunCompleted})
	}
	return state, nil
}

// validate checks the wiring required before any node executes.
func (e *Engine) validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.schema == nil {
		return &EngineError{Message: "schema is required", Code: "MISSING_SCHEMA"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if e.entry == "" {
		return &EngineError{Message: "entry node not set (call SetEntry before Run)", Code: "NO_ENTRY_NODE"}
	}
	for from, f := range e.fans {
		if f.join == "" {
			return &EngineError{Message: "fan-out from " + from + " has no join", Code: "FANOUT_WITHOUT_JOIN"}
		}
		for _, branch := range f.targets {
			if _, ok := e.nodes[branch]; !ok {
				return &EngineError{Message: "fan-out branch does not exist: " + branch, Code: "NODE_NOT_FOUND"}
			}
		}
	}
	return nil
}

// runStep executes one node, merges its delta, and checkpoints the result.
func (e *Engine) runStep(ctx context.Context, runID string, step *int, nodeID string, state State, sink func(string)) (State, error) {
	*step++
	delta, skipped, dur, err := e.invoke(ctx, nodeID, state, sink)
	if err != nil {
		return nil, err
	}

	merged, err := e.schema.Merge(state, delta)
	if err != nil {
		return nil, err
	}
	cpID, err := e.checkpoint(ctx, runID, *step, nodeID, merged)
	if err != nil {
		return nil, err
	}

	if skipped {
		e.emit(emit.Event{RunID: runID, Step: *step, Node: nodeID, Msg: emit.EventNodeSkipped,
			Meta: map[string]any{"halt": e.haltReason(state), "checkpoint_id": cpID}})
		if e.metrics != nil {
			e.metrics.RecordNodeLatency(nodeID, 0, "skipped")
		}
	} else {
		e.emit(emit.Event{RunID: runID, Step: *step, Node: nodeID, Msg: emit.EventNodeCompleted,
			Meta: map[string]any{"duration_ms": float64(dur.Microseconds()) / 1000, "checkpoint_id": cpID}})
		if e.metrics != nil {
			e.metrics.RecordNodeLatency(nodeID, dur, "success")
		}
	}
	return merged, nil
}

// runFanOut executes every branch of a fan-out concurrently against deep
// copies of the state, then merges and checkpoints each branch's delta at the
// sequential join point, in declaration order. Branch completion order never
// affects the final state for correctly declared (append / shallow-merge)
// fields.
func (e *Engine) runFanOut(ctx context.Context, runID string, step *int, fan *fanOut, state State, sink func(string)) (State, error) {
	n := len(fan.targets)
	deltas := make([]State, n)
	skips := make([]bool, n)
	durs := make([]time.Duration, n)

	if e.metrics != nil {
		e.metrics.SetInflightBranches(n)
		defer e.metrics.SetInflightBranches(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range fan.targets {
		snapshot, err := state.Clone()
		if err != nil {
			return nil, &NodeExecutionError{Node: id, Cause: err}
		}
		g.Go(func() error {
			delta, skipped, dur, err := e.invoke(gctx, id, snapshot, sink)
			if err != nil {
				return err
			}
			deltas[i], skips[i], durs[i] = delta, skipped, dur
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The store is single-writer: every branch checkpoint is appended here,
	// serialized, never from inside a branch goroutine.
	var err error
	for i, id := range fan.targets {
		*step++
		state, err = e.schema.Merge(state, deltas[i])
		if err != nil {
			return nil, err
		}
		cpID, err := e.checkpoint(ctx, runID, *step, id, state)
		if err != nil {
			return nil, err
		}
		msg := emit.EventNodeCompleted
		status := "success"
		if skips[i] {
			msg = emit.EventNodeSkipped
			status = "skipped"
		}
		e.emit(emit.Event{RunID: runID, Step: *step, Node: id, Msg: msg,
			Meta: map[string]any{"duration_ms": float64(durs[i].Microseconds()) / 1000, "checkpoint_id": cpID}})
		if e.metrics != nil {
			e.metrics.RecordNodeLatency(id, durs[i], status)
		}
	}
	return state, nil
}

// invoke runs one node body with the halt short-circuit and the node's
// timeout/retry policy. It returns the node's delta without merging it.
func (e *Engine) invoke(ctx context.Context, nodeID string, state State, sink func(string)) (State, bool, time.Duration, error) {
	e.mu.RLock()
	entry, ok := e.nodes[nodeID]
	e.mu.RUnlock()
	if !ok {
		return nil, false, 0, &EngineError{Message: "node not found during execution: " + nodeID, Code: "NODE_NOT_FOUND"}
	}

	// Sticky halt: downstream nodes pass state through unchanged, except
	// halt-terminal nodes (reviewers/formatters), which always run.
	if reason := e.haltReason(state); reason != "" && !entry.haltTerminal {
		return nil, true, 0, nil
	}

	var delta State
	var err error
	start := time.Now()
	for attempt := 0; attempt <= entry.retries; attempt++ {
		delta, err = e.attempt(ctx, entry, state, sink)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	dur := time.Since(start)
	if err != nil {
		return nil, false, dur, &NodeExecutionError{Node: nodeID, Cause: err}
	}
	return delta, false, dur, nil
}

// attempt executes one try of the node body, converting panics to errors and
// applying the per-node timeout.
func (e *Engine) attempt(ctx context.Context, entry *nodeEntry, state State, sink func(string)) (delta State, err error) {
	runCtx := ctx
	if entry.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, entry.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if sn, ok := entry.node.(StreamingNode); ok && sink != nil {
		return sn.RunStream(runCtx, state, sink)
	}
	return entry.node.Run(runCtx, state)
}

// nextNode resolves the outgoing route of a completed node.
func (e *Engine) nextNode(from string, state State) (string, bool, error) {
	e.mu.RLock()
	cond, isCond := e.conds[from]
	to, isStatic := e.edges[from]
	e.mu.RUnlock()

	if isCond {
		name := cond.router(state)
		target, ok := cond.targets[name]
		if !ok {
			return "", false, &RoutingError{From: from, Target: name}
		}
		if target == Done {
			return "", true, nil
		}
		return target, false, nil
	}
	if isStatic {
		if to == Done {
			return "", true, nil
		}
		return to, false, nil
	}
	// No outgoing edges: the node is terminal by convention.
	return "", true, nil
}

func (e *Engine) fanOutFor(from string) *fanOut {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fans[from]
}

// checkpoint appends one record and wraps store failures as
// *PersistenceError.
func (e *Engine) checkpoint(ctx context.Context, runID string, step int, nodeID string, state State) (string, error) {
	id, err := e.store.Append(ctx, state, nodeID)
	if err != nil {
		return "", &PersistenceError{Node: nodeID, Cause: err}
	}
	e.emit(emit.Event{RunID: runID, Step: step, Node: nodeID, Msg: emit.EventCheckpointAppended,
		Meta: map[string]any{"checkpoint_id": id}})
	if e.metrics != nil {
		e.metrics.IncCheckpoint()
	}
	return id, nil
}

func (e *Engine) haltReason(state State) string {
	reason, _ := state[e.opts.HaltField].(string)
	return reason
}

func (e *Engine) emit(event emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}

// failed emits a run_failed event and passes the error through.
func (e *Engine) failed(runID string, err error) error {
	e.emit(emit.Event{RunID: runID, Msg: emit.EventRunFailed, Meta: map[string]any{"error": err.Error()}})
	return err
}

func runStatus(final State, err error, haltField string) string {
	switch {
	case err != nil:
		return "failed"
	case final != nil && final[haltField] != nil && final[haltField] != "":
		return "halted"
	default:
		return "completed"
	}
}
