package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/calder-ai/stategraph/graph/emit"
	"github.com/calder-ai/stategraph/graph/store"
)

func engineSchema(t *testing.T) *Schema {
	t.Helper()
	return MustSchema(
		Field{Name: "input", Kind: KindString, Policy: Overwrite},
		Field{Name: "answer", Kind: KindString, Policy: Overwrite},
		Field{Name: "route", Kind: KindString, Policy: Overwrite},
		Field{Name: "halt", Kind: KindString, Policy: Overwrite},
		Field{Name: "steps", Kind: KindList, Policy: Append},
		Field{Name: "parts", Kind: KindMap, Policy: ShallowMerge},
	)
}

func stepNode(name string) Node {
	return NodeFunc(func(ctx context.Context, s State) (State, error) {
		return State{"steps": []any{name}}, nil
	})
}

func TestEngineRunLinear(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e := New(engineSchema(t), st, emit.NewNullEmitter())

	for _, name := range []string{"a", "b", "c"} {
		if err := e.AddNode(name, stepNode(name)); err != nil {
			t.Fatalf("AddNode(%s) failed: %v", name, err)
		}
	}
	if err := e.SetEntry("a"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("b", "c"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("c", Done); err != nil {
		t.Fatal(err)
	}

	final, err := e.Run(ctx, "run-1", State{"input": "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(final["steps"], want) {
		t.Errorf("expected steps %v, got %v", want, final["steps"])
	}
	if final["input"] != "hello" {
		t.Errorf("initial state lost: %v", final["input"])
	}

	records, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// One checkpoint per node plus the terminal FINAL record.
	if len(records) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(records))
	}
	if records[3].Node != Final {
		t.Errorf("expected terminal record node %s, got %s", Final, records[3].Node)
	}
	if !reflect.DeepEqual(records[3].State["steps"], want) {
		t.Errorf("terminal record state mismatch: %v", records[3].State["steps"])
	}
}

func TestEngineConditionalRouting(t *testing.T) {
	ctx := context.Background()

	build := func() (*Engine, *store.MemStore) {
		st := store.NewMemStore()
		e := New(engineSchema(t), st, emit.NewNullEmitter())
		if err := e.AddNode("router", NodeFunc(func(ctx context.Context, s State) (State, error) {
			route := "left"
			if s["input"] == "go right" {
				route = "right"
			}
			if s["input"] == "go nowhere" {
				route = "nowhere"
			}
			return State{"route": route}, nil
		})); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"left", "right"} {
			if err := e.AddNode(name, stepNode(name)); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.SetEntry("router"); err != nil {
			t.Fatal(err)
		}
		if err := e.AddConditionalEdges("router", func(s State) string {
			route, _ := s["route"].(string)
			return route
		}, map[string]string{"left": "left", "right": "right"}); err != nil {
			t.Fatal(err)
		}
		return e, st
	}

	t.Run("routes by accumulated state", func(t *testing.T) {
		e, _ := build()
		final, err := e.Run(ctx, "run-cond", State{"input": "go right"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !reflect.DeepEqual(final["steps"], []any{"right"}) {
			t.Errorf("expected right branch, got %v", final["steps"])
		}
	})

	t.Run("unmapped target fails with RoutingError", func(t *testing.T) {
		e, st := build()
		_, err := e.Run(ctx, "run-bad", State{"input": "go nowhere"})
		var routeErr *RoutingError
		if !errors.As(err, &routeErr) {
			t.Fatalf("expected *RoutingError, got %v", err)
		}
		if routeErr.From != "router" || routeErr.Target != "nowhere" {
			t.Errorf("unexpected error detail: %+v", routeErr)
		}
		// The router itself completed, so its checkpoint exists; no FINAL.
		records, _ := st.LoadAll(ctx)
		if len(records) != 1 || records[0].Node != "router" {
			t.Errorf("unexpected checkpoint history: %+v", records)
		}
	})
}

func TestEngineNodeFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e := New(engineSchema(t), st, emit.NewNullEmitter())

	if err := e.AddNode("ok", stepNode("ok")); err != nil {
		t.Fatal(err)
	}
	cause := fmt.Errorf("backend unavailable")
	if err := e.AddNode("boom", NodeFunc(func(ctx context.Context, s State) (State, error) {
		return nil, cause
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("ok"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("ok", "boom"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Run(ctx, "run-fail", State{})
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected *NodeExecutionError, got %v", err)
	}
	if nodeErr.Node != "boom" {
		t.Errorf("expected node boom, got %s", nodeErr.Node)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to unwrap")
	}

	// No checkpoint for the failed step; the successful step's survives.
	records, _ := st.LoadAll(ctx)
	if len(records) != 1 || records[0].Node != "ok" {
		t.Errorf("unexpected checkpoint history: %+v", records)
	}
}

func TestEnginePanicRecovery(t *testing.T) {
	ctx := context.Background()
	e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())
	if err := e.AddNode("panicky", NodeFunc(func(ctx context.Context, s State) (State, error) {
		panic("node exploded")
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("panicky"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Run(ctx, "run-panic", State{})
	var nodeErr *NodeExecutionError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("expected *NodeExecutionError, got %v", err)
	}
}

func TestEngineHaltPropagation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	e := New(engineSchema(t), st, emit.NewNullEmitter())

	invocations := 0
	if err := e.AddNode("halter", NodeFunc(func(ctx context.Context, s State) (State, error) {
		return State{"halt": "blocked"}, nil
	})); err != nil {
		t.Fatal(err)
	}
	if err := e.AddNode("spy", NodeFunc(func(ctx context.Context, s State) (State, error) {
		invocations++
		return State{"steps": []any{"spy"}}, nil
	})); err != nil {
		t.Fatal(err)
	}
	terminalRan := false
	if err := e.AddNode("terminal", NodeFunc(func(ctx context.Context, s State) (State, error) {
		terminalRan = true
		return State{"answer": "halted: " + s["halt"].(string)}, nil
	}), WithHaltTerminal()); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("halter"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("halter", "spy"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("spy", "terminal"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("terminal", Done); err != nil {
		t.Fatal(err)
	}

	final, err := e.Run(ctx, "run-halt", State{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if invocations != 0 {
		t.Errorf("halted run invoked downstream node %d times", invocations)
	}
	if !terminalRan {
		t.Error("halt-terminal node did not run")
	}
	if final["answer"] != "halted: blocked" {
		t.Errorf("unexpected answer: %v", final["answer"])
	}
	if final["steps"] != nil {
		t.Errorf("skipped node contributed state: %v", final["steps"])
	}

	// Skipped steps still checkpoint: halter, spy (skipped), terminal, FINAL.
	records, _ := st.LoadAll(ctx)
	if len(records) != 4 {
		t.Errorf("expected 4 checkpoints, got %d", len(records))
	}
}

func fanOutEngine(t *testing.T, branches []string) (*Engine, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	e := New(engineSchema(t), st, emit.NewNullEmitter())

	if err := e.AddNode("seed", stepNode("seed")); err != nil {
		t.Fatal(err)
	}
	for _, name := range branches {
		branch := name
		if err := e.AddNode(branch, NodeFunc(func(ctx context.Context, s State) (State, error) {
			return State{
				"steps": []any{branch},
				"parts": map[string]any{branch: branch + "-out"},
			}, nil
		})); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.AddNode("join", stepNode("join")); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("seed"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddFanOut("seed", branches); err != nil {
		t.Fatal(err)
	}
	if err := e.AddJoin(branches, "join"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("join", Done); err != nil {
		t.Fatal(err)
	}
	return e, st
}

func TestEngineFanOut(t *testing.T) {
	ctx := context.Background()

	t.Run("branches merge in declaration order", func(t *testing.T) {
		e, st := fanOutEngine(t, []string{"x", "y"})
		final, err := e.Run(ctx, "run-fan", State{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		want := []any{"seed", "x", "y", "join"}
		if !reflect.DeepEqual(final["steps"], want) {
			t.Errorf("expected %v, got %v", want, final["steps"])
		}
		records, _ := st.LoadAll(ctx)
		// seed, x, y, join, FINAL
		if len(records) != 5 {
			t.Errorf("expected 5 checkpoints, got %d", len(records))
		}
	})

	t.Run("map fields independent of declaration order", func(t *testing.T) {
		e1, _ := fanOutEngine(t, []string{"x", "y"})
		e2, _ := fanOutEngine(t, []string{"y", "x"})

		f1, err := e1.Run(ctx, "run-xy", State{})
		if err != nil {
			t.Fatal(err)
		}
		f2, err := e2.Run(ctx, "run-yx", State{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(f1["parts"], f2["parts"]) {
			t.Errorf("branch order changed merged map: %v vs %v", f1["parts"], f2["parts"])
		}
	})

	t.Run("branch snapshots are isolated", func(t *testing.T) {
		st := store.NewMemStore()
		e := New(engineSchema(t), st, emit.NewNullEmitter())
		if err := e.AddNode("seed", stepNode("seed")); err != nil {
			t.Fatal(err)
		}
		// A branch that mutates its input must not leak into the other.
		if err := e.AddNode("mutator", NodeFunc(func(ctx context.Context, s State) (State, error) {
			s["input"] = "mutated"
			return State{"parts": map[string]any{"mutator": "done"}}, nil
		})); err != nil {
			t.Fatal(err)
		}
		var observed string
		if err := e.AddNode("observer", NodeFunc(func(ctx context.Context, s State) (State, error) {
			observed, _ = s["input"].(string)
			return State{"parts": map[string]any{"observer": "done"}}, nil
		})); err != nil {
			t.Fatal(err)
		}
		if err := e.AddNode("join", stepNode("join")); err != nil {
			t.Fatal(err)
		}
		if err := e.SetEntry("seed"); err != nil {
			t.Fatal(err)
		}
		branches := []string{"mutator", "observer"}
		if err := e.AddFanOut("seed", branches); err != nil {
			t.Fatal(err)
		}
		if err := e.AddJoin(branches, "join"); err != nil {
			t.Fatal(err)
		}

		final, err := e.Run(ctx, "run-iso", State{"input": "original"})
		if err != nil {
			t.Fatal(err)
		}
		if observed != "original" {
			t.Errorf("branch observed sibling mutation: %q", observed)
		}
		if final["input"] != "original" {
			t.Errorf("shared state corrupted: %v", final["input"])
		}
	})
}

func TestEngineMaxSteps(t *testing.T) {
	ctx := context.Background()
	e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter(), WithMaxSteps(3))

	if err := e.AddNode("loop", stepNode("loop")); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("loop"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddEdge("loop", "loop"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Run(ctx, "run-loop", State{})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "MAX_STEPS_EXCEEDED" {
		t.Fatalf("expected MAX_STEPS_EXCEEDED, got %v", err)
	}
}

// failingStore wraps a MemStore and fails every Append.
type failingStore struct {
	*store.MemStore
}

func (f *failingStore) Append(ctx context.Context, state map[string]any, node string) (string, error) {
	return "", fmt.Errorf("disk full")
}

func TestEnginePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	e := New(engineSchema(t), &failingStore{store.NewMemStore()}, emit.NewNullEmitter())
	if err := e.AddNode("a", stepNode("a")); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("a"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Run(ctx, "run-disk", State{})
	var perErr *PersistenceError
	if !errors.As(err, &perErr) {
		t.Fatalf("expected *PersistenceError, got %v", err)
	}
}

func TestEngineRegistration(t *testing.T) {
	e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())

	t.Run("duplicate node rejected", func(t *testing.T) {
		if err := e.AddNode("dup", stepNode("dup")); err != nil {
			t.Fatal(err)
		}
		err := e.AddNode("dup", stepNode("dup"))
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_NODE" {
			t.Errorf("expected DUPLICATE_NODE, got %v", err)
		}
	})

	t.Run("reserved names rejected", func(t *testing.T) {
		for _, name := range []string{Entry, Done, Final} {
			if err := e.AddNode(name, stepNode(name)); err == nil {
				t.Errorf("expected error for reserved name %s", name)
			}
		}
	})

	t.Run("entry must exist", func(t *testing.T) {
		if err := e.SetEntry("missing"); err == nil {
			t.Error("expected error for unknown entry node")
		}
	})

	t.Run("one routing kind per node", func(t *testing.T) {
		if err := e.AddEdge("dup", "dup"); err != nil {
			t.Fatal(err)
		}
		err := e.AddConditionalEdges("dup", func(State) string { return "" }, map[string]string{"x": "dup"})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "CONFLICTING_ROUTE" {
			t.Errorf("expected CONFLICTING_ROUTE, got %v", err)
		}
	})

	t.Run("join requires matching fan-out", func(t *testing.T) {
		err := e.AddJoin([]string{"nope"}, "dup")
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "JOIN_WITHOUT_FANOUT" {
			t.Errorf("expected JOIN_WITHOUT_FANOUT, got %v", err)
		}
	})

	t.Run("fan-out without join fails at run", func(t *testing.T) {
		e2 := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())
		for _, n := range []string{"s", "b1", "b2"} {
			if err := e2.AddNode(n, stepNode(n)); err != nil {
				t.Fatal(err)
			}
		}
		if err := e2.SetEntry("s"); err != nil {
			t.Fatal(err)
		}
		if err := e2.AddFanOut("s", []string{"b1", "b2"}); err != nil {
			t.Fatal(err)
		}
		_, err := e2.Run(context.Background(), "run-nojoin", State{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "FANOUT_WITHOUT_JOIN" {
			t.Errorf("expected FANOUT_WITHOUT_JOIN, got %v", err)
		}
	})
}

// streamNode pushes fragments through the sink then returns its delta.
type streamNode struct {
	fragments []string
	delta     State
}

func (n *streamNode) Run(ctx context.Context, s State) (State, error) {
	return n.delta, nil
}

func (n *streamNode) RunStream(ctx context.Context, s State, sink func(string)) (State, error) {
	for _, f := range n.fragments {
		sink(f)
	}
	return n.delta, nil
}

func TestEngineRunStream(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards fragments in order", func(t *testing.T) {
		e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())
		if err := e.AddNode("talk", &streamNode{
			fragments: []string{"hel", "lo"},
			delta:     State{"answer": "hello"},
		}); err != nil {
			t.Fatal(err)
		}
		if err := e.SetEntry("talk"); err != nil {
			t.Fatal(err)
		}

		frags, result := e.RunStream(ctx, "run-stream", State{})
		var got []string
		for f := range frags {
			got = append(got, f)
		}
		res := <-result
		if res.Err != nil {
			t.Fatalf("RunStream failed: %v", res.Err)
		}
		if !reflect.DeepEqual(got, []string{"hel", "lo"}) {
			t.Errorf("unexpected fragments: %v", got)
		}
		if res.State["answer"] != "hello" {
			t.Errorf("unexpected final state: %v", res.State)
		}
	})

	t.Run("falls back to answer field when nothing streamed", func(t *testing.T) {
		e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())
		if err := e.AddNode("quiet", NodeFunc(func(ctx context.Context, s State) (State, error) {
			return State{"answer": "silent result"}, nil
		})); err != nil {
			t.Fatal(err)
		}
		if err := e.SetEntry("quiet"); err != nil {
			t.Fatal(err)
		}

		frags, result := e.RunStream(ctx, "run-quiet", State{})
		var got []string
		for f := range frags {
			got = append(got, f)
		}
		res := <-result
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		if !reflect.DeepEqual(got, []string{"silent result"}) {
			t.Errorf("expected single fallback fragment, got %v", got)
		}
	})
}

func TestEngineNodeRetries(t *testing.T) {
	ctx := context.Background()
	e := New(engineSchema(t), store.NewMemStore(), emit.NewNullEmitter())

	attempts := 0
	if err := e.AddNode("flaky", NodeFunc(func(ctx context.Context, s State) (State, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient")
		}
		return State{"answer": "eventually"}, nil
	}), WithNodeRetries(2)); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEntry("flaky"); err != nil {
		t.Fatal(err)
	}

	final, err := e.Run(ctx, "run-retry", State{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if final["answer"] != "eventually" {
		t.Errorf("unexpected answer: %v", final["answer"])
	}
}
