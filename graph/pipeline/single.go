package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder-ai/stategraph/graph"
	"github.com/calder-ai/stategraph/graph/emit"
	"github.com/calder-ai/stategraph/graph/model"
	"github.com/calder-ai/stategraph/graph/store"
	"github.com/calder-ai/stategraph/graph/tool"
)

// SingleAgentConfig wires the external boundaries of the single-agent graph.
type SingleAgentConfig struct {
	Chat      model.ChatModel
	Retriever tool.Tool // document search; Call input {"query": q, "k": n}
	Shell     tool.Tool // command execution; Call input {"cmd": c}
	Store     store.Store
	Emitter   emit.Emitter

	// EngineOptions are appended to the pipeline defaults.
	EngineOptions []graph.Option
}

// NewSingleAgent builds the routed single-agent workflow:
//
//	router -(conditional)-> direct --------------------------> DONE
//	                     -> rag_retrieve =(fan-out)=> branch_summary
//	                                                  branch_citations
//	                        =(join)=> merge_parallel -> rag_generate -> DONE
//	                     -> tool_shell ------------------------> DONE
//
// The router's target table is closed over RouteDirect, RouteRAG, and
// RouteTool; any other router output fails the run.
func NewSingleAgent(cfg SingleAgentConfig) (*graph.Engine, error) {
	if cfg.Chat == nil {
		return nil, fmt.Errorf("single agent: chat model required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("single agent: store required")
	}

	opts := append([]graph.Option{graph.WithMaxSteps(32)}, cfg.EngineOptions...)
	e := graph.New(AgentSchema(), cfg.Store, cfg.Emitter, opts...)

	nodes := map[string]graph.Node{
		"router":           graph.NodeFunc(routeInput),
		"direct":           directNode(cfg.Chat),
		"rag_retrieve":     retrieveNode(cfg.Retriever, 4),
		"branch_summary":   summaryNode(cfg.Chat),
		"branch_citations": citationsNode(cfg.Chat),
		"merge_parallel":   graph.NodeFunc(mergeParallel),
		"rag_generate":     generateNode(cfg.Chat),
		"tool_shell":       shellNode(cfg.Shell),
	}
	for name, node := range nodes {
		if err := e.AddNode(name, node); err != nil {
			return nil, err
		}
	}
	if err := e.SetEntry("router"); err != nil {
		return nil, err
	}

	if err := e.AddConditionalEdges("router", selectRoute, map[string]string{
		RouteDirect: "direct",
		RouteRAG:    "rag_retrieve",
		RouteTool:   "tool_shell",
	}); err != nil {
		return nil, err
	}
	branches := []string{"branch_summary", "branch_citations"}
	if err := e.AddFanOut("rag_retrieve", branches); err != nil {
		return nil, err
	}
	if err := e.AddJoin(branches, "merge_parallel"); err != nil {
		return nil, err
	}
	for _, edge := range [][2]string{
		{"direct", graph.Done},
		{"merge_parallel", "rag_generate"},
		{"rag_generate", graph.Done},
		{"tool_shell", graph.Done},
	} {
		if err := e.AddEdge(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// routeInput picks a downstream subgraph by keyword heuristics: shell-looking
// input runs the tool, document cues trigger retrieval, everything else
// answers directly.
func routeInput(ctx context.Context, state graph.State) (graph.State, error) {
	input, _ := state[FieldUserInput].(string)
	lowered := strings.ToLower(input)

	route := RouteDirect
	switch {
	case strings.Contains(lowered, "shell"), strings.HasPrefix(lowered, "ls "), strings.HasPrefix(lowered, "pwd"):
		route = RouteTool
	case strings.Contains(lowered, "document"), strings.Contains(lowered, "pdf"), strings.Contains(lowered, "according to"):
		route = RouteRAG
	}
	return graph.State{
		FieldRoute: route,
		FieldMeta:  map[string]any{"routed_by": "router"},
	}, nil
}

func selectRoute(state graph.State) string {
	route, _ := state[FieldRoute].(string)
	return route
}

// chatNode adapts a prompt builder and a delta builder into a workflow node.
// When the underlying model supports streaming, fragments flow through the
// engine's RunStream sink.
type chatNode struct {
	chat  model.ChatModel
	build func(graph.State) []model.Message
	apply func(graph.State, model.ChatOut) graph.State
}

func (n *chatNode) Run(ctx context.Context, state graph.State) (graph.State, error) {
	out, err := n.chat.Chat(ctx, n.build(state), nil)
	if err != nil {
		return nil, err
	}
	return n.apply(state, out), nil
}

func (n *chatNode) RunStream(ctx context.Context, state graph.State, sink func(string)) (graph.State, error) {
	sc, ok := n.chat.(model.StreamingChatModel)
	if !ok {
		return n.Run(ctx, state)
	}
	out, err := sc.ChatStream(ctx, n.build(state), nil, sink)
	if err != nil {
		return nil, err
	}
	return n.apply(state, out), nil
}

func directNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			input, _ := state[FieldUserInput].(string)
			return []model.Message{{Role: model.RoleUser,
				Content: "Answer directly and concisely:\n" + input}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			return graph.State{
				FieldAnswer: out.Text,
				FieldMeta:   map[string]any{"direct_tokens": out.Tokens},
			}
		},
	}
}

// retrieveNode queries the retriever and stores each result line as a
// structured doc {"raw": line}.
func retrieveNode(retriever tool.Tool, k int) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		if retriever == nil {
			return nil, fmt.Errorf("rag_retrieve: no retriever configured")
		}
		query, _ := state[FieldUserInput].(string)
		out, err := retriever.Call(ctx, map[string]any{"query": query, "k": k})
		if err != nil {
			return nil, err
		}
		text, _ := out["result"].(string)
		var docs []any
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				docs = append(docs, map[string]any{"raw": line})
			}
		}
		return graph.State{
			FieldRetrievedDocs: docs,
			FieldMeta:          map[string]any{"rag_hits": len(docs)},
		}, nil
	})
}

func summaryNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			return []model.Message{{Role: model.RoleUser,
				Content: "Summarize key points concisely:\n" + docText(state, 8)}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			return graph.State{FieldParallelParts: map[string]any{"summary": out.Text}}
		},
	}
}

func citationsNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			var numbered strings.Builder
			for i, doc := range docs(state, 8) {
				fmt.Fprintf(&numbered, "%d. %s\n", i+1, doc)
			}
			return []model.Message{{Role: model.RoleUser,
				Content: "Produce bullet citations (no fabrication). If unknown source, label Generic.\n\n" +
					numbered.String()}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			return graph.State{FieldParallelParts: map[string]any{"citations": out.Text}}
		},
	}
}

// mergeParallel composes the branch outputs into a provisional answer.
// rag_generate then replaces the summary half with a grounded synthesis.
func mergeParallel(ctx context.Context, state graph.State) (graph.State, error) {
	parts, _ := state[FieldParallelParts].(map[string]any)
	summary, _ := parts["summary"].(string)
	citations, _ := parts["citations"].(string)
	if summary == "" {
		summary = "(no summary)"
	}
	if citations == "" {
		citations = "(none)"
	}
	return graph.State{FieldAnswer: summary + "\n\nCitations:\n" + citations}, nil
}

func generateNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			input, _ := state[FieldUserInput].(string)
			return []model.Message{{Role: model.RoleUser,
				Content: "Use ONLY these snippets. If answer absent, say so.\nSnippets:\n" +
					docText(state, 6) + "\n\nQuestion: " + input + "\nAnswer:"}}
		},
		apply: func(state graph.State, out model.ChatOut) graph.State {
			parts, _ := state[FieldParallelParts].(map[string]any)
			citations, _ := parts["citations"].(string)
			answer := out.Text
			if citations != "" {
				answer += "\n\nCitations:\n" + citations
			}
			return graph.State{
				FieldAnswer: answer,
				FieldMeta:   map[string]any{"rag_tokens": out.Tokens},
			}
		},
	}
}

// shellNode strips the "shell " prefix and executes the rest through the
// command tool. The raw output doubles as the answer so tool runs terminate
// the graph immediately.
func shellNode(shell tool.Tool) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		if shell == nil {
			return nil, fmt.Errorf("tool_shell: no shell tool configured")
		}
		input, _ := state[FieldUserInput].(string)
		cmd := strings.TrimPrefix(input, "shell ")
		out, err := shell.Call(ctx, map[string]any{"cmd": cmd})
		if err != nil {
			return nil, err
		}
		output := commandOutput(out)
		return graph.State{
			FieldToolResults: []any{map[string]any{"command": cmd, "output": output}},
			FieldAnswer:      output,
		}, nil
	})
}

// commandOutput tolerates both the command server shape ("stdout") and
// simpler tool shapes ("result").
func commandOutput(out map[string]any) string {
	if s, ok := out["stdout"].(string); ok && s != "" {
		return s
	}
	if s, ok := out["result"].(string); ok {
		return s
	}
	return ""
}

// docs returns up to limit raw snippet strings from retrieved docs.
func docs(state graph.State, limit int) []string {
	raw, _ := state[FieldRetrievedDocs].([]any)
	var out []string
	for _, item := range raw {
		if len(out) >= limit {
			break
		}
		if m, ok := item.(map[string]any); ok {
			if s, ok := m["raw"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func docText(state graph.State, limit int) string {
	return strings.Join(docs(state, limit), "\n")
}
