package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calder-ai/stategraph/graph"
	"github.com/calder-ai/stategraph/graph/emit"
	"github.com/calder-ai/stategraph/graph/gate"
	"github.com/calder-ai/stategraph/graph/model"
	"github.com/calder-ai/stategraph/graph/store"
	"github.com/calder-ai/stategraph/graph/tool"
)

// Halt reason written by the audit node when post-validation fails. Unlike
// gate halts it fires after execution, so the reviewer renders a held-for-
// review message instead of the draft.
const ReasonPostValidationFail = "post_validation_fail"

const maxAnswerLen = 8000

// SupervisorConfig wires the governed multi-agent graph.
type SupervisorConfig struct {
	Chat      model.ChatModel
	Retriever tool.Tool
	Shell     tool.Tool
	Store     store.Store
	Emitter   emit.Emitter

	// Gates is the governance chain between planning and execution. Nil
	// means no governance.
	Gates *gate.Chain

	// Instrument overrides the default instrumentation middleware.
	Instrument *graph.Instrumenter

	EngineOptions []graph.Option
}

// NewSupervisor builds the governed multi-agent workflow:
//
//	planner -> gate_* ... -> dispatch =(fan-out)=> researcher
//	                                               tool_exec
//	          =(join)=> executor -> audit -> reviewer -> DONE
//
// Every node runs under the instrumentation middleware, so timings and a
// bounded trace accumulate in state and travel through checkpoints. The
// reviewer is halt-terminal: it always runs and renders the final message
// even when a gate or the audit halted the run.
func NewSupervisor(cfg SupervisorConfig) (*graph.Engine, error) {
	if cfg.Chat == nil {
		return nil, fmt.Errorf("supervisor: chat model required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor: store required")
	}
	instr := cfg.Instrument
	if instr == nil {
		instr = graph.NewInstrumenter(graph.DefaultMaxTraceLen)
	}

	opts := append([]graph.Option{
		graph.WithMaxSteps(64),
		graph.WithAnswerField(FieldReviewedAnswer),
		graph.WithMiddleware(instr.Middleware()),
	}, cfg.EngineOptions...)
	e := graph.New(SupervisorSchema(), cfg.Store, cfg.Emitter, opts...)

	if err := e.AddNode("planner", plannerNode(cfg.Chat)); err != nil {
		return nil, err
	}
	if err := e.AddNode("dispatch", graph.NodeFunc(dispatch)); err != nil {
		return nil, err
	}
	if err := e.AddNode("researcher", researcherNode(cfg.Retriever)); err != nil {
		return nil, err
	}
	if err := e.AddNode("tool_exec", toolExecNode(cfg.Shell)); err != nil {
		return nil, err
	}
	if err := e.AddNode("executor", executorNode(cfg.Chat)); err != nil {
		return nil, err
	}
	if err := e.AddNode("audit", graph.NodeFunc(auditNode)); err != nil {
		return nil, err
	}
	if err := e.AddNode("reviewer", reviewerNode(cfg.Chat), graph.WithHaltTerminal()); err != nil {
		return nil, err
	}
	if err := e.SetEntry("planner"); err != nil {
		return nil, err
	}

	// Governance sits between planning and the execution fan-out.
	if cfg.Gates != nil {
		if err := cfg.Gates.Install(e, "planner", "dispatch"); err != nil {
			return nil, err
		}
	} else {
		if err := e.AddEdge("planner", "dispatch"); err != nil {
			return nil, err
		}
	}

	branches := []string{"researcher", "tool_exec"}
	if err := e.AddFanOut("dispatch", branches); err != nil {
		return nil, err
	}
	if err := e.AddJoin(branches, "executor"); err != nil {
		return nil, err
	}
	for _, edge := range [][2]string{
		{"executor", "audit"},
		{"audit", "reviewer"},
		{"reviewer", graph.Done},
	} {
		if err := e.AddEdge(edge[0], edge[1]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// dispatch is the fan-out anchor after the governance chain. No state impact.
func dispatch(ctx context.Context, state graph.State) (graph.State, error) {
	return nil, nil
}

// plannerNode decomposes the request into tasks and records which tools the
// plan will need, for the allowlist gate downstream.
func plannerNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			input, _ := state[FieldUserInput].(string)
			return []model.Message{{Role: model.RoleUser,
				Content: "Decompose the user request into 2-4 concise tasks. " +
					"Label whether retrieval is needed. Return one line per task " +
					"in the exact format: task | needs_rag(bool).\n" +
					"Request: " + input}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			var tasks []any
			var planned []any
			needsRAG := false
			for _, line := range strings.Split(out.Text, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				tasks = append(tasks, line)
				lowered := strings.ToLower(line)
				if strings.Contains(lowered, "true") || strings.Contains(lowered, "yes") {
					needsRAG = true
				}
				if strings.Contains(lowered, "shell") {
					planned = appendUnique(planned, "shell")
				}
			}
			route := RouteDirect
			if needsRAG {
				route = RouteRAG
			}
			return graph.State{
				FieldPlan:         out.Text,
				FieldTasks:        tasks,
				FieldPlannedTools: planned,
				FieldRoute:        route,
				FieldMeta:         map[string]any{"planner_tokens": out.Tokens},
			}
		},
	}
}

func appendUnique(list []any, name string) []any {
	for _, item := range list {
		if item == name {
			return list
		}
	}
	return append(list, name)
}

// researcherNode retrieves supporting documents when the plan called for
// retrieval; otherwise it contributes nothing.
func researcherNode(retriever tool.Tool) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		if route, _ := state[FieldRoute].(string); route != RouteRAG {
			return nil, nil
		}
		if retriever == nil {
			return nil, fmt.Errorf("researcher: no retriever configured")
		}
		query, _ := state[FieldUserInput].(string)
		out, err := retriever.Call(ctx, map[string]any{"query": query, "k": 6})
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
			FieldMeta:          map[string]any{"research_hits": len(docs)},
		}, nil
	})
}

// toolExecNode runs every shell task the planner produced. Tool failures are
// recorded in the result rather than failing the branch, so one broken
// command does not abort the whole run.
func toolExecNode(shell tool.Tool) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		tasks, _ := state[FieldTasks].([]any)
		var results []any
		var used []any
		for _, item := range tasks {
			task, _ := item.(string)
			lowered := strings.ToLower(task)
			idx := strings.Index(lowered, "shell")
			if idx < 0 {
				continue
			}
			cmd := strings.Trim(strings.TrimSpace(task[idx+len("shell"):]), ": ")
			if cmd == "" {
				continue
			}
			output := ""
			if shell == nil {
				output = "[tool error] no shell tool configured"
			} else if out, err := shell.Call(ctx, map[string]any{"cmd": cmd}); err != nil {
				output = "[tool error] " + err.Error()
			} else {
				output = commandOutput(out)
			}
			results = append(results, map[string]any{"task": task, "command": cmd, "output": output})
			used = appendUnique(used, "shell")
		}
		if len(results) == 0 {
			return nil, nil
		}
		return graph.State{
			FieldToolResults: results,
			FieldUsedTools:   used,
			FieldMeta:        map[string]any{"tool_exec_count": len(results)},
		}, nil
	})
}

// executorNode synthesizes the draft answer from the plan and whatever the
// branches gathered.
func executorNode(chat model.ChatModel) graph.Node {
	return &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			input, _ := state[FieldUserInput].(string)
			var prompt string
			if route, _ := state[FieldRoute].(string); route == RouteRAG {
				prompt = "Snippets:\n" + docText(state, 8) + "\n\nQuestion: " + input + "\nDraft:"
			} else {
				prompt = "Provide a concise, structured answer:\nQuestion: " + input + "\nDraft:"
			}
			return []model.Message{{Role: model.RoleUser, Content: prompt}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			return graph.State{
				FieldDraftAnswer: out.Text,
				FieldMeta:        map[string]any{"executor_tokens": out.Tokens},
			}
		},
	}
}

// auditNode post-validates the draft. A valid draft gets a stable content
// hash for provenance; an invalid one halts the run and marks it rolled
// back so the reviewer holds the response.
func auditNode(ctx context.Context, state graph.State) (graph.State, error) {
	draft, _ := state[FieldDraftAnswer].(string)

	var issues []any
	if len(draft) > maxAnswerLen {
		issues = append(issues, "answer_too_long")
	}
	if strings.Contains(draft, "```exec") {
		issues = append(issues, "unescaped_code_block")
	}

	if len(issues) > 0 {
		return graph.State{
			FieldAudit:          map[string]any{"issues": issues, "valid": false},
			FieldRolledBack:     true,
			FieldReviewedAnswer: fmt.Sprintf("Response held for review. Issues: %v", issues),
			FieldHalt:           ReasonPostValidationFail,
		}, nil
	}

	return graph.State{
		FieldAudit:       map[string]any{"issues": []any{}, "valid": true},
		FieldContentHash: contentHash(draft),
	}, nil
}

// contentHash produces a stable sha256 over the canonical JSON form of the
// draft, so byte-identical drafts always hash alike.
func contentHash(draft string) string {
	payload, _ := json.Marshal(struct {
		A string `json:"a"`
	}{draft})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// reviewerNode is halt-terminal: for halted runs it ensures the final
// message is set without calling the model; otherwise it reviews the draft
// and splits the response into answer and critique.
func reviewerNode(chat model.ChatModel) graph.Node {
	review := &chatNode{
		chat: chat,
		build: func(state graph.State) []model.Message {
			draft, _ := state[FieldDraftAnswer].(string)
			return []model.Message{{Role: model.RoleUser,
				Content: "You are a reviewer. Improve clarity, keep facts grounded to the provided " +
					"snippets (if any). If unsupported claims exist, flag them. " +
					"Return the improved answer, then a short critique.\n" +
					"Snippets (may be empty):\n" + docText(state, 4) + "\n\nDraft:\n" + draft +
					"\n\nRespond with:\nANSWER:\n<improved>\nCRITIQUE:\n<notes>"}}
		},
		apply: func(_ graph.State, out model.ChatOut) graph.State {
			answer, critique := splitReview(out.Text)
			return graph.State{
				FieldReviewedAnswer: answer,
				FieldCritique:       critique,
				FieldMeta:           map[string]any{"review_tokens": out.Tokens},
			}
		},
	}
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		if reason, _ := state[FieldHalt].(string); reason != "" {
			if msg, _ := state[FieldReviewedAnswer].(string); msg != "" {
				return nil, nil
			}
			return graph.State{FieldReviewedAnswer: "Run halted: " + reason}, nil
		}
		return review.Run(ctx, state)
	})
}

func splitReview(text string) (answer, critique string) {
	answer = text
	if before, after, found := strings.Cut(text, "CRITIQUE:"); found {
		answer = strings.TrimSpace(strings.Replace(before, "ANSWER:", "", 1))
		critique = strings.TrimSpace(after)
	}
	return answer, critique
}
