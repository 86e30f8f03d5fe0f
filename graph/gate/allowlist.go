package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder-ai/stategraph/graph"
)

// ToolAllowlist halts runs whose planned tools include one outside the
// allowlist. It reads the list of tool names a planner recorded in state.
type ToolAllowlist struct {
	allowed map[string]struct{}

	// ToolsField is the state field holding planned tool names, as a list of
	// strings. Defaults to "planned_tools".
	ToolsField string
}

// NewToolAllowlist creates a ToolAllowlist gate admitting only the given
// tool names.
func NewToolAllowlist(tools []string) *ToolAllowlist {
	allowed := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		allowed[t] = struct{}{}
	}
	return &ToolAllowlist{allowed: allowed, ToolsField: "planned_tools"}
}

// Name implements Gate.
func (g *ToolAllowlist) Name() string { return "tool_allowlist" }

// Check implements Gate. The halt message names every disallowed tool, not
// just the first, so the operator sees the full violation in one pass.
func (g *ToolAllowlist) Check(ctx context.Context, state graph.State) (graph.State, error) {
	var disallowed []string
	for _, name := range plannedTools(state, g.ToolsField) {
		if _, ok := g.allowed[name]; !ok {
			disallowed = append(disallowed, name)
		}
	}
	if len(disallowed) > 0 {
		return Halt(ReasonToolBlock,
			fmt.Sprintf("Disallowed tools: %s.", strings.Join(disallowed, ", "))), nil
	}
	return nil, nil
}

// plannedTools tolerates both []any (post JSON round trip) and []string
// (freshly written) representations.
func plannedTools(state graph.State, field string) []string {
	switch v := state[field].(type) {
	case []string:
		return v
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	default:
		return nil
	}
}
