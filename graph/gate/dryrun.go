package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/calder-ai/stategraph/graph"
)

// DryRun halts every run before any tool or model execution downstream of
// the chain, recording what would have run so operators can validate planning
// and governance wiring without side effects.
type DryRun struct {
	// ToolsField is the state field holding planned tool names. Defaults to
	// "planned_tools".
	ToolsField string
}

// NewDryRun creates a DryRun gate.
func NewDryRun() *DryRun {
	return &DryRun{ToolsField: "planned_tools"}
}

// Name implements Gate.
func (g *DryRun) Name() string { return "dry_run" }

// Check implements Gate.
func (g *DryRun) Check(ctx context.Context, state graph.State) (graph.State, error) {
	msg := "Dry run OK. No tools planned."
	if tools := plannedTools(state, g.ToolsField); len(tools) > 0 {
		msg = fmt.Sprintf("Dry run OK. Planned tools: %s.", strings.Join(tools, ", "))
	}
	delta := Halt(ReasonDryRunComplete, msg)
	delta[FieldDryRun] = true
	return delta, nil
}
