// Package gate implements governance checks that run as ordinary workflow
// nodes. Each gate inspects the accumulated state and either passes (empty
// delta) or halts the run by writing a reason code into the halt field. The
// engine's sticky-halt semantics then skip all downstream work except
// halt-terminal nodes.
package gate

import (
	"context"

	"github.com/calder-ai/stategraph/graph"
)

// State fields written by gates.
const (
	// FieldHalt carries the halt reason code. Matches the engine default.
	FieldHalt = "halt"

	// FieldMessage carries the user-facing explanation for a halt.
	FieldMessage = "reviewed_answer"

	// FieldRedacted marks that the redaction gate rewrote the input.
	FieldRedacted = "redacted"

	// FieldOriginalInput preserves the pre-redaction input for audit.
	FieldOriginalInput = "original_user_input"

	// FieldApproved marks that the approval gate found a valid sign-off.
	FieldApproved = "approved"

	// FieldDryRun marks that the run stopped at the dry-run gate.
	FieldDryRun = "dry_run"
)

// Halt reason codes. These are stable identifiers consumed by callers and
// dashboards; the human-readable explanation goes in FieldMessage.
const (
	ReasonRateLimited     = "rate_limited"
	ReasonModerationBlock = "moderation_block"
	ReasonToolBlock       = "tool_block"
	ReasonDryRunComplete  = "dry_run_complete"
	ReasonApprovalPending = "approval_pending"
)

// Gate is one governance check. Check returns a state delta: empty or nil to
// pass, or a Halt delta to stop the run. Gates must not mutate the input
// state.
type Gate interface {
	Name() string
	Check(ctx context.Context, state graph.State) (graph.State, error)
}

// Halt builds the delta that halts a run with the given reason code and
// user-facing message.
func Halt(reason, message string) graph.State {
	return graph.State{FieldHalt: reason, FieldMessage: message}
}

// Chain installs a sequence of gates into an engine as a linear run of nodes
// named "gate_<name>".
type Chain struct {
	gates []Gate
}

// NewChain creates a Chain over the given gates, checked in order.
func NewChain(gates ...Gate) *Chain {
	return &Chain{gates: gates}
}

// Install registers every gate as a node and wires from -> gate_1 -> ... ->
// gate_n -> to with static edges. An empty chain wires from directly to to.
func (c *Chain) Install(e *graph.Engine, from, to string) error {
	prev := from
	for _, g := range c.gates {
		name := "gate_" + g.Name()
		if err := e.AddNode(name, gateNode(g)); err != nil {
			return err
		}
		if err := e.AddEdge(prev, name); err != nil {
			return err
		}
		prev = name
	}
	return e.AddEdge(prev, to)
}

// Names returns the node names Install would register, in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.gates))
	for i, g := range c.gates {
		names[i] = "gate_" + g.Name()
	}
	return names
}

func gateNode(g Gate) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.State, error) {
		return g.Check(ctx, state)
	})
}
