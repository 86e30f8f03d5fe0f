package gate

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/calder-ai/stategraph/graph"
)

// ApprovalSource answers whether a human has approved the given id.
type ApprovalSource interface {
	Approved(ctx context.Context, id string) (bool, error)
}

// FileApproval reads approvals from a text file, one approved id per line.
// The file is re-read on every check so an operator can approve a pending
// run by appending a line. A missing file means nothing is approved.
type FileApproval struct {
	Path string
}

// Approved implements ApprovalSource.
func (f *FileApproval) Approved(ctx context.Context, id string) (bool, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == id {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// StaticApproval approves a fixed set of ids. Useful in tests.
type StaticApproval map[string]bool

// Approved implements ApprovalSource.
func (s StaticApproval) Approved(ctx context.Context, id string) (bool, error) {
	return s[id], nil
}

// Approval halts runs that lack a human sign-off. The decision is
// deny-by-default: without a source, or without a matching approval id in
// state, the run halts with ReasonApprovalPending. An approved run is marked
// in state so the sign-off is visible in checkpoints.
type Approval struct {
	source ApprovalSource

	// IDField is the state field holding the approval id. Defaults to
	// "approval_id".
	IDField string
}

// NewApproval creates an Approval gate over the given source. A nil source
// denies everything.
func NewApproval(source ApprovalSource) *Approval {
	return &Approval{source: source, IDField: "approval_id"}
}

// Name implements Gate.
func (g *Approval) Name() string { return "approval" }

// Check implements Gate.
func (g *Approval) Check(ctx context.Context, state graph.State) (graph.State, error) {
	pending := Halt(ReasonApprovalPending, "Awaiting human approval.")
	if g.source == nil {
		return pending, nil
	}
	id, _ := state[g.IDField].(string)
	if id == "" {
		return pending, nil
	}
	ok, err := g.source.Approved(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return pending, nil
	}
	return graph.State{FieldApproved: true}, nil
}
