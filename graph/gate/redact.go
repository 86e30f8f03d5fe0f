package gate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/calder-ai/stategraph/graph"
)

const redactedMarker = "[REDACTED]"

// Redact rewrites the user input field, replacing every match of its
// patterns with a redaction marker. It transforms state but never halts.
// When anything was scrubbed the delta also records that redaction occurred
// and preserves the original text for audit.
type Redact struct {
	patterns []*regexp.Regexp

	// InputField is the state field scrubbed. Defaults to "user_input".
	InputField string
}

// NewRedact compiles the given regular expressions into a Redact gate.
func NewRedact(patterns []string) (*Redact, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redact{patterns: compiled, InputField: "user_input"}, nil
}

// Name implements Gate.
func (g *Redact) Name() string { return "redact" }

// Check implements Gate.
func (g *Redact) Check(ctx context.Context, state graph.State) (graph.State, error) {
	input, ok := state[g.InputField].(string)
	if !ok || input == "" {
		return nil, nil
	}
	scrubbed := input
	for _, re := range g.patterns {
		scrubbed = re.ReplaceAllString(scrubbed, redactedMarker)
	}
	if scrubbed == input {
		return nil, nil
	}
	return graph.State{
		g.InputField:       scrubbed,
		FieldRedacted:      true,
		FieldOriginalInput: input,
	}, nil
}
