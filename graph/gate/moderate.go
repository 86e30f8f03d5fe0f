package gate

import (
	"context"
	"strings"

	"github.com/calder-ai/stategraph/graph"
)

// Moderation halts runs whose user input contains a blocked term.
// Matching is case-insensitive substring search.
type Moderation struct {
	terms []string

	// InputField is the state field inspected. Defaults to "user_input".
	InputField string
}

// NewModeration creates a Moderation gate over the given blocked terms.
func NewModeration(terms []string) *Moderation {
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	return &Moderation{terms: lowered, InputField: "user_input"}
}

// Name implements Gate.
func (g *Moderation) Name() string { return "moderation" }

// Check implements Gate.
func (g *Moderation) Check(ctx context.Context, state graph.State) (graph.State, error) {
	input, _ := state[g.InputField].(string)
	if input == "" {
		return nil, nil
	}
	lowered := strings.ToLower(input)
	for _, term := range g.terms {
		if strings.Contains(lowered, term) {
			return Halt(ReasonModerationBlock, "Input was blocked by content moderation."), nil
		}
	}
	return nil, nil
}
