package graph

// Edges define the control flow between nodes. The engine resolves, in order
// of precedence: fan-out sets, conditional edges, then static edges. A node
// with none of the three is terminal.

// Router maps the accumulated state (after the source node's delta has been
// merged) to exactly one logical target name. The name is resolved through a
// closed target table; a name missing from the table is a *RoutingError,
// never a silent default.
//
// Routers should be pure functions of the state.
type Router func(state State) string

// conditionalEdge is a router plus its closed target table.
type conditionalEdge struct {
	router  Router
	targets map[string]string // logical name -> node ID
}

// fanOut is a set of branch nodes executed concurrently from one source.
// All branches must complete and merge before the join node runs.
type fanOut struct {
	targets []string // branch node IDs, in declaration order (= merge order)
	join    string   // set by AddJoin; empty until declared
}

// sameBranchSet reports whether the declared join branches match the fan-out
// targets, ignoring order.
func sameBranchSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
