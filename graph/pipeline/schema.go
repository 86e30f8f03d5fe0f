// Package pipeline provides prebuilt agent workflows on top of the graph
// engine: a routed single-agent graph and a governed multi-agent supervisor
// graph.
package pipeline

import "github.com/calder-ai/stategraph/graph"

// State field names shared by the prebuilt pipelines.
const (
	FieldUserInput      = "user_input"
	FieldRoute          = "route"
	FieldAnswer         = "answer"
	FieldRetrievedDocs  = "retrieved_docs"
	FieldToolResults    = "tool_results"
	FieldParallelParts  = "parallel_parts"
	FieldMeta           = "meta"
	FieldHalt           = "halt"
	FieldPlan           = "plan"
	FieldTasks          = "tasks"
	FieldPlannedTools   = "planned_tools"
	FieldUsedTools      = "used_tools"
	FieldDraftAnswer    = "draft_answer"
	FieldReviewedAnswer = "reviewed_answer"
	FieldCritique       = "critique"
	FieldAudit          = "audit"
	FieldRolledBack     = "rolled_back"
	FieldContentHash    = "content_hash"
	FieldApprovalID     = "approval_id"

	// Markers written by the governance gates.
	FieldRedacted      = "redacted"
	FieldOriginalInput = "original_user_input"
	FieldApproved      = "approved"
	FieldDryRun        = "dry_run"
)

// Route names returned by the single-agent router. The conditional edge
// table is closed over exactly these three.
const (
	RouteDirect = "direct"
	RouteRAG    = "rag"
	RouteTool   = "tool"
)

// AgentSchema declares the single-agent state: scalar IO fields overwrite,
// retrieval and tool outputs append, branch outputs shallow-merge so
// concurrent branches writing disjoint keys never clobber each other.
func AgentSchema() *graph.Schema {
	return graph.MustSchema(
		graph.Field{Name: FieldUserInput, Kind: graph.KindString, Policy: graph.Overwrite},
		graph.Field{Name: FieldRoute, Kind: graph.KindString, Policy: graph.Overwrite},
		graph.Field{Name: FieldAnswer, Kind: graph.KindString, Policy: graph.Overwrite},
		graph.Field{Name: FieldHalt, Kind: graph.KindString, Policy: graph.Overwrite},
		graph.Field{Name: FieldRetrievedDocs, Kind: graph.KindList, Policy: graph.Append},
		graph.Field{Name: FieldToolResults, Kind: graph.KindList, Policy: graph.Append},
		graph.Field{Name: FieldParallelParts, Kind: graph.KindMap, Policy: graph.ShallowMerge},
		graph.Field{Name: FieldMeta, Kind: graph.KindMap, Policy: graph.ShallowMerge},
	)
}

// SupervisorSchema declares the multi-agent state: planning and review
// artifacts on top of the agent fields, plus the instrumentation fields the
// supervisor's middleware writes.
func SupervisorSchema() *graph.Schema {
	fields := []graph.Field{
		{Name: FieldUserInput, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldRoute, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldAnswer, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldHalt, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldPlan, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldTasks, Kind: graph.KindList, Policy: graph.Overwrite},
		{Name: FieldPlannedTools, Kind: graph.KindList, Policy: graph.Overwrite},
		{Name: FieldUsedTools, Kind: graph.KindList, Policy: graph.Append},
		{Name: FieldRetrievedDocs, Kind: graph.KindList, Policy: graph.Overwrite},
		{Name: FieldToolResults, Kind: graph.KindList, Policy: graph.Append},
		{Name: FieldDraftAnswer, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldReviewedAnswer, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldCritique, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldAudit, Kind: graph.KindMap, Policy: graph.Overwrite},
		{Name: FieldRolledBack, Kind: graph.KindBool, Policy: graph.Overwrite},
		{Name: FieldContentHash, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldApprovalID, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldRedacted, Kind: graph.KindBool, Policy: graph.Overwrite},
		{Name: FieldOriginalInput, Kind: graph.KindString, Policy: graph.Overwrite},
		{Name: FieldApproved, Kind: graph.KindBool, Policy: graph.Overwrite},
		{Name: FieldDryRun, Kind: graph.KindBool, Policy: graph.Overwrite},
		{Name: FieldMeta, Kind: graph.KindMap, Policy: graph.ShallowMerge},
	}
	fields = append(fields, graph.InstrumentationFields()...)
	return graph.MustSchema(fields...)
}
