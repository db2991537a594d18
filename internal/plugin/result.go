package plugin

// ResultKind tags the variant carried by a TransformResult.
type ResultKind string

// Transform result variants.
const (
	// ResultSuccess carries one output row, token identity preserved.
	ResultSuccess ResultKind = "success"
	// ResultSuccessMulti carries multiple output rows; only legal for
	// transforms declaring CreatesTokens.
	ResultSuccessMulti ResultKind = "success_multi"
	// ResultError carries a declared, structured data error routed per the
	// transform's OnError destination.
	ResultError ResultKind = "error"
)

// TransformResult is the declared outcome of one Process call.
type TransformResult struct {
	Kind ResultKind

	// Row is the output payload for ResultSuccess.
	Row map[string]any

	// Rows are the output payloads for ResultSuccessMulti, in emission
	// order. Order determines child token ordinals.
	Rows []map[string]any

	// ContextAfter optionally snapshots transform-side context (prompts,
	// model ids) into the node state for audit.
	ContextAfter map[string]any

	// Reason is the structured error taxonomy for ResultError.
	Reason map[string]any

	// Retryable marks a ResultError as transient. The runtime only retries
	// raised errors; a retryable error result is recorded and routed like
	// any other data error, the flag is advisory for the audit trail.
	Retryable bool
}

// Success returns a single-row success result.
func Success(row map[string]any) TransformResult {
	return TransformResult{Kind: ResultSuccess, Row: row}
}

// SuccessWithContext returns a single-row success result carrying a
// context snapshot for the closing node state.
func SuccessWithContext(row, contextAfter map[string]any) TransformResult {
	return TransformResult{Kind: ResultSuccess, Row: row, ContextAfter: contextAfter}
}

// SuccessMulti returns a multi-row success result for token-creating
// transforms.
func SuccessMulti(rows []map[string]any) TransformResult {
	return TransformResult{Kind: ResultSuccessMulti, Rows: rows}
}

// DataError returns a declared error result with a structured reason.
func DataError(reason map[string]any) TransformResult {
	return TransformResult{Kind: ResultError, Reason: reason}
}

// GateAction is the decision class a gate returns.
type GateAction string

// Gate actions.
const (
	// ActionContinue forwards the row to the next step.
	ActionContinue GateAction = "continue"
	// ActionRoute sends the row to one or more sinks by route label.
	ActionRoute GateAction = "route"
	// ActionFork splits the row into one child token per branch.
	ActionFork GateAction = "fork"
)

// GateResult is the decision of one Evaluate call. Row carries the
// (possibly annotated) payload forward; Reason, when set, is hashed into
// the routing events the decision produces.
type GateResult struct {
	Row      map[string]any
	Action   GateAction
	Labels   []string
	Branches []string
	Reason   map[string]any
}

// Continue returns a pass-through gate decision.
func Continue(row map[string]any) GateResult {
	return GateResult{Row: row, Action: ActionContinue}
}

// RouteTo returns a routing decision targeting the given route labels.
func RouteTo(row map[string]any, reason map[string]any, labels ...string) GateResult {
	return GateResult{Row: row, Action: ActionRoute, Labels: labels, Reason: reason}
}

// ForkToPaths returns a fork decision creating one child per branch, in
// branch order.
func ForkToPaths(row map[string]any, reason map[string]any, branches ...string) GateResult {
	return GateResult{Row: row, Action: ActionFork, Branches: branches, Reason: reason}
}

// SourceRow is one record emitted by a source iterator. A nil Reason
// marks the row valid; invalid rows carry the structured reason and are
// quarantined by the runtime without entering the pipeline.
type SourceRow struct {
	Data   map[string]any
	Reason map[string]any
}

// ValidRow wraps a payload as a valid source row.
func ValidRow(data map[string]any) SourceRow {
	return SourceRow{Data: data}
}

// InvalidRow wraps a structured reason as an invalid source row.
func InvalidRow(reason map[string]any) SourceRow {
	return SourceRow{Reason: reason}
}

// Valid reports whether the row entered the run as data.
func (r SourceRow) Valid() bool {
	return r.Reason == nil
}
