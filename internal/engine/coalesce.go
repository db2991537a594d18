package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/loom-io/loom/internal/audit"
)

// CoalescePolicy decides when a pending branch group merges.
type CoalescePolicy string

// Merge policies.
const (
	// PolicyRequireAll waits for every declared branch.
	PolicyRequireAll CoalescePolicy = "require_all"

	// PolicyBestEffort merges whatever arrived when the timeout expires
	// or the source ends.
	PolicyBestEffort CoalescePolicy = "best_effort"

	// PolicyQuorum merges on the k-th arrival.
	PolicyQuorum CoalescePolicy = "quorum"

	// PolicyFirst merges on the first arrival.
	PolicyFirst CoalescePolicy = "first"
)

// MergeStrategy decides how arrived branch payloads combine into the
// merged row.
type MergeStrategy string

// Merge strategies.
const (
	// MergeUnion combines all fields; later branches in declared order
	// override earlier ones.
	MergeUnion MergeStrategy = "union"

	// MergeNested keys each branch's payload under its branch name.
	MergeNested MergeStrategy = "nested"

	// MergePrimary is a union where the primary branch's fields are
	// applied last, winning every conflict.
	MergePrimary MergeStrategy = "overwrite_by_primary"

	// MergeSelect takes the selected branch's payload and discards the
	// rest. The selected branch missing at merge time fails the group.
	MergeSelect MergeStrategy = "select"
)

// Coalesce failure reasons recorded in node states and echoed in
// outcome metadata.
const (
	FailureLateArrival         = "late_arrival_after_merge"
	FailureSelectBranchMissing = "select_branch_not_arrived"
	FailureQuorumTimeout       = "quorum_not_met_at_timeout"
	FailureQuorumNotMet        = "quorum_not_met"
	FailureQuorumUnreachable   = "quorum_unreachable"
	FailureIncompleteBranches  = "incomplete_branches"
	FailureSiblingLost         = "sibling_branch_lost"
	FailureNoBranchesArrived   = "no_branches_arrived"
)

// maxCompletedKeys bounds the late-arrival detection window. Evicted
// keys lose late-arrival detection; a late token then opens a fresh
// pending group that times out or flushes normally.
const maxCompletedKeys = 10000

// CoalesceSettings configures one coalesce point.
type CoalesceSettings struct {
	Name     string
	NodeID   string
	Branches []string
	Policy   CoalescePolicy
	Merge    MergeStrategy

	// SelectBranch names the branch MergeSelect takes and MergePrimary
	// prefers. Must be a member of Branches for those strategies.
	SelectBranch string

	// QuorumCount is the arrival count PolicyQuorum merges at.
	QuorumCount int

	// Timeout bounds how long a group waits after its first arrival.
	// Zero means the group only resolves on full arrival or end of
	// source.
	Timeout time.Duration
}

// CoalesceOutcome is the result of one coalesce interaction. Held means
// the token was parked waiting for siblings. A merge carries the merged
// token and the consumed inputs; a failure carries the reason instead.
// OutcomesRecorded tells the caller whether terminal outcomes for the
// consumed tokens were already written here; when false the caller owns
// them.
type CoalesceOutcome struct {
	Held             bool
	MergedToken      *Token
	ConsumedTokens   []*Token
	Metadata         map[string]any
	FailureReason    string
	CoalesceName     string
	OutcomesRecorded bool
}

// coalesceKey correlates siblings: tokens merge with the tokens forked
// from the same source row at the same coalesce point.
type coalesceKey struct {
	name  string
	rowID string
}

type pendingCoalesce struct {
	arrived      map[string]*Token
	arrivalOrder []string
	arrivalTimes map[string]time.Time
	stateIDs     map[string]string
	lost         map[string]string
	firstEvent   time.Time
}

func newPendingCoalesce(now time.Time) *pendingCoalesce {
	return &pendingCoalesce{
		arrived:      make(map[string]*Token),
		arrivalTimes: make(map[string]time.Time),
		stateIDs:     make(map[string]string),
		lost:         make(map[string]string),
		firstEvent:   now,
	}
}

func (p *pendingCoalesce) arrivedTokens() []*Token {
	tokens := make([]*Token, 0, len(p.arrivalOrder))
	for _, branch := range p.arrivalOrder {
		tokens = append(tokens, p.arrived[branch])
	}

	return tokens
}

// CoalesceExecutor is the stateful barrier that joins forked branches
// back into single tokens. Tokens correlate by (coalesce name, row id);
// each arrival parks in an open node state until the group's policy
// resolves it, at which point every consumed token's state closes and
// its terminal outcome is written here.
//
// The executor is driven serially by the row processor; nothing in it
// is safe for concurrent use.
type CoalesceExecutor struct {
	rec    audit.Recorder
	tokens *TokenManager
	clock  Clock

	settings map[string]CoalesceSettings
	byNode   map[string]string
	pending  map[coalesceKey]*pendingCoalesce

	// Resolved keys, kept as a bounded FIFO so late arrivals are
	// rejected instead of opening a second group.
	completed      map[coalesceKey]struct{}
	completedOrder []coalesceKey
}

// NewCoalesceExecutor validates the coalesce configuration and builds
// the executor. Configuration errors fail assembly, not the first row.
func NewCoalesceExecutor(rec audit.Recorder, tokens *TokenManager, clock Clock, settings []CoalesceSettings) (*CoalesceExecutor, error) {
	if clock == nil {
		clock = SystemClock()
	}

	e := &CoalesceExecutor{
		rec:       rec,
		tokens:    tokens,
		clock:     clock,
		settings:  make(map[string]CoalesceSettings, len(settings)),
		byNode:    make(map[string]string, len(settings)),
		pending:   make(map[coalesceKey]*pendingCoalesce),
		completed: make(map[coalesceKey]struct{}),
	}

	for _, s := range settings {
		if err := validateCoalesceSettings(s); err != nil {
			return nil, err
		}

		if _, dup := e.settings[s.Name]; dup {
			return nil, fmt.Errorf("duplicate coalesce name %q", s.Name)
		}

		if prev, dup := e.byNode[s.NodeID]; dup {
			return nil, fmt.Errorf("coalesce %s reuses node %s already owned by %s", s.Name, s.NodeID, prev)
		}

		e.settings[s.Name] = s
		e.byNode[s.NodeID] = s.Name
	}

	return e, nil
}

func validateCoalesceSettings(s CoalesceSettings) error {
	if s.Name == "" {
		return fmt.Errorf("coalesce settings require a name")
	}

	if s.NodeID == "" {
		return fmt.Errorf("coalesce %s has no node id", s.Name)
	}

	if len(s.Branches) == 0 {
		return fmt.Errorf("coalesce %s declares no branches", s.Name)
	}

	switch s.Policy {
	case PolicyRequireAll, PolicyBestEffort, PolicyFirst:
	case PolicyQuorum:
		if s.QuorumCount < 1 || s.QuorumCount > len(s.Branches) {
			return fmt.Errorf("coalesce %s quorum count %d is outside 1..%d", s.Name, s.QuorumCount, len(s.Branches))
		}
	default:
		return fmt.Errorf("coalesce %s has unknown policy %q", s.Name, s.Policy)
	}

	switch s.Merge {
	case MergeUnion, MergeNested:
	case MergeSelect, MergePrimary:
		if !slices.Contains(s.Branches, s.SelectBranch) {
			return fmt.Errorf("coalesce %s merge strategy %s needs a select branch from %v, got %q", s.Name, s.Merge, s.Branches, s.SelectBranch)
		}
	default:
		return fmt.Errorf("coalesce %s has unknown merge strategy %q", s.Name, s.Merge)
	}

	return nil
}

// Names returns the registered coalesce names in sorted order.
func (e *CoalesceExecutor) Names() []string {
	names := make([]string, 0, len(e.settings))
	for name := range e.settings {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Settings returns the configuration for a registered coalesce point.
func (e *CoalesceExecutor) Settings(name string) (CoalesceSettings, bool) {
	s, ok := e.settings[name]

	return s, ok
}

// NameForNode maps a coalesce node id to its registered name.
func (e *CoalesceExecutor) NameForNode(nodeID string) (string, bool) {
	name, ok := e.byNode[nodeID]

	return name, ok
}

// Accept parks or merges a token arriving at a coalesce point. Held
// outcomes leave the token's node state open until the group resolves.
// A token arriving after its group already resolved is recorded as a
// failed attempt and returned with FailureLateArrival; the caller owns
// its terminal outcome.
func (e *CoalesceExecutor) Accept(ctx context.Context, runID string, token *Token, name string, stepIndex int) (*CoalesceOutcome, error) {
	s, ok := e.settings[name]
	if !ok {
		return nil, invariantf("coalesce %s is not registered", name)
	}

	if token.BranchName == "" {
		return nil, invariantf("token %s reached coalesce %s without a branch name", token.ID, name)
	}

	if !slices.Contains(s.Branches, token.BranchName) {
		return nil, invariantf("branch %s is not in the branch set of coalesce %s", token.BranchName, name)
	}

	key := coalesceKey{name: name, rowID: token.RowID}
	now := e.clock.Now()

	if _, done := e.completed[key]; done {
		return e.recordLateArrival(ctx, runID, s, token, stepIndex)
	}

	p := e.pending[key]
	if p == nil {
		p = newPendingCoalesce(now)
		e.pending[key] = p
	}

	if _, dup := p.arrived[token.BranchName]; dup {
		return nil, invariantf("duplicate arrival for branch %s at coalesce %s, row %s", token.BranchName, name, token.RowID)
	}

	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     runID,
		TokenID:   token.ID,
		NodeID:    s.NodeID,
		StepIndex: stepIndex,
		Attempt:   0,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open coalesce state for token %s: %w", token.ID, err)
	}

	p.arrived[token.BranchName] = token
	p.arrivalOrder = append(p.arrivalOrder, token.BranchName)
	p.arrivalTimes[token.BranchName] = now
	p.stateIDs[token.BranchName] = state.ID

	if e.shouldMerge(s, p) {
		return e.executeMerge(ctx, runID, s, key, p)
	}

	return &CoalesceOutcome{Held: true, CoalesceName: name}, nil
}

func (e *CoalesceExecutor) recordLateArrival(ctx context.Context, runID string, s CoalesceSettings, token *Token, stepIndex int) (*CoalesceOutcome, error) {
	state, err := e.rec.BeginNodeState(ctx, audit.BeginNodeStateParams{
		RunID:     runID,
		TokenID:   token.ID,
		NodeID:    s.NodeID,
		StepIndex: stepIndex,
		Attempt:   0,
		Input:     token.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open coalesce state for late token %s: %w", token.ID, err)
	}

	errJSON, err := json.Marshal(map[string]any{"failure_reason": FailureLateArrival})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize late arrival failure: %w", err)
	}

	if err := e.rec.CompleteNodeState(ctx, state.ID, audit.CompleteNodeStateParams{
		Status:     audit.StateFailed,
		DurationMS: 0,
		ErrorJSON:  errJSON,
	}); err != nil {
		return nil, fmt.Errorf("failed to close coalesce state for late token %s: %w", token.ID, err)
	}

	return &CoalesceOutcome{
		Held:           false,
		FailureReason:  FailureLateArrival,
		ConsumedTokens: []*Token{token},
		Metadata: map[string]any{
			"policy": string(s.Policy),
			"reason": "siblings already merged or failed",
		},
		CoalesceName: s.Name,
	}, nil
}

func (e *CoalesceExecutor) shouldMerge(s CoalesceSettings, p *pendingCoalesce) bool {
	arrived := len(p.arrived)
	expected := len(s.Branches)

	switch s.Policy {
	case PolicyRequireAll:
		return arrived == expected
	case PolicyFirst:
		return arrived >= 1
	case PolicyQuorum:
		return arrived >= s.QuorumCount
	default:
		// Best effort merges early only when every branch made it;
		// partial groups wait for the timeout or end of source.
		return arrived == expected
	}
}

func (e *CoalesceExecutor) executeMerge(ctx context.Context, runID string, s CoalesceSettings, key coalesceKey, p *pendingCoalesce) (*CoalesceOutcome, error) {
	now := e.clock.Now()

	if s.Merge == MergeSelect {
		if _, ok := p.arrived[s.SelectBranch]; !ok {
			details := map[string]any{
				"failure_reason":   FailureSelectBranchMissing,
				"select_branch":    s.SelectBranch,
				"branches_arrived": slices.Clone(p.arrivalOrder),
			}
			meta := map[string]any{
				"policy":           string(s.Policy),
				"merge_strategy":   string(s.Merge),
				"select_branch":    s.SelectBranch,
				"branches_arrived": slices.Clone(p.arrivalOrder),
			}

			return e.failPending(ctx, key, p, FailureSelectBranchMissing, details, meta)
		}
	}

	merged := e.mergeData(s, p)
	consumed := p.arrivedTokens()

	mergedToken, joinGroupID, err := e.tokens.CoalesceTokens(ctx, runID, consumed, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to create merged token at coalesce %s: %w", s.Name, err)
	}

	meta := map[string]any{
		"policy":            string(s.Policy),
		"merge_strategy":    string(s.Merge),
		"expected_branches": slices.Clone(s.Branches),
		"branches_arrived":  slices.Clone(p.arrivalOrder),
		"arrival_order":     e.arrivalOffsets(p),
		"wait_duration_ms":  now.Sub(p.firstEvent).Milliseconds(),
	}

	contextAfter, err := json.Marshal(map[string]any{"coalesce_context": meta})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize coalesce context: %w", err)
	}

	for _, branch := range p.arrivalOrder {
		token := p.arrived[branch]

		err := e.rec.CompleteNodeState(ctx, p.stateIDs[branch], audit.CompleteNodeStateParams{
			Status:           audit.StateCompleted,
			Output:           map[string]any{"merged_into": mergedToken.ID},
			DurationMS:       now.Sub(p.arrivalTimes[branch]).Milliseconds(),
			ContextAfterJSON: contextAfter,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to close coalesce state for branch %s: %w", branch, err)
		}

		err = e.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:     token.ID,
			Outcome:     audit.OutcomeCoalesced,
			JoinGroupID: joinGroupID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record coalesced outcome for token %s: %w", token.ID, err)
		}
	}

	// The merged token gets no outcome here. It completes at a sink, or
	// becomes a consumed input of an outer coalesce when joins nest.
	delete(e.pending, key)
	e.markCompleted(key)

	return &CoalesceOutcome{
		Held:           false,
		MergedToken:    mergedToken,
		ConsumedTokens: consumed,
		Metadata:       meta,
		CoalesceName:   s.Name,
	}, nil
}

func (e *CoalesceExecutor) arrivalOffsets(p *pendingCoalesce) []map[string]any {
	order := make([]map[string]any, 0, len(p.arrivalOrder))
	for _, branch := range p.arrivalOrder {
		order = append(order, map[string]any{
			"branch":            branch,
			"arrival_offset_ms": p.arrivalTimes[branch].Sub(p.firstEvent).Milliseconds(),
		})
	}

	return order
}

func (e *CoalesceExecutor) mergeData(s CoalesceSettings, p *pendingCoalesce) map[string]any {
	switch s.Merge {
	case MergeNested:
		merged := make(map[string]any, len(p.arrived))
		for _, branch := range s.Branches {
			if t, ok := p.arrived[branch]; ok {
				merged[branch] = t.Data
			}
		}

		return merged
	case MergeSelect:
		selected := p.arrived[s.SelectBranch]
		merged := make(map[string]any, len(selected.Data))
		for k, v := range selected.Data {
			merged[k] = v
		}

		return merged
	case MergePrimary:
		merged := make(map[string]any)
		for _, branch := range s.Branches {
			if branch == s.SelectBranch {
				continue
			}

			if t, ok := p.arrived[branch]; ok {
				for k, v := range t.Data {
					merged[k] = v
				}
			}
		}

		if t, ok := p.arrived[s.SelectBranch]; ok {
			for k, v := range t.Data {
				merged[k] = v
			}
		}

		return merged
	default:
		merged := make(map[string]any)
		for _, branch := range s.Branches {
			if t, ok := p.arrived[branch]; ok {
				for k, v := range t.Data {
					merged[k] = v
				}
			}
		}

		return merged
	}
}

// failPending closes every parked state as failed, records FAILED
// outcomes for the arrived tokens, and resolves the group.
func (e *CoalesceExecutor) failPending(ctx context.Context, key coalesceKey, p *pendingCoalesce, reason string, details, meta map[string]any) (*CoalesceOutcome, error) {
	now := e.clock.Now()

	hash, err := errorHash(reason)
	if err != nil {
		return nil, err
	}

	errJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize coalesce failure details: %w", err)
	}

	for _, branch := range p.arrivalOrder {
		token := p.arrived[branch]

		cerr := e.rec.CompleteNodeState(ctx, p.stateIDs[branch], audit.CompleteNodeStateParams{
			Status:     audit.StateFailed,
			DurationMS: now.Sub(p.arrivalTimes[branch]).Milliseconds(),
			ErrorJSON:  errJSON,
		})
		if cerr != nil {
			return nil, fmt.Errorf("failed to close coalesce state for branch %s: %w", branch, cerr)
		}

		cerr = e.rec.RecordOutcome(ctx, audit.OutcomeParams{
			TokenID:   token.ID,
			Outcome:   audit.OutcomeFailed,
			ErrorHash: hash,
		})
		if cerr != nil {
			return nil, fmt.Errorf("failed to record coalesce failure for token %s: %w", token.ID, cerr)
		}
	}

	consumed := p.arrivedTokens()
	delete(e.pending, key)
	e.markCompleted(key)

	return &CoalesceOutcome{
		Held:             false,
		FailureReason:    reason,
		ConsumedTokens:   consumed,
		Metadata:         meta,
		CoalesceName:     key.name,
		OutcomesRecorded: true,
	}, nil
}

// NoteBranchLost tells the coalesce point that a branch bound to it was
// diverted before arriving: error-routed, quarantined, or failed. The
// group's policy is re-evaluated with that branch excluded, which may
// trigger an immediate merge or fail the parked siblings. Returns nil
// when the loss has no consequence yet.
func (e *CoalesceExecutor) NoteBranchLost(ctx context.Context, runID, name, rowID, lostBranch, reason string) (*CoalesceOutcome, error) {
	s, ok := e.settings[name]
	if !ok {
		return nil, invariantf("coalesce %s is not registered", name)
	}

	if !slices.Contains(s.Branches, lostBranch) {
		return nil, invariantf("lost branch %s is not in the branch set of coalesce %s", lostBranch, name)
	}

	key := coalesceKey{name: name, rowID: rowID}
	if _, done := e.completed[key]; done {
		return nil, nil
	}

	p := e.pending[key]
	if p == nil {
		p = newPendingCoalesce(e.clock.Now())
		e.pending[key] = p
	}

	if _, arrived := p.arrived[lostBranch]; arrived {
		return nil, invariantf("branch %s reported lost at coalesce %s after arriving, row %s", lostBranch, name, rowID)
	}

	if _, already := p.lost[lostBranch]; already {
		return nil, invariantf("branch %s reported lost twice at coalesce %s, row %s", lostBranch, name, rowID)
	}

	p.lost[lostBranch] = reason

	accounted := len(p.arrived) + len(p.lost)
	expected := len(s.Branches)

	switch s.Policy {
	case PolicyRequireAll:
		// Full arrival is now impossible.
		if len(p.arrived) > 0 {
			details := map[string]any{
				"failure_reason": FailureSiblingLost,
				"lost_branch":    lostBranch,
				"lost_reason":    reason,
			}
			meta := map[string]any{
				"policy":            string(s.Policy),
				"expected_branches": slices.Clone(s.Branches),
				"branches_arrived":  slices.Clone(p.arrivalOrder),
				"lost_branch":       lostBranch,
			}

			return e.failPending(ctx, key, p, FailureSiblingLost, details, meta)
		}

		if accounted == expected {
			e.resolveEmpty(key)
		}

		return nil, nil
	case PolicyQuorum:
		possible := expected - accounted
		if len(p.arrived)+possible < s.QuorumCount {
			if len(p.arrived) > 0 {
				details := map[string]any{
					"failure_reason": FailureQuorumUnreachable,
					"lost_branch":    lostBranch,
					"lost_reason":    reason,
				}
				meta := map[string]any{
					"policy":           string(s.Policy),
					"quorum_required":  s.QuorumCount,
					"branches_arrived": slices.Clone(p.arrivalOrder),
					"lost_branch":      lostBranch,
				}

				return e.failPending(ctx, key, p, FailureQuorumUnreachable, details, meta)
			}

			e.resolveEmpty(key)
		}

		return nil, nil
	case PolicyBestEffort:
		if accounted == expected {
			if len(p.arrived) > 0 {
				return e.executeMerge(ctx, runID, s, key, p)
			}

			e.resolveEmpty(key)
		}

		return nil, nil
	default:
		// First policy merges on arrival, so a pending group here has
		// no arrivals; it only dies when every branch is lost.
		if accounted == expected {
			e.resolveEmpty(key)
		}

		return nil, nil
	}
}

// resolveEmpty retires a group with no arrived tokens. Nothing is
// recorded; there are no tokens to record against.
func (e *CoalesceExecutor) resolveEmpty(key coalesceKey) {
	delete(e.pending, key)
	e.markCompleted(key)
}

// CheckTimeouts resolves every pending group of the named coalesce
// whose wait exceeded the configured timeout. Best effort merges what
// arrived, quorum merges when met and fails otherwise, require_all
// always fails. Returns one outcome per resolved group.
func (e *CoalesceExecutor) CheckTimeouts(ctx context.Context, runID, name string) ([]*CoalesceOutcome, error) {
	s, ok := e.settings[name]
	if !ok {
		return nil, invariantf("coalesce %s is not registered", name)
	}

	if s.Timeout <= 0 {
		return nil, nil
	}

	now := e.clock.Now()

	var expired []coalesceKey

	for key, p := range e.pending {
		if key.name != name {
			continue
		}

		if now.Sub(p.firstEvent) >= s.Timeout {
			expired = append(expired, key)
		}
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].rowID < expired[j].rowID })

	var outcomes []*CoalesceOutcome

	for _, key := range expired {
		p := e.pending[key]

		outcome, err := e.resolveExpired(ctx, runID, s, key, p)
		if err != nil {
			return nil, err
		}

		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
	}

	return outcomes, nil
}

func (e *CoalesceExecutor) resolveExpired(ctx context.Context, runID string, s CoalesceSettings, key coalesceKey, p *pendingCoalesce) (*CoalesceOutcome, error) {
	switch s.Policy {
	case PolicyBestEffort:
		if len(p.arrived) > 0 {
			return e.executeMerge(ctx, runID, s, key, p)
		}

		e.resolveEmpty(key)

		return &CoalesceOutcome{
			Held:          false,
			FailureReason: FailureNoBranchesArrived,
			Metadata: map[string]any{
				"policy":          string(s.Policy),
				"timeout_seconds": s.Timeout.Seconds(),
			},
			CoalesceName:     s.Name,
			OutcomesRecorded: true,
		}, nil
	case PolicyQuorum:
		if len(p.arrived) >= s.QuorumCount {
			return e.executeMerge(ctx, runID, s, key, p)
		}

		details := map[string]any{"failure_reason": FailureQuorumTimeout}
		meta := map[string]any{
			"policy":           string(s.Policy),
			"quorum_required":  s.QuorumCount,
			"branches_arrived": slices.Clone(p.arrivalOrder),
			"timeout_seconds":  s.Timeout.Seconds(),
		}

		return e.failPending(ctx, key, p, FailureQuorumTimeout, details, meta)
	case PolicyRequireAll:
		details := map[string]any{"failure_reason": FailureIncompleteBranches}
		meta := map[string]any{
			"policy":            string(s.Policy),
			"expected_branches": slices.Clone(s.Branches),
			"branches_arrived":  slices.Clone(p.arrivalOrder),
			"timeout_seconds":   s.Timeout.Seconds(),
		}

		return e.failPending(ctx, key, p, FailureIncompleteBranches, details, meta)
	default:
		// First policy groups hold no arrived tokens; the timeout just
		// retires them.
		e.resolveEmpty(key)

		return nil, nil
	}
}

// FlushPending resolves every pending group at end of source. Best
// effort merges what arrived, quorum merges when met and fails
// otherwise, require_all fails. A first-policy group holding arrivals
// is an invariant violation: first merges on arrival, so nothing of it
// should ever still be parked.
func (e *CoalesceExecutor) FlushPending(ctx context.Context, runID string) ([]*CoalesceOutcome, error) {
	keys := make([]coalesceKey, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}

		return keys[i].rowID < keys[j].rowID
	})

	var outcomes []*CoalesceOutcome

	for _, key := range keys {
		p := e.pending[key]
		s := e.settings[key.name]

		switch s.Policy {
		case PolicyBestEffort:
			if len(p.arrived) == 0 {
				e.resolveEmpty(key)

				continue
			}

			outcome, err := e.executeMerge(ctx, runID, s, key, p)
			if err != nil {
				return nil, err
			}

			outcomes = append(outcomes, outcome)
		case PolicyQuorum:
			if len(p.arrived) >= s.QuorumCount {
				outcome, err := e.executeMerge(ctx, runID, s, key, p)
				if err != nil {
					return nil, err
				}

				outcomes = append(outcomes, outcome)

				continue
			}

			details := map[string]any{"failure_reason": FailureQuorumNotMet}
			meta := map[string]any{
				"policy":           string(s.Policy),
				"quorum_required":  s.QuorumCount,
				"branches_arrived": slices.Clone(p.arrivalOrder),
			}

			outcome, err := e.failPending(ctx, key, p, FailureQuorumNotMet, details, meta)
			if err != nil {
				return nil, err
			}

			outcomes = append(outcomes, outcome)
		case PolicyRequireAll:
			details := map[string]any{"failure_reason": FailureIncompleteBranches}
			meta := map[string]any{
				"policy":            string(s.Policy),
				"expected_branches": slices.Clone(s.Branches),
				"branches_arrived":  slices.Clone(p.arrivalOrder),
			}

			outcome, err := e.failPending(ctx, key, p, FailureIncompleteBranches, details, meta)
			if err != nil {
				return nil, err
			}

			outcomes = append(outcomes, outcome)
		default:
			if len(p.arrived) > 0 {
				return nil, invariantf("coalesce %s uses the first policy but still holds arrivals for row %s", key.name, key.rowID)
			}

			e.resolveEmpty(key)
		}
	}

	// Late-arrival detection is pointless once the source has ended;
	// release the window.
	e.completed = make(map[coalesceKey]struct{})
	e.completedOrder = nil

	return outcomes, nil
}

// FailOpenStates closes every held arrival's node state as failed with
// the given cause. Used when a run dies with tokens still parked at
// coalesce points: their states must not stay open, but no terminal
// outcomes are written, so the audit trail shows them as in flight when
// the run ended.
func (e *CoalesceExecutor) FailOpenStates(ctx context.Context, cause string) error {
	keys := make([]coalesceKey, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}

		return keys[i].rowID < keys[j].rowID
	})

	errJSON, err := json.Marshal(map[string]any{"error": cause})
	if err != nil {
		return fmt.Errorf("failed to serialize coalesce shutdown cause: %w", err)
	}

	now := e.clock.Now()

	for _, key := range keys {
		p := e.pending[key]

		for _, branch := range p.arrivalOrder {
			cerr := e.rec.CompleteNodeState(ctx, p.stateIDs[branch], audit.CompleteNodeStateParams{
				Status:     audit.StateFailed,
				DurationMS: now.Sub(p.arrivalTimes[branch]).Milliseconds(),
				ErrorJSON:  errJSON,
			})
			if cerr != nil {
				return fmt.Errorf("failed to close held coalesce state for branch %s: %w", branch, cerr)
			}
		}

		delete(e.pending, key)
	}

	return nil
}

func (e *CoalesceExecutor) markCompleted(key coalesceKey) {
	e.completed[key] = struct{}{}
	e.completedOrder = append(e.completedOrder, key)

	for len(e.completedOrder) > maxCompletedKeys {
		evicted := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]

		delete(e.completed, evicted)
	}
}
