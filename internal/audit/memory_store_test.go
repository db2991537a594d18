package audit

import (
	"context"
	"errors"
	"testing"
)

// seedToken creates a run, a source row, and one token for it. Most recorder
// semantics need this minimal chain in place.
func seedToken(t *testing.T, ctx context.Context, store *MemoryStore) (*Run, *Row, *Token) {
	t.Helper()

	run, err := store.BeginRun(ctx, "cfg-hash", "v1")
	if err != nil {
		t.Fatalf("BeginRun() unexpected error: %v", err)
	}

	row, err := store.CreateRow(ctx, run.ID, "csv_source", 0, map[string]any{"id": 1})
	if err != nil {
		t.Fatalf("CreateRow() unexpected error: %v", err)
	}

	token, err := store.CreateToken(ctx, CreateTokenParams{
		RunID: run.ID,
		RowID: row.ID,
		Data:  map[string]any{"id": 1},
	})
	if err != nil {
		t.Fatalf("CreateToken() unexpected error: %v", err)
	}

	return run, row, token
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("begin run starts in running status", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		if run.ID == "" {
			t.Error("BeginRun() returned empty run id")
		}

		if run.Status != RunRunning {
			t.Errorf("BeginRun() Status = %v, want %v", run.Status, RunRunning)
		}

		if run.ConfigHash != "cfg-hash" {
			t.Errorf("BeginRun() ConfigHash = %v, want cfg-hash", run.ConfigHash)
		}

		if run.StartedAt.IsZero() {
			t.Error("BeginRun() StartedAt not set")
		}

		if run.CompletedAt != nil {
			t.Error("BeginRun() CompletedAt should be nil for a running run")
		}
	})

	t.Run("complete run records terminal status once", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		err = store.CompleteRun(ctx, run.ID, RunCompleted)
		if err != nil {
			t.Fatalf("CompleteRun() unexpected error: %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() unexpected error: %v", err)
		}

		if got.Status != RunCompleted {
			t.Errorf("GetRun() Status = %v, want %v", got.Status, RunCompleted)
		}

		if got.CompletedAt == nil {
			t.Error("GetRun() CompletedAt not set after completion")
		}

		// A second transition must fail, the terminal status is immutable.
		err = store.CompleteRun(ctx, run.ID, RunFailed)
		if !errors.Is(err, ErrRunNotRunning) {
			t.Errorf("CompleteRun() second call error = %v, want ErrRunNotRunning", err)
		}
	})

	t.Run("complete unknown run", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.CompleteRun(ctx, "no-such-run", RunCompleted)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("CompleteRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("get unknown run", func(t *testing.T) {
		store := NewMemoryStore()

		_, err := store.GetRun(ctx, "no-such-run")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list runs newest first with paging", func(t *testing.T) {
		store := NewMemoryStore()

		first, err := store.BeginRun(ctx, "h1", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		second, err := store.BeginRun(ctx, "h2", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		third, err := store.BeginRun(ctx, "h3", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		runs, err := store.ListRuns(ctx, ListRunsParams{})
		if err != nil {
			t.Fatalf("ListRuns() unexpected error: %v", err)
		}

		if len(runs) != 3 {
			t.Fatalf("ListRuns() returned %d runs, want 3", len(runs))
		}

		if runs[0].ID != third.ID || runs[1].ID != second.ID || runs[2].ID != first.ID {
			t.Errorf("ListRuns() order = [%s %s %s], want newest first", runs[0].ID, runs[1].ID, runs[2].ID)
		}

		paged, err := store.ListRuns(ctx, ListRunsParams{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("ListRuns() unexpected error: %v", err)
		}

		if len(paged) != 1 || paged[0].ID != second.ID {
			t.Errorf("ListRuns(limit 1, offset 1) did not return the middle run")
		}

		empty, err := store.ListRuns(ctx, ListRunsParams{Offset: 10})
		if err != nil {
			t.Fatalf("ListRuns() unexpected error: %v", err)
		}

		if len(empty) != 0 {
			t.Errorf("ListRuns(offset past end) returned %d runs, want 0", len(empty))
		}
	})

	t.Run("health check and close succeed", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck() unexpected error: %v", err)
		}

		if err := store.Close(); err != nil {
			t.Errorf("Close() unexpected error: %v", err)
		}
	})
}

func TestMemoryStoreGraphRegistration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	run, err := store.BeginRun(ctx, "cfg-hash", "v1")
	if err != nil {
		t.Fatalf("BeginRun() unexpected error: %v", err)
	}

	nodes := []*Node{
		{RunID: run.ID, ID: "extract", PluginName: "csv_source", Type: NodeSource},
		{RunID: run.ID, ID: "enrich", PluginName: "field_mapper", Type: NodeTransform, PluginVersion: "1.2.0"},
		{RunID: run.ID, ID: "load", PluginName: "csv_sink", Type: NodeSink},
	}

	for _, node := range nodes {
		if err := store.RegisterNode(ctx, node); err != nil {
			t.Fatalf("RegisterNode(%s) unexpected error: %v", node.ID, err)
		}
	}

	edges := []*Edge{
		{RunID: run.ID, ID: "e1", FromNode: "extract", ToNode: "enrich", Label: "continue", Mode: EdgeMove},
		{RunID: run.ID, ID: "e2", FromNode: "enrich", ToNode: "load", Label: "continue", Mode: EdgeMove},
	}

	for _, edge := range edges {
		if err := store.RegisterEdge(ctx, edge); err != nil {
			t.Fatalf("RegisterEdge(%s) unexpected error: %v", edge.ID, err)
		}
	}

	gotNodes, err := store.GetNodes(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetNodes() unexpected error: %v", err)
	}

	if len(gotNodes) != 3 {
		t.Fatalf("GetNodes() returned %d nodes, want 3", len(gotNodes))
	}

	for i, node := range nodes {
		if gotNodes[i].ID != node.ID {
			t.Errorf("GetNodes()[%d].ID = %v, want %v (registration order)", i, gotNodes[i].ID, node.ID)
		}
	}

	gotEdges, err := store.GetEdges(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetEdges() unexpected error: %v", err)
	}

	if len(gotEdges) != 2 {
		t.Fatalf("GetEdges() returned %d edges, want 2", len(gotEdges))
	}

	if gotEdges[0].Label != "continue" || gotEdges[0].Mode != EdgeMove {
		t.Errorf("GetEdges()[0] = %+v, want label continue mode move", gotEdges[0])
	}

	// Another run sees none of it.
	otherNodes, err := store.GetNodes(ctx, "other-run")
	if err != nil {
		t.Fatalf("GetNodes() unexpected error: %v", err)
	}

	if len(otherNodes) != 0 {
		t.Errorf("GetNodes(other run) returned %d nodes, want 0", len(otherNodes))
	}
}

func TestMemoryStoreRowsAndTokens(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("create row hashes its payload", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		data := map[string]any{"id": 7, "name": "widget"}

		row, err := store.CreateRow(ctx, run.ID, "csv_source", 7, data)
		if err != nil {
			t.Fatalf("CreateRow() unexpected error: %v", err)
		}

		wantHash, err := HashData(data)
		if err != nil {
			t.Fatalf("HashData() unexpected error: %v", err)
		}

		if row.DataHash != wantHash {
			t.Errorf("CreateRow() DataHash = %q, want %q", row.DataHash, wantHash)
		}

		if row.RowIndex != 7 {
			t.Errorf("CreateRow() RowIndex = %d, want 7", row.RowIndex)
		}

		if row.SourceNode != "csv_source" {
			t.Errorf("CreateRow() SourceNode = %q, want csv_source", row.SourceNode)
		}
	})

	t.Run("rows come back in creation order", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		for i := 0; i < 3; i++ {
			_, err := store.CreateRow(ctx, run.ID, "csv_source", i, map[string]any{"id": i})
			if err != nil {
				t.Fatalf("CreateRow(%d) unexpected error: %v", i, err)
			}
		}

		rows, err := store.GetRows(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRows() unexpected error: %v", err)
		}

		if len(rows) != 3 {
			t.Fatalf("GetRows() returned %d rows, want 3", len(rows))
		}

		for i, row := range rows {
			if row.RowIndex != i {
				t.Errorf("GetRows()[%d].RowIndex = %d, want %d", i, row.RowIndex, i)
			}
		}
	})

	t.Run("stored row data is isolated from callers", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		input := map[string]any{"id": 1}

		row, err := store.CreateRow(ctx, run.ID, "csv_source", 0, input)
		if err != nil {
			t.Fatalf("CreateRow() unexpected error: %v", err)
		}

		// Mutating the caller's map after the write must not reach the store.
		input["id"] = 999

		// Mutating a read result must not reach the store either.
		fetched, err := store.GetRow(ctx, row.ID)
		if err != nil {
			t.Fatalf("GetRow() unexpected error: %v", err)
		}

		fetched.Data["id"] = 888

		clean, err := store.GetRow(ctx, row.ID)
		if err != nil {
			t.Fatalf("GetRow() unexpected error: %v", err)
		}

		if clean.Data["id"] != 1 {
			t.Errorf("GetRow() Data[id] = %v, want 1 (store mutated through caller maps)", clean.Data["id"])
		}
	})

	t.Run("token parents keep branch order", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, parent := seedToken(t, ctx, store)

		sibling, err := store.CreateToken(ctx, CreateTokenParams{
			RunID: run.ID,
			RowID: row.ID,
			Data:  map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		merged, err := store.CreateToken(ctx, CreateTokenParams{
			RunID:       run.ID,
			RowID:       row.ID,
			Data:        map[string]any{"id": 1, "merged": true},
			JoinGroupID: "join-1",
			ParentIDs:   []string{sibling.ID, parent.ID},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		if merged.JoinGroupID != "join-1" {
			t.Errorf("CreateToken() JoinGroupID = %q, want join-1", merged.JoinGroupID)
		}

		parents, err := store.GetTokenParents(ctx, merged.ID)
		if err != nil {
			t.Fatalf("GetTokenParents() unexpected error: %v", err)
		}

		if len(parents) != 2 {
			t.Fatalf("GetTokenParents() returned %d parents, want 2", len(parents))
		}

		if parents[0].ID != sibling.ID || parents[1].ID != parent.ID {
			t.Errorf("GetTokenParents() order = [%s %s], want link order", parents[0].ID, parents[1].ID)
		}
	})

	t.Run("tokens for a row in creation order", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, first := seedToken(t, ctx, store)

		second, err := store.CreateToken(ctx, CreateTokenParams{
			RunID:      run.ID,
			RowID:      row.ID,
			Data:       map[string]any{"id": 1},
			BranchName: "audit_copy",
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		tokens, err := store.GetTokensForRow(ctx, row.ID)
		if err != nil {
			t.Fatalf("GetTokensForRow() unexpected error: %v", err)
		}

		if len(tokens) != 2 {
			t.Fatalf("GetTokensForRow() returned %d tokens, want 2", len(tokens))
		}

		if tokens[0].ID != first.ID || tokens[1].ID != second.ID {
			t.Errorf("GetTokensForRow() order = [%s %s], want creation order", tokens[0].ID, tokens[1].ID)
		}

		if tokens[1].BranchName != "audit_copy" {
			t.Errorf("GetTokensForRow()[1].BranchName = %q, want audit_copy", tokens[1].BranchName)
		}
	})

	t.Run("get unknown token", func(t *testing.T) {
		store := NewMemoryStore()

		_, err := store.GetToken(ctx, "no-such-token")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetToken() error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryStoreNodeStates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("begin opens an attempt with input hash", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		input := map[string]any{"id": 1}

		state, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID:     run.ID,
			TokenID:   token.ID,
			NodeID:    "enrich",
			StepIndex: 1,
			Attempt:   0,
			Input:     input,
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		if state.Status != StateOpen {
			t.Errorf("BeginNodeState() Status = %v, want %v", state.Status, StateOpen)
		}

		wantHash, err := HashData(input)
		if err != nil {
			t.Fatalf("HashData() unexpected error: %v", err)
		}

		if state.InputHash != wantHash {
			t.Errorf("BeginNodeState() InputHash = %q, want %q", state.InputHash, wantHash)
		}

		if state.CompletedAt != nil {
			t.Error("BeginNodeState() CompletedAt should be nil while open")
		}
	})

	t.Run("duplicate attempt is rejected", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		params := BeginNodeStateParams{
			RunID:   run.ID,
			TokenID: token.ID,
			NodeID:  "enrich",
			Attempt: 0,
			Input:   map[string]any{"id": 1},
		}

		if _, err := store.BeginNodeState(ctx, params); err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		_, err := store.BeginNodeState(ctx, params)
		if !errors.Is(err, ErrDuplicateNodeState) {
			t.Errorf("BeginNodeState() duplicate error = %v, want ErrDuplicateNodeState", err)
		}

		// A retry bumps the attempt and is a distinct state.
		params.Attempt = 1

		if _, err := store.BeginNodeState(ctx, params); err != nil {
			t.Errorf("BeginNodeState() retry attempt unexpected error: %v", err)
		}
	})

	t.Run("complete closes an open state exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		state, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID:   run.ID,
			TokenID: token.ID,
			NodeID:  "enrich",
			Input:   map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		output := map[string]any{"id": 1, "name": "widget"}

		err = store.CompleteNodeState(ctx, state.ID, CompleteNodeStateParams{
			Status:     StateCompleted,
			Output:     output,
			DurationMS: 12,
		})
		if err != nil {
			t.Fatalf("CompleteNodeState() unexpected error: %v", err)
		}

		states, err := store.GetNodeStatesForToken(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetNodeStatesForToken() unexpected error: %v", err)
		}

		if len(states) != 1 {
			t.Fatalf("GetNodeStatesForToken() returned %d states, want 1", len(states))
		}

		got := states[0]

		if got.Status != StateCompleted {
			t.Errorf("state Status = %v, want %v", got.Status, StateCompleted)
		}

		wantHash, err := HashData(output)
		if err != nil {
			t.Fatalf("HashData() unexpected error: %v", err)
		}

		if got.OutputHash != wantHash {
			t.Errorf("state OutputHash = %q, want %q", got.OutputHash, wantHash)
		}

		if got.DurationMS != 12 {
			t.Errorf("state DurationMS = %d, want 12", got.DurationMS)
		}

		if got.CompletedAt == nil {
			t.Error("state CompletedAt not set after completion")
		}

		// Closed states stay closed.
		err = store.CompleteNodeState(ctx, state.ID, CompleteNodeStateParams{Status: StateFailed})
		if !errors.Is(err, ErrStateNotOpen) {
			t.Errorf("CompleteNodeState() second call error = %v, want ErrStateNotOpen", err)
		}
	})

	t.Run("complete unknown state", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.CompleteNodeState(ctx, "no-such-state", CompleteNodeStateParams{Status: StateCompleted})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("CompleteNodeState() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("states ordered by step then attempt", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		// Insert out of order: a later step first, then two attempts at an
		// earlier step.
		late, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "load", StepIndex: 2, Attempt: 0,
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		earlyFirst, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "enrich", StepIndex: 0, Attempt: 0,
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		earlyRetry, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "enrich", StepIndex: 0, Attempt: 1,
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		states, err := store.GetNodeStatesForToken(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetNodeStatesForToken() unexpected error: %v", err)
		}

		if len(states) != 3 {
			t.Fatalf("GetNodeStatesForToken() returned %d states, want 3", len(states))
		}

		wantOrder := []string{earlyFirst.ID, earlyRetry.ID, late.ID}
		for i, state := range states {
			if state.ID != wantOrder[i] {
				t.Errorf("states[%d].ID = %s, want %s (step then attempt order)", i, state.ID, wantOrder[i])
			}
		}
	})
}

func TestMemoryStoreRoutingEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("fork group ordinals are unique", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		state, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "split",
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		params := RoutingEventParams{
			RunID:          run.ID,
			FromStateID:    state.ID,
			EdgeID:         "e1",
			Mode:           EdgeCopy,
			RoutingGroupID: "fork-1",
			Ordinal:        0,
		}

		if _, err := store.RecordRoutingEvent(ctx, params); err != nil {
			t.Fatalf("RecordRoutingEvent() unexpected error: %v", err)
		}

		_, err = store.RecordRoutingEvent(ctx, params)
		if !errors.Is(err, ErrDuplicateRoutingOrdinal) {
			t.Errorf("RecordRoutingEvent() duplicate ordinal error = %v, want ErrDuplicateRoutingOrdinal", err)
		}

		params.Ordinal = 1
		params.EdgeID = "e2"

		if _, err := store.RecordRoutingEvent(ctx, params); err != nil {
			t.Errorf("RecordRoutingEvent() next ordinal unexpected error: %v", err)
		}
	})

	t.Run("ungrouped events never conflict", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		state, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "gate",
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		for i := 0; i < 2; i++ {
			_, err := store.RecordRoutingEvent(ctx, RoutingEventParams{
				RunID:       run.ID,
				FromStateID: state.ID,
				EdgeID:      "e1",
				Mode:        EdgeMove,
			})
			if err != nil {
				t.Errorf("RecordRoutingEvent() ungrouped event %d unexpected error: %v", i, err)
			}
		}
	})

	t.Run("events are scoped to the token's states", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, token := seedToken(t, ctx, store)

		other, err := store.CreateToken(ctx, CreateTokenParams{
			RunID: run.ID,
			RowID: row.ID,
			Data:  map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		mine, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "gate",
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		theirs, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: other.ID, NodeID: "gate",
			Input: map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		if _, err := store.RecordRoutingEvent(ctx, RoutingEventParams{
			RunID: run.ID, FromStateID: mine.ID, EdgeID: "e1", Mode: EdgeMove,
		}); err != nil {
			t.Fatalf("RecordRoutingEvent() unexpected error: %v", err)
		}

		if _, err := store.RecordRoutingEvent(ctx, RoutingEventParams{
			RunID: run.ID, FromStateID: theirs.ID, EdgeID: "e2", Mode: EdgeDivert, ReasonHash: "abc",
		}); err != nil {
			t.Fatalf("RecordRoutingEvent() unexpected error: %v", err)
		}

		events, err := store.GetRoutingEvents(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetRoutingEvents() unexpected error: %v", err)
		}

		if len(events) != 1 {
			t.Fatalf("GetRoutingEvents() returned %d events, want 1", len(events))
		}

		if events[0].EdgeID != "e1" {
			t.Errorf("GetRoutingEvents()[0].EdgeID = %q, want e1", events[0].EdgeID)
		}
	})
}

func TestMemoryStoreOutcomes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("terminal outcome is written once", func(t *testing.T) {
		store := NewMemoryStore()
		_, _, token := seedToken(t, ctx, store)

		err := store.RecordOutcome(ctx, OutcomeParams{
			TokenID:  token.ID,
			Outcome:  OutcomeCompleted,
			SinkName: "load",
		})
		if err != nil {
			t.Fatalf("RecordOutcome() unexpected error: %v", err)
		}

		outcome, err := store.GetTokenOutcome(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetTokenOutcome() unexpected error: %v", err)
		}

		if outcome.Outcome != OutcomeCompleted {
			t.Errorf("GetTokenOutcome() Outcome = %v, want %v", outcome.Outcome, OutcomeCompleted)
		}

		if !outcome.IsTerminal {
			t.Error("GetTokenOutcome() IsTerminal = false, want true for completed")
		}

		if outcome.SinkName != "load" {
			t.Errorf("GetTokenOutcome() SinkName = %q, want load", outcome.SinkName)
		}

		// Any second terminal write is an engine bug and must fail loudly.
		err = store.RecordOutcome(ctx, OutcomeParams{
			TokenID: token.ID,
			Outcome: OutcomeFailed,
		})
		if !errors.Is(err, ErrDuplicateOutcome) {
			t.Errorf("RecordOutcome() second terminal error = %v, want ErrDuplicateOutcome", err)
		}
	})

	t.Run("buffered then terminal is the passthrough flow", func(t *testing.T) {
		store := NewMemoryStore()
		_, _, token := seedToken(t, ctx, store)

		err := store.RecordOutcome(ctx, OutcomeParams{
			TokenID: token.ID,
			Outcome: OutcomeBuffered,
		})
		if err != nil {
			t.Fatalf("RecordOutcome(buffered) unexpected error: %v", err)
		}

		// Buffered is not terminal, the token is still in flight.
		_, err = store.GetTokenOutcome(ctx, token.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetTokenOutcome() after buffered = %v, want ErrNotFound", err)
		}

		err = store.RecordOutcome(ctx, OutcomeParams{
			TokenID:  token.ID,
			Outcome:  OutcomeCompleted,
			SinkName: "load",
		})
		if err != nil {
			t.Fatalf("RecordOutcome(completed after buffered) unexpected error: %v", err)
		}

		outcome, err := store.GetTokenOutcome(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetTokenOutcome() unexpected error: %v", err)
		}

		if outcome.Outcome != OutcomeCompleted {
			t.Errorf("GetTokenOutcome() Outcome = %v, want %v", outcome.Outcome, OutcomeCompleted)
		}
	})

	t.Run("group ids are echoed onto the outcome", func(t *testing.T) {
		store := NewMemoryStore()
		_, _, token := seedToken(t, ctx, store)

		err := store.RecordOutcome(ctx, OutcomeParams{
			TokenID:     token.ID,
			Outcome:     OutcomeForked,
			ForkGroupID: "fork-1",
		})
		if err != nil {
			t.Fatalf("RecordOutcome() unexpected error: %v", err)
		}

		outcome, err := store.GetTokenOutcome(ctx, token.ID)
		if err != nil {
			t.Fatalf("GetTokenOutcome() unexpected error: %v", err)
		}

		if outcome.ForkGroupID != "fork-1" {
			t.Errorf("GetTokenOutcome() ForkGroupID = %q, want fork-1", outcome.ForkGroupID)
		}
	})

	t.Run("run outcomes follow token creation order", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, first := seedToken(t, ctx, store)

		second, err := store.CreateToken(ctx, CreateTokenParams{
			RunID: run.ID,
			RowID: row.ID,
			Data:  map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		// Record in reverse creation order.
		err = store.RecordOutcome(ctx, OutcomeParams{TokenID: second.ID, Outcome: OutcomeQuarantined, ErrorHash: "h2"})
		if err != nil {
			t.Fatalf("RecordOutcome() unexpected error: %v", err)
		}

		err = store.RecordOutcome(ctx, OutcomeParams{TokenID: first.ID, Outcome: OutcomeCompleted, SinkName: "load"})
		if err != nil {
			t.Fatalf("RecordOutcome() unexpected error: %v", err)
		}

		outcomes, err := store.GetOutcomes(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetOutcomes() unexpected error: %v", err)
		}

		if len(outcomes) != 2 {
			t.Fatalf("GetOutcomes() returned %d outcomes, want 2", len(outcomes))
		}

		if outcomes[0].TokenID != first.ID || outcomes[1].TokenID != second.ID {
			t.Errorf("GetOutcomes() not in token creation order")
		}
	})
}

func TestMemoryStoreBatches(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("batch lifecycle", func(t *testing.T) {
		store := NewMemoryStore()
		run, _, token := seedToken(t, ctx, store)

		batch, err := store.CreateBatch(ctx, run.ID, "collect")
		if err != nil {
			t.Fatalf("CreateBatch() unexpected error: %v", err)
		}

		if batch.Status != BatchOpen {
			t.Errorf("CreateBatch() Status = %v, want %v", batch.Status, BatchOpen)
		}

		if err := store.AddBatchMember(ctx, batch.ID, token.ID, 0); err != nil {
			t.Fatalf("AddBatchMember() unexpected error: %v", err)
		}

		if err := store.MarkBatchFlushing(ctx, batch.ID); err != nil {
			t.Fatalf("MarkBatchFlushing() unexpected error: %v", err)
		}

		got, err := store.GetBatch(ctx, batch.ID)
		if err != nil {
			t.Fatalf("GetBatch() unexpected error: %v", err)
		}

		if got.Status != BatchFlushing {
			t.Errorf("GetBatch() Status = %v, want %v", got.Status, BatchFlushing)
		}

		if err := store.CompleteBatch(ctx, batch.ID, BatchCompleted, "count"); err != nil {
			t.Fatalf("CompleteBatch() unexpected error: %v", err)
		}

		got, err = store.GetBatch(ctx, batch.ID)
		if err != nil {
			t.Fatalf("GetBatch() unexpected error: %v", err)
		}

		if got.Status != BatchCompleted {
			t.Errorf("GetBatch() Status = %v, want %v", got.Status, BatchCompleted)
		}

		if got.TriggerReason != "count" {
			t.Errorf("GetBatch() TriggerReason = %q, want count", got.TriggerReason)
		}

		if got.CompletedAt == nil {
			t.Error("GetBatch() CompletedAt not set after completion")
		}
	})

	t.Run("member ordinals are unique per batch", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, first := seedToken(t, ctx, store)

		second, err := store.CreateToken(ctx, CreateTokenParams{
			RunID: run.ID,
			RowID: row.ID,
			Data:  map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		batch, err := store.CreateBatch(ctx, run.ID, "collect")
		if err != nil {
			t.Fatalf("CreateBatch() unexpected error: %v", err)
		}

		if err := store.AddBatchMember(ctx, batch.ID, first.ID, 0); err != nil {
			t.Fatalf("AddBatchMember() unexpected error: %v", err)
		}

		err = store.AddBatchMember(ctx, batch.ID, second.ID, 0)
		if !errors.Is(err, ErrDuplicateBatchMember) {
			t.Errorf("AddBatchMember() duplicate ordinal error = %v, want ErrDuplicateBatchMember", err)
		}

		if err := store.AddBatchMember(ctx, batch.ID, second.ID, 1); err != nil {
			t.Fatalf("AddBatchMember() next ordinal unexpected error: %v", err)
		}

		members, err := store.GetBatchMembers(ctx, batch.ID)
		if err != nil {
			t.Fatalf("GetBatchMembers() unexpected error: %v", err)
		}

		if len(members) != 2 {
			t.Fatalf("GetBatchMembers() returned %d members, want 2", len(members))
		}

		if members[0].TokenID != first.ID || members[1].TokenID != second.ID {
			t.Errorf("GetBatchMembers() not in ordinal order")
		}
	})

	t.Run("member for unknown batch", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.AddBatchMember(ctx, "no-such-batch", "tok", 0)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("AddBatchMember() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("open batches exclude completed ones", func(t *testing.T) {
		store := NewMemoryStore()

		run, err := store.BeginRun(ctx, "cfg-hash", "v1")
		if err != nil {
			t.Fatalf("BeginRun() unexpected error: %v", err)
		}

		open, err := store.CreateBatch(ctx, run.ID, "collect")
		if err != nil {
			t.Fatalf("CreateBatch() unexpected error: %v", err)
		}

		flushing, err := store.CreateBatch(ctx, run.ID, "collect")
		if err != nil {
			t.Fatalf("CreateBatch() unexpected error: %v", err)
		}

		closed, err := store.CreateBatch(ctx, run.ID, "collect")
		if err != nil {
			t.Fatalf("CreateBatch() unexpected error: %v", err)
		}

		if err := store.MarkBatchFlushing(ctx, flushing.ID); err != nil {
			t.Fatalf("MarkBatchFlushing() unexpected error: %v", err)
		}

		if err := store.CompleteBatch(ctx, closed.ID, BatchCompleted, "end_of_input"); err != nil {
			t.Fatalf("CompleteBatch() unexpected error: %v", err)
		}

		batches, err := store.GetOpenBatches(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetOpenBatches() unexpected error: %v", err)
		}

		if len(batches) != 2 {
			t.Fatalf("GetOpenBatches() returned %d batches, want 2", len(batches))
		}

		ids := map[string]bool{batches[0].ID: true, batches[1].ID: true}
		if !ids[open.ID] || !ids[flushing.ID] {
			t.Errorf("GetOpenBatches() missing open or flushing batch")
		}
	})
}

func TestMemoryStoreCheckpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("save and restore round trip", func(t *testing.T) {
		store := NewMemoryStore()

		state := []byte(`{"buffer":[1,2,3]}`)

		err := store.SaveCheckpoint(ctx, "run-1", "collect", "v1", state)
		if err != nil {
			t.Fatalf("SaveCheckpoint() unexpected error: %v", err)
		}

		// The store must hold its own copy of the state bytes.
		state[0] = 'X'

		ckpt, err := store.GetCheckpoint(ctx, "run-1", "collect")
		if err != nil {
			t.Fatalf("GetCheckpoint() unexpected error: %v", err)
		}

		if ckpt.Version != "v1" {
			t.Errorf("GetCheckpoint() Version = %q, want v1", ckpt.Version)
		}

		if string(ckpt.State) != `{"buffer":[1,2,3]}` {
			t.Errorf("GetCheckpoint() State = %q, want original bytes", ckpt.State)
		}
	})

	t.Run("save overwrites previous state", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.SaveCheckpoint(ctx, "run-1", "collect", "v1", []byte("old")); err != nil {
			t.Fatalf("SaveCheckpoint() unexpected error: %v", err)
		}

		if err := store.SaveCheckpoint(ctx, "run-1", "collect", "v1", []byte("new")); err != nil {
			t.Fatalf("SaveCheckpoint() unexpected error: %v", err)
		}

		ckpt, err := store.GetCheckpoint(ctx, "run-1", "collect")
		if err != nil {
			t.Fatalf("GetCheckpoint() unexpected error: %v", err)
		}

		if string(ckpt.State) != "new" {
			t.Errorf("GetCheckpoint() State = %q, want new", ckpt.State)
		}
	})

	t.Run("delete removes the checkpoint", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.SaveCheckpoint(ctx, "run-1", "collect", "v1", []byte("state")); err != nil {
			t.Fatalf("SaveCheckpoint() unexpected error: %v", err)
		}

		if err := store.DeleteCheckpoint(ctx, "run-1", "collect"); err != nil {
			t.Fatalf("DeleteCheckpoint() unexpected error: %v", err)
		}

		_, err := store.GetCheckpoint(ctx, "run-1", "collect")
		if !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("GetCheckpoint() after delete error = %v, want ErrCheckpointNotFound", err)
		}

		// Deleting again is a no-op, flush cleanup may race run teardown.
		if err := store.DeleteCheckpoint(ctx, "run-1", "collect"); err != nil {
			t.Errorf("DeleteCheckpoint() second call unexpected error: %v", err)
		}
	})

	t.Run("checkpoints are scoped per node", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.SaveCheckpoint(ctx, "run-1", "collect", "v1", []byte("a")); err != nil {
			t.Fatalf("SaveCheckpoint() unexpected error: %v", err)
		}

		_, err := store.GetCheckpoint(ctx, "run-1", "other-node")
		if !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("GetCheckpoint() other node error = %v, want ErrCheckpointNotFound", err)
		}

		_, err = store.GetCheckpoint(ctx, "run-2", "collect")
		if !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("GetCheckpoint() other run error = %v, want ErrCheckpointNotFound", err)
		}
	})
}

func TestMemoryStoreTransformErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()
	run, _, token := seedToken(t, ctx, store)

	details := map[string]any{"reason": "missing_field", "field": "email"}

	terr, err := store.RecordTransformError(ctx, TransformErrorParams{
		RunID:           run.ID,
		TransformNodeID: "enrich",
		TokenID:         token.ID,
		Destination:     "quarantine_sink",
		Details:         details,
		RowData:         map[string]any{"id": 1},
	})
	if err != nil {
		t.Fatalf("RecordTransformError() unexpected error: %v", err)
	}

	wantHash, err := HashData(details)
	if err != nil {
		t.Fatalf("HashData() unexpected error: %v", err)
	}

	if terr.ErrorHash != wantHash {
		t.Errorf("RecordTransformError() ErrorHash = %q, want %q", terr.ErrorHash, wantHash)
	}

	got, err := store.GetTransformErrorsForToken(ctx, token.ID)
	if err != nil {
		t.Fatalf("GetTransformErrorsForToken() unexpected error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("GetTransformErrorsForToken() returned %d errors, want 1", len(got))
	}

	if got[0].Destination != "quarantine_sink" {
		t.Errorf("transform error Destination = %q, want quarantine_sink", got[0].Destination)
	}

	if got[0].Details["reason"] != "missing_field" {
		t.Errorf("transform error Details[reason] = %v, want missing_field", got[0].Details["reason"])
	}
}

func TestMemoryStoreExplain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("assembles the full token lineage", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, token := seedToken(t, ctx, store)

		transformState, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "enrich", StepIndex: 0,
			Input: map[string]any{"id": 1},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		err = store.CompleteNodeState(ctx, transformState.ID, CompleteNodeStateParams{
			Status:     StateCompleted,
			Output:     map[string]any{"id": 1, "name": "widget"},
			DurationMS: 3,
		})
		if err != nil {
			t.Fatalf("CompleteNodeState() unexpected error: %v", err)
		}

		sinkState, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: token.ID, NodeID: "load", StepIndex: 1,
			Input: map[string]any{"id": 1, "name": "widget"},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		err = store.CompleteNodeState(ctx, sinkState.ID, CompleteNodeStateParams{
			Status:     StateCompleted,
			DurationMS: 5,
		})
		if err != nil {
			t.Fatalf("CompleteNodeState() unexpected error: %v", err)
		}

		if _, err := store.RecordRoutingEvent(ctx, RoutingEventParams{
			RunID: run.ID, FromStateID: transformState.ID, EdgeID: "e1", Mode: EdgeMove,
		}); err != nil {
			t.Fatalf("RecordRoutingEvent() unexpected error: %v", err)
		}

		if _, err := store.RecordArtifact(ctx, ArtifactParams{
			RunID:             run.ID,
			SinkNode:          "load",
			PathOrURI:         "/tmp/out.csv",
			SizeBytes:         128,
			ContentHash:       "abc123",
			Type:              "file",
			ProducedByStateID: sinkState.ID,
		}); err != nil {
			t.Fatalf("RecordArtifact() unexpected error: %v", err)
		}

		err = store.RecordOutcome(ctx, OutcomeParams{
			TokenID:  token.ID,
			Outcome:  OutcomeCompleted,
			SinkName: "load",
		})
		if err != nil {
			t.Fatalf("RecordOutcome() unexpected error: %v", err)
		}

		lineage, err := store.Explain(ctx, run.ID, token.ID)
		if err != nil {
			t.Fatalf("Explain() unexpected error: %v", err)
		}

		if lineage.Token == nil || lineage.Token.ID != token.ID {
			t.Fatal("Explain() missing token")
		}

		if lineage.Row == nil || lineage.Row.ID != row.ID {
			t.Error("Explain() missing source row")
		}

		if len(lineage.NodeStates) != 2 {
			t.Errorf("Explain() NodeStates = %d, want 2", len(lineage.NodeStates))
		}

		if len(lineage.RoutingEvents) != 1 {
			t.Errorf("Explain() RoutingEvents = %d, want 1", len(lineage.RoutingEvents))
		}

		if lineage.Outcome == nil || lineage.Outcome.Outcome != OutcomeCompleted {
			t.Error("Explain() missing terminal outcome")
		}

		if len(lineage.Artifacts) != 1 || lineage.Artifacts[0].PathOrURI != "/tmp/out.csv" {
			t.Error("Explain() missing artifact produced by the sink state")
		}
	})

	t.Run("excludes artifacts from other tokens", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, token := seedToken(t, ctx, store)

		other, err := store.CreateToken(ctx, CreateTokenParams{
			RunID: run.ID,
			RowID: row.ID,
			Data:  map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		otherState, err := store.BeginNodeState(ctx, BeginNodeStateParams{
			RunID: run.ID, TokenID: other.ID, NodeID: "load",
			Input: map[string]any{"id": 2},
		})
		if err != nil {
			t.Fatalf("BeginNodeState() unexpected error: %v", err)
		}

		if _, err := store.RecordArtifact(ctx, ArtifactParams{
			RunID:             run.ID,
			SinkNode:          "load",
			PathOrURI:         "/tmp/other.csv",
			ProducedByStateID: otherState.ID,
		}); err != nil {
			t.Fatalf("RecordArtifact() unexpected error: %v", err)
		}

		lineage, err := store.Explain(ctx, run.ID, token.ID)
		if err != nil {
			t.Fatalf("Explain() unexpected error: %v", err)
		}

		if len(lineage.Artifacts) != 0 {
			t.Errorf("Explain() Artifacts = %d, want 0 for token with no sink state", len(lineage.Artifacts))
		}
	})

	t.Run("includes parents for derived tokens", func(t *testing.T) {
		store := NewMemoryStore()
		run, row, parent := seedToken(t, ctx, store)

		child, err := store.CreateToken(ctx, CreateTokenParams{
			RunID:       run.ID,
			RowID:       row.ID,
			Data:        map[string]any{"id": 1},
			BranchName:  "audit_copy",
			ForkGroupID: "fork-1",
			ParentIDs:   []string{parent.ID},
		})
		if err != nil {
			t.Fatalf("CreateToken() unexpected error: %v", err)
		}

		lineage, err := store.Explain(ctx, run.ID, child.ID)
		if err != nil {
			t.Fatalf("Explain() unexpected error: %v", err)
		}

		if len(lineage.Parents) != 1 || lineage.Parents[0].ID != parent.ID {
			t.Error("Explain() missing parent token")
		}

		if lineage.Token.BranchName != "audit_copy" {
			t.Errorf("Explain() BranchName = %q, want audit_copy", lineage.Token.BranchName)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		store := NewMemoryStore()

		_, err := store.Explain(ctx, "run-1", "no-such-token")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Explain() error = %v, want ErrNotFound", err)
		}
	})
}
