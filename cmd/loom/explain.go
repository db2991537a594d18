package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loom-io/loom/internal/audit"
)

func cmdExplain(args []string) int {
	if len(args) < 2 || strings.HasPrefix(args[0], "-") || strings.HasPrefix(args[1], "-") {
		fmt.Fprintln(os.Stderr, "explain: a run id and a token id are required")

		return exitFailed
	}

	runID, tokenID := args[0], args[1]

	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the lineage as JSON")
	databaseURL := fs.String("database-url", "", "Postgres audit store URL (defaults to DATABASE_URL)")
	_ = fs.Parse(args[2:])

	logger := newLogger()
	ctx := context.Background()

	store, cleanup, err := openPostgresStore(*databaseURL, nil, logger)
	if err != nil {
		logger.Error("Failed to open audit store", "error", err)

		return exitFailed
	}
	defer cleanup()

	lineage, err := store.Explain(ctx, runID, tokenID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			logger.Error("Token not found", "run_id", runID, "token_id", tokenID)
		} else {
			logger.Error("Failed to assemble lineage", "run_id", runID, "token_id", tokenID, "error", err)
		}

		return exitFailed
	}

	// Tokens resolve globally, so a token id paired with the wrong run
	// id would otherwise explain silently against the wrong run.
	if lineage.Token == nil || lineage.Token.RunID != runID {
		logger.Error("Token belongs to a different run", "run_id", runID, "token_id", tokenID)

		return exitFailed
	}

	if *asJSON {
		data, merr := json.MarshalIndent(lineage, "", "  ")
		if merr != nil {
			logger.Error("Failed to encode lineage", "error", merr)

			return exitFailed
		}

		fmt.Println(string(data))

		return exitCompleted
	}

	// Routing events carry edge ids; the registered edges turn those
	// into readable from/label/to lines.
	edges, err := store.GetEdges(ctx, runID)
	if err != nil {
		logger.Warn("Failed to load edges; routing will show raw edge ids", "error", err)
	}

	printLineage(os.Stdout, lineage, edgeIndex(edges))

	return exitCompleted
}

func edgeIndex(edges []*audit.Edge) map[string]*audit.Edge {
	idx := make(map[string]*audit.Edge, len(edges))
	for _, e := range edges {
		idx[e.ID] = e
	}

	return idx
}

// printLineage renders one token's recorded journey: identity, source
// row, parents, every node state in order, routing decisions, transform
// errors, the terminal outcome, and artifacts.
func printLineage(w io.Writer, l *audit.Lineage, edges map[string]*audit.Edge) {
	t := l.Token

	fmt.Fprintf(w, "Token  %s\n", t.ID)
	fmt.Fprintf(w, "Run    %s\n", l.RunID)

	if t.BranchName != "" {
		fmt.Fprintf(w, "Branch %s\n", t.BranchName)
	}

	switch {
	case t.ForkGroupID != "":
		fmt.Fprintf(w, "Group  fork %s\n", t.ForkGroupID)
	case t.JoinGroupID != "":
		fmt.Fprintf(w, "Group  join %s\n", t.JoinGroupID)
	case t.ExpandGroupID != "":
		fmt.Fprintf(w, "Group  expand %s\n", t.ExpandGroupID)
	}

	if l.Row != nil {
		fmt.Fprintf(w, "Row    %s (index %d, source %s)\n", l.Row.ID, l.Row.RowIndex, l.Row.SourceNode)
	}

	if len(l.Parents) > 0 {
		fmt.Fprintln(w, "\nParents")

		for _, p := range l.Parents {
			if p.BranchName != "" {
				fmt.Fprintf(w, "  %s (branch %s)\n", p.ID, p.BranchName)
			} else {
				fmt.Fprintf(w, "  %s\n", p.ID)
			}
		}
	}

	if len(l.NodeStates) > 0 {
		fmt.Fprintln(w, "\nSteps")

		for _, ns := range l.NodeStates {
			fmt.Fprintf(w, "  %2d  %-24s attempt %d  %-9s %6dms\n",
				ns.StepIndex, ns.NodeID, ns.Attempt, ns.Status, ns.DurationMS)

			if len(ns.ErrorJSON) > 0 {
				fmt.Fprintf(w, "      error: %s\n", ns.ErrorJSON)
			}
		}
	}

	if len(l.RoutingEvents) > 0 {
		fmt.Fprintln(w, "\nRouting")

		for _, re := range l.RoutingEvents {
			if e, ok := edges[re.EdgeID]; ok {
				fmt.Fprintf(w, "  %s [%s, %s] %s\n", e.FromNode, e.Label, re.Mode, e.ToNode)
			} else {
				fmt.Fprintf(w, "  edge %s (%s)\n", re.EdgeID, re.Mode)
			}

			if re.ReasonHash != "" {
				fmt.Fprintf(w, "    reason %s\n", shortHash(re.ReasonHash))
			}
		}
	}

	if len(l.TransformErrors) > 0 {
		fmt.Fprintln(w, "\nErrors")

		for _, te := range l.TransformErrors {
			fmt.Fprintf(w, "  %s routed to %s (hash %s)\n", te.TransformNodeID, te.Destination, shortHash(te.ErrorHash))
		}
	}

	if l.Outcome != nil {
		fmt.Fprintf(w, "\nOutcome  %s", l.Outcome.Outcome)

		if l.Outcome.SinkName != "" {
			fmt.Fprintf(w, " via sink %s", l.Outcome.SinkName)
		}

		if l.Outcome.ErrorHash != "" {
			fmt.Fprintf(w, " (error %s)", shortHash(l.Outcome.ErrorHash))
		}

		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "\nOutcome  none recorded")
	}

	if len(l.Artifacts) > 0 {
		fmt.Fprintln(w, "\nArtifacts")

		for _, a := range l.Artifacts {
			fmt.Fprintf(w, "  %-8s %s (%d bytes, %s)\n", a.Type, a.PathOrURI, a.SizeBytes, shortHash(a.ContentHash))
		}
	}
}

// shortHash truncates a hex digest for display; -json prints full
// hashes.
func shortHash(hash string) string {
	const visible = 12

	if len(hash) <= visible {
		return hash
	}

	return hash[:visible]
}
