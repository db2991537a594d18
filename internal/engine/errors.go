package engine

import (
	"fmt"

	"github.com/loom-io/loom/internal/audit"
)

// InvariantViolationError reports a broken runtime invariant: a plugin
// violating its declared contract or a bug in the engine itself. It
// always fails the run; nothing recovers from it, because continuing
// would record an audit trail that lies.
type InvariantViolationError struct {
	Msg string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Msg
}

func invariantf(format string, args ...any) error {
	return &InvariantViolationError{Msg: fmt.Sprintf(format, args...)}
}

// ExecError wraps an error raised while executing one node's logic
// against one row: a plugin call or a gate expression. The node state
// for the attempt is already closed as failed when it surfaces. It
// fails the token, not the run; errors outside this type are runtime
// faults that abort the dispatch.
type ExecError struct {
	NodeID string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("node %s execution failed: %v", e.NodeID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// errorHash returns the short reason digest recorded on quarantined and
// failed outcomes. The outcome row only needs enough to correlate; the
// full reason lives in the node state or transform error that produced it.
func errorHash(reason any) (string, error) {
	h, err := audit.HashData(reason)
	if err != nil {
		return "", fmt.Errorf("failed to hash error reason: %w", err)
	}

	return h[:16], nil
}
