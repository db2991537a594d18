// Package expr compiles and evaluates the expressions that drive config
// gates and aggregation condition triggers. Expressions are CEL over the
// row payload (variable `row`) and, for triggers, the open batch counters
// (variable `batch` with `count` and `bytes`). Compiled programs are
// cached by source text, so evaluating the same gate over every row of a
// run compiles exactly once.
package expr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// Sentinel errors for expression evaluation.
var (
	// ErrEmptyExpression is returned when an expression is blank.
	ErrEmptyExpression = errors.New("expression is empty")

	// ErrNotRouteResult is returned when a gate expression yields something
	// other than a boolean or a string route label.
	ErrNotRouteResult = errors.New("expression did not return a boolean or route label")

	// ErrNotBool is returned when a trigger condition yields a non-boolean.
	ErrNotBool = errors.New("expression did not return a boolean")
)

// Evaluator evaluates row expressions with a compiled-program cache. Safe
// for concurrent use.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with `row` and `batch` in scope.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.DynType),
		cel.Variable("batch", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Route evaluates a gate expression against one row and returns the route
// label. Boolean results map to "true" / "false"; string results are the
// label itself. Anything else is ErrNotRouteResult.
func (e *Evaluator) Route(expression string, row map[string]any) (string, error) {
	out, err := e.eval(expression, row, nil)
	if err != nil {
		return "", err
	}

	switch v := out.Value().(type) {
	case bool:
		if v {
			return "true", nil
		}

		return "false", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: got %T", ErrNotRouteResult, out.Value())
	}
}

// Bool evaluates a trigger condition. The batch counters are visible as
// `batch.count` and `batch.bytes`; the most recently buffered row as `row`.
func (e *Evaluator) Bool(expression string, row, batch map[string]any) (bool, error) {
	out, err := e.eval(expression, row, batch)
	if err != nil {
		return false, err
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBool, out.Value())
	}

	return result, nil
}

func (e *Evaluator) eval(expression string, row, batch map[string]any) (ref.Val, error) {
	if expression == "" {
		return nil, ErrEmptyExpression
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	if row == nil {
		row = map[string]any{}
	}

	if batch == nil {
		batch = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"row":   row,
		"batch": batch,
	})
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}

	return out, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()

	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build expression program: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()

	return prg, nil
}

// Check compiles an expression without evaluating it. The compiled program
// stays in the cache, so checking at assembly time makes the first evaluation
// during a run free.
func (e *Evaluator) Check(expression string) error {
	if expression == "" {
		return ErrEmptyExpression
	}

	_, err := e.program(expression)

	return err
}

// CacheSize returns the number of compiled programs held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.cache)
}
