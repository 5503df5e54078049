// Package conditions evaluates branching expressions in a sandboxed
// expression language (CEL). Expressions see three variables: `output` (the
// upstream node's mapped output), `nodes` (all mapped outputs keyed by node
// id), and `input` (the workflow input). No function calls beyond CEL
// builtins, no imports, no attribute traversal outside those roots.
package conditions

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches CEL programs. Safe for concurrent use.
// Evaluation is pure: identical inputs always yield identical results, so
// the evaluator may be called from replayed workflow code.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator constructs an evaluator with the workflow expression
// environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("nodes", cel.DynType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs the expression against the given context and returns its
// boolean result. Non-boolean results and evaluation errors are reported as
// errors; callers decide whether that terminates the execution.
func (e *Evaluator) Evaluate(expr string, output any, nodes map[string]any, input map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"nodes":  nodes,
		"input":  input,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
