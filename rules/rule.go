package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates a free-form boolean expression against instance
// variables.
type Evaluator interface {
	Evaluate(expression string, variables map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled programs
// are cached per expression text.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddFunction exposes a derived value under name. f receives the instance
// variables and its result is bound before every evaluation.
func (e *ExprEvaluator) AddFunction(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = f
}

// Evaluate compiles (once) and runs expression. Variables missing from the
// environment evaluate to nil instead of failing compilation, since the
// variable set differs between instances.
func (e *ExprEvaluator) Evaluate(expression string, variables map[string]interface{}) (bool, error) {
	env := make(map[string]interface{}, len(variables)+len(e.functions))
	for k, v := range variables {
		env[k] = v
	}

	e.mu.RLock()
	for name, f := range e.functions {
		env[name] = f(variables)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
