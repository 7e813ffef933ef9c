package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates an expression against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (interface{}, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression text.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
	funcs map[string]interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]interface{}),
	}
}

// AddFunc exposes fn to every expression under name. Names shadow
// environment keys.
func (e *ExprEvaluator) AddFunc(name string, fn interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression '%s': %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate runs expression against env. The env map is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.funcs))
	for k, v := range env {
		scope[k] = v
	}
	for k, fn := range e.funcs {
		scope[k] = fn
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expression, err)
	}
	return result, nil
}
