package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a rule condition or branch check holds
// against a workflow's run context. Both trigger conditions and
// validate_data / conditional_branch step checks go through it.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator evaluates expr-lang expressions. Programs are compiled
// once per distinct expression text and cached, so re-running the same
// rule across many workflows pays the compile cost only once.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator returns an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived value under the given name. Before
// each evaluation the function is called with the run context and its
// result is injected into that context, so expressions can reference
// name alongside the raw context keys. Registrations made after an
// expression was first compiled still take effect at run time, since
// injection happens on every Evaluate call.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate runs the expression against the run context. The expression
// must yield a boolean; compile errors, run-time errors, and non-boolean
// results all come back as errors with the result forced to false, so a
// broken check never silently passes a condition.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	e.mu.RLock()
	for k, v := range e.optionsFunc {
		context[k] = v(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		// Recheck under the write lock; another goroutine may have
		// compiled the same expression in the meantime.
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
