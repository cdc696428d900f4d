package mock

import (
	"context"
	"sync"

	"github.com/zjrosen/conclave/internal/coord"
)

// Executor is a mock implementation of coord.AgentExecutor.
// It allows configuring execution behavior via a function field.
type Executor struct {
	// ExecuteFunc is called when Execute is invoked.
	// If nil, a successful single-iteration result is returned.
	ExecuteFunc func(ctx context.Context, prompt string, spec coord.AgentSpec) (coord.ExecutionResult, error)

	mu      sync.Mutex
	calls   []Call
	started chan string
}

// Call records one Execute invocation.
type Call struct {
	Prompt string
	Spec   coord.AgentSpec
}

// NewExecutor creates a mock executor with default behavior.
func NewExecutor() *Executor {
	return &Executor{started: make(chan string, 64)}
}

// Execute records the call and delegates to ExecuteFunc.
func (e *Executor) Execute(ctx context.Context, prompt string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Prompt: prompt, Spec: spec})
	e.mu.Unlock()

	select {
	case e.started <- spec.Name:
	default:
	}

	if e.ExecuteFunc != nil {
		return e.ExecuteFunc(ctx, prompt, spec)
	}
	return coord.ExecutionResult{Success: true, Output: "ok", Iterations: 1}, nil
}

// Calls returns a copy of the recorded invocations in call order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallCount returns how many times Execute was called.
func (e *Executor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Started returns a channel receiving the spec name of each execution as
// it begins. Useful for synchronizing tests with in-flight executions.
func (e *Executor) Started() <-chan string {
	return e.started
}

// ExecutedNames returns the spec names in execution order.
func (e *Executor) ExecutedNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.calls))
	for i, call := range e.calls {
		names[i] = call.Spec.Name
	}
	return names
}
