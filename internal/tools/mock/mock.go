// Package mock provides a test double for [tools.Invoker].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Call records one Invoke.
type Call struct {
	Name string
	Args string
}

// Invoker returns Definitions from Tools and answers Invoke from Results
// (keyed by tool name), falling back to Result.
type Invoker struct {
	mu    sync.Mutex
	calls []Call

	Definitions []llm.ToolDefinition
	Results     map[string]tools.Result
	Result      tools.Result
	Err         error
}

var _ tools.Invoker = (*Invoker)(nil)

// Tools implements [tools.Invoker].
func (m *Invoker) Tools() []llm.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.ToolDefinition(nil), m.Definitions...)
}

// Invoke implements [tools.Invoker].
func (m *Invoker) Invoke(_ context.Context, name, args string) (tools.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Name: name, Args: args})
	if m.Err != nil {
		return tools.Result{}, m.Err
	}
	if r, ok := m.Results[name]; ok {
		return r, nil
	}
	return m.Result, nil
}

// Calls returns the recorded invocations.
func (m *Invoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Reset clears recorded calls.
func (m *Invoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
