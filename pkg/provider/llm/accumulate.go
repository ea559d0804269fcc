package llm

import "sort"

// ToolCallAccumulator assembles streamed tool-call fragments keyed by their
// position in the response.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

// Add merges one fragment. Non-empty id and name replace earlier values;
// argument text is appended.
func (a *ToolCallAccumulator) Add(index int, id, name, args string) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	tc, ok := a.calls[index]
	if !ok {
		tc = &ToolCall{}
		a.calls[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len returns the number of distinct calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the assembled calls ordered by index.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *a.calls[i])
	}
	return out
}
