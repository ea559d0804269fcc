// Package llm defines the streaming completion interface used by the
// dialogue pipeline.
//
// A Provider turns a conversation into a stream of text deltas. When the
// model decides to call tools, the terminal chunk carries the fully
// assembled tool calls; the caller executes them and issues a follow-up
// request with the results appended as tool messages.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported on the terminal chunk.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []ToolCall

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

// ToolCall is a fully assembled function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// CompletionRequest is the input to StreamCompletion.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float64
	MaxTokens    int
}

// Chunk is one element of a completion stream.
type Chunk struct {
	// Text is the content delta. May be empty.
	Text string

	// FinishReason is set on the terminal chunk.
	FinishReason string

	// ToolCalls is set on the terminal chunk when FinishReason is
	// FinishToolCalls.
	ToolCalls []ToolCall

	// Err is set together with FinishError when the stream failed midway.
	Err error
}

// Provider is implemented by every LLM backend.
//
// StreamCompletion returns an error only if the request could not be
// started. Failures after that are reported as a terminal chunk with
// FinishError. The channel is always closed by the provider, including when
// ctx is cancelled.
type Provider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
