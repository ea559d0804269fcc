// Package tools defines how the dialogue pipeline runs the functions a
// language model asks for.
//
// An [Invoker] publishes a catalogue of tool definitions that is attached to
// every completion request, and executes the calls the model returns. The
// mcphost subpackage implements it on top of Model Context Protocol servers
// and in-process Go functions.
package tools

import (
	"context"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	// Name must be unique within a host.
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env is added to the environment of stdio servers.
	Env map[string]string
}

// Result is the outcome of one tool call.
type Result struct {
	// Content is the text handed back to the model.
	Content string

	// IsError marks an application-level failure. Content then holds the
	// error message and is still returned to the model.
	IsError bool

	Duration time.Duration
}

// Invoker runs tool calls. Implementations must be safe for concurrent use.
type Invoker interface {
	// Tools returns the definitions currently offered to the model.
	Tools() []llm.ToolDefinition

	// Invoke runs the named tool with JSON-encoded args. A Go error means
	// the call could not be carried out at all.
	Invoke(ctx context.Context, name, args string) (Result, error)
}
