package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Builtin is a tool implemented as an in-process Go function. It shares the
// catalogue, timing and health tracking of remote tools.
type Builtin struct {
	Definition llm.ToolDefinition

	// Handler receives the JSON arguments. A returned error is passed back
	// to the model as an error result.
	Handler func(ctx context.Context, args string) (string, error)

	// Declared is the expected latency until calls have been measured.
	Declared time.Duration

	// Timeout bounds each call. Zero means no limit beyond the turn.
	Timeout time.Duration
}

// RegisterBuiltin adds or replaces an in-process tool.
func (h *Host) RegisterBuiltin(b Builtin) error {
	if b.Definition.Name == "" {
		return errors.New("mcphost: builtin tool name is required")
	}
	if b.Handler == nil {
		return fmt.Errorf("mcphost: builtin tool %q has no handler", b.Definition.Name)
	}
	if b.Definition.Parameters == nil {
		b.Definition.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[b.Definition.Name] = &entry{
		def:      b.Definition,
		server:   builtinServer,
		declared: b.Declared,
		timeout:  b.Timeout,
		window:   newWindow(h.windowSize),
		fn:       b.Handler,
	}
	return nil
}

// ClockTool answers "what time is it" questions. The optional "timezone"
// argument is an IANA zone name.
func ClockTool(now func() time.Time) Builtin {
	return Builtin{
		Definition: llm.ToolDefinition{
			Name:        "current_time",
			Description: "Returns the current date and time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA time zone, for example Europe/Berlin. Defaults to the server zone.",
					},
				},
			},
		},
		Declared: time.Millisecond,
		Handler: func(_ context.Context, args string) (string, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if args != "" {
				if err := json.Unmarshal([]byte(args), &in); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			t := now()
			if in.Timezone != "" {
				loc, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", in.Timezone)
				}
				t = t.In(loc)
			}
			return t.Format("Monday, 2 January 2006 15:04 MST"), nil
		},
	}
}
