package anyllm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestConvertMessage_Basic(t *testing.T) {
	got := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!", Name: "kim"})
	if got.Role != "user" || got.ContentString() != "Hello!" || got.Name != "kim" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestConvertMessage_ToolCalls(t *testing.T) {
	got := convertMessage(llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`}},
	})
	if len(got.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "get_weather" || tc.Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestConvertMessage_ToolResult(t *testing.T) {
	got := convertMessage(llm.Message{Role: llm.RoleTool, Content: "sunny", ToolCallID: "call_1"})
	if got.Role != "tool" || got.ToolCallID != "call_1" {
		t.Errorf("unexpected tool message: %+v", got)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools:        []llm.ToolDefinition{{Name: "t", Description: "d", Parameters: map[string]any{"type": "object"}}},
		Temperature:  0.3,
		MaxTokens:    64,
	})
	if params.Model != "m" || len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("unexpected params: %+v", params)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Error("temperature not set")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Error("max tokens not set")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "t" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestBuildParams_ZeroOptionalFields(t *testing.T) {
	params := (&Provider{model: "m"}).buildParams(llm.CompletionRequest{})
	if params.Temperature != nil || params.MaxTokens != nil || len(params.Messages) != 0 {
		t.Errorf("expected unset optional fields: %+v", params)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "x", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestNew_Backends(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "ollama", "llamacpp", "llamafile"} {
		t.Run(name, func(t *testing.T) {
			if _, err := New(name, "model", anyllmlib.WithAPIKey("sk-test")); err != nil {
				t.Fatalf("New(%s): %v", name, err)
			}
		})
	}
}

func TestStreamCompletion_OpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Good "}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"morning!"},"finish_reason":"stop"}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("openai", "m", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text strings.Builder
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		text.WriteString(c.Text)
	}
	if text.String() != "Good morning!" {
		t.Errorf("text = %q", text.String())
	}
}
