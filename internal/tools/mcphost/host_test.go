package mcphost

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func echoTool(name string, declared time.Duration) Builtin {
	return Builtin{
		Definition: llm.ToolDefinition{Name: name, Description: "echoes args"},
		Handler:    func(_ context.Context, args string) (string, error) { return args, nil },
		Declared:   declared,
	}
}

func failTool(name string) Builtin {
	return Builtin{
		Definition: llm.ToolDefinition{Name: name},
		Handler:    func(context.Context, string) (string, error) { return "", errors.New("always fails") },
	}
}

func names(defs []llm.ToolDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestRegisterBuiltin(t *testing.T) {
	t.Parallel()

	h := New()
	if err := h.RegisterBuiltin(echoTool("echo", time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	defs := h.Tools()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("Tools = %v", names(defs))
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("default parameters schema missing: %v", defs[0].Parameters)
	}
}

func TestRegisterBuiltin_Invalid(t *testing.T) {
	t.Parallel()

	h := New()
	if err := h.RegisterBuiltin(Builtin{Handler: echoTool("x", 0).Handler}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := h.RegisterBuiltin(Builtin{Definition: llm.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRegisterServer_InvalidConfig(t *testing.T) {
	t.Parallel()

	h := New()
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  tools.ServerConfig
		want string
	}{
		{"no name", tools.ServerConfig{Transport: tools.TransportStdio, Command: "x"}, "name is required"},
		{"no command", tools.ServerConfig{Name: "a", Transport: tools.TransportStdio}, "needs a command"},
		{"no url", tools.ServerConfig{Name: "a", Transport: tools.TransportStreamableHTTP}, "needs a url"},
		{"bad transport", tools.ServerConfig{Name: "a", Transport: "carrier-pigeon"}, "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.RegisterServer(ctx, tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestInvoke_Builtin(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(echoTool("echo", 0))

	res, err := h.Invoke(context.Background(), "echo", `{"q":"hi"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"q":"hi"}` || res.IsError {
		t.Errorf("result = %+v", res)
	}
	st, ok := h.Stats("echo")
	if !ok || st.Calls != 1 {
		t.Errorf("Stats = %+v, %v", st, ok)
	}
}

func TestInvoke_BuiltinErrorIsResult(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(failTool("broken"))

	res, err := h.Invoke(context.Background(), "broken", "{}")
	if err != nil {
		t.Fatalf("Go error = %v, want error result", err)
	}
	if !res.IsError || res.Content != "always fails" {
		t.Errorf("result = %+v", res)
	}
}

func TestInvoke_NotFound(t *testing.T) {
	t.Parallel()

	_, err := New().Invoke(context.Background(), "nope", "{}")
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(Builtin{
		Definition: llm.ToolDefinition{Name: "slow"},
		Timeout:    10 * time.Millisecond,
		Handler: func(ctx context.Context, _ string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	})
	res, err := h.Invoke(context.Background(), "slow", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("result = %+v, want deadline error", res)
	}
}

func TestTools_LatencyBudget(t *testing.T) {
	t.Parallel()

	h := New(WithLatencyBudget(500 * time.Millisecond))
	_ = h.RegisterBuiltin(echoTool("fast", 10*time.Millisecond))
	_ = h.RegisterBuiltin(echoTool("medium", 400*time.Millisecond))
	_ = h.RegisterBuiltin(echoTool("slow", 2*time.Second))

	want := []string{"fast", "medium"}
	if got := names(h.Tools()); !slices.Equal(got, want) {
		t.Errorf("Tools = %v, want %v", got, want)
	}

	// Measured latency replaces the declared one.
	for range 3 {
		_, _ = h.Invoke(context.Background(), "slow", "{}")
	}
	want = []string{"slow", "fast", "medium"}
	if got := names(h.Tools()); !slices.Equal(got, want) {
		t.Errorf("after calls Tools = %v, want %v", got, want)
	}
}

func TestTools_UnhealthyWithheld(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(failTool("flaky"))
	_ = h.RegisterBuiltin(echoTool("ok", 0))

	for range minSamples {
		_, _ = h.Invoke(context.Background(), "flaky", "{}")
	}
	if got := names(h.Tools()); !slices.Equal(got, []string{"ok"}) {
		t.Errorf("Tools = %v, want [ok]", got)
	}
}

func TestClockTool(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	h := New()
	_ = h.RegisterBuiltin(ClockTool(func() time.Time { return fixed }))

	res, err := h.Invoke(context.Background(), "current_time", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "Monday, 2 March 2026 14:30 UTC" {
		t.Errorf("content = %q", res.Content)
	}

	res, _ = h.Invoke(context.Background(), "current_time", `{"timezone":"Not/AZone"}`)
	if !res.IsError {
		t.Errorf("bad timezone accepted: %+v", res)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(echoTool("echo", 0))
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if len(h.Tools()) != 0 {
		t.Error("tools survive Close")
	}
}

func TestConcurrentRegisterAndInvoke(t *testing.T) {
	t.Parallel()

	h := New()
	_ = h.RegisterBuiltin(echoTool("echo", 0))
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.RegisterBuiltin(echoTool("t"+string(rune('a'+i)), 0))
		}()
		go func() {
			defer wg.Done()
			_, _ = h.Invoke(context.Background(), "echo", "{}")
			_ = h.Tools()
		}()
	}
	wg.Wait()
	if got := len(h.Tools()); got != 11 {
		t.Errorf("tools = %d, want 11", got)
	}
}
