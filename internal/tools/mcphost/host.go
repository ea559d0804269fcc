// Package mcphost implements [tools.Invoker] over Model Context Protocol
// servers (stdio or streamable HTTP, via github.com/modelcontextprotocol/go-sdk)
// and in-process Go functions.
//
// Every call is timed into a per-tool rolling window. With a latency budget
// configured, tools whose median latency exceeds the budget, or that fail
// too often, are withheld from the catalogue offered to the model so a
// spoken reply is not held up by a slow lookup.
//
//	h := mcphost.New(mcphost.WithLatencyBudget(800 * time.Millisecond))
//	_ = h.RegisterServer(ctx, tools.ServerConfig{Name: "weather", Transport: tools.TransportStdio, Command: "weather-mcp"})
//	_ = h.RegisterBuiltin(mcphost.ClockTool(time.Now))
//	defs := h.Tools()
//	res, err := h.Invoke(ctx, "current_time", "{}")
package mcphost

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrToolNotFound is returned by Invoke for unknown tool names.
var ErrToolNotFound = errors.New("mcphost: tool not found")

const (
	defaultWindowSize = 100

	// Tools failing more often than this are withheld once they have
	// minSamples calls on record.
	unhealthyErrorRate = 0.3
	minSamples         = 5

	builtinServer = "__builtin__"
)

type entry struct {
	def      llm.ToolDefinition
	server   string
	declared time.Duration
	timeout  time.Duration
	window   *window
	fn       func(ctx context.Context, args string) (string, error)
}

// latency is the measured median, or the declared one before any call.
func (e *entry) latency() time.Duration {
	if e.window.Len() > 0 {
		return e.window.Percentile(0.5)
	}
	return e.declared
}

func (e *entry) healthy() bool {
	return e.window.Len() < minSamples || e.window.ErrorRate() <= unhealthyErrorRate
}

// Host is a [tools.Invoker]. Create with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	servers map[string]*mcpsdk.ClientSession

	client     *mcpsdk.Client
	budget     time.Duration
	windowSize int
}

var _ tools.Invoker = (*Host)(nil)

// Option configures a [Host].
type Option func(*Host)

// WithLatencyBudget hides tools slower than d. Zero offers every tool.
func WithLatencyBudget(d time.Duration) Option {
	return func(h *Host) { h.budget = d }
}

// WithWindowSize sets how many recent calls are kept per tool.
func WithWindowSize(n int) Option {
	return func(h *Host) { h.windowSize = n }
}

// New returns an empty host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:      make(map[string]*entry),
		servers:    make(map[string]*mcpsdk.ClientSession),
		windowSize: defaultWindowSize,
	}
	for _, o := range opts {
		o(h)
	}
	h.client = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "parley", Version: "1.0.0"}, nil)
	return h
}

// RegisterServer connects to an MCP server and imports its tools. A server
// registered again under the same name replaces the old connection and its
// tools.
func (h *Host) RegisterServer(ctx context.Context, cfg tools.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcphost: server name is required")
	}
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case tools.TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcphost: stdio server %q needs a command", cfg.Name)
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case tools.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcphost: streamable-http server %q needs a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcphost: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcphost: connect %q: %w", cfg.Name, err)
	}
	var found []*entry
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcphost: list tools of %q: %w", cfg.Name, err)
		}
		found = append(found, h.remoteEntry(tool, cfg.Name))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range h.tools {
			if e.server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session
	for _, e := range found {
		h.tools[e.def.Name] = e
	}
	slog.Info("mcphost: server registered", "server", cfg.Name, "tools", len(found))
	return nil
}

func (h *Host) remoteEntry(t *mcpsdk.Tool, server string) *entry {
	declared, limit := latencyHints(t)
	return &entry{
		def: llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaMap(t.InputSchema),
		},
		server:   server,
		declared: declared,
		timeout:  limit,
		window:   newWindow(h.windowSize),
	}
}

// latencyHints reads estimated_duration_ms and max_duration_ms from the
// tool's _meta or from a JSON object embedded in its description.
func latencyHints(t *mcpsdk.Tool) (declared, limit time.Duration) {
	var p50, maxMs int64
	if t.Meta != nil {
		p50, maxMs = intField(t.Meta, "estimated_duration_ms"), intField(t.Meta, "max_duration_ms")
	}
	if p50 == 0 {
		if i, j := strings.Index(t.Description, "{"), strings.LastIndex(t.Description, "}"); i >= 0 && j > i {
			var m map[string]any
			if json.Unmarshal([]byte(t.Description[i:j+1]), &m) == nil {
				p50, maxMs = intField(m, "estimated_duration_ms"), intField(m, "max_duration_ms")
			}
		}
	}
	return time.Duration(p50) * time.Millisecond, time.Duration(maxMs) * time.Millisecond
}

func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func schemaMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}

// Tools implements [tools.Invoker]. Definitions are sorted fastest first.
func (h *Host) Tools() []llm.ToolDefinition {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.tools))
	for _, e := range h.tools {
		if !e.healthy() {
			continue
		}
		if h.budget > 0 && e.latency() > h.budget {
			continue
		}
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Or(cmp.Compare(a.latency(), b.latency()), cmp.Compare(a.def.Name, b.def.Name))
	})
	defs := make([]llm.ToolDefinition, len(entries))
	for i, e := range entries {
		defs[i] = e.def
	}
	return defs
}

// Invoke implements [tools.Invoker]. A tool with a declared maximum
// duration is cancelled once it runs past it.
func (h *Host) Invoke(ctx context.Context, name, args string) (tools.Result, error) {
	h.mu.RLock()
	e, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok && e.fn == nil {
		session = h.servers[e.server]
	}
	h.mu.RUnlock()
	if !ok {
		return tools.Result{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res tools.Result
		err error
	)
	if e.fn != nil {
		out, fnErr := e.fn(ctx, args)
		if fnErr != nil {
			res = tools.Result{Content: fnErr.Error(), IsError: true}
		} else {
			res = tools.Result{Content: out}
		}
	} else {
		res, err = callRemote(ctx, session, name, args)
	}
	res.Duration = time.Since(start)
	e.window.Record(res.Duration, err != nil || res.IsError)
	if err != nil {
		return tools.Result{}, err
	}
	return res, nil
}

func callRemote(ctx context.Context, session *mcpsdk.ClientSession, name, args string) (tools.Result, error) {
	if session == nil {
		return tools.Result{}, fmt.Errorf("mcphost: no server for tool %q", name)
	}
	var arguments map[string]any
	if s := strings.TrimSpace(args); s != "" && s != "{}" {
		if err := json.Unmarshal([]byte(s), &arguments); err != nil {
			return tools.Result{}, fmt.Errorf("mcphost: decode args for %q: %w", name, err)
		}
	}
	out, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return tools.Result{}, fmt.Errorf("mcphost: call %q: %w", name, err)
	}
	var sb strings.Builder
	for _, c := range out.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return tools.Result{Content: sb.String(), IsError: out.IsError}, nil
}

// Stats is the measured behaviour of one tool.
type Stats struct {
	Calls     int
	P50       time.Duration
	P99       time.Duration
	ErrorRate float64
}

// Stats returns the rolling statistics of a tool.
func (h *Host) Stats(name string) (Stats, bool) {
	h.mu.RLock()
	e, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Calls:     e.window.Total(),
		P50:       e.window.Percentile(0.5),
		P99:       e.window.Percentile(0.99),
		ErrorRate: e.window.ErrorRate(),
	}, true
}

// Close disconnects every server and forgets all tools.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcphost: close %q: %w", name, err))
		}
	}
	h.servers = make(map[string]*mcpsdk.ClientSession)
	h.tools = make(map[string]*entry)
	return errors.Join(errs...)
}
