package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog swaps the default logger for one writing to the returned buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	ctx := WithSessionID(context.Background(), "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSessionID(context.Background(), "sess-7")
	_, span := StartSpan(ctx, "dialogue.turn", attribute.String("trigger", "vad"))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := map[string]string{}
	for _, kv := range spans[0].Attributes {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if spans[0].Name != "dialogue.turn" || got["session_id"] != "sess-7" || got["trigger"] != "vad" {
		t.Errorf("span %q attrs %v", spans[0].Name, got)
	}
}

func TestStartSpan_NoSession(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "stt.recognize")
	span.End()
	for _, kv := range exp.GetSpans()[0].Attributes {
		if kv.Key == "session_id" {
			t.Errorf("unexpected session_id attribute %q", kv.Value.Emit())
		}
	}
}

func TestLogger_SessionAndTrace(t *testing.T) {
	useTracer(t)
	buf := captureLog(t)

	ctx, span := StartSpan(WithSessionID(context.Background(), "sess-2"), "turn")
	defer span.End()
	Logger(ctx).Info("turn started")

	out := buf.String()
	for _, want := range []string{"session_id=sess-2", "trace_id=", "span_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestLogger_Plain(t *testing.T) {
	buf := captureLog(t)
	Logger(context.Background()).Info("idle")
	if out := buf.String(); strings.Contains(out, "trace_id") || strings.Contains(out, "session_id") {
		t.Errorf("plain logger added attributes: %s", out)
	}
}
