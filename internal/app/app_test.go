package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/observe"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

const testYAML = `
server:
  log_level: info
providers:
  llm: [{name: openai}]
  stt: [{name: deepgram}]
  tts: [{name: elevenlabs}]
devices:
  default:
    language: en
    voice: {id: alloy}
  profiles:
    - device_id: kitchen
      name: Kitchen speaker
`

// testConfig returns a validated config with one static device.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testProviders returns mock providers under the keys testYAML uses.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM:        map[string]llm.Provider{"openai": &llmmock.Provider{}},
		STT:        map[string]stt.Recognizer{"deepgram": &sttmock.Recognizer{}},
		TTS:        map[string]tts.Synthesizer{"elevenlabs": &ttsmock.Synthesizer{}},
		VAD:        &vadmock.Engine{},
		DefaultLLM: "openai",
		DefaultSTT: "deepgram",
		DefaultTTS: "elevenlabs",
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type running struct {
	app    *app.App
	base   string
	cancel context.CancelFunc
	done   chan error
}

// start builds an App on a loopback listener and runs it until the test ends.
func start(t *testing.T, cfg *config.Config, opts ...app.Option) *running {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	opts = append([]app.Option{app.WithListener(ln), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{app: a, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Run(ctx) }()

	actx, acancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer acancel()
	addr, err := a.Addr(actx)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	r.base = "http://" + addr.String()

	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})
	return r
}

func (r *running) dial(t *testing.T, device string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set(gateway.HeaderDeviceID, device)
	url := "ws" + strings.TrimPrefix(r.base, "http") + config.DefaultWebSocketPath
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

// expectRejected reads from conn until the server closes it with a policy
// violation.
func expectRejected(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v), want policy violation", got, err)
	}
}

func TestNew_RequiresVAD(t *testing.T) {
	t.Parallel()
	p := testProviders()
	p.VAD = nil
	if _, err := app.New(context.Background(), testConfig(t), p); err == nil {
		t.Fatal("expected error without a vad provider")
	}
}

func TestRun_HealthEndpoints(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig(t))

	code, body := getJSON(t, r.base+"/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
	if body["sessions"] != float64(0) {
		t.Errorf("sessions = %v, want 0", body["sessions"])
	}

	code, body = getJSON(t, r.base+"/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz = %d %v", code, body)
	}

	resp, err := http.Get(r.base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestRun_DeviceSessionLifecycle(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig(t))

	conn := r.dial(t, "kitchen")
	waitFor(t, "session", func() bool { return r.app.Sessions() == 1 })

	r.cancel()
	select {
	case err := <-r.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r.app.Sessions() != 1 {
		t.Errorf("sessions = %d after Run returned; want them kept until Shutdown", r.app.Sessions())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.app.Sessions() != 0 {
		t.Errorf("sessions = %d after Shutdown", r.app.Sessions())
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rcancel()
	if _, _, err := conn.Read(rctx); err == nil {
		t.Error("connection still open after Shutdown")
	}
}

func TestRun_UnknownDeviceRejected(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig(t))
	expectRejected(t, r.dial(t, "stranger"))
	if r.app.Sessions() != 0 {
		t.Errorf("sessions = %d", r.app.Sessions())
	}
}

func TestRun_AllowUnknown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Devices.AllowUnknown = true
	r := start(t, cfg)
	r.dial(t, "stranger")
	waitFor(t, "session", func() bool { return r.app.Sessions() == 1 })
}

func TestReload_AddsDevice(t *testing.T) {
	t.Parallel()
	old := testConfig(t)
	r := start(t, old)

	next := testConfig(t)
	next.Devices.Profiles = append(next.Devices.Profiles, config.DeviceProfile{DeviceID: "garage"})
	next.WakeWords = []string{"hey parley"}
	r.app.Reload(old, next)

	r.dial(t, "garage")
	waitFor(t, "session", func() bool { return r.app.Sessions() == 1 })
}

func TestReload_RemovesDevice(t *testing.T) {
	t.Parallel()
	old := testConfig(t)
	r := start(t, old)

	next := testConfig(t)
	next.Devices.Profiles = nil
	r.app.Reload(old, next)

	expectRejected(t, r.dial(t, "kitchen"))
}

func TestReload_LogLevel(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig(t)
	r := start(t, old, app.WithLogLevel(&level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	r.app.Reload(old, next)
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig(t))
	r.cancel()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := r.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestRun_ConfigWatchAddsDevice(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	r := start(t, testConfig(t), app.WithConfigWatch(path, 10*time.Millisecond))

	updated := testYAML + "    - device_id: garage\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	// The watcher polls, so retry until the new profile is live.
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn := r.dial(t, "garage")
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, _, err := conn.Read(ctx)
		cancel()
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("garage still rejected after config change")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The probe above timed out its read and closed; a fresh connection holds
	// the session.
	r.dial(t, "garage")
	waitFor(t, "session", func() bool { return r.app.Sessions() == 1 })
}
