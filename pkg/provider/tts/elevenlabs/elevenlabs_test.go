package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

func TestParseOutputFormat(t *testing.T) {
	f, err := parseOutputFormat("pcm_24000")
	if err != nil {
		t.Fatalf("parseOutputFormat: %v", err)
	}
	if f != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("format = %+v", f)
	}
	for _, bad := range []string{"mp3_44100_128", "pcm_", "pcm_x"} {
		if _, err := parseOutputFormat(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := New("k", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
}

func TestSynthesize_EmptyVoice(t *testing.T) {
	s, _ := New("k")
	if _, err := s.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

type fakeServer struct {
	mu          sync.Mutex
	path        string
	received    []map[string]any
	audioChunks [][]byte
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.path = r.URL.Path + "?" + r.URL.RawQuery
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m map[string]any
		_ = json.Unmarshal(msg, &m)
		f.mu.Lock()
		f.received = append(f.received, m)
		f.mu.Unlock()
		if m["text"] == "" {
			break
		}
	}
	for i, chunk := range f.audioChunks {
		resp := map[string]any{"audio": base64.StdEncoding.EncodeToString(chunk), "isFinal": i == len(f.audioChunks)-1}
		b, _ := json.Marshal(resp)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestSynthesize_CollectsAudio(t *testing.T) {
	srv := &fakeServer{audioChunks: [][]byte{make([]byte, 1600), make([]byte, 1600)}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	dir := t.TempDir()
	s, err := New("secret",
		WithMediaDir(dir),
		WithEndpointFormat("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/text-to-speech/%s/stream-input?model_id=%s"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := s.Synthesize(ctx, "Hello there.", tts.Voice{ID: "voice1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	t.Cleanup(func() { _ = m.Remove() })

	if m.Bytes != 3200 || m.Duration() != 100*time.Millisecond {
		t.Errorf("media = %+v (duration %v)", m, m.Duration())
	}
	if !strings.HasPrefix(m.Path, dir) {
		t.Errorf("media path %q not under %q", m.Path, dir)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.path != "/v1/text-to-speech/voice1/stream-input?model_id=eleven_flash_v2_5" {
		t.Errorf("path = %q", srv.path)
	}
	if len(srv.received) != 3 {
		t.Fatalf("received %d messages, want 3", len(srv.received))
	}
	if srv.received[0]["xi_api_key"] != "secret" || srv.received[0]["output_format"] != "pcm_16000" {
		t.Errorf("BOI = %v", srv.received[0])
	}
	if srv.received[1]["text"] != "Hello there. " {
		t.Errorf("text message = %v", srv.received[1])
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	ts := httptest.NewServer(&fakeServer{})
	defer ts.Close()

	s, _ := New("k", WithEndpointFormat("ws"+strings.TrimPrefix(ts.URL, "http")+"/%s/%s"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Synthesize(ctx, "Hi.", tts.Voice{ID: "v"}); err == nil {
		t.Fatal("expected error when the server sends no audio")
	}
}
