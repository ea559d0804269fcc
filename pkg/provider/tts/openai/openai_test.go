package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/openai"
)

func TestSynthesize_CompatibleServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(make([]byte, 4800)) // 100 ms at 24 kHz
	}))
	defer srv.Close()

	s, err := openai.New("key", openai.WithBaseURL(srv.URL), openai.WithMediaDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m, err := s.Synthesize(context.Background(), "Hello.", tts.Voice{ID: "nova"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	t.Cleanup(func() { _ = m.Remove() })

	if m.Format != openai.Format || m.Duration() != 100*time.Millisecond {
		t.Errorf("media = %+v", m)
	}
	if body["voice"] != "nova" || body["response_format"] != "pcm" || body["input"] != "Hello." {
		t.Errorf("request body = %v", body)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error")
	}
}
