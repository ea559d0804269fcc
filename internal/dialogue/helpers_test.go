package dialogue

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
)

// fakeSink records everything sent to a device.
type fakeSink struct {
	mu     sync.Mutex
	events []string
	dead   atomic.Bool

	// killAfterFrames marks the sink dead after that many audio frames.
	killAfterFrames int
	frames          int

	onAudio func()
}

func (s *fakeSink) SendMessage(_ context.Context, msg protocol.Outbound) error {
	if s.dead.Load() {
		return errors.New("closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := msg.Type + ":" + msg.State
	if msg.Text != "" {
		ev += ":" + msg.Text
	}
	if msg.Emotion != "" {
		ev += ":" + msg.Emotion
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) SendAudio(_ context.Context, frame []byte) error {
	if s.dead.Load() {
		return errors.New("closed")
	}
	s.mu.Lock()
	s.events = append(s.events, "audio:"+string(frame))
	s.frames++
	if s.killAfterFrames > 0 && s.frames >= s.killAfterFrames {
		s.dead.Store(true)
	}
	fn := s.onAudio
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSink) Alive() bool { return !s.dead.Load() }

func (s *fakeSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSink) filter(prefix string) []string {
	var out []string
	for _, e := range s.Events() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSink) has(ev string) bool {
	for _, e := range s.Events() {
		if e == ev {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestSession(t *testing.T) (*session.Registry, *session.Session) {
	t.Helper()
	r := session.NewRegistry()
	s, _ := r.GetOrCreate("test-session", nil)
	t.Cleanup(func() { r.CloseAll(session.ReasonShutdown) })
	return r, s
}

func noSleep(context.Context, time.Duration) error { return nil }

func dirEmpty(t *testing.T, dir string) func() bool {
	return func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		return len(entries) == 0
	}
}
