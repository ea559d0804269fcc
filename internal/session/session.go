// Package session owns the per-connection dialogue state.
//
// A [Registry] maps session IDs to [Session] values. Every piece of state a
// dialogue stage keeps per device (VAD buffers, pending sentences, playback
// queues, conversation history) hangs off the Session as an attachment, so
// closing the session from the registry releases all of it at once.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/devices"
	"github.com/MrWong99/parley/pkg/audio"
)

// AudioParams are the audio parameters negotiated in the device hello.
type AudioParams struct {
	Codec   string
	Format  audio.Format
	FrameMs int
}

// DefaultAudioParams is used until the device sends a hello.
var DefaultAudioParams = AudioParams{Codec: "opus", Format: audio.DeviceFormat, FrameMs: 60}

// Session is the state of one device connection.
type Session struct {
	id        string
	createdAt time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64
	listening    atomic.Bool
	streaming    atomic.Bool
	closed       atomic.Bool

	audioMu    sync.Mutex
	orderingMu sync.Mutex

	mu          sync.Mutex
	device      devices.Profile
	params      AudioParams
	attachments map[string]any
	order       []string
}

func newSession(parent context.Context, id string, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:          id,
		createdAt:   now(),
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		params:      DefaultAudioParams,
		attachments: make(map[string]any),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// Err returns ErrClosed once the session has been closed, nil before.
func (s *Session) Err() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Touch records meaningful activity. Raw audio frames do not count; only
// detected speech, control messages and recognized text keep a session
// alive.
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// LastActivity returns the time of the last Touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Listening reports whether the device is in listening mode.
func (s *Session) Listening() bool { return s.listening.Load() }

// SetListening sets the listening flag.
func (s *Session) SetListening(v bool) { s.listening.Store(v) }

// StreamingRecognition reports whether a recognition stream is open.
func (s *Session) StreamingRecognition() bool { return s.streaming.Load() }

// SetStreamingRecognition sets the streaming recognition flag.
func (s *Session) SetStreamingRecognition(v bool) { s.streaming.Store(v) }

// AudioMutex serializes inbound audio processing for the session.
func (s *Session) AudioMutex() *sync.Mutex { return &s.audioMu }

// OrderingMutex guards the in-order sentence delivery state.
func (s *Session) OrderingMutex() *sync.Mutex { return &s.orderingMu }

// Device returns the device profile bound to the session.
func (s *Session) Device() devices.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// SetDevice binds a device profile.
func (s *Session) SetDevice(p devices.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = p
}

// AudioParams returns the negotiated audio parameters.
func (s *Session) AudioParams() AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetAudioParams stores the negotiated audio parameters. Invalid fields keep
// their previous values.
func (s *Session) SetAudioParams(p AudioParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Codec != "" {
		s.params.Codec = p.Codec
	}
	if p.Format.Valid() {
		s.params.Format = p.Format
	}
	if p.FrameMs > 0 {
		s.params.FrameMs = p.FrameMs
	}
}

// Attach stores v under key, replacing any previous value. Values that
// implement io.Closer are closed when the session closes, in reverse attach
// order.
// Attaching to a closed session closes v at once.
func (s *Session) Attach(key string, v any) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("session: attachment close failed", "session_id", s.id, "key", key, "err", err)
			}
		}
		return
	}
	defer s.mu.Unlock()
	if _, ok := s.attachments[key]; !ok {
		s.order = append(s.order, key)
	}
	s.attachments[key] = v
}

// Attachment returns the value stored under key.
func (s *Session) Attachment(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attachments[key]
	return v, ok
}

// Detach removes key without closing its value.
func (s *Session) Detach(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, key)
}

// Attached returns the value stored under key, creating it with init if
// absent. The type parameter must match the stored value.
func Attached[T any](s *Session, key string, init func() T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.attachments[key]; ok {
		if t, ok := v.(T); ok {
			return t
		}
	}
	v := init()
	if _, ok := s.attachments[key]; !ok {
		s.order = append(s.order, key)
	}
	s.attachments[key] = v
	return v
}

// markClosed flips the session to closed and cancels its context. Only the
// registry calls it, before the close hooks, so work racing the close can
// observe Closed.
func (s *Session) markClosed() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// release closes the attachments in reverse attach order.
func (s *Session) release() {
	s.mu.Lock()
	var closers []io.Closer
	for i := len(s.order) - 1; i >= 0; i-- {
		if c, ok := s.attachments[s.order[i]].(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	s.attachments = make(map[string]any)
	s.order = nil
	s.mu.Unlock()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("session: attachment close failed", "session_id", s.id, "err", err)
		}
	}
}
