// Package mock provides a test double for the tts.Synthesizer interface.
//
// By default every call writes Bytes of silence to a temporary media file in
// Dir. Before writing, Hook is called with the sentence text; tests use it to
// delay, block or fail individual sentences.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    Dir: t.TempDir(),
//	    Hook: func(ctx context.Context, text string) error {
//	        if text == "first" {
//	            time.Sleep(50 * time.Millisecond)
//	        }
//	        return nil
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Dir is where media files are written. Empty uses the system temp dir.
	Dir string

	// Format of the produced media. Zero means audio.DeviceFormat.
	Format audio.Format

	// Bytes of PCM per sentence. Zero means 3840 (two 60 ms frames at 16 kHz).
	Bytes int

	// Hook, if non-nil, runs before the media is written. A non-nil error is
	// returned from Synthesize.
	Hook func(ctx context.Context, text string) error

	// Err, if non-nil, is returned from every call.
	Err error

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall

	// Produced records every media file written.
	Produced []tts.Media
}

// Synthesize records the call, runs Hook and writes silent media.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Media, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voice})
	hook, err := s.Hook, s.Err
	s.mu.Unlock()

	if err != nil {
		return tts.Media{}, err
	}
	if hook != nil {
		if err := hook(ctx, text); err != nil {
			return tts.Media{}, err
		}
	}

	f := s.Format
	if !f.Valid() {
		f = audio.DeviceFormat
	}
	n := s.Bytes
	if n <= 0 {
		n = 3840
	}
	m, err := tts.WriteMedia(s.Dir, make([]byte, n), f)
	if err != nil {
		return tts.Media{}, err
	}
	s.mu.Lock()
	s.Produced = append(s.Produced, m)
	s.mu.Unlock()
	return m, nil
}

// Texts returns the sentence texts in call order. Thread-safe.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Text
	}
	return out
}

// Media returns all produced media. Thread-safe.
func (s *Synthesizer) Media() []tts.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Media(nil), s.Produced...)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
	s.Produced = nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
