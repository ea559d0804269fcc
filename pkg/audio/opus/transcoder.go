// Package opus transcodes between Opus frames on the wire and raw PCM.
//
// Decoding is stateful: every session owns a decoder whose prediction state
// carries across consecutive frames, so frames from one session must never be
// fed to another session's decoder. Encoding is stateless from the caller's
// point of view; each Encode call uses a fresh encoder and is safe for
// concurrent use.
package opus

import (
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// MaxPacketBytes is the largest Opus packet the encoder produces.
const MaxPacketBytes = 1275

// maxFrameMs is the longest frame duration Opus allows.
const maxFrameMs = 120

// CodecError reports a malformed frame for a session. The session's decoder
// has already been reset when a CodecError is returned.
type CodecError struct {
	SessionID string
	Err       error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("opus: decode frame for session %s: %v", e.SessionID, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

type sessionDecoder struct {
	mu     sync.Mutex
	format audio.Format
	dec    *gopus.Decoder
}

// Transcoder decodes per-session inbound frames and encodes outbound PCM.
// It is safe for concurrent use.
type Transcoder struct {
	mu       sync.Mutex
	decoders map[string]*sessionDecoder
	formats  map[string]audio.Format
	input    audio.Format
}

// Option is a functional option for [Transcoder].
type Option func(*Transcoder)

// WithInputFormat sets the decode format used for sessions that have not
// been configured explicitly. Defaults to [audio.DeviceFormat].
func WithInputFormat(f audio.Format) Option {
	return func(t *Transcoder) {
		if f.Valid() {
			t.input = f
		}
	}
}

// NewTranscoder creates a Transcoder.
func NewTranscoder(opts ...Option) *Transcoder {
	t := &Transcoder{
		decoders: make(map[string]*sessionDecoder),
		formats:  make(map[string]audio.Format),
		input:    audio.DeviceFormat,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Configure sets the decode format for a session, typically from the
// device's hello message. An existing decoder with a different format is
// discarded.
func (t *Transcoder) Configure(sessionID string, f audio.Format) {
	if !f.Valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formats[sessionID] = f
	if d, ok := t.decoders[sessionID]; ok && d.format != f {
		delete(t.decoders, sessionID)
	}
}

// Decode decodes one Opus frame for sessionID into PCM. The decoder is
// created on first use. On malformed input the session's decoder is reset
// and a *CodecError is returned.
func (t *Transcoder) Decode(sessionID string, frame []byte) ([]byte, error) {
	d, err := t.decoder(sessionID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	pcm, err := d.dec.Decode(frame, d.format.FrameSamples(maxFrameMs), false)
	if err != nil {
		if resetErr := t.reset(sessionID, d); resetErr != nil {
			slog.Warn("opus: decoder reset failed", "session_id", sessionID, "err", resetErr)
		}
		return nil, &CodecError{SessionID: sessionID, Err: err}
	}
	return audio.Bytes(pcm), nil
}

// Encode splits PCM into frames of frameMs and encodes each as an Opus
// packet. The final partial frame is zero padded.
func (t *Transcoder) Encode(pcm []byte, f audio.Format, frameMs int) ([][]byte, error) {
	if !f.Valid() || frameMs <= 0 {
		return nil, fmt.Errorf("opus: encode: invalid format %+v at %d ms", f, frameMs)
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}

	frameSamples := f.FrameSamples(frameMs)
	step := frameSamples * f.Channels
	samples := audio.Int16s(pcm)

	var packets [][]byte
	for off := 0; off < len(samples); off += step {
		chunk := samples[off:min(off+step, len(samples))]
		if len(chunk) < step {
			padded := make([]int16, step)
			copy(padded, chunk)
			chunk = padded
		}
		pkt, err := enc.Encode(chunk, frameSamples, MaxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("opus: encode frame %d: %w", len(packets), err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// Release disposes of the session's decoder and format.
func (t *Transcoder) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.decoders, sessionID)
	delete(t.formats, sessionID)
}

// Sessions returns the number of live decoders.
func (t *Transcoder) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.decoders)
}

func (t *Transcoder) decoder(sessionID string) (*sessionDecoder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.decoders[sessionID]; ok {
		return d, nil
	}
	f, ok := t.formats[sessionID]
	if !ok {
		f = t.input
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder for session %s: %w", sessionID, err)
	}
	d := &sessionDecoder{format: f, dec: dec}
	t.decoders[sessionID] = d
	return d, nil
}

// reset replaces the decoder in place. Callers hold d.mu.
func (t *Transcoder) reset(sessionID string, d *sessionDecoder) error {
	dec, err := gopus.NewDecoder(d.format.SampleRate, d.format.Channels)
	if err != nil {
		t.mu.Lock()
		if t.decoders[sessionID] == d {
			delete(t.decoders, sessionID)
		}
		t.mu.Unlock()
		return err
	}
	d.dec = dec
	return nil
}
