// Package stt defines the Recognizer interface for speech-to-text backends.
//
// A Recognizer turns one complete utterance into text. Backends that stream
// interim hypotheses report them through [Request.OnPartial] while Recognize
// is still running; batch backends simply never call it. The caller always
// receives the authoritative result as the return value.
//
// Implementations must be safe for concurrent use: several sessions may be
// recognizing at the same time.
package stt

import (
	"context"
	"time"
)

// Request is a single recognition job.
type Request struct {
	// Audio is 16-bit little-endian PCM.
	Audio []byte

	// SampleRate and Channels describe Audio. Zero values mean 16 kHz mono.
	SampleRate int
	Channels   int

	// Language is a BCP-47 code. Empty defers to the backend default.
	Language string

	// Keywords are vocabulary hints for backends that support boosting.
	Keywords []string

	// OnPartial, if set, receives interim hypotheses in order. It is called
	// from the goroutine running Recognize and must not block for long.
	OnPartial func(Transcript)
}

// Format returns the effective sample rate and channel count of r.Audio.
func (r Request) Format() (sampleRate, channels int) {
	sampleRate, channels = r.SampleRate, r.Channels
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return sampleRate, channels
}

// Transcript is a recognition result.
type Transcript struct {
	Text string

	// IsFinal is false for interim hypotheses passed to OnPartial.
	IsFinal bool

	// Confidence in [0, 1]. Zero if the backend does not report one.
	Confidence float64

	// Duration of the audio that produced the transcript.
	Duration time.Duration
}

// Recognizer is implemented by every STT backend.
type Recognizer interface {
	// Recognize transcribes req.Audio. An empty Text with a nil error means
	// the backend heard nothing intelligible.
	Recognize(ctx context.Context, req Request) (Transcript, error)
}
