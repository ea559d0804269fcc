// Package vad defines the speech probability model consumed by the voice
// activity state machine.
//
// A Model scores one fixed-size analysis window and returns the probability
// that it contains speech. Models may be stateful (recurrent networks such as
// Silero keep hidden state across windows), so every audio stream gets its
// own Model from the Engine. The state machine in internal/vad decides
// onsets and offsets; models only score.
package vad

import "errors"

// ErrWindowSize is returned when a window does not match Config.WindowSamples.
var ErrWindowSize = errors.New("vad: window size mismatch")

// Config describes the windows a Model will be fed.
type Config struct {
	// SampleRate in Hz. Typically 16000.
	SampleRate int

	// WindowSamples is the number of mono samples per window. Silero style
	// models expect 512 at 16 kHz.
	WindowSamples int
}

// Model scores analysis windows for a single stream. A Model is not safe
// for concurrent use.
type Model interface {
	// Probability returns a speech probability in [0, 1] for a window of
	// normalised mono samples.
	Probability(window []float32) (float64, error)

	// Reset clears any state carried between windows.
	Reset()

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}

// Engine creates per-stream models. Implementations must be safe for
// concurrent use.
type Engine interface {
	NewModel(cfg Config) (Model, error)
}
