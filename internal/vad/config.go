package vad

const (
	DefaultSampleRate                = 16000
	DefaultWindowSamples             = 512
	DefaultSpeechThreshold           = 0.6
	DefaultSilenceOffset             = 0.15
	DefaultEnergyThreshold           = 0.05
	DefaultRequiredConsecutiveFrames = 3
	DefaultMinSilenceMs              = 500
	DefaultMaxSilenceMs              = 1000
	DefaultPreBufferBytes            = 32000
	DefaultTrimPaddingSamples        = 1600
	DefaultMinUtteranceSamples       = 3200
	probabilityHistory               = 10
)

// Config tunes the [Engine]. Zero fields take their defaults.
type Config struct {
	// SampleRate of the PCM passed to Process. Only mono is supported.
	SampleRate int

	// WindowSamples is the analysis window size.
	WindowSamples int

	// SpeechThreshold is the probability at or above which a window counts
	// as speech. Windows below SpeechThreshold-SilenceOffset count as silence.
	SpeechThreshold float64
	SilenceOffset   float64

	// EnergyThreshold is the absolute mean amplitude a window must exceed
	// for the energy gate to pass.
	EnergyThreshold float64

	// DisableEnergyGate makes onset depend on the model probability alone.
	DisableEnergyGate bool

	// RequiredConsecutiveFrames is the number of speech windows in a row
	// needed to confirm an onset.
	RequiredConsecutiveFrames int

	// MinSilenceMs of accumulated silence ends an utterance.
	MinSilenceMs int

	// MaxSilenceMs since the last confirmed speech window force-ends an
	// utterance.
	MaxSilenceMs int

	// PreBufferBytes caps the audio kept from before onset.
	PreBufferBytes int

	// TrimPaddingSamples is kept on each side when trimming an utterance.
	TrimPaddingSamples int

	// MinUtteranceSamples is the shortest trimmed utterance; shorter results
	// fall back to the untrimmed buffer.
	MinUtteranceSamples int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = DefaultWindowSamples
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SilenceOffset <= 0 {
		c.SilenceOffset = DefaultSilenceOffset
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.RequiredConsecutiveFrames <= 0 {
		c.RequiredConsecutiveFrames = DefaultRequiredConsecutiveFrames
	}
	if c.MinSilenceMs <= 0 {
		c.MinSilenceMs = DefaultMinSilenceMs
	}
	if c.MaxSilenceMs <= 0 {
		c.MaxSilenceMs = DefaultMaxSilenceMs
	}
	if c.PreBufferBytes <= 0 {
		c.PreBufferBytes = DefaultPreBufferBytes
	}
	if c.TrimPaddingSamples <= 0 {
		c.TrimPaddingSamples = DefaultTrimPaddingSamples
	}
	if c.MinUtteranceSamples <= 0 {
		c.MinUtteranceSamples = DefaultMinUtteranceSamples
	}
	return c
}

// SilenceThreshold returns the probability below which a window is silence.
func (c Config) SilenceThreshold() float64 {
	return c.SpeechThreshold - c.SilenceOffset
}

// WindowMs returns the duration of one analysis window in milliseconds.
func (c Config) WindowMs() float64 {
	return float64(c.WindowSamples) * 1000 / float64(c.SampleRate)
}
