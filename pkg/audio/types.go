// Package audio holds the PCM primitives shared by the codec, noise reduction,
// VAD and playback stages.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// Channels > 1.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DeviceFormat is the format negotiated with devices by default: 16 kHz mono.
var DeviceFormat = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameSamples returns the number of samples per channel in a frame of the
// given duration.
func (f Format) FrameSamples(frameMs int) int {
	return f.SampleRate * frameMs / 1000
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}
