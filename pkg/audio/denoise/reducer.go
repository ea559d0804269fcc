// Package denoise implements spectral-free noise gating for 16-bit PCM.
//
// The Reducer learns a per-session noise profile from the first few blocks
// of a stream and afterwards attenuates samples that sit below the profile.
// It is a cheap pre-stage for voice activity detection, not a full noise
// suppressor.
package denoise

import (
	"math"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultBufferSize is the block size in samples.
	DefaultBufferSize = 512

	// DefaultEstimationFrames is the number of blocks used for training.
	DefaultEstimationFrames = 10

	// DefaultSubtractionFactor scales the noise profile into a gate threshold.
	DefaultSubtractionFactor = 1.5

	// DefaultNoiseFloor is the normalised level below which gated samples are
	// attenuated further.
	DefaultNoiseFloor = 0.01
)

// Config controls a [Reducer]. Zero fields take their defaults; out of range
// values are clamped.
type Config struct {
	BufferSize        int
	EstimationFrames  int     // 1..50
	SubtractionFactor float64 // 1.0..3.0
	NoiseFloor        float64
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.EstimationFrames <= 0 {
		c.EstimationFrames = DefaultEstimationFrames
	}
	c.EstimationFrames = min(max(c.EstimationFrames, 1), 50)
	if c.SubtractionFactor == 0 {
		c.SubtractionFactor = DefaultSubtractionFactor
	}
	c.SubtractionFactor = math.Min(math.Max(c.SubtractionFactor, 1.0), 3.0)
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = DefaultNoiseFloor
	}
	return c
}

type profile struct {
	magnitude []float32
	trained   int
}

// Reducer holds noise profiles keyed by session. It is safe for concurrent
// use; each session's profile is only touched by calls for that session.
type Reducer struct {
	cfg Config

	mu       sync.Mutex
	profiles map[string]*profile
}

// New creates a Reducer.
func New(cfg Config) *Reducer {
	return &Reducer{
		cfg:      cfg.withDefaults(),
		profiles: make(map[string]*profile),
	}
}

// Process denoises PCM for a session and returns a new buffer of the same
// length. Blocks seen during training are returned unchanged.
func (r *Reducer) Process(sessionID string, pcm []byte) []byte {
	samples := audio.Float32s(pcm)
	p := r.profile(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	for off := 0; off < len(samples); off += r.cfg.BufferSize {
		r.processBlock(p, samples[off:min(off+r.cfg.BufferSize, len(samples))])
	}
	return audio.FromFloat32s(samples)
}

// Trained reports whether the session's noise profile is complete.
func (r *Reducer) Trained(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[sessionID]
	return ok && p.trained >= r.cfg.EstimationFrames
}

// ResetEstimate restarts noise training for the session.
func (r *Reducer) ResetEstimate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[sessionID]; ok {
		clear(p.magnitude)
		p.trained = 0
	}
}

// Cleanup drops the session's profile.
func (r *Reducer) Cleanup(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, sessionID)
}

func (r *Reducer) profile(sessionID string) *profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[sessionID]
	if !ok {
		p = &profile{magnitude: make([]float32, r.cfg.BufferSize)}
		r.profiles[sessionID] = p
	}
	return p
}

// processBlock updates or applies the profile in place. Callers hold r.mu.
func (r *Reducer) processBlock(p *profile, block []float32) {
	if p.trained < r.cfg.EstimationFrames {
		for i, s := range block {
			mag := float32(math.Abs(float64(s)))
			if p.trained == 0 {
				p.magnitude[i] = mag
			} else {
				p.magnitude[i] = 0.8*p.magnitude[i] + 0.2*mag
			}
		}
		p.trained++
		return
	}

	factor := float32(r.cfg.SubtractionFactor)
	floor := float32(r.cfg.NoiseFloor)
	for i, s := range block {
		threshold := p.magnitude[i] * factor
		mag := float32(math.Abs(float64(s)))
		if threshold <= 0 || mag >= threshold {
			continue
		}
		ratio := mag / threshold
		s *= ratio * ratio
		if float32(math.Abs(float64(s))) < floor {
			s *= 0.1
		}
		block[i] = s
	}
}
