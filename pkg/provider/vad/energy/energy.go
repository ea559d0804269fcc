// Package energy implements a pure-Go speech probability model based on the
// RMS level of each window. It needs no model weights and is the default
// engine when no neural VAD is configured.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	// DefaultFloorDB is the level mapped to probability 0.
	DefaultFloorDB = -50.0

	// DefaultCeilingDB is the level mapped to probability 1.
	DefaultCeilingDB = -20.0
)

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithRange sets the dBFS levels mapped to probability 0 and 1.
func WithRange(floorDB, ceilingDB float64) Option {
	return func(e *Engine) {
		if ceilingDB > floorDB {
			e.floorDB, e.ceilingDB = floorDB, ceilingDB
		}
	}
}

// Engine creates RMS models.
type Engine struct {
	floorDB   float64
	ceilingDB float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{floorDB: DefaultFloorDB, ceilingDB: DefaultCeilingDB}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewModel implements vad.Engine.
func (e *Engine) NewModel(cfg vad.Config) (vad.Model, error) {
	if cfg.WindowSamples <= 0 {
		return nil, fmt.Errorf("energy: window samples must be positive, got %d", cfg.WindowSamples)
	}
	return &model{window: cfg.WindowSamples, floorDB: e.floorDB, ceilingDB: e.ceilingDB}, nil
}

type model struct {
	window    int
	floorDB   float64
	ceilingDB float64
	closed    bool
}

func (m *model) Probability(window []float32) (float64, error) {
	if m.closed {
		return 0, fmt.Errorf("energy: model closed")
	}
	if len(window) != m.window {
		return 0, fmt.Errorf("%w: got %d, want %d", vad.ErrWindowSize, len(window), m.window)
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(window)))
	if rms == 0 {
		return 0, nil
	}
	db := 20 * math.Log10(rms)
	p := (db - m.floorDB) / (m.ceilingDB - m.floorDB)
	return math.Min(math.Max(p, 0), 1), nil
}

func (m *model) Reset() {}

func (m *model) Close() error {
	m.closed = true
	return nil
}
