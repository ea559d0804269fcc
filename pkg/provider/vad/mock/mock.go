// Package mock provides test doubles for the vad package interfaces.
//
// Use Model to script the probability returned for each window; use Engine
// to hand out a fixed Model and record the Config it was created with.
//
// Example:
//
//	m := &mock.Model{Probabilities: []float64{0.1, 0.9, 0.9, 0.9}}
//	eng := &mock.Engine{Model: m}
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Model is returned by NewModel. If nil, a new default Model is returned.
	Model vad.Model

	// NewModelErr, if non-nil, is returned from NewModel.
	NewModelErr error

	// Configs records the Config of every NewModel call.
	Configs []vad.Config
}

// NewModel records the call and returns Model, NewModelErr.
func (e *Engine) NewModel(cfg vad.Config) (vad.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewModelErr != nil {
		return nil, e.NewModelErr
	}
	if e.Model != nil {
		return e.Model, nil
	}
	return &Model{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Model is a mock implementation of vad.Model.
type Model struct {
	mu sync.Mutex

	// Probabilities is consumed one value per window. Once exhausted, Default
	// is returned.
	Probabilities []float64

	// Default is returned when Probabilities is exhausted.
	Default float64

	// Func, if non-nil, overrides Probabilities and Default.
	Func func(window []float32) (float64, error)

	// Err, if non-nil, is returned for every window.
	Err error

	// Windows counts Probability calls.
	Windows int

	// ResetCount and CloseCount count Reset and Close calls.
	ResetCount int
	CloseCount int
}

// Probability returns the next scripted value.
func (m *Model) Probability(window []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Windows++
	if m.Err != nil {
		return 0, m.Err
	}
	if m.Func != nil {
		return m.Func(window)
	}
	if len(m.Probabilities) > 0 {
		p := m.Probabilities[0]
		m.Probabilities = m.Probabilities[1:]
		return p, nil
	}
	return m.Default, nil
}

// Reset records the call.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCount++
}

// Close records the call.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
	return nil
}

var _ vad.Model = (*Model)(nil)
