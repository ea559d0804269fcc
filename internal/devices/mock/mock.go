// Package mock provides a test double for [devices.Lookup].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/devices"
)

// Lookup returns Profile (with DeviceID filled in) or Err and records every
// device id it was asked for.
type Lookup struct {
	mu    sync.Mutex
	calls []string

	Profile devices.Profile
	Err     error
}

var _ devices.Lookup = (*Lookup)(nil)

// Lookup implements [devices.Lookup].
func (m *Lookup) Lookup(_ context.Context, deviceID string) (devices.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, deviceID)
	if m.Err != nil {
		return devices.Profile{}, m.Err
	}
	p := m.Profile
	p.DeviceID = deviceID
	return p, nil
}

// Calls returns the device ids looked up so far.
func (m *Lookup) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Reset clears recorded calls.
func (m *Lookup) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
