// Package devices resolves a connecting device to the profile that drives
// its conversations: the provider set, voice, language and system prompt.
//
// Managing devices is out of scope; a [Lookup] is read-only. [Static] serves
// profiles from configuration and can be swapped at runtime when the config
// file is reloaded. The postgres subpackage reads them from a table.
package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrUnknownDevice is returned when no profile exists for a device id.
var ErrUnknownDevice = errors.New("devices: unknown device")

// Profile is the per-device conversation setup.
type Profile struct {
	DeviceID string
	Name     string

	// Language is a BCP-47 code passed to the recognizer and synthesizer.
	Language string

	Voice        tts.Voice
	SystemPrompt string

	// Greeting is spoken when a wake word is detected.
	Greeting string

	// Provider names as registered in the config registry. Empty uses the
	// process default for that kind.
	LLM string
	STT string
	TTS string

	// WakeWords overrides the global wake word list when non-empty.
	WakeWords []string
}

// Merge returns p with every empty field taken from def.
func (p Profile) Merge(def Profile) Profile {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	p.Name = pick(p.Name, def.Name)
	p.Language = pick(p.Language, def.Language)
	p.Voice.ID = pick(p.Voice.ID, def.Voice.ID)
	p.Voice.Language = pick(p.Voice.Language, def.Voice.Language)
	if p.Voice.Speed == 0 {
		p.Voice.Speed = def.Voice.Speed
	}
	if p.Voice.Language == "" {
		p.Voice.Language = p.Language
	}
	p.SystemPrompt = pick(p.SystemPrompt, def.SystemPrompt)
	p.Greeting = pick(p.Greeting, def.Greeting)
	p.LLM = pick(p.LLM, def.LLM)
	p.STT = pick(p.STT, def.STT)
	p.TTS = pick(p.TTS, def.TTS)
	if len(p.WakeWords) == 0 {
		p.WakeWords = slices.Clone(def.WakeWords)
	}
	return p
}

// Lookup resolves device profiles. Implementations must be safe for
// concurrent use.
type Lookup interface {
	// Lookup returns the profile for deviceID, or an error wrapping
	// [ErrUnknownDevice].
	Lookup(ctx context.Context, deviceID string) (Profile, error)
}

// ─── Static ──────────────────────────────────────────────────────────────────

type staticSet struct {
	def      Profile
	fallback bool
	byID     map[string]Profile
}

// Static is an in-memory [Lookup].
//
// Known devices are merged with the default profile. Unknown devices get the
// default profile when one is configured and [ErrUnknownDevice] otherwise.
type Static struct {
	set atomic.Pointer[staticSet]
}

var _ Lookup = (*Static)(nil)

// NewStatic builds a lookup from a default profile and a list of device
// profiles. A zero def with allowUnknown=false rejects unlisted devices.
func NewStatic(def Profile, allowUnknown bool, profiles ...Profile) *Static {
	s := &Static{}
	s.Set(def, allowUnknown, profiles...)
	return s
}

// Set atomically replaces the profiles.
func (s *Static) Set(def Profile, allowUnknown bool, profiles ...Profile) {
	set := &staticSet{def: def, fallback: allowUnknown, byID: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		set.byID[p.DeviceID] = p.Merge(def)
	}
	s.set.Store(set)
}

// Lookup implements [Lookup].
func (s *Static) Lookup(_ context.Context, deviceID string) (Profile, error) {
	set := s.set.Load()
	if p, ok := set.byID[deviceID]; ok {
		return p, nil
	}
	if !set.fallback {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	p := Profile{DeviceID: deviceID}.Merge(set.def)
	return p, nil
}

// Len returns the number of explicitly configured devices.
func (s *Static) Len() int { return len(s.set.Load().byID) }

// ─── Chain ───────────────────────────────────────────────────────────────────

// Chain tries each lookup in order and returns the first profile found.
// Errors other than [ErrUnknownDevice] stop the search.
type Chain []Lookup

var _ Lookup = Chain(nil)

// Lookup implements [Lookup].
func (c Chain) Lookup(ctx context.Context, deviceID string) (Profile, error) {
	for _, l := range c {
		p, err := l.Lookup(ctx, deviceID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnknownDevice) {
			return Profile{}, err
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
}
