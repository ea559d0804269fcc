package dialogue

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/internal/devices"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrNoProvider is returned when a device profile names a provider that is
// not configured.
var ErrNoProvider = errors.New("dialogue: provider not configured")

// Providers holds the configured backends by name. The Default* names are
// used when a device profile leaves the choice empty.
type Providers struct {
	LLM map[string]llm.Provider
	STT map[string]stt.Recognizer
	TTS map[string]tts.Synthesizer

	DefaultLLM string
	DefaultSTT string
	DefaultTTS string
}

// backends is the provider set resolved for one session.
type backends struct {
	llmName, sttName, ttsName string
	model                          llm.Provider
	recognizer                     stt.Recognizer
	synth                          tts.Synthesizer
}

func pick[T any](kind string, m map[string]T, name, def string) (T, string, error) {
	if name == "" {
		name = def
	}
	v, ok := m[name]
	if !ok {
		var zero T
		return zero, name, fmt.Errorf("%w: %s %q", ErrNoProvider, kind, name)
	}
	return v, name, nil
}

func (p Providers) resolve(profile devices.Profile) (backends, error) {
	var (
		b   backends
		err error
	)
	if b.model, b.llmName, err = pick("llm", p.LLM, profile.LLM, p.DefaultLLM); err != nil {
		return backends{}, err
	}
	if b.recognizer, b.sttName, err = pick("stt", p.STT, profile.STT, p.DefaultSTT); err != nil {
		return backends{}, err
	}
	if b.synth, b.ttsName, err = pick("tts", p.TTS, profile.TTS, p.DefaultTTS); err != nil {
		return backends{}, err
	}
	return b, nil
}
