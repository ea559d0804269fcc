package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Providers holds the instantiated backends keyed by the name device
// profiles use to select them. Populated by [BuildProviders] or by tests.
type Providers struct {
	LLM map[string]llm.Provider
	STT map[string]stt.Recognizer
	TTS map[string]tts.Synthesizer
	VAD vad.Engine

	// DefaultLLM, DefaultSTT and DefaultTTS are used by profiles that leave
	// the choice empty.
	DefaultLLM string
	DefaultSTT string
	DefaultTTS string

	// Checkers report the circuit breaker state of each provider kind on
	// /readyz.
	Checkers []health.Checker

	closers []func() error
}

// Dialogue returns the provider set in the form the orchestrator consumes.
func (p *Providers) Dialogue() dialogue.Providers {
	return dialogue.Providers{
		LLM:        p.LLM,
		STT:        p.STT,
		TTS:        p.TTS,
		DefaultLLM: p.DefaultLLM,
		DefaultSTT: p.DefaultSTT,
		DefaultTTS: p.DefaultTTS,
	}
}

// Close releases providers that hold local resources, such as a loaded
// whisper model.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// BuildProviders instantiates every provider entry in cfg through reg.
//
// Each entry is wrapped in a fallback group together with its configured
// fallbacks, so every backend sits behind its own circuit breaker even when
// no fallback is configured. The first entry of each list is the default.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{
		LLM: make(map[string]llm.Provider),
		STT: make(map[string]stt.Recognizer),
		TTS: make(map[string]tts.Synthesizer),
	}
	breaker := resilience.FallbackConfig{}

	var (
		llmGroups []*resilience.FallbackGroup[llm.Provider]
		sttGroups []*resilience.FallbackGroup[stt.Recognizer]
		ttsGroups []*resilience.FallbackGroup[tts.Synthesizer]
	)

	for _, entry := range cfg.Providers.LLM {
		primary, err := create(p, "llm", entry, reg.CreateLLM)
		if err != nil {
			return nil, p.fail(err)
		}
		fb := resilience.NewLLMFallback(primary, entry.Key(), breaker)
		for _, f := range entry.Fallbacks {
			v, err := create(p, "llm", f, reg.CreateLLM)
			if err != nil {
				return nil, p.fail(err)
			}
			fb.AddFallback(f.Key(), v)
		}
		p.LLM[entry.Key()] = fb
		llmGroups = append(llmGroups, fb.Group())
	}

	for _, entry := range cfg.Providers.STT {
		primary, err := create(p, "stt", entry, reg.CreateSTT)
		if err != nil {
			return nil, p.fail(err)
		}
		fb := resilience.NewSTTFallback(primary, entry.Key(), breaker)
		for _, f := range entry.Fallbacks {
			v, err := create(p, "stt", f, reg.CreateSTT)
			if err != nil {
				return nil, p.fail(err)
			}
			fb.AddFallback(f.Key(), v)
		}
		p.STT[entry.Key()] = fb
		sttGroups = append(sttGroups, fb.Group())
	}

	for _, entry := range cfg.Providers.TTS {
		primary, err := create(p, "tts", entry, reg.CreateTTS)
		if err != nil {
			return nil, p.fail(err)
		}
		fb := resilience.NewTTSFallback(primary, entry.Key(), breaker)
		for _, f := range entry.Fallbacks {
			v, err := create(p, "tts", f, reg.CreateTTS)
			if err != nil {
				return nil, p.fail(err)
			}
			fb.AddFallback(f.Key(), v)
		}
		p.TTS[entry.Key()] = fb
		ttsGroups = append(ttsGroups, fb.Group())
	}

	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = config.DefaultVADProvider
	}
	engine, err := create(p, "vad", vadEntry, reg.CreateVAD)
	if err != nil {
		return nil, p.fail(err)
	}
	p.VAD = engine

	if len(cfg.Providers.LLM) > 0 {
		p.DefaultLLM = cfg.Providers.LLM[0].Key()
	}
	if len(cfg.Providers.STT) > 0 {
		p.DefaultSTT = cfg.Providers.STT[0].Key()
	}
	if len(cfg.Providers.TTS) > 0 {
		p.DefaultTTS = cfg.Providers.TTS[0].Key()
	}

	p.Checkers = []health.Checker{
		health.Breakers("llm", groupStates(llmGroups)),
		health.Breakers("stt", groupStates(sttGroups)),
		health.Breakers("tts", groupStates(ttsGroups)),
	}
	return p, nil
}

// create builds one provider and records it for Close when it holds
// resources.
func create[T any](p *Providers, kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	v, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, entry.Key(), err)
	}
	if c, ok := any(v).(io.Closer); ok {
		p.closers = append(p.closers, c.Close)
	}
	slog.Info("provider created", "kind", kind, "key", entry.Key(), "name", entry.Name, "model", entry.Model)
	return v, nil
}

func (p *Providers) fail(err error) error {
	if cerr := p.Close(); cerr != nil {
		slog.Warn("closing providers after build failure", "err", cerr)
	}
	return err
}

// groupStates merges the breaker states of several groups. Keys are
// "<entry>/<backend>" so equally named fallbacks of different entries stay
// distinct.
func groupStates[T any](groups []*resilience.FallbackGroup[T]) func() map[string]resilience.State {
	return func() map[string]resilience.State {
		out := make(map[string]resilience.State)
		for _, g := range groups {
			names := g.Names()
			if len(names) == 0 {
				continue
			}
			for backend, st := range g.States() {
				out[names[0]+"/"+backend] = st
			}
		}
		return out
	}
}
