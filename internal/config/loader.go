package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/tools"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "openai", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "openai"},
	"vad": {"energy"},
}

// Built-in defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8000"
	DefaultWebSocketPath = "/ws"
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultFrameMs       = 60
	DefaultVADProvider   = "energy"
)

var validSampleRates = []int{8000, 12000, 16000, 24000, 48000}

var validFrameMs = []int{10, 20, 40, 60, 80, 100, 120}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields that have a server-wide default. Fields
// whose zero value selects a package default are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.WebSocketPath == "" {
		cfg.Server.WebSocketPath = DefaultWebSocketPath
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = DefaultFrameMs
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVADProvider
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.FrameRate < 0 || cfg.Server.FrameBurst < 0 {
		errs = append(errs, errors.New("server.frame_rate and server.frame_burst must not be negative"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Audio
	if !slices.Contains(validSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", cfg.Audio.SampleRate, validSampleRates))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if !slices.Contains(validFrameMs, cfg.Audio.FrameMs) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: %v", cfg.Audio.FrameMs, validFrameMs))
	}
	if d := cfg.Audio.Denoise; d.SubtractionFactor < 0 || d.NoiseFloor < 0 || d.NoiseFloor > 1 {
		errs = append(errs, errors.New("audio.denoise: subtraction_factor must be >= 0 and noise_floor in [0, 1]"))
	}

	// VAD
	if t := cfg.VAD.SpeechThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", t))
	}
	if cfg.VAD.MaxSilenceMs > 0 && cfg.VAD.MinSilenceMs > cfg.VAD.MaxSilenceMs {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms %d exceeds vad.max_silence_ms %d", cfg.VAD.MinSilenceMs, cfg.VAD.MaxSilenceMs))
	}

	// Dialogue
	d := cfg.Dialogue
	if d.SynthesisWorkers < 0 || d.PlaybackWorkers < 0 || d.MaxPending < 0 || d.MaxLateFrames < 0 || d.MaxToolRounds < 0 || d.HistoryTokens < 0 || d.MaxTokens < 0 {
		errs = append(errs, errors.New("dialogue: worker counts, limits and token budgets must not be negative"))
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", d.Temperature))
	}

	// Session
	if cfg.Session.IdleTimeout < 0 || cfg.Session.SweepInterval < 0 {
		errs = append(errs, errors.New("session: idle_timeout and sweep_interval must not be negative"))
	}

	// Providers
	llmKeys := validateProviders(&errs, "llm", cfg.Providers.LLM)
	sttKeys := validateProviders(&errs, "stt", cfg.Providers.STT)
	ttsKeys := validateProviders(&errs, "tts", cfg.Providers.TTS)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Devices
	validateProfile(&errs, "devices.default", cfg.Devices.Default, llmKeys, sttKeys, ttsKeys)
	seen := make(map[string]int, len(cfg.Devices.Profiles))
	for i, p := range cfg.Devices.Profiles {
		prefix := fmt.Sprintf("devices.profiles[%d]", i)
		if p.DeviceID == "" {
			errs = append(errs, fmt.Errorf("%s.device_id is required", prefix))
		} else {
			if prev, ok := seen[p.DeviceID]; ok {
				errs = append(errs, fmt.Errorf("%s.device_id %q is a duplicate of devices.profiles[%d]", prefix, p.DeviceID, prev))
			}
			seen[p.DeviceID] = i
		}
		validateProfile(&errs, prefix, p, llmKeys, sttKeys, ttsKeys)
	}
	if len(cfg.Devices.Profiles) == 0 && !cfg.Devices.AllowUnknown && cfg.Devices.PostgresDSN == "" {
		slog.Warn("no device profiles configured and devices.allow_unknown is false; every device will be rejected")
	}

	// Wake words
	for i, w := range cfg.WakeWords {
		if w == "" {
			errs = append(errs, fmt.Errorf("wake_words[%d] is empty", i))
		}
	}

	// Tools
	if cfg.Tools.LatencyBudget < 0 {
		errs = append(errs, errors.New("tools.latency_budget must not be negative"))
	}
	names := make(map[string]bool, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if names[srv.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate", prefix, srv.Name))
		}
		names[srv.Name] = true
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviders checks one provider list and returns the set of keys
// device profiles may refer to.
func validateProviders(errs *[]error, kind string, entries []ProviderEntry) map[string]bool {
	if len(entries) == 0 {
		*errs = append(*errs, fmt.Errorf("providers.%s: at least one provider is required", kind))
	}
	keys := make(map[string]bool, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if keys[e.Key()] {
			*errs = append(*errs, fmt.Errorf("%s: key %q is used by an earlier entry; set a distinct id", prefix, e.Key()))
		}
		keys[e.Key()] = true
		validateProviderName(kind, e.Name)
		for j, fb := range e.Fallbacks {
			if fb.Name == "" {
				*errs = append(*errs, fmt.Errorf("%s.fallbacks[%d].name is required", prefix, j))
				continue
			}
			if len(fb.Fallbacks) > 0 {
				*errs = append(*errs, fmt.Errorf("%s.fallbacks[%d]: fallbacks cannot be nested", prefix, j))
			}
			validateProviderName(kind, fb.Name)
		}
	}
	return keys
}

func validateProfile(errs *[]error, prefix string, p DeviceProfile, llmKeys, sttKeys, ttsKeys map[string]bool) {
	if p.LLM != "" && !llmKeys[p.LLM] {
		*errs = append(*errs, fmt.Errorf("%s.llm %q does not name a configured llm provider", prefix, p.LLM))
	}
	if p.STT != "" && !sttKeys[p.STT] {
		*errs = append(*errs, fmt.Errorf("%s.stt %q does not name a configured stt provider", prefix, p.STT))
	}
	if p.TTS != "" && !ttsKeys[p.TTS] {
		*errs = append(*errs, fmt.Errorf("%s.tts %q does not name a configured tts provider", prefix, p.TTS))
	}
	if s := p.Voice.Speed; s != 0 && (s < 0.25 || s > 4.0) {
		*errs = append(*errs, fmt.Errorf("%s.voice.speed %.2f is out of range [0.25, 4.0]", prefix, s))
	}
	for i, w := range p.WakeWords {
		if w == "" {
			*errs = append(*errs, fmt.Errorf("%s.wake_words[%d] is empty", prefix, i))
		}
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
