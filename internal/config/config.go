// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for the parley voice dialogue server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/devices"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Session   SessionConfig   `yaml:"session"`
	Providers ProvidersConfig `yaml:"providers"`
	Devices   DevicesConfig   `yaml:"devices"`
	Tools     ToolsConfig     `yaml:"tools"`

	// WakeWords is the global wake word list. Device profiles may override it.
	WakeWords []string `yaml:"wake_words"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// WebSocketPath is where devices connect. Default: /ws.
	WebSocketPath string `yaml:"websocket_path"`

	// WriteTimeout bounds every frame written to a device.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageBytes is the largest inbound WebSocket message accepted.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// FrameRate and FrameBurst limit inbound audio frames per connection.
	FrameRate  float64 `yaml:"frame_rate"`
	FrameBurst int     `yaml:"frame_burst"`

	// AllowedOrigins restricts browser origins. Devices send no Origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TraceSampleRatio is the fraction of traces kept, in [0, 1]. Zero keeps
	// every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the device audio defaults and input conditioning.
type AudioConfig struct {
	// SampleRate and Channels are the decode format until a device hello
	// proposes another.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameMs is the outbound Opus frame duration.
	FrameMs int `yaml:"frame_ms"`

	Denoise DenoiseConfig `yaml:"denoise"`
}

// DenoiseConfig enables spectral noise reduction on inbound audio.
type DenoiseConfig struct {
	Enabled           bool    `yaml:"enabled"`
	BufferSize        int     `yaml:"buffer_size"`
	EstimationFrames  int     `yaml:"estimation_frames"`
	SubtractionFactor float64 `yaml:"subtraction_factor"`
	NoiseFloor        float64 `yaml:"noise_floor"`
}

// VADConfig tunes voice activity detection. Zero fields take the engine
// defaults.
type VADConfig struct {
	SpeechThreshold           float64 `yaml:"speech_threshold"`
	SilenceOffset             float64 `yaml:"silence_offset"`
	EnergyThreshold           float64 `yaml:"energy_threshold"`
	DisableEnergyGate         bool    `yaml:"disable_energy_gate"`
	RequiredConsecutiveFrames int     `yaml:"required_consecutive_frames"`
	MinSilenceMs              int     `yaml:"min_silence_ms"`
	MaxSilenceMs              int     `yaml:"max_silence_ms"`
	PreBufferBytes            int     `yaml:"pre_buffer_bytes"`
}

// DialogueConfig tunes the turn pipeline.
type DialogueConfig struct {
	SynthesisWorkers int `yaml:"synthesis_workers"`
	PlaybackWorkers  int `yaml:"playback_workers"`

	// MaxPending bounds the sentences of one session waiting for synthesis
	// or playback.
	MaxPending int `yaml:"max_pending"`

	// MaxLateFrames is how many frames the pacer may skip to catch up.
	// Zero disables skipping.
	MaxLateFrames int `yaml:"max_late_frames"`

	MaxToolRounds int `yaml:"max_tool_rounds"`

	HistoryTokens int  `yaml:"history_tokens"`
	Summarise     bool `yaml:"summarise"`

	MinSentenceLength int    `yaml:"min_sentence_length"`
	Apology           string `yaml:"apology"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProvidersConfig lists the backends of every kind. The first entry of each
// list is the default for device profiles that do not pick one.
type ProvidersConfig struct {
	LLM []ProviderEntry `yaml:"llm"`
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`

	// VAD selects the speech probability model.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// ID is the key device profiles refer to. Defaults to Name.
	ID string `yaml:"id"`

	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Key returns the name device profiles use to select this entry.
func (e ProviderEntry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// DevicesConfig configures the device profile lookup.
type DevicesConfig struct {
	// Default fills every field a device profile leaves empty.
	Default DeviceProfile `yaml:"default"`

	// AllowUnknown lets devices without a profile connect with Default.
	AllowUnknown bool `yaml:"allow_unknown"`

	Profiles []DeviceProfile `yaml:"profiles"`

	// PostgresDSN enables the database lookup. Static profiles are consulted
	// first.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DeviceProfile is the YAML form of [devices.Profile].
type DeviceProfile struct {
	DeviceID     string      `yaml:"device_id"`
	Name         string      `yaml:"name"`
	Language     string      `yaml:"language"`
	Voice        VoiceConfig `yaml:"voice"`
	SystemPrompt string      `yaml:"system_prompt"`
	Greeting     string      `yaml:"greeting"`
	LLM          string      `yaml:"llm"`
	STT          string      `yaml:"stt"`
	TTS          string      `yaml:"tts"`
	WakeWords    []string    `yaml:"wake_words"`
}

// VoiceConfig specifies the TTS voice of a device.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Language overrides the profile language for synthesis.
	Language string `yaml:"language"`

	// Speed adjusts speaking rate in the range [0.25, 4.0]. 0 means default.
	Speed float64 `yaml:"speed"`
}

// Profile converts p to a [devices.Profile].
func (p DeviceProfile) Profile() devices.Profile {
	return devices.Profile{
		DeviceID:     p.DeviceID,
		Name:         p.Name,
		Language:     p.Language,
		Voice:        tts.Voice{ID: p.Voice.ID, Language: p.Voice.Language, Speed: p.Voice.Speed},
		SystemPrompt: p.SystemPrompt,
		Greeting:     p.Greeting,
		LLM:          p.LLM,
		STT:          p.STT,
		TTS:          p.TTS,
		WakeWords:    append([]string(nil), p.WakeWords...),
	}
}

// StaticProfiles converts the static profiles.
func (d DevicesConfig) StaticProfiles() []devices.Profile {
	out := make([]devices.Profile, len(d.Profiles))
	for i, p := range d.Profiles {
		out[i] = p.Profile()
	}
	return out
}

// ToolsConfig holds the tools offered to the language model.
type ToolsConfig struct {
	// LatencyBudget hides tools whose measured latency exceeds it. Zero
	// offers every healthy tool.
	LatencyBudget time.Duration `yaml:"latency_budget"`

	// Clock registers the built-in current_time tool.
	Clock bool `yaml:"clock"`

	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http"
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts s to a [tools.ServerConfig].
func (s MCPServerConfig) ServerConfig() tools.ServerConfig {
	return tools.ServerConfig{Name: s.Name, Transport: s.Transport, Command: s.Command, URL: s.URL, Env: s.Env}
}
