// Package elevenlabs provides an ElevenLabs-backed [tts.Synthesizer] using
// the streaming input WebSocket API. Each sentence gets its own socket; the
// PCM chunks are collected until the server marks the stream final and are
// then written to a media file.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_24000", ...).
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) { s.outputFormat = format }
}

// WithMediaDir sets the directory media files are written to.
func WithMediaDir(dir string) Option {
	return func(s *Synthesizer) { s.mediaDir = dir }
}

// WithEndpointFormat overrides the WebSocket URL format. It receives the
// voice ID and model ID. Used by tests.
func WithEndpointFormat(f string) Option {
	return func(s *Synthesizer) { s.endpointFmt = f }
}

// Synthesizer implements tts.Synthesizer backed by ElevenLabs.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	mediaDir     string
	endpointFmt  string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := parseOutputFormat(s.outputFormat); err != nil {
		return nil, err
	}
	return s, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage opens the stream. ElevenLabs requires a single space as text.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize speaks text with voice.ID and returns the PCM as media.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Media, error) {
	if voice.ID == "" {
		return tts.Media{}, errors.New("elevenlabs: voice ID must not be empty")
	}
	format, _ := parseOutputFormat(s.outputFormat)

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf(s.endpointFmt, voice.ID, s.model), nil)
	if err != nil {
		return tts.Media{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	messages := []any{
		boiMessage{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.Speed},
			XiAPIKey:      s.apiKey,
			OutputFormat:  s.outputFormat,
		},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""}, // flush
	}
	for _, m := range messages {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return tts.Media{}, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				break
			}
			return tts.Media{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return tts.Media{}, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.Media{}, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if len(pcm) == 0 {
		return tts.Media{}, errors.New("elevenlabs: no audio received")
	}
	return tts.WriteMedia(s.mediaDir, pcm, format)
}

// parseOutputFormat maps "pcm_<rate>" to a mono audio format.
func parseOutputFormat(f string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(f, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q, want pcm_<rate>", f)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: bad sample rate in output format %q", f)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}
