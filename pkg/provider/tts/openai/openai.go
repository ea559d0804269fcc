// Package openai provides a [tts.Synthesizer] backed by the OpenAI speech
// endpoint. Audio is requested as raw PCM, which OpenAI serves as 24 kHz
// mono 16-bit little-endian.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const defaultModel = "gpt-4o-mini-tts"

// Format is the PCM format returned by the speech endpoint.
var Format = audio.Format{SampleRate: 24000, Channels: 1}

// Option is a functional option for [Synthesizer].
type Option func(*Synthesizer)

// WithModel sets the speech model. Defaults to gpt-4o-mini-tts.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithBaseURL points the client at an OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(s *Synthesizer) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithMediaDir sets the directory media files are written to.
func WithMediaDir(dir string) Option {
	return func(s *Synthesizer) { s.mediaDir = dir }
}

// Synthesizer implements tts.Synthesizer using OpenAI speech.
type Synthesizer struct {
	client   oai.Client
	model    string
	mediaDir string
	reqOpts  []option.RequestOption
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New constructs a Synthesizer.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	s := &Synthesizer{
		model:   defaultModel,
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, o := range opts {
		o(s)
	}
	s.client = oai.NewClient(s.reqOpts...)
	return s, nil
}

// Synthesize speaks text with voice.ID (alloy, echo, nova, ...).
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Media, error) {
	name := voice.ID
	if name == "" {
		name = "alloy"
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(name),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = param.NewOpt(voice.Speed)
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Media{}, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Media{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(pcm) == 0 {
		return tts.Media{}, errors.New("openai tts: empty audio response")
	}
	return tts.WriteMedia(s.mediaDir, pcm[:len(pcm)-len(pcm)%2], Format)
}
