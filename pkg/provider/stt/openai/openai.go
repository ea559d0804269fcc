// Package openai provides an [stt.Recognizer] backed by the OpenAI audio
// transcription endpoint (whisper-1, gpt-4o-transcribe and compatible
// servers).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Option is a functional option for [Recognizer].
type Option func(*Recognizer)

// WithModel sets the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithBaseURL points the client at an OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(r *Recognizer) { r.reqOpts = append(r.reqOpts, option.WithBaseURL(url)) }
}

// WithLanguage sets the default language code.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// Recognizer implements stt.Recognizer using OpenAI transcriptions.
type Recognizer struct {
	client   oai.Client
	model    string
	language string
	reqOpts  []option.RequestOption
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New constructs a Recognizer.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	r := &Recognizer{
		model:   defaultModel,
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)},
	}
	for _, o := range opts {
		o(r)
	}
	r.client = oai.NewClient(r.reqOpts...)
	return r, nil
}

// Recognize uploads the utterance as a WAV file.
func (r *Recognizer) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	rate, ch := req.Format()
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(stt.EncodeWAV(req.Audio, rate, ch)), "utterance.wav", "audio/wav"),
		Model: oai.AudioModel(r.model),
	}
	lang := req.Language
	if lang == "" {
		lang = r.language
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}
	if len(req.Keywords) > 0 {
		params.Prompt = param.NewOpt(strings.Join(req.Keywords, ", "))
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		IsFinal:  true,
		Duration: audio.Format{SampleRate: rate, Channels: ch}.Duration(len(req.Audio)),
	}, nil
}
