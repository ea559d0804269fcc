// Package whisper provides whisper.cpp-backed speech recognition.
//
// Two recognizers are available. [Recognizer] posts each utterance to a
// running whisper-server (POST /inference) as a WAV upload. [NativeRecognizer]
// links whisper.cpp through its Go bindings and runs inference in process.
// whisper.cpp is a batch engine, so neither recognizer reports partials.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	t, err := r.Recognize(ctx, stt.Request{Audio: pcm})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	defaultLanguage = "en"

	// modelRate is the only sample rate whisper models accept.
	modelRate = 16000
)

var modelFormat = audio.Format{SampleRate: modelRate, Channels: 1}

// Option is a functional option for [Recognizer].
type Option func(*Recognizer)

// WithModel sets the model name forwarded to the server.
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the default language code.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// WithHTTPClient overrides the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) { r.httpClient = c }
}

// Recognizer implements stt.Recognizer against a whisper.cpp HTTP server.
type Recognizer struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a Recognizer for the whisper-server at serverURL.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recognize uploads the utterance and returns the server's transcription.
func (r *Recognizer) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	pcm, err := toModelFormat(req)
	if err != nil {
		return stt.Transcript{}, err
	}

	lang := req.Language
	if lang == "" {
		lang = r.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(stt.EncodeWAV(pcm, modelRate, 1)); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"language": lang, "model": r.model, "response_format": "json"}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		IsFinal:  true,
		Duration: modelFormat.Duration(len(pcm)),
	}, nil
}

// toModelFormat converts the request audio to 16 kHz mono.
func toModelFormat(req stt.Request) ([]byte, error) {
	rate, ch := req.Format()
	pcm, err := audio.Convert(req.Audio, audio.Format{SampleRate: rate, Channels: ch}, modelFormat)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	return pcm, nil
}
