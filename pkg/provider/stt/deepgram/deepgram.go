// Package deepgram provides a Deepgram-backed [stt.Recognizer] using the
// Deepgram streaming WebSocket API. The utterance is streamed in chunks,
// interim results are forwarded to the request's OnPartial callback and the
// final segments are joined into the returned transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// chunkMs is the amount of audio per binary message.
	chunkMs = 100
)

// Option is a functional option for configuring the Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// Recognizer implements stt.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a new Deepgram Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Recognize streams req.Audio to Deepgram and waits for the server to flush
// its final results after CloseStream.
func (r *Recognizer) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	wsURL, err := r.buildURL(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sendAudio(ctx, conn, req)
	}()

	rate, ch := req.Format()
	result := stt.Transcript{
		IsFinal:  true,
		Duration: audio.Format{SampleRate: rate, Channels: ch}.Duration(len(req.Audio)),
	}
	var finals []string
	var confSum float64

readLoop:
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// The server closes the socket once CloseStream has been processed.
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				break readLoop
			}
			if ctx.Err() != nil {
				return stt.Transcript{}, ctx.Err()
			}
			return stt.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}

		t, kind := parseResponse(msg)
		switch kind {
		case kindMetadata:
			break readLoop
		case kindIgnore:
			continue
		}
		if !t.IsFinal {
			if req.OnPartial != nil && t.Text != "" {
				req.OnPartial(t)
			}
			continue
		}
		if t.Text != "" {
			finals = append(finals, t.Text)
			confSum += t.Confidence
		}
	}

	if err := <-sendErr; err != nil {
		return stt.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "utterance complete")

	result.Text = strings.Join(finals, " ")
	if len(finals) > 0 {
		result.Confidence = confSum / float64(len(finals))
	}
	return result, nil
}

func sendAudio(ctx context.Context, conn *websocket.Conn, req stt.Request) error {
	rate, ch := req.Format()
	chunk := rate * ch * 2 * chunkMs / 1000
	for off := 0; off < len(req.Audio); off += chunk {
		end := min(off+chunk, len(req.Audio))
		if err := conn.Write(ctx, websocket.MessageBinary, req.Audio[off:end]); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the request.
func (r *Recognizer) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = r.language
	}
	rate, ch := req.Format()

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(ch))
	for _, kw := range req.Keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the JSON structure returned by Deepgram for a Results event.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type messageKind int

const (
	kindIgnore messageKind = iota
	kindResults
	kindMetadata
)

// parseResponse classifies a server message. Metadata is the last message
// Deepgram sends after CloseStream.
func parseResponse(data []byte) (stt.Transcript, messageKind) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, kindIgnore
	}
	switch resp.Type {
	case "Metadata":
		return stt.Transcript{}, kindMetadata
	case "Results":
	default:
		return stt.Transcript{}, kindIgnore
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, kindIgnore
	}
	alt := resp.Channel.Alternatives[0]
	return stt.Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, kindResults
}
