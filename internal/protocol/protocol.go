// Package protocol defines the JSON control messages exchanged with
// devices over the WebSocket connection. Audio travels as binary frames and
// is not modelled here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Parse for messages with an unrecognised type.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message types.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
	TypeLLM    = "llm"
)

// Listen states and modes.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"

	ModeAuto     = "auto"
	ModeManual   = "manual"
	ModeRealtime = "realtime"
)

// STT states.
const (
	STTInterim = "interim"
	STTFinal   = "final"
)

// TTS states.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSSentenceEnd   = "sentence_end"
	TTSStop          = "stop"
)

// AudioParams is the audio format negotiated in hello.
type AudioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

// Hello opens the conversation and proposes audio parameters.
type Hello struct {
	AudioParams AudioParams `json:"audio_params"`
}

// Listen changes the listening state.
type Listen struct {
	State string `json:"state"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Abort interrupts the current reply.
type Abort struct {
	Reason string `json:"reason,omitempty"`
}

// Parse decodes an inbound text frame into *Hello, *Listen or *Abort.
func Parse(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	var msg any
	switch head.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeListen:
		msg = &Listen{}
	case TypeAbort:
		msg = &Abort{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", head.Type, err)
	}
	return msg, nil
}

// ─── Outbound ────────────────────────────────────────────────────────────────

// Outbound is a server-to-device message. SessionID is filled in by the
// transport.
type Outbound struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	State       string       `json:"state,omitempty"`
	Text        string       `json:"text,omitempty"`
	Emotion     string       `json:"emotion,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// HelloReply answers a device hello.
func HelloReply(p AudioParams) Outbound {
	return Outbound{Type: TypeHello, Transport: "websocket", AudioParams: &p}
}

// STT reports recognized text.
func STT(state, text string) Outbound {
	return Outbound{Type: TypeSTT, State: state, Text: text}
}

// TTS reports playback progress.
func TTS(state, text string) Outbound {
	return Outbound{Type: TypeTTS, State: state, Text: text}
}

// Emotion tells the device which expression to show.
func Emotion(emotion, emoji string) Outbound {
	return Outbound{Type: TypeLLM, Emotion: emotion, Text: emoji}
}
