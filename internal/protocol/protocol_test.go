package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("hello", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse([]byte(`{"type":"hello","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`))
		if err != nil {
			t.Fatal(err)
		}
		h, ok := msg.(*Hello)
		if !ok {
			t.Fatalf("got %T, want *Hello", msg)
		}
		want := AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}
		if h.AudioParams != want {
			t.Errorf("params = %+v", h.AudioParams)
		}
	})

	t.Run("listen", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse([]byte(`{"type":"listen","state":"detect","mode":"auto","text":"hey parley"}`))
		if err != nil {
			t.Fatal(err)
		}
		l := msg.(*Listen)
		if l.State != ListenDetect || l.Mode != ModeAuto || l.Text != "hey parley" {
			t.Errorf("listen = %+v", l)
		}
	})

	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse([]byte(`{"type":"abort","reason":"wake_word_detected"}`))
		if err != nil {
			t.Fatal(err)
		}
		if a := msg.(*Abort); a.Reason != "wake_word_detected" {
			t.Errorf("reason = %q", a.Reason)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		if _, err := Parse([]byte(`{"type":"iot"}`)); !errors.Is(err, ErrUnknownType) {
			t.Errorf("err = %v, want ErrUnknownType", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		if _, err := Parse([]byte(`{"type":`)); err == nil {
			t.Error("expected error")
		}
	})
}

func TestOutboundJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Outbound
		want string
	}{
		{name: "tts stop", msg: TTS(TTSStop, ""), want: `{"type":"tts","state":"stop"}`},
		{name: "stt final", msg: STT(STTFinal, "hi"), want: `{"type":"stt","state":"final","text":"hi"}`},
		{name: "emotion", msg: Emotion("happy", "😊"), want: `{"type":"llm","text":"😊","emotion":"happy"}`},
		{
			name: "hello",
			msg:  HelloReply(AudioParams{Format: "opus", SampleRate: 24000, Channels: 1, FrameDuration: 60}),
			want: `{"type":"hello","transport":"websocket","audio_params":{"format":"opus","sample_rate":24000,"channels":1,"frame_duration":60}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s\nwant %s", got, tt.want)
			}
		})
	}
}
