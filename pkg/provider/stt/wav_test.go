package stt_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

func TestEncodeWAV_Header(t *testing.T) {
	pcm := make([]byte, 320)
	wav := stt.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q %q %q", wav[0:4], wav[8:12], wav[36:40])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 320 {
		t.Errorf("data size = %d, want 320", got)
	}
}

func TestRequest_FormatDefaults(t *testing.T) {
	rate, ch := stt.Request{}.Format()
	if rate != 16000 || ch != 1 {
		t.Errorf("Format() = %d,%d, want 16000,1", rate, ch)
	}
	rate, ch = stt.Request{SampleRate: 48000, Channels: 2}.Format()
	if rate != 48000 || ch != 2 {
		t.Errorf("Format() = %d,%d, want 48000,2", rate, ch)
	}
}
