package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func sine(n, rate int, freq float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestMonoToStereo(t *testing.T) {
	got := audio.Int16s(audio.MonoToStereo(audio.Bytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	got := audio.Int16s(audio.StereoToMono(audio.Bytes([]int16{100, 200, -100, -200, 32767, 32767})))
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConvert_SameFormat(t *testing.T) {
	pcm := audio.Bytes([]int16{1, 2, 3})
	out, err := audio.Convert(pcm, audio.DeviceFormat, audio.DeviceFormat)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if &out[0] != &pcm[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestConvert_OddLength(t *testing.T) {
	if _, err := audio.Convert([]byte{1, 2, 3}, audio.DeviceFormat, audio.Format{SampleRate: 24000, Channels: 1}); err == nil {
		t.Fatal("expected error for odd PCM length")
	}
}

func TestConvert_InvalidFormat(t *testing.T) {
	if _, err := audio.Convert(nil, audio.Format{}, audio.DeviceFormat); err == nil {
		t.Fatal("expected error for zero format")
	}
}

func TestConvert_Downsample(t *testing.T) {
	src := audio.Format{SampleRate: 24000, Channels: 1}
	pcm := audio.Bytes(sine(24000, 24000, 440))

	out, err := audio.Convert(pcm, src, audio.DeviceFormat)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	got := audio.DeviceFormat.Duration(len(out))
	if got < 900*time.Millisecond || got > 1100*time.Millisecond {
		t.Errorf("duration after resample = %v, want ~1s", got)
	}
}

func TestConvert_StereoToMonoResample(t *testing.T) {
	src := audio.Format{SampleRate: 48000, Channels: 2}
	mono := sine(4800, 48000, 300)
	pcm := audio.MonoToStereo(audio.Bytes(mono))

	out, err := audio.Convert(pcm, src, audio.DeviceFormat)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(out)%2 != 0 {
		t.Fatalf("odd output length %d", len(out))
	}
	got := audio.DeviceFormat.Duration(len(out))
	if got < 80*time.Millisecond || got > 120*time.Millisecond {
		t.Errorf("duration = %v, want ~100ms", got)
	}
}

func TestFormat_Duration(t *testing.T) {
	if got := audio.DeviceFormat.Duration(32000); got != time.Second {
		t.Errorf("Duration(32000) = %v, want 1s", got)
	}
	if got := audio.DeviceFormat.FrameSamples(60); got != 960 {
		t.Errorf("FrameSamples(60) = %d, want 960", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []int16{0, 16384, -16384, 32767, -32768}
	out := audio.Int16s(audio.FromFloat32s(audio.Float32s(audio.Bytes(in))))
	for i := range in {
		if d := int(in[i]) - int(out[i]); d > 2 || d < -2 {
			t.Errorf("sample %d: got %d, want ~%d", i, out[i], in[i])
		}
	}
}
