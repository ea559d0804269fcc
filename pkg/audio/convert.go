package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Convert converts PCM from one format to another. If the formats already
// match, pcm is returned unchanged. Resampling runs before channel
// conversion when downmixing and after it when upmixing, so the resampler
// always sees the smaller channel count.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: convert: invalid format %+v -> %+v", from, to)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: convert: odd PCM length %d", len(pcm))
	}
	if from == to {
		return pcm, nil
	}

	out := pcm
	channels := from.Channels
	if channels == 2 && to.Channels == 1 {
		out = StereoToMono(out)
		channels = 1
	}
	if from.SampleRate != to.SampleRate {
		var err error
		out, err = Resample(out, channels, from.SampleRate, to.SampleRate)
		if err != nil {
			return nil, err
		}
	}
	if channels == 1 && to.Channels == 2 {
		out = MonoToStereo(out)
	}
	return out, nil
}

// Resample converts interleaved PCM between sample rates with a high quality
// polyphase resampler.
func Resample(pcm []byte, channels, srcRate, dstRate int) ([]byte, error) {
	if srcRate == dstRate || len(pcm) == 0 {
		return pcm, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	samples := Int16s(pcm)
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s) / 32768.0
	}
	res, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d->%d: %w", srcRate, dstRate, err)
	}

	out := make([]int16, len(res)-len(res)%channels)
	for i := range out {
		out[i] = clamp16(res[i] * 32767.0)
	}
	return Bytes(out), nil
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
