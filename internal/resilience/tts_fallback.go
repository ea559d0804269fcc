package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with failover across several TTS
// backends. The voice is passed unchanged, so fallbacks should accept the
// same voice identifiers or ignore unknown ones.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Group exposes the underlying group for health reporting.
func (f *TTSFallback) Group() *FallbackGroup[tts.Synthesizer] { return f.group }

// Synthesize implements [tts.Synthesizer].
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Media, error) {
	return ExecuteWithResult(ctx, f.group, func(s tts.Synthesizer) (tts.Media, error) {
		return s.Synthesize(ctx, text, voice)
	})
}
