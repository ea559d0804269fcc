package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// STTFallback implements [stt.Recognizer] with failover across several STT
// backends. Partial transcripts of a failed attempt may already have
// reached req.OnPartial; the next backend starts its own sequence.
type STTFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var _ stt.Recognizer = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT backend.
func (f *STTFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// Group exposes the underlying group for health reporting.
func (f *STTFallback) Group() *FallbackGroup[stt.Recognizer] { return f.group }

// Recognize implements [stt.Recognizer].
func (f *STTFallback) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(r stt.Recognizer) (stt.Transcript, error) {
		return r.Recognize(ctx, req)
	})
}
