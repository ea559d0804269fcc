package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// errEmptyStream is reported when a backend closes its stream without
// sending a single chunk.
var errEmptyStream = errors.New("resilience: llm stream closed without output")

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends.
//
// A stream whose first chunk is already a FinishError counts as a failed
// request and the next backend is tried. Once a backend has produced output
// the stream belongs to the caller; later errors arrive as the usual
// terminal chunk.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Group exposes the underlying group for health reporting.
func (f *LLMFallback) Group() *FallbackGroup[llm.Provider] { return f.group }

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		first, ok := <-ch
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errEmptyStream
		}
		if first.FinishReason == llm.FinishError && first.Text == "" {
			go audio.Drain(ch)
			if first.Err != nil {
				return nil, first.Err
			}
			return nil, errors.New("resilience: llm stream failed before output")
		}

		out := make(chan llm.Chunk)
		go forward(ctx, first, ch, out)
		return out, nil
	})
}

func forward(ctx context.Context, first llm.Chunk, in <-chan llm.Chunk, out chan<- llm.Chunk) {
	defer close(out)
	defer audio.Drain(in)
	c, ok := first, true
	for ok {
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
		c, ok = <-in
	}
}
