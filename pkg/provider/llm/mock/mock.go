// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the dialogue pipeline
// sends and to feed controlled streams without a live backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Rounds: [][]llm.Chunk{
//	        {{FinishReason: llm.FinishToolCalls, ToolCalls: []llm.ToolCall{{ID: "1", Name: "clock"}}}},
//	        {{Text: "It is noon."}, {FinishReason: llm.FinishStop}},
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Rounds holds one chunk sequence per call. Call n receives Rounds[n];
	// calls past the end receive StreamChunks.
	Rounds [][]llm.Chunk

	// StreamChunks is emitted when Rounds is exhausted.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// ChunkDelay is slept before each chunk is sent.
	ChunkDelay time.Duration

	// StreamCalls records every call to StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and emits the configured chunks on a
// channel that is closed afterwards or when ctx is cancelled.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.StreamChunks
	if n < len(p.Rounds) {
		chunks = p.Rounds[n]
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
