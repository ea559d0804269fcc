// Package mock provides a test double for [stt.Recognizer].
//
// Example:
//
//	r := &mock.Recognizer{
//	    Partials: []stt.Transcript{{Text: "hel"}},
//	    Result:   stt.Transcript{Text: "hello", IsFinal: true},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	// Req is the request with Audio copied.
	Req stt.Request
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Partials are passed to Request.OnPartial, in order, before returning.
	Partials []stt.Transcript

	// Result is returned by every call.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error.
	Err error

	// Block, if non-nil, makes Recognize wait until the channel is closed or
	// the context is cancelled.
	Block chan struct{}

	// Calls records every call to Recognize.
	Calls []RecognizeCall
}

// Recognize records the call, emits Partials and returns Result, Err.
func (r *Recognizer) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	r.mu.Lock()
	cp := req
	cp.Audio = append([]byte(nil), req.Audio...)
	r.Calls = append(r.Calls, RecognizeCall{Req: cp})
	partials, result, err, block := r.Partials, r.Result, r.Err, r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if req.OnPartial != nil {
		for _, p := range partials {
			req.OnPartial(p)
		}
	}
	return result, err
}

// CallCount returns the number of Recognize calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
