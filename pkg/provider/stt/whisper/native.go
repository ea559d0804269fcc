// This file contains the NativeRecognizer backed by the whisper.cpp CGO
// bindings. libwhisper.a and whisper.h must be available at link time via
// LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Recognizer = (*NativeRecognizer)(nil)

// NativeRecognizer runs whisper.cpp in process. The model is loaded once and
// shared; every Recognize call gets its own whisper context.
type NativeRecognizer struct {
	model    whisperlib.Model
	language string
	slots    *semaphore.Weighted
}

// NativeOption is a functional option for [NativeRecognizer].
type NativeOption func(*NativeRecognizer)

// WithNativeLanguage sets the default language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(r *NativeRecognizer) { r.language = lang }
}

// WithNativeConcurrency caps concurrent inferences. Each inference holds a
// full whisper context in memory. Defaults to 2.
func WithNativeConcurrency(n int) NativeOption {
	return func(r *NativeRecognizer) {
		if n > 0 {
			r.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewNative loads the model at modelPath. Call Close when done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &NativeRecognizer{
		model:    model,
		language: defaultLanguage,
		slots:    semaphore.NewWeighted(2),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the whisper model.
func (r *NativeRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Recognize transcribes the utterance with a fresh whisper context.
func (r *NativeRecognizer) Recognize(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	pcm, err := toModelFormat(req)
	if err != nil {
		return stt.Transcript{}, err
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	defer r.slots.Release(1)

	lang := req.Language
	if lang == "" {
		lang = r.language
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(audio.Float32s(pcm), nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return stt.Transcript{
		Text:     strings.Join(parts, " "),
		IsFinal:  true,
		Duration: modelFormat.Duration(len(pcm)),
	}, nil
}
