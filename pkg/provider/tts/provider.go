// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A Synthesizer turns one sentence into audio and returns a [Media] handle
// to a temporary file holding the PCM. Whoever consumes the media owns the
// file and must call Remove once it has been played or discarded.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Voice selects how a sentence is spoken.
type Voice struct {
	// ID is the backend-specific voice identifier.
	ID string

	// Language is an optional BCP-47 hint.
	Language string

	// Speed is a playback rate multiplier. Zero means backend default.
	Speed float64
}

// Media is a synthesized sentence stored as raw PCM on disk.
type Media struct {
	Path   string
	Format audio.Format
	Bytes  int
}

// Duration returns the playback length of the media.
func (m Media) Duration() time.Duration {
	return m.Format.Duration(m.Bytes)
}

// ReadPCM loads the media contents.
func (m Media) ReadPCM() ([]byte, error) {
	b, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("tts: read media: %w", err)
	}
	return b, nil
}

// Remove deletes the backing file. Removing an already removed or empty
// handle is not an error.
func (m Media) Remove() error {
	if m.Path == "" {
		return nil
	}
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tts: remove media: %w", err)
	}
	return nil
}

// WriteMedia stores pcm in a new temporary file under dir. An empty dir uses
// the system temp directory.
func WriteMedia(dir string, pcm []byte, f audio.Format) (Media, error) {
	file, err := os.CreateTemp(dir, "tts-*.pcm")
	if err != nil {
		return Media{}, fmt.Errorf("tts: create media file: %w", err)
	}
	if _, err := file.Write(pcm); err != nil {
		file.Close()
		os.Remove(file.Name())
		return Media{}, fmt.Errorf("tts: write media file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return Media{}, fmt.Errorf("tts: close media file: %w", err)
	}
	return Media{Path: file.Name(), Format: f, Bytes: len(pcm)}, nil
}

// Synthesizer is implemented by every TTS backend. Implementations must be
// safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (Media, error)
}
