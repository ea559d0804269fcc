// Package vad segments a session's microphone stream into utterances.
//
// The [Engine] runs a two-state machine (idle, speaking) over fixed-size
// analysis windows. Each window is scored by a pluggable speech probability
// model and checked against an adaptive energy gate. Onset needs several
// speech windows in a row; offset needs enough accumulated silence, with a
// hard cap measured from the last confirmed speech window. Audio from just
// before onset is kept in a bounded pre-buffer so the start of the first
// word is not lost.
//
// Time is measured in samples, not wall clock, so the engine behaves the
// same regardless of how frames are batched on the wire.
package vad

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	provider "github.com/MrWong99/parley/pkg/provider/vad"
)

const stateKey = "vad.state"

// Event is the outcome of a Process call.
type Event int

const (
	// EventNone means the session is idle.
	EventNone Event = iota
	// EventSpeechStart means an onset was confirmed during this call.
	EventSpeechStart
	// EventSpeechContinue means the session is speaking.
	EventSpeechContinue
	// EventSpeechEnd means an utterance ended; Result.Utterance holds it.
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Result is returned by [Engine.Process].
type Result struct {
	Event Event

	// Utterance is the post-processed PCM of a finished utterance. Only set
	// with EventSpeechEnd.
	Utterance []byte

	// Probability is the score of the last analysed window.
	Probability float64
}

// Engine runs voice activity detection for many sessions. Per-session state
// lives on the session as an attachment and is only touched while holding
// the session's audio mutex.
type Engine struct {
	cfg    Config
	models provider.Engine
}

// New creates an Engine using models to score windows.
func New(cfg Config, models provider.Engine) *Engine {
	return &Engine{cfg: cfg.withDefaults(), models: models}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Process appends 16-bit mono PCM for the session and analyses every complete
// window. Leftover bytes are kept for the next call. Processing stops after
// an utterance ends so the next call starts from idle; windows behind the
// end stay buffered and open that call.
func (e *Engine) Process(sess *session.Session, pcm []byte) (Result, error) {
	mu := sess.AudioMutex()
	mu.Lock()
	defer mu.Unlock()

	st, err := e.state(sess)
	if err != nil {
		return Result{}, err
	}

	st.pending = append(st.pending, pcm...)
	windowBytes := e.cfg.WindowSamples * 2
	res := Result{Event: EventNone}
	if st.speaking {
		res.Event = EventSpeechContinue
	}

	for len(st.pending) >= windowBytes {
		window := st.pending[:windowBytes:windowBytes]
		st.pending = st.pending[windowBytes:]

		ev, p, ok := e.step(sess.ID(), st, window)
		if !ok {
			continue
		}
		res.Probability = p
		switch ev {
		case EventSpeechStart:
			res.Event = EventSpeechStart
		case EventSpeechContinue:
			if res.Event != EventSpeechStart {
				res.Event = EventSpeechContinue
			}
		case EventSpeechEnd:
			res.Event = EventSpeechEnd
			rest := st.pending
			res.Utterance = e.finish(st)
			if len(rest) > 0 {
				st.pending = rest
			}
			return res, nil
		}
	}
	if len(st.pending) == 0 {
		st.pending = nil
	}
	return res, nil
}

// ForceEnd finishes the utterance in progress and returns it. It returns nil
// when the session is not speaking.
func (e *Engine) ForceEnd(sess *session.Session) []byte {
	mu := sess.AudioMutex()
	mu.Lock()
	defer mu.Unlock()

	v, ok := sess.Attachment(stateKey)
	if !ok {
		return nil
	}
	st := v.(*State)
	if !st.speaking {
		return nil
	}
	st.main = append(st.main, st.pending...)
	slog.Debug("vad: forced end", "session_id", sess.ID(), "bytes", len(st.main))
	return e.finish(st)
}

// Reset returns the session to idle and drops all buffered audio.
func (e *Engine) Reset(sess *session.Session) {
	mu := sess.AudioMutex()
	mu.Lock()
	defer mu.Unlock()

	if v, ok := sess.Attachment(stateKey); ok {
		v.(*State).reset()
	}
}

// Speaking reports whether the session is inside an utterance.
func (e *Engine) Speaking(sess *session.Session) bool {
	mu := sess.AudioMutex()
	mu.Lock()
	defer mu.Unlock()

	v, ok := sess.Attachment(stateKey)
	return ok && v.(*State).speaking
}

func (e *Engine) state(sess *session.Session) (*State, error) {
	if v, ok := sess.Attachment(stateKey); ok {
		return v.(*State), nil
	}
	m, err := e.models.NewModel(provider.Config{SampleRate: e.cfg.SampleRate, WindowSamples: e.cfg.WindowSamples})
	if err != nil {
		return nil, fmt.Errorf("vad: create model: %w", err)
	}
	st := &State{model: m, preCap: e.cfg.PreBufferBytes}
	sess.Attach(stateKey, st)
	// A session closed meanwhile has already closed the new state.
	if err := sess.Err(); err != nil {
		return nil, fmt.Errorf("vad: session %s: %w", sess.ID(), err)
	}
	return st, nil
}

// step analyses one window. ok is false when the window was dropped.
func (e *Engine) step(sessionID string, st *State, window []byte) (ev Event, p float64, ok bool) {
	samples := audio.Int16s(window)
	energy := meanAbs(samples) / 32767

	p, err := st.model.Probability(audio.Float32s(window))
	if err != nil {
		slog.Warn("vad: window dropped", "session_id", sessionID, "err", err)
		return EventNone, 0, false
	}

	st.window++
	if st.speaking {
		st.main = append(st.main, window...)
	} else {
		st.appendPre(window)
	}
	if !st.seeded {
		st.avgEnergy = energy
		st.seeded = true
	} else {
		st.avgEnergy = 0.95*st.avgEnergy + 0.05*energy
	}
	st.probs = append(st.probs, p)
	if len(st.probs) > probabilityHistory {
		st.probs = st.probs[len(st.probs)-probabilityHistory:]
	}

	significant := e.cfg.DisableEnergyGate ||
		(energy > st.avgEnergy*1.5 && energy > e.cfg.EnergyThreshold)

	if !st.speaking {
		if p >= e.cfg.SpeechThreshold && significant {
			st.consecutive++
		} else {
			st.consecutive = 0
		}
		if st.consecutive < e.cfg.RequiredConsecutiveFrames {
			return EventNone, p, true
		}
		st.speaking = true
		st.main = st.drainPre()
		st.lastSpeech = st.window
		st.silence = 0
		slog.Debug("vad: speech start", "session_id", sessionID, "probability", p, "energy", energy)
		return EventSpeechStart, p, true
	}

	switch {
	case p >= e.cfg.SpeechThreshold:
		st.lastSpeech = st.window
		st.silence = 0
	case p < e.cfg.SilenceThreshold():
		st.silence++
	}

	windowMs := e.cfg.WindowMs()
	if float64(st.silence)*windowMs >= float64(e.cfg.MinSilenceMs) {
		slog.Debug("vad: speech end", "session_id", sessionID, "silence_windows", st.silence)
		return EventSpeechEnd, p, true
	}
	if float64(st.window-st.lastSpeech)*windowMs > float64(e.cfg.MaxSilenceMs) {
		slog.Debug("vad: speech force-ended", "session_id", sessionID, "since_speech_windows", st.window-st.lastSpeech)
		return EventSpeechEnd, p, true
	}
	return EventSpeechContinue, p, true
}

// finish post-processes the main buffer and resets the state.
func (e *Engine) finish(st *State) []byte {
	out := trimUtterance(st.main, e.cfg.TrimPaddingSamples, e.cfg.MinUtteranceSamples)
	st.reset()
	return out
}

// trimUtterance cuts leading and trailing audio quieter than twice the
// average amplitude, keeping padding samples on each side. If the trimmed
// result is shorter than minSamples the input is returned unchanged.
func trimUtterance(pcm []byte, padding, minSamples int) []byte {
	samples := audio.Int16s(pcm)
	if len(samples) == 0 {
		return pcm
	}
	threshold := 2 * meanAbs(samples)
	first, last := -1, -1
	for i, s := range samples {
		if math.Abs(float64(s)) > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return pcm
	}
	start := max(0, first-padding)
	end := min(len(samples), last+padding+1)
	if end-start < minSamples {
		return pcm
	}
	return append([]byte(nil), pcm[start*2:end*2]...)
}

func meanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}
