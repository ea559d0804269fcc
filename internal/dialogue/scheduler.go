package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrSessionGone is returned when the session closed while waiting.
var ErrSessionGone = errors.New("dialogue: session gone")

// DefaultMaxPending bounds sentences per session across synthesis and
// playback.
const DefaultMaxPending = 32

// Rendition is a synthesized sentence ready to be played.
type Rendition struct {
	Media  tts.Media
	Frames [][]byte
}

// RenderFunc synthesizes and encodes one sentence.
type RenderFunc func(ctx context.Context, text string) (Rendition, error)

type sentenceState int

const (
	statePending sentenceState = iota
	stateReady
	stateFailed
)

type pendingSentence struct {
	seq        int64
	text       string
	isFirst    bool
	isLast     bool
	state      sentenceState
	result     Rendition
	processing bool
}

// Scheduler synthesizes a session's sentences concurrently and hands them to
// the pacer strictly in sequence order.
//
// Each Submit takes one of MaxPending slots; the slot is freed once the
// sentence has been played, skipped or discarded. Submit blocks while all
// slots are taken, which slows the model stream instead of dropping text.
//
// The pending map and the delivery cursor are guarded by the session's
// ordering mutex.
type Scheduler struct {
	sess    *session.Session
	pool    *Pool
	pacer   *Pacer
	render  RenderFunc
	metrics *observe.Metrics
	slots   chan struct{}

	pending    map[int64]*pendingSentence
	nextSeq    int64
	nextToSend int64
}

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	Pool       *Pool
	Pacer      *Pacer
	Render     RenderFunc
	MaxPending int
	Metrics    *observe.Metrics
}

// NewScheduler creates the scheduler for one session.
func NewScheduler(sess *session.Session, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		sess:       sess,
		pool:       cfg.Pool,
		pacer:      cfg.Pacer,
		render:     cfg.Render,
		metrics:    cfg.Metrics,
		slots:      make(chan struct{}, cfg.MaxPending),
		pending:    make(map[int64]*pendingSentence),
		nextSeq:    1,
		nextToSend: 1,
	}
}

// Submit queues a sentence for synthesis and returns its sequence number.
// Empty text is not synthesized; it still marks the end of a reply when
// isLast is set.
func (s *Scheduler) Submit(ctx context.Context, text string, isFirst, isLast bool) (int64, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.sess.Context().Done():
		return 0, ErrSessionGone
	}
	s.metrics.PendingSentences.Add(ctx, 1)

	mu := s.sess.OrderingMutex()
	mu.Lock()
	// Checked under the lock so a cancelled turn cannot slip a sentence in
	// after Abort.
	if err := ctx.Err(); err != nil {
		mu.Unlock()
		s.releaseSlot()
		return 0, err
	}
	rec := &pendingSentence{seq: s.nextSeq, text: text, isFirst: isFirst, isLast: isLast}
	s.nextSeq++
	s.pending[rec.seq] = rec
	mu.Unlock()

	if strings.TrimSpace(text) == "" {
		s.complete(rec, Rendition{}, nil)
		return rec.seq, nil
	}
	s.pool.Go(ctx, func(ctx context.Context) {
		r, err := s.render(ctx, text)
		s.complete(rec, r, err)
	})
	return rec.seq, nil
}

// complete records a synthesis result and runs the drain pass.
func (s *Scheduler) complete(rec *pendingSentence, r Rendition, err error) {
	mu := s.sess.OrderingMutex()
	mu.Lock()
	defer mu.Unlock()

	if s.pending[rec.seq] != rec {
		// Aborted while synthesizing.
		if rmErr := r.Media.Remove(); rmErr != nil {
			slog.Warn("dialogue: remove media", "session_id", s.sess.ID(), "err", rmErr)
		}
		s.metrics.RecordSentence(s.sess.Context(), observe.SentenceDiscarded)
		s.releaseSlot()
		return
	}

	switch {
	case err == nil:
		rec.state = stateReady
		rec.result = r
	case rec.isLast:
		// The reply still needs its terminal status.
		slog.Warn("dialogue: synthesis failed", "session_id", s.sess.ID(), "seq", rec.seq, "err", err)
		s.metrics.RecordSentence(s.sess.Context(), observe.SentenceSkipped)
		rec.state = stateReady
		rec.text = ""
		rec.result = Rendition{}
	default:
		slog.Warn("dialogue: synthesis failed, skipping sentence", "session_id", s.sess.ID(), "seq", rec.seq, "err", err)
		s.metrics.RecordSentence(s.sess.Context(), observe.SentenceSkipped)
		rec.state = stateFailed
	}
	s.drainLocked()
}

// drainLocked hands every consecutive ready sentence to the pacer. Must be
// called with the ordering mutex held.
func (s *Scheduler) drainLocked() {
	for {
		rec, ok := s.pending[s.nextToSend]
		if !ok || rec.processing || rec.state == statePending {
			return
		}
		delete(s.pending, s.nextToSend)
		s.nextToSend++

		if rec.state == stateFailed {
			s.releaseSlot()
			continue
		}
		rec.processing = true
		s.pacer.Enqueue(s.sess, &delivery{
			seq:     rec.seq,
			text:    rec.text,
			isFirst: rec.isFirst,
			isLast:  rec.isLast,
			frames:  rec.result.Frames,
			media:   rec.result.Media,
			release: s.releaseSlot,
		})
	}
}

func (s *Scheduler) releaseSlot() {
	select {
	case <-s.slots:
		s.metrics.PendingSentences.Add(context.Background(), -1)
	default:
	}
}

// Abort drops every sentence that has not started playing. Sentences still
// being synthesized are discarded when their synthesis returns. Queued
// playback is purged and the current sentence stops at its next frame.
func (s *Scheduler) Abort() {
	mu := s.sess.OrderingMutex()
	mu.Lock()
	for seq, rec := range s.pending {
		delete(s.pending, seq)
		if rec.state == statePending {
			continue
		}
		if rec.state == stateReady {
			if err := rec.result.Media.Remove(); err != nil {
				slog.Warn("dialogue: remove media", "session_id", s.sess.ID(), "err", err)
			}
			s.metrics.RecordSentence(s.sess.Context(), observe.SentenceDiscarded)
		}
		s.releaseSlot()
	}
	s.nextToSend = s.nextSeq
	mu.Unlock()

	s.pacer.Purge(s.sess)
}

// Pending returns the number of occupied slots.
func (s *Scheduler) Pending() int { return len(s.slots) }

// Close aborts all outstanding work.
func (s *Scheduler) Close() error {
	s.Abort()
	return nil
}
