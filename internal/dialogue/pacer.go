package dialogue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const playbackKey = "dialogue.playback"

// delivery is one ready sentence waiting for playback.
type delivery struct {
	seq     int64
	text    string
	isFirst bool
	isLast  bool
	frames  [][]byte
	media   tts.Media

	discarded atomic.Bool
	release   func()
	once      sync.Once
}

// finish deletes the media and frees the pending slot. Safe to call more
// than once.
func (d *delivery) finish() {
	d.once.Do(func() {
		if err := d.media.Remove(); err != nil {
			slog.Warn("dialogue: remove media", "path", d.media.Path, "err", err)
		}
		if d.release != nil {
			d.release()
		}
	})
}

// playQueue is the per-session FIFO of deliveries.
type playQueue struct {
	mu      sync.Mutex
	sink    Sink
	tasks   []*delivery
	current *delivery
	running bool
	inTurn  bool
}

// purge discards everything queued and the sentence playing now.
func (q *playQueue) purge() []*delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	q.inTurn = false
	if q.current != nil {
		q.current.discarded.Store(true)
	}
	return tasks
}

// Close deletes the media of every queued sentence.
func (q *playQueue) Close() error {
	for _, d := range q.purge() {
		d.finish()
	}
	return nil
}

// Pacer plays deliveries to devices at real-time cadence.
//
// Each sentence takes its start time once; frame i is written at
// start + i*frameDuration, so scheduling errors do not accumulate. The sink
// is checked before every frame. When it is gone the session's queue is
// purged and the lost callback fires.
type Pacer struct {
	pool       *Pool
	metrics    *observe.Metrics
	maxLate    int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	onFinished func(*session.Session)
	onLost     func(*session.Session)
}

// PacerOption configures a [Pacer].
type PacerOption func(*Pacer)

// WithMaxLateFrames skips frames that are more than n frame durations
// behind schedule. Zero disables skipping.
func WithMaxLateFrames(n int) PacerOption {
	return func(p *Pacer) { p.maxLate = max(n, 0) }
}

// WithPacerClock overrides the time source and sleep function.
func WithPacerClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) PacerOption {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// WithPacerMetrics sets the metrics sink.
func WithPacerMetrics(m *observe.Metrics) PacerOption {
	return func(p *Pacer) { p.metrics = m }
}

// WithOnFinished registers a callback that runs after the last sentence of
// a reply has been played.
func WithOnFinished(fn func(*session.Session)) PacerOption {
	return func(p *Pacer) { p.onFinished = fn }
}

// WithOnLost registers a callback that runs when playback stops because the
// device went away.
func WithOnLost(fn func(*session.Session)) PacerOption {
	return func(p *Pacer) { p.onLost = fn }
}

// NewPacer returns a Pacer that runs playback loops on pool.
func NewPacer(pool *Pool, opts ...PacerOption) *Pacer {
	p := &Pacer{
		pool:       pool,
		metrics:    observe.DefaultMetrics(),
		now:        time.Now,
		sleep:      sleepCtx,
		onFinished: func(*session.Session) {},
		onLost:     func(*session.Session) {},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pacer) queue(sess *session.Session) *playQueue {
	return session.Attached(sess, playbackKey, func() *playQueue { return &playQueue{} })
}

// Bind sets the sink that receives the session's audio.
func (p *Pacer) Bind(sess *session.Session, sink Sink) {
	q := p.queue(sess)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sink = sink
}

// Enqueue appends a delivery and starts the session's playback loop if it is
// not running.
func (p *Pacer) Enqueue(sess *session.Session, d *delivery) {
	q := p.queue(sess)
	q.mu.Lock()
	q.tasks = append(q.tasks, d)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		p.pool.Go(sess.Context(), func(ctx context.Context) { p.loop(ctx, sess, q) })
	}
}

// Purge discards the session's queued sentences and stops the sentence that
// is playing at its next frame.
func (p *Pacer) Purge(sess *session.Session) {
	v, ok := sess.Attachment(playbackKey)
	if !ok {
		return
	}
	for _, d := range v.(*playQueue).purge() {
		p.metrics.RecordSentence(sess.Context(), observe.SentenceDiscarded)
		d.finish()
	}
}

// Queued returns the number of sentences waiting for playback.
func (p *Pacer) Queued(sess *session.Session) int {
	v, ok := sess.Attachment(playbackKey)
	if !ok {
		return 0
	}
	q := v.(*playQueue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (p *Pacer) loop(ctx context.Context, sess *session.Session, q *playQueue) {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.current = nil
			q.mu.Unlock()
			return
		}
		d := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.current = d
		sink := q.sink
		q.mu.Unlock()

		if lost := p.play(ctx, sess, q, sink, d); lost {
			p.lose(sess, q)
			return
		}
	}
}

// play sends one sentence. It reports whether the device was lost.
func (p *Pacer) play(ctx context.Context, sess *session.Session, q *playQueue, sink Sink, d *delivery) (lost bool) {
	defer d.finish()
	log := slog.With("session_id", sess.ID(), "seq", d.seq)

	if d.discarded.Load() {
		p.metrics.RecordSentence(ctx, observe.SentenceDiscarded)
		return false
	}
	if sink == nil || !sink.Alive() || ctx.Err() != nil {
		return true
	}

	send := func(msg protocol.Outbound) bool {
		if err := sink.SendMessage(ctx, msg); err != nil {
			log.Warn("dialogue: send status failed", "state", msg.State, "err", err)
			return false
		}
		return true
	}

	q.mu.Lock()
	startTurn := !q.inTurn
	q.inTurn = true
	q.mu.Unlock()
	if startTurn && !send(protocol.TTS(protocol.TTSStart, "")) {
		return true
	}

	if d.text != "" || len(d.frames) > 0 {
		if !send(protocol.TTS(protocol.TTSSentenceStart, d.text)) {
			return true
		}
		frameDur := time.Duration(sess.AudioParams().FrameMs) * time.Millisecond
		start := p.now()
		for i, f := range d.frames {
			if d.discarded.Load() {
				p.metrics.RecordSentence(ctx, observe.SentenceDiscarded)
				return false
			}
			if !sink.Alive() || ctx.Err() != nil {
				return true
			}
			wait := start.Add(time.Duration(i) * frameDur).Sub(p.now())
			if wait > 0 {
				if err := p.sleep(ctx, wait); err != nil {
					return true
				}
			} else if p.maxLate > 0 && -wait > time.Duration(p.maxLate)*frameDur {
				p.metrics.LateFrames.Add(ctx, 1)
				continue
			}
			if err := sink.SendAudio(ctx, f); err != nil {
				log.Warn("dialogue: send audio failed", "frame", i, "err", err)
				return true
			}
			p.metrics.FramesSent.Add(ctx, 1)
		}
		if !send(protocol.TTS(protocol.TTSSentenceEnd, d.text)) {
			return true
		}
	}
	p.metrics.RecordSentence(ctx, observe.SentenceDelivered)

	if d.isLast {
		q.mu.Lock()
		q.inTurn = false
		q.mu.Unlock()
		if !send(protocol.TTS(protocol.TTSStop, "")) {
			return true
		}
		p.onFinished(sess)
	}
	return false
}

func (p *Pacer) lose(sess *session.Session, q *playQueue) {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.running = false
	q.inTurn = false
	q.current = nil
	q.mu.Unlock()

	for _, d := range tasks {
		p.metrics.RecordSentence(sess.Context(), observe.SentenceDiscarded)
		d.finish()
	}
	slog.Info("dialogue: playback stopped, device gone", "session_id", sess.ID(), "purged", len(tasks))
	p.onLost(sess)
}
