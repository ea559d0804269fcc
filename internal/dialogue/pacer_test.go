package dialogue

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// fakeClock advances only when slept on or when the sink sends a frame.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte('a' + i)}
	}
	return out
}

func TestPacer_DriftCorrectedSchedule(t *testing.T) {
	t.Parallel()

	_, sess := newTestSession(t)
	clock := newFakeClock()
	// Each send takes 10ms; the pacer should only sleep the remainder.
	sink := &fakeSink{onAudio: func() { clock.Advance(10 * time.Millisecond) }}
	finished := make(chan struct{})
	p := NewPacer(NewPool(1),
		WithPacerClock(clock.Now, clock.Sleep),
		WithOnFinished(func(*session.Session) { close(finished) }),
	)
	p.Bind(sess, sink)
	p.Enqueue(sess, &delivery{seq: 1, text: "hi", isFirst: true, isLast: true, frames: frames(5)})

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("playback never finished")
	}

	want := []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	if got := clock.Sleeps(); !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if got := len(sink.filter("audio:")); got != 5 {
		t.Errorf("frames sent = %d, want 5", got)
	}
}

func TestPacer_SkipsLateFrames(t *testing.T) {
	t.Parallel()

	_, sess := newTestSession(t)
	clock := newFakeClock()
	sink := &fakeSink{onAudio: func() { clock.Advance(200 * time.Millisecond) }}
	finished := make(chan struct{})
	p := NewPacer(NewPool(1),
		WithPacerClock(clock.Now, clock.Sleep),
		WithMaxLateFrames(1),
		WithOnFinished(func(*session.Session) { close(finished) }),
	)
	p.Bind(sess, sink)
	p.Enqueue(sess, &delivery{seq: 1, isFirst: true, isLast: true, text: "x", frames: frames(5)})

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("playback never finished")
	}
	// Frame 0 at 0ms, then the clock is at 200ms: frames 1 and 2 are more
	// than one frame late, frame 3 (due 180ms) is sent, frame 4 is late.
	want := []string{"audio:a", "audio:d"}
	if got := sink.filter("audio:"); !slices.Equal(got, want) {
		t.Errorf("audio = %v, want %v", got, want)
	}
}

func TestPacer_TurnStatusMessages(t *testing.T) {
	t.Parallel()

	_, sess := newTestSession(t)
	sink := &fakeSink{}
	var finishes atomic.Int32
	p := NewPacer(NewPool(1),
		WithPacerClock(time.Now, noSleep),
		WithOnFinished(func(*session.Session) { finishes.Add(1) }),
	)
	p.Bind(sess, sink)
	p.Enqueue(sess, &delivery{seq: 1, text: "A.", isFirst: true, frames: frames(1)})
	p.Enqueue(sess, &delivery{seq: 2, text: "B.", isLast: true, frames: frames(1)})
	waitFor(t, "first turn", func() bool { return finishes.Load() == 1 })

	p.Enqueue(sess, &delivery{seq: 3, text: "C.", isFirst: true, isLast: true, frames: frames(1)})
	waitFor(t, "second turn", func() bool { return finishes.Load() == 2 })

	want := []string{
		"tts:start", "tts:sentence_start:A.", "audio:a", "tts:sentence_end:A.",
		"tts:sentence_start:B.", "audio:a", "tts:sentence_end:B.", "tts:stop",
		"tts:start", "tts:sentence_start:C.", "audio:a", "tts:sentence_end:C.", "tts:stop",
	}
	if got := sink.Events(); !slices.Equal(got, want) {
		t.Errorf("events =\n%v\nwant\n%v", got, want)
	}
}

func TestPacer_LostDevicePurgesQueue(t *testing.T) {
	t.Parallel()

	_, sess := newTestSession(t)
	dir := t.TempDir()
	sink := &fakeSink{killAfterFrames: 2}
	lost := make(chan struct{})
	var released atomic.Int32
	p := NewPacer(NewPool(1),
		WithPacerClock(time.Now, noSleep),
		WithOnLost(func(*session.Session) { close(lost) }),
	)
	p.Bind(sess, sink)

	for i := range 3 {
		m, err := tts.WriteMedia(dir, []byte{1, 2}, audio.DeviceFormat)
		if err != nil {
			t.Fatal(err)
		}
		p.Enqueue(sess, &delivery{
			seq:     int64(i + 1),
			text:    "s",
			isFirst: i == 0,
			isLast:  i == 2,
			frames:  frames(4),
			media:   m,
			release: func() { released.Add(1) },
		})
	}

	select {
	case <-lost:
	case <-time.After(3 * time.Second):
		t.Fatal("lost callback never fired")
	}
	if got := len(sink.filter("audio:")); got != 2 {
		t.Errorf("frames sent = %d, want 2", got)
	}
	if p.Queued(sess) != 0 {
		t.Errorf("Queued = %d, want 0", p.Queued(sess))
	}
	waitFor(t, "slots released", func() bool { return released.Load() == 3 })
	waitFor(t, "media cleanup", dirEmpty(t, dir))
}

func TestPacer_PurgeStopsCurrentSentence(t *testing.T) {
	t.Parallel()

	_, sess := newTestSession(t)
	sink := &fakeSink{}
	gate := make(chan struct{})
	var once sync.Once
	sink.onAudio = func() { once.Do(func() { <-gate }) }
	p := NewPacer(NewPool(1), WithPacerClock(time.Now, noSleep))
	p.Bind(sess, sink)

	d := &delivery{seq: 1, text: "long", isFirst: true, frames: frames(10)}
	p.Enqueue(sess, d)
	p.Enqueue(sess, &delivery{seq: 2, text: "next", isLast: true, frames: frames(1)})
	waitFor(t, "first frame", func() bool { return len(sink.filter("audio:")) == 1 })

	p.Purge(sess)
	close(gate)
	waitFor(t, "loop idle", func() bool {
		q := p.queue(sess)
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running
	})

	if got := len(sink.filter("audio:")); got != 1 {
		t.Errorf("frames sent = %d, want 1", got)
	}
	if sink.has("tts:sentence_end:long") || sink.has("tts:sentence_start:next") {
		t.Errorf("unexpected events after purge: %v", sink.Events())
	}
}
