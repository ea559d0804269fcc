package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotFound is returned when a session ID is not registered.
	ErrNotFound = errors.New("session: not found")

	// ErrClosed is returned by operations on a session that has been closed.
	ErrClosed = errors.New("session: closed")
)

const (
	// DefaultIdleTimeout is how long a session may go without Touch.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultSweepInterval is how often Run checks for idle sessions.
	DefaultSweepInterval = 10 * time.Second
)

// Close reasons passed to OnClose hooks.
const (
	ReasonClosed     = "closed"
	ReasonIdle       = "idle"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Registry is the single owner of all live sessions.
type Registry struct {
	sessions sync.Map // id -> *Session
	count    atomic.Int64

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	parent        context.Context

	hooksMu sync.RWMutex
	onClose []func(s *Session, reason string)
}

// Option is a functional option for [Registry].
type Option func(*Registry)

// WithIdleTimeout sets the inactivity timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithSweepInterval sets the idle check cadence of Run.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		parent:        context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnClose registers a hook that runs before a session's attachments are
// closed. Hooks run synchronously on the goroutine that closes the session.
func (r *Registry) OnClose(fn func(s *Session, reason string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// GetOrCreate returns the session for id, creating it atomically if it does
// not exist. created reports whether this call created it.
//
// init, if non-nil, runs on a candidate session before it is published. When
// two callers race, the losing candidate is discarded and never visible.
func (r *Registry) GetOrCreate(id string, init func(*Session)) (s *Session, created bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Session), false
	}
	fresh := newSession(r.parent, id, r.now)
	if init != nil {
		init(fresh)
	}
	v, loaded := r.sessions.LoadOrStore(id, fresh)
	if loaded {
		fresh.cancel()
		return v.(*Session), false
	}
	r.count.Add(1)
	slog.Debug("session: created", "session_id", id)
	return fresh, true
}

// Get returns the session for id or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Session), nil
}

// Touch records activity on the session with the given id.
func (r *Registry) Touch(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.Closed() {
		return ErrClosed
	}
	s.Touch()
	return nil
}

// Close removes and tears down the session. It reports whether the session
// existed. Concurrent calls for the same id close it exactly once.
func (r *Registry) Close(id, reason string) bool {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	r.count.Add(-1)
	s := v.(*Session)
	s.markClosed()

	r.hooksMu.RLock()
	hooks := append([]func(*Session, string){}, r.onClose...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(s, reason)
	}
	s.release()
	slog.Debug("session: closed", "session_id", id, "reason", reason)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return int(r.count.Load()) }

// Range calls fn for each live session until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	r.sessions.Range(func(_, v any) bool { return fn(v.(*Session)) })
}

// Sweep closes every session whose last activity is older than now minus the
// idle timeout and returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTimeout)
	var idle []string
	r.Range(func(s *Session) bool {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s.ID())
		}
		return true
	})
	n := 0
	for _, id := range idle {
		if r.Close(id, ReasonIdle) {
			n++
		}
	}
	if n > 0 {
		slog.Info("session: swept idle sessions", "count", n)
	}
	return n
}

// Run sweeps idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(r.now())
		}
	}
}

// CloseAll closes every session. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	var ids []string
	r.Range(func(s *Session) bool {
		ids = append(ids, s.ID())
		return true
	})
	for _, id := range ids {
		r.Close(id, reason)
	}
}
