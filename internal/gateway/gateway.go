// Package gateway accepts device WebSocket connections and feeds them into
// the dialogue pipeline.
//
// Each connection is one session. Binary frames carry Opus audio and are
// handed to the pipeline in arrival order; text frames carry the JSON
// control messages of package protocol. The connection's write side is the
// session's [dialogue.Sink].
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// Request headers and query parameters identifying a connection.
const (
	HeaderDeviceID  = "Device-Id"
	HeaderSessionID = "Session-Id"
	QueryDeviceID   = "device_id"
)

// Defaults for [Server].
const (
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMaxMessageBytes = 64 << 10
	DefaultFrameRate       = 100
	DefaultFrameBurst      = 200
)

// Dialogue is the pipeline a [Server] drives. It is implemented by
// *dialogue.Orchestrator.
type Dialogue interface {
	Open(ctx context.Context, sessionID, deviceID string, params session.AudioParams, sink dialogue.Sink) (*session.Session, error)
	Hello(ctx context.Context, sessionID string, p protocol.AudioParams) (protocol.Outbound, error)
	HandleAudio(ctx context.Context, sessionID string, frame []byte) error
	Listen(ctx context.Context, sessionID, state, mode, text string) error
	Abort(ctx context.Context, sessionID, reason string) error
	Close(sessionID string) bool
}

var _ Dialogue = (*dialogue.Orchestrator)(nil)

// Server is an http.Handler that upgrades device connections.
type Server struct {
	d Dialogue

	writeTimeout time.Duration
	maxMessage   int64
	frameRate    rate.Limit
	frameBurst   int
	origins      []string
	params       session.AudioParams

	active atomic.Int64
}

// Option configures a [Server].
type Option func(*Server)

// WithWriteTimeout bounds every frame write. A write that times out marks
// the connection dead.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithMaxMessageBytes sets the read limit for a single inbound message.
func WithMaxMessageBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMessage = n
		}
	}
}

// WithFrameRate limits inbound audio frames per connection. Frames over
// the limit are dropped.
func WithFrameRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.frameRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.frameBurst = burst
		}
	}
}

// WithAudioParams sets the audio format a session uses until its device
// sends a hello.
func WithAudioParams(p session.AudioParams) Option {
	return func(s *Server) { s.params = p }
}

// WithOriginPatterns restricts browser origins allowed to connect. Devices
// send no Origin header and are unaffected.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, patterns...)
	}
}

// New returns a Server driving d.
func New(d Dialogue, opts ...Option) *Server {
	s := &Server{
		d:            d,
		writeTimeout: DefaultWriteTimeout,
		maxMessage:   DefaultMaxMessageBytes,
		frameRate:    DefaultFrameRate,
		frameBurst:   DefaultFrameBurst,
		params:       session.DefaultAudioParams,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connections returns the number of open device connections.
func (s *Server) Connections() int { return int(s.active.Load()) }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get(HeaderDeviceID)
	if deviceID == "" {
		deviceID = r.URL.Query().Get(QueryDeviceID)
	}
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("gateway: accept failed", "device_id", deviceID, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(s.maxMessage)

	s.active.Add(1)
	defer s.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, sessionID, s.writeTimeout)
	defer c.kill()

	sess, err := s.d.Open(ctx, sessionID, deviceID, s.params, c)
	if err != nil {
		slog.Warn("gateway: open session failed", "session_id", sessionID, "device_id", deviceID, "err", err)
		ws.Close(websocket.StatusPolicyViolation, "session rejected")
		return
	}
	log := slog.With("session_id", sessionID, "device_id", deviceID)
	log.Info("gateway: device connected", "remote", r.RemoteAddr)

	// The session can end without the device hanging up: idle sweep,
	// replacement by a newer connection or shutdown.
	go func() {
		select {
		case <-sess.Context().Done():
			c.kill()
			ws.Close(websocket.StatusGoingAway, "session closed")
		case <-ctx.Done():
		}
	}()

	s.readLoop(ctx, ws, c, sessionID, log)

	if !sess.Closed() {
		s.d.Close(sessionID)
	}
	log.Info("gateway: device disconnected")
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *conn, sessionID string, log *slog.Logger) {
	limiter := rate.NewLimiter(s.frameRate, s.frameBurst)
	var dropped int
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
				log.Debug("gateway: closed by peer", "status", status)
			case ctx.Err() != nil:
			default:
				log.Warn("gateway: read failed", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if !limiter.Allow() {
				dropped++
				if dropped == 1 || dropped%100 == 0 {
					log.Warn("gateway: audio frames over rate limit dropped", "dropped", dropped)
				}
				continue
			}
			if err := s.d.HandleAudio(ctx, sessionID, data); err != nil {
				if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrClosed) {
					return
				}
				var ce *opus.CodecError
				if errors.As(err, &ce) {
					log.Debug("gateway: frame dropped", "err", err)
					continue
				}
				log.Warn("gateway: audio", "err", err)
			}
		case websocket.MessageText:
			if err := s.dispatch(ctx, c, sessionID, data); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					return
				}
				log.Warn("gateway: control message", "err", err)
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, sessionID string, data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *protocol.Hello:
		reply, err := s.d.Hello(ctx, sessionID, m.AudioParams)
		if err != nil {
			return err
		}
		return c.SendMessage(ctx, reply)
	case *protocol.Listen:
		return s.d.Listen(ctx, sessionID, m.State, m.Mode, m.Text)
	case *protocol.Abort:
		return s.d.Abort(ctx, sessionID, m.Reason)
	}
	return nil
}
