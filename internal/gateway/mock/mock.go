// Package mock provides a test double for [gateway.Dialogue].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
)

// Call records one method invocation. Fields not used by the method are
// empty.
type Call struct {
	Method    string
	SessionID string
	DeviceID  string
	State     string
	Mode      string
	Text      string
	Frame     []byte
	Params    protocol.AudioParams
}

// Dialogue keeps real sessions in its own registry so the gateway can watch
// their lifetime. Errors set on the struct are returned by the matching
// method.
type Dialogue struct {
	mu    sync.Mutex
	calls []Call
	sinks map[string]dialogue.Sink

	Registry *session.Registry

	OpenErr   error
	AudioErr  error
	ListenErr error
}

var _ gateway.Dialogue = (*Dialogue)(nil)

// New returns a Dialogue with an empty registry.
func New() *Dialogue {
	return &Dialogue{Registry: session.NewRegistry(), sinks: make(map[string]dialogue.Sink)}
}

func (d *Dialogue) record(c Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
}

// Open implements [gateway.Dialogue].
func (d *Dialogue) Open(_ context.Context, sessionID, deviceID string, params session.AudioParams, sink dialogue.Sink) (*session.Session, error) {
	d.record(Call{Method: "Open", SessionID: sessionID, DeviceID: deviceID})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	sess, _ := d.Registry.GetOrCreate(sessionID, func(s *session.Session) { s.SetAudioParams(params) })
	d.mu.Lock()
	d.sinks[sessionID] = sink
	d.mu.Unlock()
	return sess, nil
}

// Hello implements [gateway.Dialogue] by echoing the proposed parameters.
func (d *Dialogue) Hello(_ context.Context, sessionID string, p protocol.AudioParams) (protocol.Outbound, error) {
	d.record(Call{Method: "Hello", SessionID: sessionID, Params: p})
	return protocol.HelloReply(p), nil
}

// HandleAudio implements [gateway.Dialogue].
func (d *Dialogue) HandleAudio(_ context.Context, sessionID string, frame []byte) error {
	d.record(Call{Method: "HandleAudio", SessionID: sessionID, Frame: append([]byte(nil), frame...)})
	return d.AudioErr
}

// Listen implements [gateway.Dialogue].
func (d *Dialogue) Listen(_ context.Context, sessionID, state, mode, text string) error {
	d.record(Call{Method: "Listen", SessionID: sessionID, State: state, Mode: mode, Text: text})
	return d.ListenErr
}

// Abort implements [gateway.Dialogue].
func (d *Dialogue) Abort(_ context.Context, sessionID, reason string) error {
	d.record(Call{Method: "Abort", SessionID: sessionID, Text: reason})
	return nil
}

// Close implements [gateway.Dialogue].
func (d *Dialogue) Close(sessionID string) bool {
	d.record(Call{Method: "Close", SessionID: sessionID})
	return d.Registry.Close(sessionID, session.ReasonDisconnect)
}

// Sink returns the sink passed to Open for sessionID.
func (d *Dialogue) Sink(sessionID string) dialogue.Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sinks[sessionID]
}

// Calls returns the invocations of method, or all of them when method is
// empty.
func (d *Dialogue) Calls(method string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls.
func (d *Dialogue) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}
