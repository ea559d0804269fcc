package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/devices"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/denoise"
	"github.com/MrWong99/parley/pkg/audio/opus"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const conversationKey = "dialogue.conversation"

// Defaults for [Config].
const (
	DefaultMaxToolRounds    = 3
	DefaultSynthesisWorkers = 8
	DefaultPlaybackWorkers  = 64
)

// Utterance triggers, used as the trigger attribute on metrics and spans.
const (
	TriggerVAD      = "vad"
	TriggerManual   = "manual"
	TriggerWakeWord = "wake_word"
	TriggerText     = "text"
)

// Config wires an [Orchestrator]. Registry, Devices, Transcoder and VAD are
// required; Denoiser, Tools and WakeWords are optional.
type Config struct {
	Registry   *session.Registry
	Devices    devices.Lookup
	Providers  Providers
	Transcoder *opus.Transcoder
	Denoiser   *denoise.Reducer
	VAD        *vad.Engine
	Tools      tools.Invoker
	WakeWords  *WakeWords

	SynthesisWorkers int
	PlaybackWorkers  int
	MaxPending       int
	MaxLateFrames    int
	MaxToolRounds    int

	// HistoryTokens is the per-session history budget. Summarise replaces
	// trimmed turns with a model-written summary.
	HistoryTokens int
	Summarise     bool

	MinSentenceLength int
	Apology           string
	Temperature       float64
	MaxTokens         int

	Metrics *observe.Metrics
}

// Orchestrator runs the dialogue for every connected device: inbound audio
// through decoding, noise reduction and voice activity detection, then
// recognition, the language model, sentence segmentation, synthesis and
// paced playback.
//
// Each session is a logical actor. The transport calls HandleAudio
// sequentially per session; every turn runs on its own goroutine.
type Orchestrator struct {
	cfg       Config
	metrics   *observe.Metrics
	synthPool *Pool
	pacer     *Pacer
	vadFormat audio.Format
	turns     sync.WaitGroup
}

// NewOrchestrator validates cfg and registers the session teardown hook.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if cfg.Devices == nil {
		errs = append(errs, errors.New("device lookup is required"))
	}
	if cfg.Transcoder == nil {
		errs = append(errs, errors.New("transcoder is required"))
	}
	if cfg.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	if cfg.SynthesisWorkers <= 0 {
		cfg.SynthesisWorkers = DefaultSynthesisWorkers
	}
	if cfg.PlaybackWorkers <= 0 {
		cfg.PlaybackWorkers = DefaultPlaybackWorkers
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.WakeWords == nil {
		cfg.WakeWords = NewWakeWords()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		synthPool: NewPool(cfg.SynthesisWorkers),
		vadFormat: audio.Format{SampleRate: cfg.VAD.Config().SampleRate, Channels: 1},
	}
	o.pacer = NewPacer(NewPool(cfg.PlaybackWorkers),
		WithMaxLateFrames(cfg.MaxLateFrames),
		WithPacerMetrics(cfg.Metrics),
		WithOnFinished(o.onFinished),
		WithOnLost(o.onLost),
	)
	cfg.Registry.OnClose(o.onSessionClose)
	return o, nil
}

// ─── Per-session state ───────────────────────────────────────────────────────

// conversation is the dialogue state attached to a session.
type conversation struct {
	sess     *session.Session
	profile  devices.Profile
	backends backends
	sink     Sink
	sched    *Scheduler
	history  *History
	wake     *WakeWords

	mu     sync.Mutex
	mode   string
	manual []byte
	turn   uint64
	cancel context.CancelFunc
}

func (c *conversation) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *conversation) setMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// busy reports whether a turn is running or audio is still queued.
func (c *conversation) busy() bool {
	c.mu.Lock()
	running := c.cancel != nil
	c.mu.Unlock()
	return running || c.sched.Pending() > 0
}

// interrupt cancels the running turn and drops its queued audio. It reports
// whether anything was active.
func (c *conversation) interrupt() bool {
	active := c.busy()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.sched.Abort()
	return active
}

// beginTurn interrupts the previous turn and returns the context of a new
// one.
func (c *conversation) beginTurn() (context.Context, uint64, bool) {
	interrupted := c.interrupt()
	ctx, cancel := context.WithCancel(c.sess.Context())
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turn++
	c.cancel = cancel
	return ctx, c.turn, interrupted
}

func (c *conversation) endTurn(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == id && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *conversation) appendManual(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = append(c.manual, pcm...)
}

func (c *conversation) takeManual() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.manual
	c.manual = nil
	return b
}

// Close implements io.Closer; the session calls it on teardown.
func (c *conversation) Close() error {
	c.interrupt()
	return c.sched.Close()
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

// Open creates the session for a new device connection. An existing session
// with the same id is closed first.
func (o *Orchestrator) Open(ctx context.Context, sessionID, deviceID string, params session.AudioParams, sink Sink) (*session.Session, error) {
	profile, err := o.cfg.Devices.Lookup(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: open %s: %w", sessionID, err)
	}
	b, err := o.cfg.Providers.resolve(profile)
	if err != nil {
		return nil, fmt.Errorf("dialogue: open %s: %w", sessionID, err)
	}

	init := func(s *session.Session) {
		s.SetDevice(profile)
		s.SetAudioParams(params)
	}
	sess, created := o.cfg.Registry.GetOrCreate(sessionID, init)
	if !created {
		o.cfg.Registry.Close(sessionID, "replaced")
		sess, _ = o.cfg.Registry.GetOrCreate(sessionID, init)
	}

	o.cfg.Transcoder.Configure(sessionID, sess.AudioParams().Format)
	o.pacer.Bind(sess, sink)

	wake := o.cfg.WakeWords
	if len(profile.WakeWords) > 0 {
		wake = NewWakeWords(profile.WakeWords...)
	}
	var summariser Summariser
	if o.cfg.Summarise {
		summariser = NewLLMSummariser(b.model)
	}
	conv := &conversation{
		sess:     sess,
		profile:  profile,
		backends: b,
		sink:     sink,
		history:  NewHistory(o.cfg.HistoryTokens, summariser),
		wake:     wake,
		mode:     protocol.ModeAuto,
	}
	conv.sched = NewScheduler(sess, SchedulerConfig{
		Pool:       o.synthPool,
		Pacer:      o.pacer,
		Render:     o.render(conv),
		MaxPending: o.cfg.MaxPending,
		Metrics:    o.metrics,
	})
	sess.Attach(conversationKey, conv)
	o.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("dialogue: session opened",
		"session_id", sessionID,
		"device_id", deviceID,
		"llm", b.llmName,
		"stt", b.sttName,
		"tts", b.ttsName,
	)
	return sess, nil
}

// Close tears the session down: registry entry, decoder, noise profile,
// pending sentences and their media.
func (o *Orchestrator) Close(sessionID string) bool {
	return o.cfg.Registry.Close(sessionID, session.ReasonDisconnect)
}

// Wait blocks until every running turn, synthesis and playback task has
// returned. Close the sessions first or Wait may block indefinitely.
func (o *Orchestrator) Wait() {
	o.turns.Wait()
	o.synthPool.Wait()
	o.pacer.pool.Wait()
}

// dropClosed releases decoder and noise state that a frame racing the
// session's close re-created after the close hook ran. A replacement session
// under the same id keeps its state.
func (o *Orchestrator) dropClosed(sess *session.Session) error {
	if cur, err := o.cfg.Registry.Get(sess.ID()); err != nil || cur == sess {
		o.cfg.Transcoder.Release(sess.ID())
		if o.cfg.Denoiser != nil {
			o.cfg.Denoiser.Cleanup(sess.ID())
		}
	}
	return fmt.Errorf("dialogue: session %s: %w", sess.ID(), session.ErrClosed)
}

func (o *Orchestrator) onSessionClose(sess *session.Session, reason string) {
	o.cfg.Transcoder.Release(sess.ID())
	if o.cfg.Denoiser != nil {
		o.cfg.Denoiser.Cleanup(sess.ID())
	}
	if _, ok := sess.Attachment(conversationKey); ok {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("dialogue: session closed", "session_id", sess.ID(), "reason", reason,
		"duration", time.Since(sess.CreatedAt()).Round(time.Millisecond))
}

func (o *Orchestrator) lookup(sessionID string) (*session.Session, *conversation, error) {
	sess, err := o.cfg.Registry.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	v, ok := sess.Attachment(conversationKey)
	if !ok {
		return nil, nil, fmt.Errorf("dialogue: session %s: %w", sessionID, session.ErrClosed)
	}
	return sess, v.(*conversation), nil
}

// Hello applies the audio parameters proposed by the device and returns the
// reply carrying the effective ones.
func (o *Orchestrator) Hello(_ context.Context, sessionID string, p protocol.AudioParams) (protocol.Outbound, error) {
	sess, _, err := o.lookup(sessionID)
	if err != nil {
		return protocol.Outbound{}, err
	}
	channels := p.Channels
	if channels == 0 && p.SampleRate > 0 {
		channels = 1
	}
	sess.SetAudioParams(session.AudioParams{
		Codec:   p.Format,
		Format:  audio.Format{SampleRate: p.SampleRate, Channels: channels},
		FrameMs: p.FrameDuration,
	})
	got := sess.AudioParams()
	o.cfg.Transcoder.Configure(sessionID, got.Format)
	sess.Touch()

	reply := protocol.HelloReply(protocol.AudioParams{
		Format:        got.Codec,
		SampleRate:    got.Format.SampleRate,
		Channels:      got.Format.Channels,
		FrameDuration: got.FrameMs,
	})
	reply.SessionID = sessionID
	return reply, nil
}

// ─── Inbound events ──────────────────────────────────────────────────────────

// HandleAudio processes one inbound frame. Frames are ignored while the
// session is not listening. Decode failures are returned as a wrapped
// *opus.CodecError and leave the session usable.
func (o *Orchestrator) HandleAudio(ctx context.Context, sessionID string, frame []byte) error {
	sess, conv, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if !sess.Listening() {
		return nil
	}

	pcm, err := o.cfg.Transcoder.Decode(sessionID, frame)
	if err != nil {
		var ce *opus.CodecError
		if errors.As(err, &ce) {
			o.metrics.CodecErrors.Add(ctx, 1)
		}
		return fmt.Errorf("dialogue: decode: %w", err)
	}
	if f := sess.AudioParams().Format; f != o.vadFormat {
		if pcm, err = audio.Convert(pcm, f, o.vadFormat); err != nil {
			return fmt.Errorf("dialogue: convert input: %w", err)
		}
	}
	if o.cfg.Denoiser != nil {
		pcm = o.cfg.Denoiser.Process(sessionID, pcm)
	}
	if sess.Closed() {
		return o.dropClosed(sess)
	}

	res, err := o.cfg.VAD.Process(sess, pcm)
	if err != nil {
		return fmt.Errorf("dialogue: vad: %w", err)
	}
	if sess.Closed() {
		return o.dropClosed(sess)
	}

	switch res.Event {
	case vad.EventSpeechStart:
		sess.Touch()
		sess.SetStreamingRecognition(true)
		slog.Debug("dialogue: speech started", "session_id", sessionID)
		if conv.Mode() == protocol.ModeRealtime && conv.busy() {
			o.stopReply(ctx, conv)
		}
	case vad.EventSpeechEnd:
		sess.Touch()
		sess.SetStreamingRecognition(false)
		slog.Debug("dialogue: speech ended", "session_id", sessionID, "bytes", len(res.Utterance))
		switch conv.Mode() {
		case protocol.ModeManual:
			conv.appendManual(res.Utterance)
		case protocol.ModeRealtime:
			o.startTurn(conv, turnInput{audio: res.Utterance, trigger: TriggerVAD})
		default:
			sess.SetListening(false)
			o.startTurn(conv, turnInput{audio: res.Utterance, trigger: TriggerVAD})
		}
	}
	return nil
}

// Listen handles a listen message. start opens the microphone, stop closes
// it and answers whatever was said, and detect carries wake word text
// recognized on the device.
func (o *Orchestrator) Listen(ctx context.Context, sessionID, state, mode, text string) error {
	sess, conv, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Touch()

	switch state {
	case protocol.ListenStart:
		if mode != "" {
			conv.setMode(mode)
		}
		if conv.Mode() == protocol.ModeManual {
			conv.takeManual()
			o.cfg.VAD.Reset(sess)
		}
		sess.SetListening(true)
	case protocol.ListenStop:
		sess.SetListening(false)
		utterance := append(conv.takeManual(), o.cfg.VAD.ForceEnd(sess)...)
		sess.SetStreamingRecognition(false)
		if len(utterance) > 0 {
			o.startTurn(conv, turnInput{audio: utterance, trigger: TriggerManual})
		}
	case protocol.ListenDetect:
		o.detect(conv, text)
	default:
		return fmt.Errorf("dialogue: listen: unknown state %q", state)
	}
	return nil
}

func (o *Orchestrator) detect(conv *conversation, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	word, ok := conv.wake.Match(text)
	if !ok {
		o.startTurn(conv, turnInput{text: text, trigger: TriggerText})
		return
	}
	slog.Info("dialogue: wake word detected", "session_id", conv.sess.ID(), "word", word, "text", text)
	conv.sess.SetListening(false)
	o.startTurn(conv, turnInput{text: text, speak: conv.profile.Greeting, trigger: TriggerWakeWord})
}

// Abort interrupts the current reply: the turn context is cancelled, pending
// sentences are dropped without waiting for their synthesis, playback stops
// and the device receives tts stop.
func (o *Orchestrator) Abort(ctx context.Context, sessionID, reason string) error {
	sess, conv, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.Touch()
	slog.Info("dialogue: abort", "session_id", sessionID, "reason", reason)
	o.stopReply(ctx, conv)
	return nil
}

func (o *Orchestrator) stopReply(ctx context.Context, conv *conversation) {
	conv.interrupt()
	if err := conv.sink.SendMessage(ctx, protocol.TTS(protocol.TTSStop, "")); err != nil {
		slog.Warn("dialogue: send tts stop", "session_id", conv.sess.ID(), "err", err)
	}
}

func (o *Orchestrator) onFinished(sess *session.Session) {
	v, ok := sess.Attachment(conversationKey)
	if !ok {
		return
	}
	if v.(*conversation).Mode() == protocol.ModeAuto {
		sess.SetListening(true)
	}
}

func (o *Orchestrator) onLost(sess *session.Session) {
	v, ok := sess.Attachment(conversationKey)
	if !ok {
		return
	}
	v.(*conversation).interrupt()
}

// ─── Turns ───────────────────────────────────────────────────────────────────

type turnInput struct {
	audio   []byte
	text    string
	speak   string // fixed reply instead of asking the model
	trigger string
}

func (o *Orchestrator) startTurn(conv *conversation, in turnInput) {
	ctx, id, interrupted := conv.beginTurn()
	if interrupted {
		if err := conv.sink.SendMessage(ctx, protocol.TTS(protocol.TTSStop, "")); err != nil {
			slog.Warn("dialogue: send tts stop", "session_id", conv.sess.ID(), "err", err)
		}
	}
	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		defer conv.endTurn(id)
		o.runTurn(ctx, conv, in)
	}()
}

func (o *Orchestrator) runTurn(ctx context.Context, conv *conversation, in turnInput) {
	ctx = observe.WithSessionID(ctx, conv.sess.ID())
	ctx, span := observe.StartSpan(ctx, "dialogue.turn", attribute.String("trigger", in.trigger))
	defer span.End()
	log := observe.Logger(ctx).With("trigger", in.trigger)
	sub := &submitter{o: o, conv: conv, ctx: ctx, started: time.Now()}

	text := in.text
	if in.audio != nil {
		var err error
		if text, err = o.recognize(ctx, conv, in.audio); err != nil {
			if ctx.Err() != nil {
				return
			}
			span.SetStatus(codes.Error, err.Error())
			log.Warn("dialogue: recognition failed, dropping utterance", "err", err)
			o.resumeListening(conv)
			return
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("dialogue: nothing recognized")
		o.resumeListening(conv)
		return
	}

	conv.sess.Touch()
	o.metrics.RecordUtterance(ctx, in.trigger)
	if err := conv.sink.SendMessage(ctx, protocol.STT(protocol.STTFinal, text)); err != nil {
		log.Warn("dialogue: send stt final", "err", err)
	}
	log.Info("dialogue: user said", "text", text)

	if in.speak != "" {
		o.speak(ctx, conv, sub, text, in.speak)
		return
	}
	if err := o.respond(ctx, conv, sub, text); err != nil && ctx.Err() == nil {
		span.SetStatus(codes.Error, err.Error())
		log.Warn("dialogue: reply failed", "err", err)
	}
}

func (o *Orchestrator) newSegmenter() *Segmenter {
	return NewSegmenter(WithMinLength(o.cfg.MinSentenceLength), WithApology(o.cfg.Apology))
}

// resumeListening reopens the microphone after a turn that produced no
// reply. Manual sessions wait for the next explicit start.
func (o *Orchestrator) resumeListening(conv *conversation) {
	if conv.Mode() == protocol.ModeAuto {
		conv.sess.SetListening(true)
	}
}

// speak plays a fixed reply without consulting the model.
func (o *Orchestrator) speak(ctx context.Context, conv *conversation, sub *submitter, heard, reply string) {
	seg := o.newSegmenter()
	for _, s := range seg.Push(reply) {
		if err := sub.submit(s); err != nil {
			return
		}
	}
	if err := sub.submit(seg.Finish()); err != nil {
		return
	}
	if err := conv.history.Add(ctx,
		llm.Message{Role: llm.RoleUser, Content: heard},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	); err != nil {
		slog.Warn("dialogue: history", "session_id", conv.sess.ID(), "err", err)
	}
}

// respond streams the model reply into the scheduler, running tool rounds
// in between.
func (o *Orchestrator) respond(ctx context.Context, conv *conversation, sub *submitter, text string) error {
	if err := conv.history.Add(ctx, llm.Message{Role: llm.RoleUser, Content: text}); err != nil {
		slog.Warn("dialogue: history", "session_id", conv.sess.ID(), "err", err)
	}

	seg := o.newSegmenter()
	var final string
	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			SystemPrompt: conv.profile.SystemPrompt,
			Messages:     conv.history.Messages(),
			Temperature:  o.cfg.Temperature,
			MaxTokens:    o.cfg.MaxTokens,
		}
		toolsAllowed := o.cfg.Tools != nil && round < o.cfg.MaxToolRounds
		if toolsAllowed {
			req.Tools = o.cfg.Tools.Tools()
		}

		calls, replyText, err := o.stream(ctx, conv, req, seg, sub)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSessionGone) {
				return err
			}
			if subErr := sub.submit(seg.Fail()); subErr != nil {
				return errors.Join(err, subErr)
			}
			return err
		}
		if len(calls) == 0 || !toolsAllowed {
			final = replyText
			break
		}

		msgs := []llm.Message{{Role: llm.RoleAssistant, Content: replyText, ToolCalls: calls}}
		msgs = append(msgs, o.runTools(ctx, conv, calls)...)
		if err := conv.history.Add(ctx, msgs...); err != nil {
			slog.Warn("dialogue: history", "session_id", conv.sess.ID(), "err", err)
		}
	}

	if err := sub.submit(seg.Finish()); err != nil {
		return err
	}
	if final != "" {
		if err := conv.history.Add(ctx, llm.Message{Role: llm.RoleAssistant, Content: final}); err != nil {
			slog.Warn("dialogue: history", "session_id", conv.sess.ID(), "err", err)
		}
	}
	return nil
}

// stream runs one completion request, pushing text through the segmenter as
// it arrives. It returns the tool calls of the terminal chunk and the text
// of this round.
func (o *Orchestrator) stream(ctx context.Context, conv *conversation, req llm.CompletionRequest, seg *Segmenter, sub *submitter) ([]llm.ToolCall, string, error) {
	name := conv.backends.llmName
	ctx, span := observe.StartSpan(ctx, "llm.stream",
		attribute.String("provider", name),
		attribute.Int("tools", len(req.Tools)),
	)
	defer span.End()

	start := time.Now()
	ch, err := conv.backends.model.StreamCompletion(ctx, req)
	if err != nil {
		o.providerFailed(ctx, span, name, "llm", err)
		return nil, "", fmt.Errorf("dialogue: start completion: %w", err)
	}
	defer audio.Drain(ch)

	var (
		text  strings.Builder
		calls []llm.ToolCall
		first = true
	)
	for chunk := range ch {
		if chunk.Text != "" {
			if first {
				first = false
				o.metrics.LLMFirstTokenDuration.Record(ctx, time.Since(start).Seconds(),
					metric.WithAttributes(observe.Attr("provider", name)))
			}
			text.WriteString(chunk.Text)
			for _, s := range seg.Push(chunk.Text) {
				if err := sub.submit(s); err != nil {
					return nil, "", err
				}
			}
		}
		switch chunk.FinishReason {
		case llm.FinishError:
			err := chunk.Err
			if err == nil {
				err = errors.New("stream ended with error")
			}
			o.providerFailed(ctx, span, name, "llm", err)
			return nil, "", fmt.Errorf("dialogue: stream: %w", err)
		case llm.FinishToolCalls:
			calls = chunk.ToolCalls
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	o.metrics.RecordProviderRequest(ctx, name, "llm", "ok")
	return calls, text.String(), nil
}

func (o *Orchestrator) runTools(ctx context.Context, conv *conversation, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		tctx, span := observe.StartSpan(ctx, "tool.invoke", attribute.String("tool", call.Name))
		start := time.Now()
		res, err := o.cfg.Tools.Invoke(tctx, call.Name, call.Arguments)
		o.metrics.ToolExecutionDuration.Record(tctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", call.Name)))

		content, status := res.Content, "ok"
		switch {
		case err != nil:
			content, status = "error: "+err.Error(), "error"
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("dialogue: tool failed", "session_id", conv.sess.ID(), "tool", call.Name, "err", err)
		case res.IsError:
			status = "tool_error"
		}
		o.metrics.RecordToolCall(tctx, call.Name, status)
		span.End()

		out = append(out, llm.Message{Role: llm.RoleTool, Name: call.Name, Content: content, ToolCallID: call.ID})
	}
	return out
}

func (o *Orchestrator) recognize(ctx context.Context, conv *conversation, pcm []byte) (string, error) {
	name := conv.backends.sttName
	ctx, span := observe.StartSpan(ctx, "stt.recognize",
		attribute.String("provider", name),
		attribute.Int("bytes", len(pcm)),
	)
	defer span.End()

	start := time.Now()
	tr, err := conv.backends.recognizer.Recognize(ctx, stt.Request{
		Audio:      pcm,
		SampleRate: o.vadFormat.SampleRate,
		Channels:   1,
		Language:   conv.profile.Language,
		Keywords:   conv.wake.Words(),
		OnPartial: func(t stt.Transcript) {
			if t.Text == "" {
				return
			}
			if err := conv.sink.SendMessage(ctx, protocol.STT(protocol.STTInterim, t.Text)); err != nil {
				slog.Debug("dialogue: send stt interim", "session_id", conv.sess.ID(), "err", err)
			}
		},
	})
	o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("provider", name)))
	if err != nil {
		o.providerFailed(ctx, span, name, "stt", err)
		return "", fmt.Errorf("dialogue: recognize: %w", err)
	}
	o.metrics.RecordProviderRequest(ctx, name, "stt", "ok")
	return tr.Text, nil
}

// render returns the synthesis callback of a session's scheduler.
func (o *Orchestrator) render(conv *conversation) RenderFunc {
	return func(ctx context.Context, text string) (Rendition, error) {
		name := conv.backends.ttsName
		ctx, span := observe.StartSpan(ctx, "tts.synthesize", attribute.String("provider", name))
		defer span.End()

		start := time.Now()
		media, err := conv.backends.synth.Synthesize(ctx, text, conv.profile.Voice)
		o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(observe.Attr("provider", name)))
		if err != nil {
			o.providerFailed(ctx, span, name, "tts", err)
			return Rendition{}, fmt.Errorf("dialogue: synthesize: %w", err)
		}
		o.metrics.RecordProviderRequest(ctx, name, "tts", "ok")

		frames, err := o.encode(conv.sess, media.Format, media.ReadPCM)
		if err != nil {
			if rmErr := media.Remove(); rmErr != nil {
				slog.Warn("dialogue: remove media", "path", media.Path, "err", rmErr)
			}
			return Rendition{}, err
		}
		return Rendition{Media: media, Frames: frames}, nil
	}
}

// encode converts synthesized PCM to the session's output format and splits
// it into codec frames.
func (o *Orchestrator) encode(sess *session.Session, from audio.Format, read func() ([]byte, error)) ([][]byte, error) {
	pcm, err := read()
	if err != nil {
		return nil, err
	}
	params := sess.AudioParams()
	if from != params.Format {
		if pcm, err = audio.Convert(pcm, from, params.Format); err != nil {
			return nil, fmt.Errorf("dialogue: convert output: %w", err)
		}
	}
	frames, err := o.cfg.Transcoder.Encode(pcm, params.Format, params.FrameMs)
	if err != nil {
		return nil, fmt.Errorf("dialogue: encode: %w", err)
	}
	return frames, nil
}

func (o *Orchestrator) providerFailed(ctx context.Context, span trace.Span, name, kind string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		return
	}
	o.metrics.RecordProviderRequest(ctx, name, kind, "error")
	o.metrics.RecordProviderError(ctx, name, kind)
}

// ─── Submission ──────────────────────────────────────────────────────────────

// submitter cleans segments for speech and hands them to the scheduler.
// The first emoji of a reply is sent to the device as an emotion.
type submitter struct {
	o       *Orchestrator
	conv    *conversation
	ctx     context.Context
	started time.Time
	sent    bool
	emoted  bool
}

func (s *submitter) submit(seg Segment) error {
	cleaned := CleanForSpeech(seg.Text)
	if cleaned.Emoji != 0 && !s.emoted {
		s.emoted = true
		if err := s.conv.sink.SendMessage(s.ctx, protocol.Emotion(cleaned.Emotion, string(cleaned.Emoji))); err != nil {
			slog.Debug("dialogue: send emotion", "session_id", s.conv.sess.ID(), "err", err)
		}
	}
	if cleaned.Speech == "" && !seg.IsLast {
		return nil
	}
	if !s.sent {
		s.sent = true
		s.o.metrics.TurnDuration.Record(s.ctx, time.Since(s.started).Seconds())
	}
	_, err := s.conv.sched.Submit(s.ctx, cleaned.Speech, seg.IsFirst, seg.IsLast)
	return err
}
