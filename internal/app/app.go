// Package app wires all parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves devices until the context is cancelled, and
// Shutdown drains sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithTools, WithListener, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/devices"
	"github.com/MrWong99/parley/internal/devices/postgres"
	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/gateway"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/tools/mcphost"
	"github.com/MrWong99/parley/internal/vad"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/denoise"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// DefaultDrainTimeout bounds how long Run waits for in-flight HTTP requests
// once its context is cancelled.
const DefaultDrainTimeout = 10 * time.Second

// App owns all subsystem lifetimes and runs the parley voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	registry *session.Registry
	lookup   devices.Lookup
	known    *devices.Static
	fallback *devices.Static
	store    *postgres.Store
	tools    tools.Invoker
	wake     *dialogue.WakeWords
	orch     *dialogue.Orchestrator
	gateway  *gateway.Server
	health   *health.Handler
	server   *http.Server
	listener net.Listener
	watcher  *config.Watcher

	watchPath     string
	watchInterval time.Duration

	draining atomic.Bool
	addr     chan net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	httpOnce sync.Once
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices injects a device lookup instead of building one from config.
// Hot reload then leaves device profiles untouched.
func WithDevices(l devices.Lookup) Option {
	return func(a *App) { a.lookup = l }
}

// WithTools injects a tool invoker instead of creating an MCP host.
func WithTools(t tools.Invoker) Option {
	return func(a *App) { a.tools = t }
}

// WithMetrics injects metric instruments instead of the global defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLogLevel lets Reload adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch polls path and applies changes through Reload while Run
// is active. A zero interval uses [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go via [BuildProviders]; the App closes them on Shutdown, or
// right away when New fails. Use Option functions to inject test doubles for
// any subsystem.
//
// New performs all initialisation synchronously: device store connection,
// MCP server registration, audio pipeline construction and orchestrator
// assembly. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a vad provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		addr:      make(chan net.Addr, 1),
		closers:   []func() error{providers.Close},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session registry ──────────────────────────────────────────────
	a.registry = session.NewRegistry(
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithSweepInterval(cfg.Session.SweepInterval),
	)

	// ── 2. Device profiles ───────────────────────────────────────────────
	if err := a.initDevices(ctx); err != nil {
		a.closeAll(context.Background())
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 3. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.closeAll(context.Background())
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Dialogue pipeline ─────────────────────────────────────────────
	if err := a.initDialogue(); err != nil {
		a.closeAll(context.Background())
		return nil, fmt.Errorf("app: init dialogue: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.Reload, config.WithInterval(a.watchInterval))
		if err != nil {
			a.closeAll(context.Background())
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDevices builds the profile lookup: static profiles first, then the
// Postgres store when configured, then the default profile for unknown
// devices when allowed.
func (a *App) initDevices(ctx context.Context) error {
	if a.lookup != nil {
		return nil
	}
	dc := a.cfg.Devices
	def := dc.Default.Profile()

	a.known = devices.NewStatic(def, false, dc.StaticProfiles()...)
	a.fallback = devices.NewStatic(def, dc.AllowUnknown)
	chain := devices.Chain{a.known}

	if dc.PostgresDSN != "" {
		store, err := postgres.Open(ctx, dc.PostgresDSN, def)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		chain = append(chain, store)
		slog.Info("device profile store connected")
	}

	a.lookup = append(chain, a.fallback)
	slog.Info("device profiles loaded", "static", a.known.Len(), "allow_unknown", dc.AllowUnknown)
	return nil
}

// initTools sets up the MCP host and registers the configured servers.
// A server that fails to register is logged and skipped.
func (a *App) initTools(ctx context.Context) error {
	if a.tools != nil {
		return nil
	}
	tc := a.cfg.Tools
	if len(tc.Servers) == 0 && !tc.Clock {
		return nil
	}

	host := mcphost.New(mcphost.WithLatencyBudget(tc.LatencyBudget))
	a.tools = host
	a.closers = append(a.closers, host.Close)

	if tc.Clock {
		if err := host.RegisterBuiltin(mcphost.ClockTool(time.Now)); err != nil {
			return fmt.Errorf("register clock tool: %w", err)
		}
	}
	for _, srv := range tc.Servers {
		if err := host.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			slog.Warn("mcp server unavailable, continuing without it", "name", srv.Name, "err", err)
			continue
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	slog.Info("tools ready", "count", len(host.Tools()))
	return nil
}

// initDialogue builds the audio path and the orchestrator.
func (a *App) initDialogue() error {
	ac := a.cfg.Audio
	transcoder := opus.NewTranscoder(opus.WithInputFormat(audio.Format{
		SampleRate: ac.SampleRate,
		Channels:   ac.Channels,
	}))

	var reducer *denoise.Reducer
	if ac.Denoise.Enabled {
		reducer = denoise.New(denoise.Config{
			BufferSize:        ac.Denoise.BufferSize,
			EstimationFrames:  ac.Denoise.EstimationFrames,
			SubtractionFactor: ac.Denoise.SubtractionFactor,
			NoiseFloor:        ac.Denoise.NoiseFloor,
		})
	}

	vc := a.cfg.VAD
	detector := vad.New(vad.Config{
		SpeechThreshold:           vc.SpeechThreshold,
		SilenceOffset:             vc.SilenceOffset,
		EnergyThreshold:           vc.EnergyThreshold,
		DisableEnergyGate:         vc.DisableEnergyGate,
		RequiredConsecutiveFrames: vc.RequiredConsecutiveFrames,
		MinSilenceMs:              vc.MinSilenceMs,
		MaxSilenceMs:              vc.MaxSilenceMs,
		PreBufferBytes:            vc.PreBufferBytes,
	}, a.providers.VAD)

	a.wake = dialogue.NewWakeWords(a.cfg.WakeWords...)

	dc := a.cfg.Dialogue
	orch, err := dialogue.NewOrchestrator(dialogue.Config{
		Registry:          a.registry,
		Devices:           a.lookup,
		Providers:         a.providers.Dialogue(),
		Transcoder:        transcoder,
		Denoiser:          reducer,
		VAD:               detector,
		Tools:             a.tools,
		WakeWords:         a.wake,
		SynthesisWorkers:  dc.SynthesisWorkers,
		PlaybackWorkers:   dc.PlaybackWorkers,
		MaxPending:        dc.MaxPending,
		MaxLateFrames:     dc.MaxLateFrames,
		MaxToolRounds:     dc.MaxToolRounds,
		HistoryTokens:     dc.HistoryTokens,
		Summarise:         dc.Summarise,
		MinSentenceLength: dc.MinSentenceLength,
		Apology:           dc.Apology,
		Temperature:       dc.Temperature,
		MaxTokens:         dc.MaxTokens,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initHTTP builds the gateway, the health handler and the mux serving them.
func (a *App) initHTTP() {
	sc := a.cfg.Server
	gwOpts := []gateway.Option{
		gateway.WithWriteTimeout(sc.WriteTimeout),
		gateway.WithMaxMessageBytes(sc.MaxMessageBytes),
		gateway.WithFrameRate(sc.FrameRate, sc.FrameBurst),
		gateway.WithAudioParams(session.AudioParams{
			Codec:   session.DefaultAudioParams.Codec,
			Format:  audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels},
			FrameMs: a.cfg.Audio.FrameMs,
		}),
	}
	if len(sc.AllowedOrigins) > 0 {
		gwOpts = append(gwOpts, gateway.WithOriginPatterns(sc.AllowedOrigins...))
	}
	a.gateway = gateway.New(a.orch, gwOpts...)

	checkers := []health.Checker{health.Draining(&a.draining)}
	if a.store != nil {
		checkers = append(checkers, health.Ping("devices", a.store))
	}
	checkers = append(checkers, a.providers.Checkers...)
	a.health = health.New(checkers, health.WithSessionCount(a.registry.Len))

	mux := http.NewServeMux()
	mux.Handle(sc.WebSocketPath, a.acceptDevices(a.gateway))
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)

	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// acceptDevices rejects new device connections once draining has begun.
func (a *App) acceptDevices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.draining.Load() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves devices, sweeps idle sessions and watches the config file until
// ctx is cancelled or the listener fails. When ctx is done it stops accepting connections and waits
// up to [DefaultDrainTimeout] for in-flight requests, then returns
// context.Canceled (or the underlying cause). Live sessions stay open until
// Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.addr <- ln.Addr()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.registry.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), DefaultDrainTimeout)
		defer cancel()
		return a.stopHTTP(drainCtx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "path", a.cfg.Server.WebSocketPath)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Addr blocks until Run is listening and returns the bound address.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-a.addr:
		a.addr <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions returns the number of live sessions.
func (a *App) Sessions() int { return a.registry.Len() }

func (a *App) stopHTTP(ctx context.Context) error {
	var err error
	a.httpOnce.Do(func() {
		a.draining.Store(true)
		if err = a.server.Shutdown(ctx); err != nil {
			err = fmt.Errorf("app: http shutdown: %w", err)
		}
	})
	return err
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the parts of a changed config that can change at runtime:
// the log level, device profiles and wake words. Anything else is logged
// and takes effect on the next restart. It is the callback for
// [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.DevicesChanged && a.known != nil {
		dc := new.Devices
		def := dc.Default.Profile()
		a.known.Set(def, false, dc.StaticProfiles()...)
		a.fallback.Set(def, dc.AllowUnknown)
		for _, c := range d.DeviceChanges {
			slog.Info("device profile reloaded", "device", c.DeviceID,
				"added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
	}

	if d.WakeWordsChanged {
		a.wake.Set(new.WakeWords)
		slog.Info("wake words reloaded", "count", len(new.WakeWords))
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains and tears down all subsystems. It stops accepting devices,
// closes every session, waits for running turns to finish and then runs the
// closers in order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))

		if err := a.stopHTTP(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		a.registry.CloseAll(session.ReasonShutdown)

		done := make(chan struct{})
		go func() {
			a.orch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for turns")
			shutdownErr = ctx.Err()
			return
		}

		if !a.closeAll(ctx) {
			shutdownErr = ctx.Err()
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in order. It reports false when ctx expired
// before every closer ran.
func (a *App) closeAll(ctx context.Context) bool {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return false
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return true
}
