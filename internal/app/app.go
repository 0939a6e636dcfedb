// Package app wires all voxbooth subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, Reload applies
// hot-reloadable config changes, and Shutdown tears everything down in order.
//
// For testing, inject doubles via [Providers] and the functional options
// (WithSessionStore, WithPublisher, WithMetrics). When one is not provided,
// New creates the real implementation from the config.
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

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbooth/internal/config"
	"github.com/MrWong99/voxbooth/internal/conversation"
	"github.com/MrWong99/voxbooth/internal/events"
	"github.com/MrWong99/voxbooth/internal/gateway"
	"github.com/MrWong99/voxbooth/internal/health"
	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/internal/resilience"
	"github.com/MrWong99/voxbooth/internal/session"
	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/memory/postgres"
	"github.com/MrWong99/voxbooth/pkg/memory/sqlite"
	"github.com/MrWong99/voxbooth/pkg/playback"
	"github.com/MrWong99/voxbooth/pkg/provider/llm"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
	"github.com/MrWong99/voxbooth/pkg/provider/tts/minimax"
	"github.com/MrWong99/voxbooth/pkg/transcode"
)

// Providers holds the externally built backends. Nil LLM disables reply
// generation; nil TTS makes New build the MiniMax provider from config.
type Providers struct {
	LLM llm.Provider
	TTS tts.Streamer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers Providers
	version   string
	logLevel  *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry *observe.Telemetry
	metrics   *observe.Metrics
	store     memory.SessionStore
	publisher events.Publisher
	manager   *session.Manager
	replies   *conversation.Service
	handler   http.Handler
	checkers  []health.Checker

	addr atomic.Pointer[net.Addr]

	// closers are called in reverse registration order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of opening one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics injects metrics and skips the global telemetry setup. /metrics
// is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets Reload adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithVersion sets the service version reported to telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers come from
// main.go (the LLM is built via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	if providers != nil {
		a.providers = *providers
	}
	for _, o := range opts {
		o(a)
	}

	// On failure, release whatever was already opened.
	ok := false
	defer func() {
		if !ok {
			a.runClosers(context.Background())
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Synthesis provider ────────────────────────────────────────────
	if err := a.initSynthesis(); err != nil {
		return nil, fmt.Errorf("app: init synthesis: %w", err)
	}

	// ── 4. Lifecycle events ──────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 5. Session manager ───────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 6. Reply generation ──────────────────────────────────────────────
	if err := a.initConversation(); err != nil {
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: a.version,
		OTLPEndpoint:   a.cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   a.cfg.Telemetry.OTLPInsecure,
		StdoutTraces:   a.cfg.Telemetry.StdoutTraces,
	})
	if err != nil {
		return err
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(ctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initStore opens the configured session store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Store.Driver {
		case config.StorePostgres:
			s, err := postgres.NewStore(ctx, a.cfg.Store.DSN)
			if err != nil {
				return err
			}
			a.store = s
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, a.cfg.Store.DSN)
			if err != nil {
				return err
			}
			a.store = s
		default:
			a.store = memory.NewMemStore()
		}
		a.closers = append(a.closers, a.store.Close)
		slog.Info("session store ready", "driver", a.cfg.Store.Driver)
	}
	a.checkers = append(a.checkers, health.PingChecker("store", a.store))
	return nil
}

// initSynthesis builds the MiniMax provider unless a streamer was injected.
func (a *App) initSynthesis() error {
	if a.providers.TTS != nil {
		return nil
	}
	p, err := minimax.New(a.cfg.Synthesis.APIKey, minimaxOptions(a.cfg.Synthesis)...)
	if err != nil {
		return err
	}
	a.providers.TTS = p
	return nil
}

func minimaxOptions(s config.SynthesisConfig) []minimax.Option {
	var opts []minimax.Option
	if s.WSURL != "" {
		opts = append(opts, minimax.WithWSURL(s.WSURL))
	}
	if s.HTTPBaseURL != "" {
		opts = append(opts, minimax.WithHTTPBaseURL(s.HTTPBaseURL))
	}
	if s.GroupID != "" {
		opts = append(opts, minimax.WithGroupID(s.GroupID))
	}
	if s.Model != "" {
		opts = append(opts, minimax.WithModel(s.Model))
	}
	if s.LanguageBoost != "" {
		opts = append(opts, minimax.WithLanguageBoost(s.LanguageBoost))
	}
	if s.Volume != 0 || s.Pitch != 0 {
		vol := s.Volume
		if vol == 0 {
			vol = 1
		}
		opts = append(opts, minimax.WithVoice(vol, s.Pitch))
	}

	audio := minimax.DefaultAudioSettings()
	if s.SampleRate > 0 {
		audio.SampleRate = s.SampleRate
	}
	if s.Bitrate > 0 {
		audio.Bitrate = s.Bitrate
	}
	if s.Channels > 0 {
		audio.Channels = s.Channels
	}
	opts = append(opts, minimax.WithAudio(audio))

	retry := resilience.DefaultRetryConfig()
	if s.Retry.Attempts > 0 {
		retry.Attempts = s.Retry.Attempts
	}
	if s.Retry.Delay > 0 {
		retry.Delay = s.Retry.Delay
	}
	return append(opts, minimax.WithRetry(retry))
}

// initEvents connects the lifecycle event publisher: an external NATS
// server, an embedded one, or nothing.
func (a *App) initEvents() error {
	if a.publisher != nil {
		return nil
	}
	ev := a.cfg.Events
	url := ev.NATSURL
	if url == "" && ev.Embedded {
		srv, err := events.StartEmbedded("127.0.0.1", ev.EmbeddedPort)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { srv.Shutdown(); return nil })
		url = srv.ClientURL()
	}
	if url == "" {
		a.publisher = events.Nop{}
		return nil
	}

	pub, err := events.Connect(url, ev.SubjectPrefix)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.closers = append(a.closers, pub.Close)
	a.checkers = append(a.checkers, health.Checker{Name: "events", Check: pub.Check})
	return nil
}

func (a *App) initSessions() error {
	s := a.cfg.Synthesis
	mcfg := session.Config{
		Streamer:     a.providers.TTS,
		Mode:         session.Mode(s.Mode),
		Timeout:      s.Timeout,
		Defaults:     session.Settings{Model: s.Model, Speed: s.Speed},
		ResolveVoice: gateway.StoreVoiceResolver(a.store),
		Metrics:      a.metrics,
		Events:       a.publisher,
	}
	if mcfg.Mode == session.ModeTranscode {
		argv, err := transcode.ParseCommand(s.TranscoderCommand)
		if err != nil {
			return err
		}
		mcfg.TranscoderArgv = argv
		a.checkers = append(a.checkers, health.BinaryChecker("transcoder", argv[0]))
	}
	m, err := session.NewManager(mcfg)
	if err != nil {
		return err
	}
	a.manager = m
	return nil
}

func (a *App) initConversation() error {
	if a.providers.LLM == nil {
		return nil
	}
	c := a.cfg.Conversation
	svc, err := conversation.New(conversation.Config{
		LLM:              a.providers.LLM,
		Store:            a.store,
		SystemPrompt:     c.SystemPrompt,
		HistoryTurns:     c.HistoryTurns,
		MaxHistoryTokens: c.MaxHistoryTokens,
		MaxTokens:        c.MaxTokens,
		Temperature:      c.Temperature,
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}
	a.replies = svc
	return nil
}

func (a *App) initHTTP() error {
	gcfg := gateway.Config{
		Manager:        a.manager,
		Store:          a.store,
		Playback:       PlaybackConfig(a.cfg.Playback),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}
	// Voice enrollment and download synthesis are MiniMax REST calls.
	if p, ok := a.providers.TTS.(gateway.VoiceCloner); ok {
		gcfg.Voices = p
	}
	if p, ok := a.providers.TTS.(gateway.Synthesizer); ok {
		gcfg.Speech = p
	}
	if a.replies != nil {
		gcfg.Replies = a.replies
	}
	gw, err := gateway.New(gcfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	gw.Register(mux)
	health.New(a.checkers...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)
	return nil
}

// PlaybackConfig converts the playback section into controller thresholds,
// keeping the built-in default for every zero field.
func PlaybackConfig(c config.PlaybackConfig) playback.Config {
	pc := playback.DefaultConfig()
	setDur := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	setDur(&pc.BufferGoal, c.BufferGoal)
	setDur(&pc.LowWater, c.LowWater)
	setDur(&pc.HighWater, c.HighWater)
	setDur(&pc.HardLow, c.HardLow)
	setDur(&pc.Batcher.Target, c.BatchTarget)
	setDur(&pc.Batcher.UrgentTarget, c.UrgentBatchTarget)
	if c.BatchMaxBytes > 0 {
		pc.Batcher.MaxBytes = c.BatchMaxBytes
	}
	if c.UrgentBatchMaxBytes > 0 {
		pc.Batcher.UrgentMaxBytes = c.UrgentBatchMaxBytes
	}
	return pc
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// Addr returns the listening address once Run has bound it, or nil.
func (a *App) Addr() net.Addr {
	if p := a.addr.Load(); p != nil {
		return *p
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr until ctx is cancelled, then stops
// accepting requests and returns. Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	addr := ln.Addr()
	a.addr.Store(&addr)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr.String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Reload applies the hot-reloadable part of a config change.
func (a *App) Reload(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.SynthesisDefaultsChanged {
		a.manager.SetDefaults(session.Settings{Model: diff.NewModel, Speed: diff.NewSpeed})
		slog.Info("synthesis defaults changed", "model", diff.NewModel, "speed", diff.NewSpeed)
	}
	if diff.SystemPromptChanged && a.replies != nil {
		a.replies.SetSystemPrompt(diff.NewSystemPrompt)
		slog.Info("system prompt changed")
	}
	a.cfg = next
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels running synthesis, closes every client socket and then
// releases the subsystems in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.manager != nil {
			if err := a.manager.Close(ctx); err != nil {
				slog.Warn("session manager close error", "err", err)
			}
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	defer func() { a.closers = nil }()
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
