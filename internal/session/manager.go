// Package session implements the server side of the streaming pipeline: the
// per-visitor [Session], the [Task] that pulls audio from the synthesis
// provider and pushes it to the client, and the [Registry] that decides which
// client socket currently receives a session's audio.
//
// All mutable state is owned by a [Manager]. Lock order is Manager before
// Registry; a Session's own mutex is never held while calling into either.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbooth/internal/events"
	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
)

// Mode selects how provider audio reaches the client.
type Mode string

const (
	// ModeRelay forwards provider MP3 fragments unchanged.
	ModeRelay Mode = "relay"

	// ModeTranscode pipes provider audio through an external transcoder and
	// forwards its output.
	ModeTranscode Mode = "transcode"
)

// DefaultTimeout is the absolute deadline for one synthesis task.
const DefaultTimeout = 30 * time.Second

// ErrClientGone is the cancellation cause of a task whose client socket
// closed while it was running.
var ErrClientGone = errors.New("session: client socket closed")

// ErrShutdown is the cancellation cause of tasks still running when the
// Manager is closed.
var ErrShutdown = errors.New("session: manager shut down")

// Settings are the per-session synthesis knobs a client may change with
// init and refresh.
type Settings struct {
	Model string
	Speed float64
}

// VoiceResolver returns the stored voice ID for a session. It is consulted
// when a speak request carries no voice ID.
type VoiceResolver func(ctx context.Context, sessionID string) (string, error)

// Config holds the dependencies and knobs of a [Manager].
type Config struct {
	// Streamer opens provider audio streams. Required.
	Streamer tts.Streamer

	// Mode defaults to [ModeRelay].
	Mode Mode

	// TranscoderArgv is the transcoder command line. Required for
	// [ModeTranscode].
	TranscoderArgv []string

	// Timeout defaults to [DefaultTimeout].
	Timeout time.Duration

	// Defaults seed the settings of new sessions.
	Defaults Settings

	// ResolveVoice is optional.
	ResolveVoice VoiceResolver

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Events defaults to [events.Nop].
	Events events.Publisher
}

// Manager owns every live [Session] and the [Registry].
type Manager struct {
	streamer tts.Streamer
	mode     Mode
	argv     []string
	timeout  time.Duration
	resolve  VoiceResolver
	metrics  *observe.Metrics
	events   events.Publisher
	registry *Registry

	// base is the parent of every task context; cancelled by Close.
	base       context.Context
	cancelBase context.CancelCauseFunc
	tasks      sync.WaitGroup

	mu       sync.Mutex
	defaults Settings
	sessions map[string]*Session
	closed   bool
}

// NewManager validates cfg and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Streamer == nil {
		return nil, errors.New("session: streamer is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRelay
	}
	switch cfg.Mode {
	case ModeRelay:
	case ModeTranscode:
		if len(cfg.TranscoderArgv) == 0 {
			return nil, errors.New("session: transcode mode requires a transcoder command")
		}
	default:
		return nil, fmt.Errorf("session: unknown mode %q", cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}

	base, cancel := context.WithCancelCause(context.Background())
	m := &Manager{
		streamer:   cfg.Streamer,
		mode:       cfg.Mode,
		argv:       cfg.TranscoderArgv,
		timeout:    cfg.Timeout,
		resolve:    cfg.ResolveVoice,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		registry:   NewRegistry(),
		base:       base,
		cancelBase: cancel,
		defaults:   cfg.Defaults,
		sessions:   make(map[string]*Session),
	}
	m.registry.onSupersede = func(string) {
		m.metrics.SupersededSockets.Add(context.Background(), 1)
	}
	return m, nil
}

// Registry returns the Manager's connection registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Mode returns the configured synthesis mode.
func (m *Manager) Mode() Mode { return m.mode }

// SetDefaults replaces the settings seeded into sessions created from now
// on. Existing sessions keep theirs.
func (m *Manager) SetDefaults(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = s
}

// Defaults returns the current default settings.
func (m *Manager) Defaults() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults
}

// Attach registers conn as the live socket for id, creating the session if
// it does not exist yet. Overrides with a zero value are ignored. A socket
// previously registered for id is closed as superseded; the session and any
// task it is running survive and continue on conn.
func (m *Manager) Attach(conn Conn, id string, model string, speed *float64) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: session ID must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{id: id, m: m, settings: m.defaults}
		m.sessions[id] = s
		m.metrics.ActiveSessions.Add(context.Background(), 1)
		slog.Info("session created", "session_id", id)
	}
	// A repeated init on the same socket is a refresh, not a new socket.
	already := m.registry.Lookup(id) == conn
	prior := m.registry.Register(conn, id)
	m.mu.Unlock()

	switch {
	case already:
	case prior == nil:
		m.metrics.ActiveSockets.Add(context.Background(), 1)
	default:
		slog.Info("client socket superseded", "session_id", id)
	}
	s.Refresh(model, speed)
	return s, nil
}

// Detach is called when conn closes. If conn is still the live socket for id
// the session is destroyed and its in-flight task cancelled with
// [ErrClientGone]. A superseded socket detaching is a no-op.
func (m *Manager) Detach(conn Conn, id string) {
	m.mu.Lock()
	if !m.registry.Unregister(conn, id) {
		m.mu.Unlock()
		return
	}
	s := m.sessions[id]
	delete(m.sessions, id)
	if s != nil {
		s.ended.Store(true)
	}
	m.mu.Unlock()

	m.metrics.ActiveSockets.Add(context.Background(), -1)
	if s == nil {
		return
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	s.cancel(ErrClientGone)
	slog.Info("session closed", "session_id", id)
}

// Session returns the live session for id, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close cancels every running task with [ErrShutdown], closes all client
// sockets and waits for the tasks to finish or ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.cancelBase(ErrShutdown)

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("session: waiting for tasks: %w", ctx.Err())
	}
	m.registry.CloseAll(1001, "server shutting down")
	return err
}
