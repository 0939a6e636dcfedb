package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxbooth/internal/events"
	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/pkg/protocol"
	"github.com/MrWong99/voxbooth/pkg/provider/tts"
	"github.com/MrWong99/voxbooth/pkg/transcode"
)

var (
	// ErrBusy is returned by [Session.Speak] while a previous request of the
	// same session is still running.
	ErrBusy = errors.New("session: a synthesis request is already in progress")

	// ErrEmptyText is returned by [Session.Speak] for blank text.
	ErrEmptyText = errors.New("session: text must not be empty")

	// ErrNoVoice is returned by [Session.Speak] when neither the request nor
	// the session store supplies a voice ID.
	ErrNoVoice = errors.New("session: no voice has been cloned for this session")

	// ErrTimeout is the cancellation cause of a task that exceeded its
	// deadline.
	ErrTimeout = errors.New("session: synthesis timed out")
)

// terminalWriteTimeout bounds the stats and terminal message writes, which
// run on a context detached from the (possibly cancelled) task.
const terminalWriteTimeout = 5 * time.Second

// Request is one speak call. It is immutable once accepted.
type Request struct {
	Text    string
	VoiceID string
	Model   string
	Speed   float64
}

// Session is one visitor's streaming state. It never holds a client socket;
// see [Registry].
type Session struct {
	id string
	m  *Manager

	processing atomic.Bool

	// ended is set when the session's live socket detached. A session created
	// later under the same ID is a different Session; tasks of this one must
	// not reach its socket.
	ended atomic.Bool

	mu       sync.Mutex
	settings Settings
	task     *Task
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Settings returns the current synthesis settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Refresh updates the settings. An empty model or nil speed leaves that
// setting unchanged. A running task keeps the settings it started with.
func (s *Session) Refresh(model string, speed *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != "" {
		s.settings.Model = model
	}
	if speed != nil && *speed > 0 {
		s.settings.Speed = *speed
	}
}

// Processing reports whether a request has been accepted and has not yet
// delivered its terminal message.
func (s *Session) Processing() bool { return s.processing.Load() }

// Task returns the running task, or nil.
func (s *Session) Task() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// Speak accepts text for synthesis and starts a [Task] in the background.
// It fails fast with [ErrBusy] while another request is in flight, without
// contacting the provider.
func (s *Session) Speak(ctx context.Context, text, voiceID string) (*Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if !s.processing.CompareAndSwap(false, true) {
		s.m.metrics.BusyRejections.Add(ctx, 1)
		return nil, ErrBusy
	}

	if voiceID == "" && s.m.resolve != nil {
		v, err := s.m.resolve(ctx, s.id)
		if err != nil {
			s.processing.Store(false)
			return nil, fmt.Errorf("session: resolve voice: %w", err)
		}
		voiceID = v
	}
	if voiceID == "" {
		s.processing.Store(false)
		return nil, ErrNoVoice
	}

	// The task is counted under the manager lock so that Close, which sets
	// closed under the same lock before waiting, never races the Add.
	s.m.mu.Lock()
	if s.m.closed {
		s.m.mu.Unlock()
		s.processing.Store(false)
		return nil, ErrShutdown
	}
	if s.ended.Load() {
		s.m.mu.Unlock()
		s.processing.Store(false)
		return nil, ErrClientGone
	}
	s.m.tasks.Add(1)
	s.m.mu.Unlock()

	settings := s.Settings()
	req := Request{Text: text, VoiceID: voiceID, Model: settings.Model, Speed: settings.Speed}

	t := s.newTask(req)
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()

	go func() {
		defer s.m.tasks.Done()
		t.run()
	}()
	return t, nil
}

// cancel aborts the running task, if any.
func (s *Session) cancel(cause error) {
	if t := s.Task(); t != nil {
		t.Cancel(cause)
	}
}

// release clears the task slot and the processing flag. It runs after the
// terminal message has been sent.
func (s *Session) release(t *Task) {
	s.mu.Lock()
	if s.task == t {
		s.task = nil
	}
	s.mu.Unlock()
	s.processing.Store(false)
}

// Stats counts the bytes of one task at each pipeline stage.
type Stats struct {
	bytesIn      atomic.Int64
	bytesBridged atomic.Int64
	bytesOut     atomic.Int64
	bytesSent    atomic.Int64
	bytesDropped atomic.Int64
	fragments    atomic.Int64
}

// Task is one running synthesis request.
type Task struct {
	id      string
	session *Session
	req     Request

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	span   trace.Span

	started    time.Time
	firstAudio atomic.Bool
	stats      Stats

	once sync.Once
	done chan struct{}
	err  error
}

func (s *Session) newTask(req Request) *Task {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(observe.WithSessionID(s.m.base, s.id))
	ctx, stop := context.WithTimeoutCause(ctx, s.m.timeout, ErrTimeout)
	ctx, span := observe.StartSpan(ctx, "session.synthesis", trace.WithAttributes(
		observe.Attr("session.id", s.id),
		observe.Attr("task.id", id),
		observe.Attr("synthesis.mode", string(s.m.mode)),
	))
	return &Task{
		id:      id,
		session: s,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		stop:    stop,
		span:    span,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID returns the task ID.
func (t *Task) ID() string { return t.id }

// Request returns the request the task is synthesising.
func (t *Task) Request() Request { return t.req }

// Done is closed after the terminal message has been sent.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task outcome once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel aborts the task with cause. The task still sends its terminal
// message if a client socket is registered.
func (t *Task) Cancel(cause error) { t.cancel(cause) }

// Stats returns a snapshot of the task's counters.
func (t *Task) Stats() protocol.Stats {
	return protocol.Stats{
		BytesIn:      t.stats.bytesIn.Load(),
		BytesBridged: t.stats.bytesBridged.Load(),
		BytesOut:     t.stats.bytesOut.Load(),
		BytesSent:    t.stats.bytesSent.Load(),
		BytesDropped: t.stats.bytesDropped.Load(),
		Fragments:    t.stats.fragments.Load(),
		DurationMs:   time.Since(t.started).Milliseconds(),
	}
}

func (t *Task) run() {
	m := t.session.m
	log := observe.Logger(t.ctx).With("task_id", t.id, "mode", string(m.mode))
	log.Info("synthesis started", "voice_id", t.req.VoiceID, "chars", len(t.req.Text))
	m.publish(t, events.KindStarted, nil)

	var err error
	switch m.mode {
	case ModeTranscode:
		err = t.transcode(log)
	default:
		err = t.relay()
	}
	t.complete(err)
}

func (t *Task) open() (tts.Stream, error) {
	m := t.session.m
	stream, err := m.streamer.Stream(t.ctx, tts.Request{
		Text:    t.req.Text,
		VoiceID: t.req.VoiceID,
		Model:   t.req.Model,
		Speed:   t.req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("session: start provider stream: %w", err)
	}
	return stream, nil
}

// relay forwards provider fragments to the client as they arrive.
func (t *Task) relay() error {
	stream, err := t.open()
	if err != nil {
		return err
	}
	defer stream.Close()

	for chunk := range stream.Audio() {
		t.received(chunk)
		t.stats.bytesOut.Add(int64(len(chunk)))
		t.deliver(chunk)
	}
	return t.streamErr(stream)
}

// transcode feeds provider fragments into a transcoder process and forwards
// its output. Success requires the provider to reach its final fragment and
// the transcoder output to be fully drained.
func (t *Task) transcode(log *slog.Logger) error {
	m := t.session.m
	stream, err := t.open()
	if err != nil {
		return err
	}
	defer stream.Close()

	bridge, err := transcode.Start(t.ctx, m.argv)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for chunk := range bridge.Output() {
			t.stats.bytesOut.Add(int64(len(chunk)))
			t.deliver(chunk)
		}
	}()

	fail := func(err error) error {
		bridge.Kill()
		<-forwarded
		<-bridge.Done()
		return err
	}

	for chunk := range stream.Audio() {
		t.received(chunk)
		if err := bridge.Write(chunk); err != nil {
			if cause := context.Cause(t.ctx); cause != nil {
				return fail(cause)
			}
			return fail(fmt.Errorf("session: feed transcoder: %w", err))
		}
		t.stats.bytesBridged.Add(int64(len(chunk)))
	}
	if err := t.streamErr(stream); err != nil {
		return fail(err)
	}

	if err := bridge.Finalize(); err != nil {
		return fail(fmt.Errorf("session: %w", err))
	}
	select {
	case <-forwarded:
	case <-t.ctx.Done():
		return fail(context.Cause(t.ctx))
	}
	<-bridge.Done()
	if err := context.Cause(t.ctx); err != nil {
		return err
	}
	if err := bridge.Err(); err != nil {
		log.Warn("transcoder exited with error after draining output", "err", err, "stderr", bridge.Stderr())
	}
	return nil
}

func (t *Task) received(chunk []byte) {
	n := int64(len(chunk))
	t.stats.fragments.Add(1)
	t.stats.bytesIn.Add(n)
	if t.firstAudio.CompareAndSwap(false, true) {
		t.session.m.metrics.FirstAudioLatency.Record(t.ctx, time.Since(t.started).Seconds())
	}
	t.session.m.metrics.RecordAudioBytes(t.ctx, "in", n)
}

func (t *Task) streamErr(stream tts.Stream) error {
	if err := stream.Err(); err != nil {
		if cause := context.Cause(t.ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("session: provider stream: %w", err)
	}
	return nil
}

// conn returns the socket currently registered for the task's session, or
// nil once that session has ended. The registry is keyed by ID only, so a
// socket attached after the end belongs to a newer session.
func (t *Task) conn() Conn {
	if t.session.ended.Load() {
		return nil
	}
	return t.session.m.registry.Lookup(t.session.id)
}

// deliver pushes one audio frame to whichever socket is registered for the
// session right now. With no socket the bytes are counted as dropped.
func (t *Task) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	n := int64(len(p))
	conn := t.conn()
	if conn == nil {
		t.stats.bytesDropped.Add(n)
		return
	}
	if err := conn.WriteAudio(t.ctx, p); err != nil {
		t.stats.bytesDropped.Add(n)
		observe.Logger(t.ctx).Debug("audio frame dropped", "err", err)
		return
	}
	t.stats.bytesSent.Add(n)
	t.session.m.metrics.RecordAudioBytes(t.ctx, "sent", n)
}

// complete sends the stats and exactly one terminal message, then releases
// the session. Only the first call has any effect.
func (t *Task) complete(err error) {
	t.once.Do(func() {
		m := t.session.m
		t.err = err
		stats := t.Stats()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), terminalWriteTimeout)
		if conn := t.conn(); conn != nil {
			_ = conn.WriteMessage(ctx, protocol.StatsMessage(stats))
			if err == nil {
				_ = conn.WriteMessage(ctx, protocol.TaskComplete())
			} else {
				_ = conn.WriteMessage(ctx, protocol.Error(err.Error()))
			}
		}
		cancel()

		status := "ok"
		log := observe.Logger(t.ctx).With("task_id", t.id)
		if err != nil {
			status = "error"
			t.span.RecordError(err)
			t.span.SetStatus(codes.Error, errorKind(err))
			log.Warn("synthesis failed", "err", err, "bytes_sent", stats.BytesSent)
			m.metrics.RecordProviderError(ctx, "minimax", errorKind(err))
			m.publish(t, events.KindFailed, &stats)
		} else {
			log.Info("synthesis completed", "bytes_sent", stats.BytesSent, "duration_ms", stats.DurationMs)
			m.publish(t, events.KindCompleted, &stats)
		}
		m.metrics.SynthesisDuration.Record(ctx, time.Since(t.started).Seconds(),
			metric.WithAttributes(observe.Attr("mode", string(m.mode)), observe.Attr("status", status)))
		m.metrics.RecordProviderRequest(ctx, "minimax", "stream", status)

		t.span.End()
		t.stop()
		t.cancel(context.Canceled)
		t.session.release(t)
		close(t.done)
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClientGone), errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "provider"
	}
}

func (m *Manager) publish(t *Task, kind events.Kind, stats *protocol.Stats) {
	ev := events.Event{
		Kind:      kind,
		SessionID: t.session.id,
		TaskID:    t.id,
		VoiceID:   t.req.VoiceID,
		Mode:      string(m.mode),
		Stats:     stats,
		Time:      time.Now().UTC(),
	}
	if kind == events.KindFailed && t.err != nil {
		ev.Error = t.err.Error()
	}
	if err := m.events.Publish(context.WithoutCancel(t.ctx), ev); err != nil {
		slog.Debug("publish synthesis event", "kind", string(kind), "err", err)
	}
}
