// Package playback implements the client half of the streaming pipeline: it
// turns an ordered stream of small encoded audio fragments into gapless,
// low-latency playback on a [Sink].
//
// Fragments pass through three stages:
//
//   - A [Sniffer] decides the container once per stream from its first bytes.
//   - A [Batcher] coalesces fragments into fewer, larger appends.
//   - A [Controller] owns a FIFO of batches and an adaptive jitter buffer. It
//     delays playback until enough audio is buffered, keeps at most one
//     Append outstanding, adapts its goal to underrun pressure, recovers
//     from rejected appends, and finalizes the sink only when the tail is
//     safely buffered.
//
// All Controller state lives on one event-loop goroutine ([Controller.Run]);
// the public methods only post messages to it.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ─── State ──────────────────────────────────────────────────────────────────

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateIdle means no request is active.
	StateIdle State = iota

	// StateAwaitingFirstChunk means a request began but no bytes arrived yet.
	StateAwaitingFirstChunk

	// StateStreaming means bytes are arriving.
	StateStreaming

	// StateDraining means the server signalled end of stream and the
	// remaining queue is being flushed to the sink.
	StateDraining

	// StateStopped is the sticky stop. Incoming fragments are dropped until
	// the next [Controller.Begin].
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstChunk:
		return "awaiting_first_chunk"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ─── Config ─────────────────────────────────────────────────────────────────

// Config holds the jitter-buffer thresholds. Zero fields fall back to
// [DefaultConfig].
type Config struct {
	// BufferGoal is the initial amount of audio buffered ahead of the
	// playhead before playback starts. Default: 1150ms.
	BufferGoal time.Duration

	// LowWater raises the goal and enables urgent batching when buffered
	// audio drops below it during playback. Default: 400ms.
	LowWater time.Duration

	// HighWater lowers the goal back toward BufferGoal and disables urgent
	// batching when buffered audio exceeds it. Default: 1800ms.
	HighWater time.Duration

	// HardLow forces an immediate flush of pending data on arrival when
	// buffered audio is at or below it. Default: 250ms.
	HardLow time.Duration

	// GoalStep is the amount the goal moves per adaptation. Default: 250ms.
	GoalStep time.Duration

	// MaxGoal caps the adaptive goal. Default: 3000ms.
	MaxGoal time.Duration

	// EndGuard is the minimum buffered tail before the sink is finalized.
	// Default: 200ms.
	EndGuard time.Duration

	// ResyncTrim is how much buffered tail is dropped after a rejected
	// append. Default: 250ms.
	ResyncTrim time.Duration

	// ResyncSeedBytes is the size of the tail of the last good batch that
	// is re-queued ahead of a rejected batch. Default: 2048.
	ResyncSeedBytes int

	// Watchdog re-pumps a non-empty queue that has sat idle this long.
	// Default: 50ms.
	Watchdog time.Duration

	// Tick is the adaptation interval. Default: 100ms.
	Tick time.Duration

	// MaxRecoveries is the number of consecutive rejected appends tolerated
	// before an [EventError] is emitted. Default: 3.
	MaxRecoveries int

	// Batcher holds the batch thresholds.
	Batcher BatcherConfig
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		BufferGoal:      1150 * time.Millisecond,
		LowWater:        400 * time.Millisecond,
		HighWater:       1800 * time.Millisecond,
		HardLow:         250 * time.Millisecond,
		GoalStep:        250 * time.Millisecond,
		MaxGoal:         3000 * time.Millisecond,
		EndGuard:        200 * time.Millisecond,
		ResyncTrim:      250 * time.Millisecond,
		ResyncSeedBytes: 2048,
		Watchdog:        50 * time.Millisecond,
		Tick:            100 * time.Millisecond,
		MaxRecoveries:   3,
		Batcher:         DefaultBatcherConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	durs := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.BufferGoal, d.BufferGoal},
		{&c.LowWater, d.LowWater},
		{&c.HighWater, d.HighWater},
		{&c.HardLow, d.HardLow},
		{&c.GoalStep, d.GoalStep},
		{&c.MaxGoal, d.MaxGoal},
		{&c.EndGuard, d.EndGuard},
		{&c.ResyncTrim, d.ResyncTrim},
		{&c.Watchdog, d.Watchdog},
		{&c.Tick, d.Tick},
	}
	for _, f := range durs {
		if *f.v <= 0 {
			*f.v = f.def
		}
	}
	if c.ResyncSeedBytes <= 0 {
		c.ResyncSeedBytes = d.ResyncSeedBytes
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = d.MaxRecoveries
	}
	if c.MaxGoal < c.BufferGoal {
		c.MaxGoal = c.BufferGoal
	}
	c.Batcher = c.Batcher.withDefaults()
	return c
}

// ─── Events and snapshots ───────────────────────────────────────────────────

// EventKind classifies an [Event].
type EventKind int

const (
	// EventStarted fires once per request when playback starts.
	EventStarted EventKind = iota

	// EventFinished fires when the finalized stream has played to its end.
	EventFinished

	// EventRecovered fires after a rejected append was resynchronised.
	EventRecovered

	// EventError fires when the stream cannot continue. The Controller
	// enters [StateStopped].
	EventError
)

// Event is an asynchronous notification from the [Controller].
type Event struct {
	Kind      EventKind
	Container Container
	Err       error
}

// Snapshot is a point-in-time copy of the Controller's state.
type Snapshot struct {
	State         State
	Container     Container
	Goal          time.Duration
	Ahead         time.Duration
	Urgent        bool
	Started       bool
	Finalized     bool
	QueuedBatches int
	QueuedBytes   int
}

// ─── Controller ─────────────────────────────────────────────────────────────

type msgKind int

const (
	msgBegin msgKind = iota
	msgFeed
	msgEndOfStream
	msgStop
	msgAppendDone
	msgResume
)

type message struct {
	kind msgKind
	data []byte
	gen  uint64
	err  error
}

// Controller is the adaptive jitter buffer in front of a [Sink].
//
// Create one with [NewController], start [Controller.Run] on its own
// goroutine, then call [Controller.Begin], [Controller.Feed] and
// [Controller.EndOfStream] for each request. [Controller.Stop] may be called
// at any time from any goroutine.
type Controller struct {
	cfg    Config
	sink   Sink
	msgs   chan message
	events chan Event
	done   chan struct{}

	// stopped mirrors StateStopped so Feed can drop without a round trip.
	stopped atomic.Bool

	snapMu sync.Mutex
	snap   Snapshot

	// Loop-owned state below.
	ctx         context.Context
	state       State
	gen         uint64
	sniffer     Sniffer
	batcher     *Batcher
	queue       [][]byte
	queuedBytes int
	appending   bool
	resuming    bool
	lastBatch   []byte
	lastPush    time.Time
	goal        time.Duration
	started     bool
	finalized   bool
	eos         bool
	recoveries  int
	batchTimer  *time.Timer
	batchTimerC <-chan time.Time
}

// NewController returns a Controller that drives sink.
func NewController(sink Sink, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		sink:    sink,
		msgs:    make(chan message, 64),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		batcher: NewBatcher(cfg.Batcher),
		goal:    cfg.BufferGoal,
	}
	c.publish()
	return c
}

// Events returns the event channel. It is closed when [Controller.Run]
// returns. Events are dropped if the channel is full.
func (c *Controller) Events() <-chan Event { return c.events }

// Snapshot returns the state as of the last processed message.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// Begin starts a new request and clears a sticky stop.
func (c *Controller) Begin() {
	c.stopped.Store(false)
	c.post(message{kind: msgBegin})
}

// Feed hands one fragment to the Controller, which takes ownership of p.
// Fragments are dropped while the Controller is stopped.
func (c *Controller) Feed(p []byte) {
	if len(p) == 0 || c.stopped.Load() {
		return
	}
	c.post(message{kind: msgFeed, data: p})
}

// EndOfStream signals that the current request will deliver no more bytes.
func (c *Controller) EndOfStream() {
	c.post(message{kind: msgEndOfStream})
}

// Stop halts playback immediately, discards everything buffered and drops
// all fragments until the next [Controller.Begin].
func (c *Controller) Stop() {
	c.stopped.Store(true)
	c.post(message{kind: msgStop})
}

func (c *Controller) post(m message) {
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

// Run processes messages until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	tick := time.NewTicker(c.cfg.Tick)
	watchdog := time.NewTicker(c.cfg.Watchdog)
	defer func() {
		tick.Stop()
		watchdog.Stop()
		c.disarmBatchTimer()
		close(c.done)
		close(c.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.msgs:
			c.handle(m)
		case <-c.batchTimerC:
			c.batchTimerC = nil
			c.flushBatcher()
			c.pump()
		case <-tick.C:
			c.adapt()
			c.advance()
		case <-watchdog.C:
			if !c.appending && len(c.queue) > 0 && time.Since(c.lastPush) > c.cfg.Watchdog {
				c.pump()
			}
			c.advance()
		}
		c.publish()
	}
}

func (c *Controller) handle(m message) {
	switch m.kind {
	case msgBegin:
		c.begin()
	case msgFeed:
		c.feed(m.data)
	case msgEndOfStream:
		c.endOfStream()
	case msgStop:
		c.stop()
	case msgAppendDone:
		c.appendDone(m)
	case msgResume:
		if m.gen == c.gen && c.resuming {
			c.resuming = false
			c.emit(Event{Kind: EventRecovered, Container: c.sniffer.Container()})
			c.pump()
		}
	}
}

// ─── Message handlers ───────────────────────────────────────────────────────

func (c *Controller) begin() {
	c.gen++
	c.reset()
	c.state = StateAwaitingFirstChunk
}

// reset clears all per-request state. An in-flight append keeps the
// appending flag set until its completion arrives.
func (c *Controller) reset() {
	c.disarmBatchTimer()
	c.sniffer.Reset()
	c.batcher.Reset()
	c.batcher.SetUrgent(false)
	clear(c.queue)
	c.queue = c.queue[:0]
	c.queuedBytes = 0
	c.resuming = false
	c.lastBatch = nil
	c.goal = c.cfg.BufferGoal
	c.started = false
	c.finalized = false
	c.eos = false
	c.recoveries = 0
}

func (c *Controller) feed(p []byte) {
	if c.stopped.Load() || c.state == StateStopped {
		return
	}
	if c.state == StateIdle {
		// Bytes without a Begin start an implicit request.
		c.begin()
	}
	if c.state == StateDraining && c.finalized {
		return
	}

	if !c.sniffer.Decided() {
		head, err := c.sniffer.Feed(p)
		if err != nil {
			c.fail(err)
			return
		}
		if head == nil {
			return
		}
		if err := c.sink.Open(c.sniffer.Container()); err != nil {
			c.fail(err)
			return
		}
		if c.state == StateAwaitingFirstChunk {
			c.state = StateStreaming
		}
		p = head
	}

	if batch, full := c.batcher.Add(p); full {
		c.disarmBatchTimer()
		c.enqueue(batch)
	} else if c.batcher.Pending() > 0 {
		c.armBatchTimer(c.batcher.Target())
	}

	if c.started && c.ahead() <= c.cfg.HardLow {
		c.flushBatcher()
	}
	c.pump()
}

func (c *Controller) endOfStream() {
	switch c.state {
	case StateIdle, StateStopped:
		return
	}

	// A stream shorter than the sniff window is still undecided here.
	if !c.sniffer.Decided() {
		head, err := c.sniffer.Flush()
		if err != nil {
			c.fail(err)
			return
		}
		if head == nil {
			c.state = StateIdle
			c.emit(Event{Kind: EventFinished})
			return
		}
		if err := c.sink.Open(c.sniffer.Container()); err != nil {
			c.fail(err)
			return
		}
		if batch, full := c.batcher.Add(head); full {
			c.enqueue(batch)
		}
	}
	c.eos = true
	c.state = StateDraining
	c.flushBatcher()
	c.pump()
	c.maybeStart()
	c.maybeFinalize()
}

func (c *Controller) stop() {
	c.gen++
	wasActive := c.state != StateIdle && c.state != StateStopped
	c.reset()
	c.state = StateStopped
	if !wasActive {
		return
	}
	c.sink.Pause()
	if end := c.sink.BufferedEnd(); end > 0 {
		if err := c.sink.Remove(0, end); err != nil {
			slog.Debug("playback: remove after stop failed", "err", err)
		}
	}
}

func (c *Controller) appendDone(m message) {
	c.appending = false
	c.lastPush = time.Now()
	if m.gen != c.gen {
		c.pump()
		return
	}
	if m.err != nil {
		c.recover(m.data, m.err)
		return
	}
	c.recoveries = 0
	c.lastBatch = m.data
	c.maybeStart()
	c.pump()
	c.maybeFinalize()
}

// recover trims the buffered tail, re-queues a small seed from the last good
// batch followed by the rejected one, and resumes after yielding a tick.
func (c *Controller) recover(batch []byte, cause error) {
	c.recoveries++
	if c.recoveries > c.cfg.MaxRecoveries {
		c.fail(cause)
		return
	}
	slog.Warn("playback: append rejected, resyncing", "attempt", c.recoveries, "err", cause)

	end := c.sink.BufferedEnd()
	from := max(end-c.cfg.ResyncTrim, c.sink.Position(), 0)
	if from < end {
		if err := c.sink.Remove(from, end); err != nil {
			slog.Debug("playback: trim after rejected append failed", "err", err)
		}
	}

	requeue := make([][]byte, 0, len(c.queue)+2)
	if n := len(c.lastBatch); n > 0 {
		seed := c.lastBatch[max(n-c.cfg.ResyncSeedBytes, 0):]
		requeue = append(requeue, seed)
		c.queuedBytes += len(seed)
	}
	requeue = append(requeue, batch)
	c.queuedBytes += len(batch)
	c.queue = append(requeue, c.queue...)

	c.resuming = true
	gen := c.gen
	time.AfterFunc(0, func() { c.post(message{kind: msgResume, gen: gen}) })
}

func (c *Controller) fail(err error) {
	slog.Error("playback: stream failed", "err", err)
	c.stopped.Store(true)
	c.stop()
	c.emit(Event{Kind: EventError, Err: err})
}

// ─── Buffer management ──────────────────────────────────────────────────────

func (c *Controller) enqueue(batch []byte) {
	if len(batch) == 0 {
		return
	}
	c.queue = append(c.queue, batch)
	c.queuedBytes += len(batch)
}

func (c *Controller) flushBatcher() {
	c.disarmBatchTimer()
	c.enqueue(c.batcher.Flush())
}

// pump starts the next append if none is outstanding.
func (c *Controller) pump() {
	if c.appending || c.resuming || len(c.queue) == 0 || c.state == StateStopped {
		return
	}
	batch := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.queuedBytes -= len(batch)
	c.appending = true
	c.lastPush = time.Now()

	gen, ctx := c.gen, c.ctx
	go func() {
		err := c.sink.Append(ctx, batch)
		c.post(message{kind: msgAppendDone, data: batch, gen: gen, err: err})
	}()
}

func (c *Controller) drained() bool {
	return len(c.queue) == 0 && c.batcher.Pending() == 0 && !c.appending && !c.resuming
}

func (c *Controller) ahead() time.Duration {
	return max(c.sink.BufferedEnd()-c.sink.Position(), 0)
}

// maybeStart starts playback the first time enough audio is buffered, or
// when a short request has been pushed completely.
func (c *Controller) maybeStart() {
	if c.started || c.state == StateStopped || c.state == StateIdle {
		return
	}
	if c.ahead() < c.goal && !(c.eos && c.drained()) {
		return
	}
	if err := c.sink.Play(); err != nil {
		c.fail(err)
		return
	}
	c.started = true
	c.emit(Event{Kind: EventStarted, Container: c.sniffer.Container()})
}

// maybeFinalize ends the sink once everything is pushed and the tail is
// either safely buffered or already reached by the playhead.
func (c *Controller) maybeFinalize() {
	if !c.eos || c.finalized || !c.started || c.state != StateDraining || !c.drained() {
		return
	}
	ahead := c.ahead()
	if ahead < c.cfg.EndGuard && ahead > 0 {
		return
	}
	if err := c.sink.EndOfStream(); err != nil {
		c.fail(err)
		return
	}
	c.finalized = true
}

// adapt moves the goal and batch mode according to buffered time.
func (c *Controller) adapt() {
	if !c.started || (c.state != StateStreaming && c.state != StateDraining) {
		return
	}
	switch ahead := c.ahead(); {
	case ahead < c.cfg.LowWater:
		c.goal = min(c.goal+c.cfg.GoalStep, c.cfg.MaxGoal)
		c.batcher.SetUrgent(true)
		if c.batcher.Full() {
			c.flushBatcher()
			c.pump()
		}
	case ahead > c.cfg.HighWater:
		c.goal = max(c.goal-c.cfg.GoalStep, c.cfg.BufferGoal)
		c.batcher.SetUrgent(false)
	}
}

// advance finalizes and retires a drained request as the playhead moves.
func (c *Controller) advance() {
	if c.state != StateDraining {
		return
	}
	c.maybeStart()
	c.maybeFinalize()
	if c.finalized && c.ahead() == 0 {
		c.state = StateIdle
		c.emit(Event{Kind: EventFinished, Container: c.sniffer.Container()})
	}
}

func (c *Controller) armBatchTimer(d time.Duration) {
	if c.batchTimerC != nil {
		return
	}
	c.batchTimer = time.NewTimer(d)
	c.batchTimerC = c.batchTimer.C
}

func (c *Controller) disarmBatchTimer() {
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
	c.batchTimerC = nil
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
		slog.Debug("playback: event dropped", "kind", e.Kind)
	}
}

func (c *Controller) publish() {
	s := Snapshot{
		State:         c.state,
		Container:     c.sniffer.Container(),
		Goal:          c.goal,
		Urgent:        c.batcher.Urgent(),
		Started:       c.started,
		Finalized:     c.finalized,
		QueuedBatches: len(c.queue),
		QueuedBytes:   c.queuedBytes,
	}
	if c.state != StateIdle && c.state != StateStopped {
		s.Ahead = c.ahead()
	}
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}
